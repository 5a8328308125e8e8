package worker

import (
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/tts-fulfillment/internal/core"
	"github.com/google/uuid"
)

// FulfillmentRequestEvent asks the service to generate and store speech.
type FulfillmentRequestEvent struct {
	Header  events.EventHeader `json:"header"`
	Request core.Request       `json:"request"`
}

// FulfillmentResultEvent is the reply to a FulfillmentRequestEvent.
type FulfillmentResultEvent struct {
	Header events.EventHeader `json:"header"`
	Result core.Result        `json:"result"`
}

// NewRequestEvent wraps req in a fresh header.
func NewRequestEvent(req core.Request, workflowID string) FulfillmentRequestEvent {
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	return FulfillmentRequestEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: workflowID,
			EventID:    uuid.NewString(),
			UserID:     req.UserID,
			TenantID:   "",
		},
		Request: req,
	}
}

// replyHeader keeps the workflow, user and tenant of the request.
func replyHeader(request events.EventHeader) events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now(),
		WorkflowID: request.WorkflowID,
		EventID:    uuid.NewString(),
		UserID:     request.UserID,
		TenantID:   request.TenantID,
	}
}
