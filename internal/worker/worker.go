// Package worker provides a NATS worker that serves fulfillment requests.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-fulfillment/internal/core"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// DefaultHandleTimeout bounds one fulfillment, failover included.
const DefaultHandleTimeout = 5 * time.Minute

const drainPollInterval = 20 * time.Millisecond

// Log messages.
const (
	logSubscribed       = "Listening for fulfillment requests on %s (queue %q)"
	logParseFailed      = "Failed to parse fulfillment request: %v"
	logReplyFailed      = "Failed to reply to workflow %s: %v"
	logNoReplySubject   = "Fulfillment for workflow %s finished without a reply subject (success=%t)"
	logRequestCompleted = "Workflow %s fulfilled: success=%t kind=%q"
	logDrainTimedOut    = "Subscription on %s did not drain within %s"
)

var (
	// ErrSubjectEmpty indicates that no subject was configured.
	ErrSubjectEmpty = errors.New("subject cannot be empty")
	// ErrFulfillerNil indicates that no fulfiller was supplied.
	ErrFulfillerNil = errors.New("fulfiller cannot be nil")
)

// NatsWorker listens for fulfillment requests on a NATS subject and replies
// with the result.
type NatsWorker struct {
	natsConnection *nats.Conn
	fulfiller      core.Fulfiller
	log            *logger.Logger
	subject        string
	queueGroup     string
	handleTimeout  time.Duration
}

// NewNatsWorker creates a new instance of a NATS worker. Workers sharing a
// queue group split the requests between them.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject, queueGroup string,
	fulfiller core.Fulfiller,
	handleTimeout time.Duration,
	log *logger.Logger,
) (*NatsWorker, error) {
	if subject == "" {
		return nil, ErrSubjectEmpty
	}

	if fulfiller == nil {
		return nil, ErrFulfillerNil
	}

	if handleTimeout <= 0 {
		handleTimeout = DefaultHandleTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		fulfiller:      fulfiller,
		log:            log,
		subject:        subject,
		queueGroup:     queueGroup,
		handleTimeout:  handleTimeout,
	}, nil
}

// Run starts the worker and blocks until ctx is done. It then drains the
// subscription and returns once requests already delivered have been answered.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.QueueSubscribe(w.subject, w.queueGroup, func(msg *nats.Msg) {
		w.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.Info(logSubscribed, w.subject, w.queueGroup)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	w.waitDrained(sub)

	return nil
}

// waitDrained blocks until the drained subscription is removed, which happens
// after its last message handler returns.
func (w *NatsWorker) waitDrained(sub *nats.Subscription) {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(w.handleTimeout)
	defer deadline.Stop()

	for sub.IsValid() {
		select {
		case <-ticker.C:
		case <-deadline.C:
			w.log.Warn(logDrainTimedOut, w.subject, w.handleTimeout)

			return
		}
	}
}

func (w *NatsWorker) handleMessage(parent context.Context, msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.handleTimeout)
	defer cancel()

	event, err := parseRequestEvent(msg.Data)
	if err != nil {
		w.log.Error(logParseFailed, err)

		w.reply(msg, FulfillmentResultEvent{
			Header: replyHeader(event.Header),
			Result: w.fulfiller.Reject(core.Request{
				UserID: event.Header.UserID,
				FileID: event.Header.WorkflowID,
			}, err),
		})

		return
	}

	req := event.Request
	if req.UserID == "" {
		req.UserID = event.Header.UserID
	}

	if req.FileID == "" {
		req.FileID = event.Header.WorkflowID
	}

	result := w.fulfiller.Fulfill(ctx, req)
	w.log.Info(logRequestCompleted, event.Header.WorkflowID, result.Success, result.Kind)

	w.reply(msg, FulfillmentResultEvent{
		Header: replyHeader(event.Header),
		Result: result,
	})
}

func (w *NatsWorker) reply(msg *nats.Msg, replyEvent FulfillmentResultEvent) {
	if msg.Reply == "" {
		w.log.Warn(logNoReplySubject, replyEvent.Header.WorkflowID, replyEvent.Result.Success)

		return
	}

	replyData, err := json.Marshal(replyEvent)
	if err == nil {
		err = msg.Respond(replyData)
	}

	if err != nil {
		w.log.Error(logReplyFailed, replyEvent.Header.WorkflowID, err)
	}
}

func parseRequestEvent(data []byte) (FulfillmentRequestEvent, error) {
	var event FulfillmentRequestEvent

	err := json.Unmarshal(data, &event)
	if err != nil {
		return FulfillmentRequestEvent{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return event, nil
}
