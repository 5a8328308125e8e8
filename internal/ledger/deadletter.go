package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/tts-fulfillment/internal/core"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ErrSubjectEmpty is returned when no dead-letter subject is configured.
var ErrSubjectEmpty = errors.New("dead-letter subject cannot be empty")

// Publisher is the part of *nats.Conn the dead letter needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// DeadLetterEvent carries a ledger record that could not be stored.
type DeadLetterEvent struct {
	Header events.EventHeader `json:"header"`
	Reason string             `json:"reason"`
	Record core.Record        `json:"record"`
}

// NatsDeadLetter publishes unwritable records on a NATS subject so an
// operator or a replay job can pick them up.
type NatsDeadLetter struct {
	publisher Publisher
	subject   string
}

// NewNatsDeadLetter creates a dead letter publishing on subject.
func NewNatsDeadLetter(publisher Publisher, subject string) (*NatsDeadLetter, error) {
	if subject == "" {
		return nil, ErrSubjectEmpty
	}

	return &NatsDeadLetter{publisher: publisher, subject: subject}, nil
}

// Send implements DeadLetter.
func (d *NatsDeadLetter) Send(ctx context.Context, rec core.Record, reason error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("dead letter canceled: %w", ctx.Err())
	}

	event := DeadLetterEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: rec.FileID,
			EventID:    uuid.NewString(),
			UserID:     rec.UserID,
			TenantID:   "",
		},
		Reason: reason.Error(),
		Record: rec,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter event: %w", err)
	}

	err = d.publisher.Publish(d.subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish dead-letter event to %s: %w", d.subject, err)
	}

	return nil
}
