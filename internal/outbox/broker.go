package outbox

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Broker delivers one entry. Publish returns nil only once the broker
// confirmed the message.
type Broker interface {
	Publish(ctx context.Context, entry Entry) error
}

// BrokerFunc adapts a function to Broker
type BrokerFunc func(ctx context.Context, entry Entry) error

func (f BrokerFunc) Publish(ctx context.Context, entry Entry) error {
	return f(ctx, entry)
}

// Outcome classifies a failed publish
type Outcome int

const (
	// OutcomeAmbiguous means the message may or may not have been delivered.
	OutcomeAmbiguous Outcome = iota
	// OutcomeRejected means the broker refused the message and will keep doing so.
	OutcomeRejected
	// OutcomeUndelivered means the message certainly did not reach the broker.
	OutcomeUndelivered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRejected:
		return "rejected"
	case OutcomeUndelivered:
		return "undelivered"
	default:
		return "ambiguous"
	}
}

// PublishError carries the outcome of a failed publish
type PublishError struct {
	Outcome Outcome
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Outcome, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Rejected marks err as a definitive broker refusal
func Rejected(err error) error {
	return &PublishError{Outcome: OutcomeRejected, Err: err}
}

// Undelivered marks err as a failure that happened before anything was sent
func Undelivered(err error) error {
	return &PublishError{Outcome: OutcomeUndelivered, Err: err}
}

// OutcomeOf classifies err. Unclassified errors are ambiguous.
func OutcomeOf(err error) Outcome {
	var pubErr *PublishError
	if errors.As(err, &pubErr) {
		return pubErr.Outcome
	}
	return OutcomeAmbiguous
}
