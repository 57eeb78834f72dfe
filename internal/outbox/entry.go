package outbox

import (
	"time"

	"github.com/google/uuid"

	"example.com/backstage/eventcore/internal/domain"
)

// Message is what a router produces for one persisted event
type Message struct {
	Target     string
	RoutingKey string
	Payload    []byte
	Headers    map[string]string
}

// State is the lifecycle position of an entry
type State string

const (
	StatePublishable  State = "PUBLISHABLE"
	StateLocked       State = "LOCKED"
	StateAcknowledged State = "ACKNOWLEDGED"
	StateFailed       State = "FAILED"
)

// Entry is one outbox row. Seq is assigned by the store on insert and breaks
// ties between entries created at the same instant.
type Entry struct {
	ID     uuid.UUID
	Seq    int64
	Stream domain.StreamKey
	Message

	CreatedAt      time.Time
	LockedAt       *time.Time
	LockOwner      string
	AcknowledgedAt *time.Time
	FailedAt       *time.Time
	LastError      string
	Attempts       int
}

// NewEntry stages a message for stream, created at now
func NewEntry(stream domain.StreamKey, msg Message, now time.Time) Entry {
	return Entry{
		ID:        uuid.New(),
		Stream:    stream,
		Message:   msg,
		CreatedAt: now,
	}
}

// State derives the lifecycle state from the timestamps
func (e Entry) State() State {
	switch {
	case e.AcknowledgedAt != nil:
		return StateAcknowledged
	case e.FailedAt != nil:
		return StateFailed
	case e.LockedAt != nil:
		return StateLocked
	default:
		return StatePublishable
	}
}

func (e Entry) clone() Entry {
	c := e
	if e.Headers != nil {
		c.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	c.LockedAt = copyTime(e.LockedAt)
	c.AcknowledgedAt = copyTime(e.AcknowledgedAt)
	c.FailedAt = copyTime(e.FailedAt)
	return c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
