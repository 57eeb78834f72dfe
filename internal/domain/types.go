package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// AggregateType names a kind of aggregate, e.g. "CATEGORY"
type AggregateType string

// NewAggregateType validates and returns an aggregate type
func NewAggregateType(value string) (AggregateType, error) {
	if strings.TrimSpace(value) == "" {
		return "", errors.Wrap(ErrInvalidIdentifier, "aggregate type must not be blank")
	}
	return AggregateType(value), nil
}

func (t AggregateType) String() string {
	return string(t)
}

// AggregateID identifies one aggregate instance within its type
type AggregateID string

// NewAggregateID validates and returns an aggregate id
func NewAggregateID(value string) (AggregateID, error) {
	if strings.TrimSpace(value) == "" {
		return "", errors.Wrap(ErrInvalidIdentifier, "aggregate id must not be blank")
	}
	return AggregateID(value), nil
}

// GenerateAggregateID returns a fresh random aggregate id
func GenerateAggregateID() AggregateID {
	return AggregateID(uuid.New().String())
}

func (id AggregateID) String() string {
	return string(id)
}

// StreamKey identifies one event stream
type StreamKey struct {
	Type AggregateType
	ID   AggregateID
}

// NewStreamKey validates both halves of a stream key
func NewStreamKey(aggregateType AggregateType, id AggregateID) (StreamKey, error) {
	key := StreamKey{Type: aggregateType, ID: id}
	if err := key.Validate(); err != nil {
		return StreamKey{}, err
	}
	return key, nil
}

// Validate reports whether the key has a non-blank type and id
func (k StreamKey) Validate() error {
	if strings.TrimSpace(string(k.Type)) == "" {
		return errors.Wrap(ErrInvalidIdentifier, "aggregate type must not be blank")
	}
	if strings.TrimSpace(string(k.ID)) == "" {
		return errors.Wrap(ErrInvalidIdentifier, "aggregate id must not be blank")
	}
	return nil
}

func (k StreamKey) String() string {
	return fmt.Sprintf("%s/%s", k.Type, k.ID)
}

// Version is the position of a record within its stream. The first record of
// a stream has version zero.
type Version uint64

// MaxVersion is an upper bound usable in "at or below" queries.
const MaxVersion Version = math.MaxInt64

// Zero returns the version of the first record of a stream
func Zero() Version {
	return 0
}

// Next returns the following version
func (v Version) Next() Version {
	return v + 1
}

// Value returns the version as an unsigned integer
func (v Version) Value() uint64 {
	return uint64(v)
}

// AgentKind distinguishes who triggered a command
type AgentKind string

const (
	AgentUser      AgentKind = "USER"
	AgentSystem    AgentKind = "SYSTEM"
	AgentAnonymous AgentKind = "ANONYMOUS"
)

// Agent is the actor that dispatched a command
type Agent struct {
	Kind AgentKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
}

// User returns a user agent
func User(id string) Agent {
	return Agent{Kind: AgentUser, ID: id}
}

// System returns the system agent
func System() Agent {
	return Agent{Kind: AgentSystem}
}

// Anonymous returns the anonymous agent
func Anonymous() Agent {
	return Agent{Kind: AgentAnonymous}
}

func (a Agent) String() string {
	if a.ID == "" {
		return string(a.Kind)
	}
	return fmt.Sprintf("%s:%s", a.Kind, a.ID)
}

// EventMetadata is attached to every persisted record
type EventMetadata struct {
	AggregateType    AggregateType `json:"aggregateType"`
	AggregateID      AggregateID   `json:"aggregateId"`
	AggregateVersion Version       `json:"aggregateVersion"`
	EventName        string        `json:"eventName"`
	Agent            Agent         `json:"agent"`
	OccurredAt       time.Time     `json:"occurredAt"`
}

// Stream returns the stream the record belongs to
func (m EventMetadata) Stream() StreamKey {
	return StreamKey{Type: m.AggregateType, ID: m.AggregateID}
}

// Record is one persisted entry of a stream: either a domain event or, when
// Snapshot is set, a baseline whose payload is the full aggregate state.
// Replay never folds a record older than the baseline it starts from.
type Record struct {
	EventID       uuid.UUID
	Metadata      EventMetadata
	SchemaVersion int
	Payload       json.RawMessage
	Snapshot      bool
}

// IsSnapshot reports whether the record is a state baseline
func (r Record) IsSnapshot() bool {
	return r.Snapshot
}

// Version returns the record's position in its stream
func (r Record) Version() Version {
	return r.Metadata.AggregateVersion
}
