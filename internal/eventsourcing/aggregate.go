package eventsourcing

import (
	"example.com/backstage/eventcore/internal/domain"
)

// Command is an intent addressed to one aggregate. Features declare a sealed
// set of commands per aggregate and switch over them in Decide.
type Command interface {
	CommandName() string
}

// CreationCommand marks commands allowed on an empty stream
type CreationCommand interface {
	Command
	CreatesAggregate()
}

// Event is a fact recorded by an aggregate. Implementations must round-trip
// through encoding/json.
type Event interface {
	EventName() string
}

// Aggregate is the behaviour of one aggregate type over its state S.
// Decide and Evolve must be pure.
type Aggregate[S any] interface {
	Type() domain.AggregateType
	// Initial returns the state before the first event.
	Initial(id domain.AggregateID) S
	// Decide turns a command into events or refuses it with an error.
	Decide(state S, cmd Command, agent domain.Agent) ([]Event, error)
	// Evolve folds one event into the state.
	Evolve(state S, event Event, meta domain.EventMetadata) (S, error)
	// Deleted reports whether state is terminal.
	Deleted(state S) bool
}

// Snapshotting overrides the service's snapshot frequency for one aggregate
// type. A value <= 0 disables snapshots.
type Snapshotting interface {
	SnapshotAfter() int
}

// Anonymizer strips personal data from a state before it becomes the
// baseline of a collapsed stream.
type Anonymizer[S any] interface {
	Anonymize(state S) S
}
