package eventsourcing

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

var ErrUnknownEvent = errors.New("event not registered")

// Upcaster rewrites a payload written with an older schema version into the
// current one.
type Upcaster func(fromVersion int, payload json.RawMessage) (json.RawMessage, error)

type registration struct {
	factory       func() Event
	schemaVersion int
	upcaster      Upcaster
}

// Registry maps event names to factories so stored payloads can be decoded
// back into concrete event types.
type Registry struct {
	mu     sync.RWMutex
	events map[string]registration
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{events: make(map[string]registration)}
}

// RegisterOption customises one registration
type RegisterOption func(*registration)

// WithSchemaVersion sets the schema version written for new events (default 1)
func WithSchemaVersion(v int) RegisterOption {
	return func(r *registration) {
		r.schemaVersion = v
	}
}

// WithUpcaster decodes older schema versions through fn
func WithUpcaster(fn Upcaster) RegisterOption {
	return func(r *registration) {
		r.upcaster = fn
	}
}

// Register adds an event type. The factory must return a fresh pointer on
// each call; its EventName is the registration key.
func (r *Registry) Register(factory func() Event, opts ...RegisterOption) error {
	if factory == nil {
		return errors.New("cannot register nil factory")
	}
	ev := factory()
	if ev == nil {
		return errors.New("factory returned nil event")
	}
	reg := registration{factory: factory, schemaVersion: 1}
	for _, opt := range opts {
		opt(&reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	name := ev.EventName()
	if _, exists := r.events[name]; exists {
		return errors.Errorf("event already registered: %s", name)
	}
	r.events[name] = reg
	return nil
}

// MustRegister registers factories and panics on error
func (r *Registry) MustRegister(factories ...func() Event) *Registry {
	for _, f := range factories {
		if err := r.Register(f); err != nil {
			panic(err)
		}
	}
	return r
}

// Encode serialises ev and returns its name and schema version
func (r *Registry) Encode(ev Event) (name string, schemaVersion int, payload json.RawMessage, err error) {
	name = ev.EventName()
	r.mu.RLock()
	reg, ok := r.events[name]
	r.mu.RUnlock()
	if !ok {
		return "", 0, nil, errors.Wrap(ErrUnknownEvent, name)
	}
	payload, err = json.Marshal(ev)
	if err != nil {
		return "", 0, nil, errors.Wrapf(err, "failed to encode event %s", name)
	}
	return name, reg.schemaVersion, payload, nil
}

// Decode turns a stored payload back into its event type
func (r *Registry) Decode(name string, schemaVersion int, payload json.RawMessage) (Event, error) {
	r.mu.RLock()
	reg, ok := r.events[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrUnknownEvent, name)
	}

	if schemaVersion != reg.schemaVersion {
		if schemaVersion > reg.schemaVersion || reg.upcaster == nil {
			return nil, errors.Errorf("event %s has schema version %d, registered version is %d", name, schemaVersion, reg.schemaVersion)
		}
		upcast, err := reg.upcaster(schemaVersion, payload)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to upcast event %s from version %d", name, schemaVersion)
		}
		payload = upcast
	}

	ev := reg.factory()
	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, errors.Wrapf(err, "failed to decode event %s", name)
	}
	return ev, nil
}
