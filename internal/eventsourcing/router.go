package eventsourcing

import (
	"fmt"
	"strconv"
	"time"

	"example.com/backstage/eventcore/internal/domain"
	"example.com/backstage/eventcore/internal/outbox"
)

// Names of the records written by the runtime itself
const (
	SnapshotEventName  = "$snapshot"
	CollapsedEventName = "$collapsed"
)

// Outbox message headers
const (
	HeaderAggregateType    = "aggregate_type"
	HeaderAggregateID      = "aggregate_id"
	HeaderAggregateVersion = "aggregate_version"
	HeaderEventName        = "event_name"
	HeaderSchemaVersion    = "schema_version"
	HeaderAgentKind        = "agent_kind"
	HeaderAgentID          = "agent_id"
	HeaderOccurredAt       = "occurred_at"
)

// Router maps a persisted record to the messages announcing it. Snapshot
// records are only routed when they are collapse baselines.
type Router interface {
	Route(rec domain.Record) ([]outbox.Message, error)
}

// RouterFunc adapts a function to Router
type RouterFunc func(rec domain.Record) ([]outbox.Message, error)

func (f RouterFunc) Route(rec domain.Record) ([]outbox.Message, error) {
	return f(rec)
}

// TopicRouter sends every event to target with routing key
// "<aggregateType>.<eventName>"; collapse baselines use "<aggregateType>.collapsed".
func TopicRouter(target string) Router {
	return RouterFunc(func(rec domain.Record) ([]outbox.Message, error) {
		meta := rec.Metadata
		key := fmt.Sprintf("%s.%s", meta.AggregateType, meta.EventName)
		switch {
		case rec.IsSnapshot() && meta.EventName == CollapsedEventName:
			key = fmt.Sprintf("%s.collapsed", meta.AggregateType)
		case rec.IsSnapshot():
			return nil, nil
		}
		return []outbox.Message{{
			Target:     target,
			RoutingKey: key,
			Payload:    rec.Payload,
			Headers:    Headers(rec),
		}}, nil
	})
}

// Headers describes rec for message consumers
func Headers(rec domain.Record) map[string]string {
	meta := rec.Metadata
	headers := map[string]string{
		HeaderAggregateType:    string(meta.AggregateType),
		HeaderAggregateID:      string(meta.AggregateID),
		HeaderAggregateVersion: strconv.FormatUint(meta.AggregateVersion.Value(), 10),
		HeaderEventName:        meta.EventName,
		HeaderSchemaVersion:    strconv.Itoa(rec.SchemaVersion),
		HeaderAgentKind:        string(meta.Agent.Kind),
		HeaderOccurredAt:       meta.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if meta.Agent.ID != "" {
		headers[HeaderAgentID] = meta.Agent.ID
	}
	return headers
}
