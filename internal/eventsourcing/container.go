package eventsourcing

import (
	"example.com/backstage/eventcore/internal/domain"
)

// AggregateContainer is a folded aggregate with the bookkeeping the
// service needs to append to its stream.
type AggregateContainer[S any] struct {
	Stream domain.StreamKey
	State  S

	last                *domain.EventMetadata
	lastSnapshotVersion domain.Version
	hasSnapshot         bool
	folded              int
	eventsSinceSnapshot int
}

// Exists reports whether any record was read
func (c *AggregateContainer[S]) Exists() bool {
	return c.last != nil
}

// Version returns the version of the last record read
func (c *AggregateContainer[S]) Version() (domain.Version, bool) {
	if c.last == nil {
		return domain.Zero(), false
	}
	return c.last.AggregateVersion, true
}

// LastEvent returns the metadata of the last record read
func (c *AggregateContainer[S]) LastEvent() (domain.EventMetadata, bool) {
	if c.last == nil {
		return domain.EventMetadata{}, false
	}
	return *c.last, true
}

// LastSnapshotVersion returns the version of the newest snapshot read
func (c *AggregateContainer[S]) LastSnapshotVersion() (domain.Version, bool) {
	return c.lastSnapshotVersion, c.hasSnapshot
}

// EventsSinceSnapshot counts the events read after the newest snapshot
func (c *AggregateContainer[S]) EventsSinceSnapshot() int {
	return c.eventsSinceSnapshot
}

func (c *AggregateContainer[S]) versionPtr() *domain.Version {
	if c.last == nil {
		return nil
	}
	v := c.last.AggregateVersion
	return &v
}

func (c *AggregateContainer[S]) observe(rec domain.Record) {
	meta := rec.Metadata
	c.last = &meta
	if rec.IsSnapshot() {
		c.lastSnapshotVersion = meta.AggregateVersion
		c.hasSnapshot = true
		c.eventsSinceSnapshot = 0
		return
	}
	c.eventsSinceSnapshot++
}
