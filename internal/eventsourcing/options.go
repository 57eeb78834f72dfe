package eventsourcing

import (
	appconfig "example.com/backstage/eventcore/config"
)

// OptionsFromConfig returns the snapshot frequency and outbox target set in
// configuration, for features building their services
func OptionsFromConfig(cfg *appconfig.Config) []Option {
	return []Option{
		WithSnapshotAfter(cfg.EventSourcing.SnapshotFrequency),
		WithRouter(TopicRouter(cfg.Outbox.Target)),
	}
}
