package models

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Event is one record of an event stream. Snapshot baselines share the table
// and are flagged by Snapshot.
type Event struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	EventID       string    `gorm:"type:uuid;uniqueIndex;not null" json:"event_id"`
	AggregateType string    `gorm:"not null;uniqueIndex:idx_events_stream_version,priority:1" json:"aggregate_type"`
	AggregateID   string    `gorm:"not null;uniqueIndex:idx_events_stream_version,priority:2" json:"aggregate_id"`
	Version       int64     `gorm:"not null;uniqueIndex:idx_events_stream_version,priority:3" json:"version"`
	EventName     string    `gorm:"not null" json:"event_name"`
	SchemaVersion int       `gorm:"not null;default:1" json:"schema_version"`
	Snapshot      bool      `gorm:"not null;default:false;index" json:"snapshot"`
	Data          []byte    `gorm:"type:jsonb" json:"data"`
	AgentKind     string    `gorm:"not null" json:"agent_kind"`
	AgentID       string    `json:"agent_id"`
	OccurredAt    time.Time `gorm:"not null" json:"occurred_at"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Event) TableName() string {
	return "events"
}

// OutboxEntry is a message staged for delivery in the same transaction as
// the events it describes.
type OutboxEntry struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	EntryID        string     `gorm:"type:uuid;uniqueIndex;not null" json:"entry_id"`
	AggregateType  string     `gorm:"not null;index:idx_outbox_stream,priority:1" json:"aggregate_type"`
	AggregateID    string     `gorm:"not null;index:idx_outbox_stream,priority:2" json:"aggregate_id"`
	Target         string     `gorm:"not null" json:"target"`
	RoutingKey     string     `gorm:"not null" json:"routing_key"`
	Payload        []byte     `json:"payload"`
	Headers        []byte     `gorm:"type:jsonb" json:"headers"`
	CreatedAt      time.Time  `gorm:"not null;index" json:"created_at"`
	LockedAt       *time.Time `gorm:"index" json:"locked_at"`
	LockOwner      *string    `json:"lock_owner"`
	AcknowledgedAt *time.Time `gorm:"index" json:"acknowledged_at"`
	FailedAt       *time.Time `gorm:"index" json:"failed_at"`
	LastError      *string    `json:"last_error"`
	Attempts       int        `gorm:"not null;default:0" json:"attempts"`
}

func (OutboxEntry) TableName() string {
	return "outbox_entries"
}

// Permission is one grant. A wildcard grant stores an empty ResourceID.
type Permission struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	PermissionID string    `gorm:"type:uuid;uniqueIndex;not null" json:"permission_id"`
	HolderKind   string    `gorm:"not null;uniqueIndex:idx_permissions_grant,priority:1;index:idx_permissions_holder,priority:1" json:"holder_kind"`
	HolderID     string    `gorm:"not null;uniqueIndex:idx_permissions_grant,priority:2;index:idx_permissions_holder,priority:2" json:"holder_id"`
	ResourceType string    `gorm:"not null;uniqueIndex:idx_permissions_grant,priority:3;index:idx_permissions_holder,priority:3;index:idx_permissions_resource,priority:1" json:"resource_type"`
	ResourceID   string    `gorm:"not null;default:'';uniqueIndex:idx_permissions_grant,priority:4;index:idx_permissions_resource,priority:2" json:"resource_id"`
	Action       string    `gorm:"not null;uniqueIndex:idx_permissions_grant,priority:5" json:"action"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Permission) TableName() string {
	return "permissions"
}

// SetupModels migrates every table owned by the module
func SetupModels(db *gorm.DB) error {
	if err := db.AutoMigrate(&Event{}, &OutboxEntry{}, &Permission{}); err != nil {
		return errors.Wrap(err, "failed to migrate models")
	}
	return nil
}
