package relay

import (
	"time"

	"github.com/rafaelfvalim/api-rele/internal/schedule"
)

// Topics published and consumed by the relay service.
const (
	TopicRegistered     = "relay.registered"
	TopicDesiredChanged = "relay.desired.changed"
	TopicReportRecorded = "relay.report.recorded"
	TopicOverride       = "relay.override"
	TopicApplied        = "relay.applied"
)

type EventMetadata struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	SourceService string    `json:"source_service"`
	SchemaVersion int       `json:"schema_version"`
}

type RelayRegisteredEvent struct {
	Metadata EventMetadata     `json:"metadata"`
	RelayID  string            `json:"relay_id"`
	Name     string            `json:"name"`
	Schedule schedule.Schedule `json:"schedule"`
}

type DesiredChangedEvent struct {
	Metadata EventMetadata  `json:"metadata"`
	RelayID  string         `json:"relay_id"`
	Previous schedule.State `json:"previous"`
	Desired  schedule.State `json:"desired"`
	Reason   string         `json:"reason"`
}

type ReportRecordedEvent struct {
	Metadata   EventMetadata  `json:"metadata"`
	RelayID    string         `json:"relay_id"`
	ReportID   string         `json:"report_id"`
	Applied    schedule.State `json:"applied"`
	Desired    schedule.State `json:"desired"`
	Source     string         `json:"source"`
	ReportedAt time.Time      `json:"reported_at"`
}

type OverrideEvent struct {
	Metadata EventMetadata      `json:"metadata"`
	RelayID  string             `json:"relay_id"`
	Action   string             `json:"action"`
	Override *schedule.Override `json:"override,omitempty"`
}

// RelayAppliedEvent is the bus-side report format for agents that confirm
// relay state over Kafka instead of HTTP.
type RelayAppliedEvent struct {
	Metadata  EventMetadata `json:"metadata"`
	RelayID   string        `json:"relay_id"`
	Applied   string        `json:"applied"`
	AgentID   string        `json:"agent_id"`
	AppliedAt time.Time     `json:"applied_at"`
}
