package bus

// Incident lifecycle topics, published by the incident state machine (C7)
// and consumed by the cascade policy engine (C8) and operational tooling.
const (
	TopicIncidentOpened    = "incident.opened"
	TopicIncidentAcked     = "incident.acknowledged"
	TopicIncidentCanceled  = "incident.canceled"
	TopicIncidentExhausted = "incident.exhausted"
)

// Outbox and scheduler topics, published for metrics/audit observers.
const (
	TopicOutboxSent         = "outbox.sent"
	TopicOutboxFailed       = "outbox.failed"
	TopicScheduledActionRan = "scheduler.action.ran"
)

// IncidentOpenedEvent is published when a new panic incident is created.
type IncidentOpenedEvent struct {
	IncidentID string
	TravelerID string
}

// IncidentResolvedEvent is published on any terminal transition
// (acknowledged, canceled, or exhausted).
type IncidentResolvedEvent struct {
	IncidentID   string
	Status       string
	ByUserID     string // empty for exhausted
	Via          string // "chat-button", "dtmf", "admin", or "" for exhausted
}
