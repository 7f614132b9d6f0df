package store

import "time"

// GuardianLinkStatus is the lifecycle status of a guardian link.
type GuardianLinkStatus string

const (
	GuardianLinkActive  GuardianLinkStatus = "active"
	GuardianLinkRevoked GuardianLinkStatus = "revoked"
)

// IncidentStatus is the lifecycle status of an incident. Per spec §3 the
// terminal values are monotonic: once a status leaves open it never
// changes again. exhausted is a supplemented fourth terminal value (see
// DESIGN.md) alongside spec.md's acknowledged and canceled.
type IncidentStatus string

const (
	IncidentOpen         IncidentStatus = "open"
	IncidentAcknowledged IncidentStatus = "acknowledged"
	IncidentCanceled     IncidentStatus = "canceled"
	IncidentExhausted    IncidentStatus = "exhausted"
)

// AlertChannel identifies which provider carries an alert.
type AlertChannel string

const (
	ChannelChat  AlertChannel = "chat"
	ChannelVoice AlertChannel = "voice"
)

// AlertStatus is the lifecycle status of one (incident, guardian, channel) alert.
type AlertStatus string

const (
	AlertPending   AlertStatus = "pending"
	AlertSent      AlertStatus = "sent"
	AlertDelivered AlertStatus = "delivered"
	AlertFailed    AlertStatus = "failed"
	AlertHalted    AlertStatus = "halted"
)

// CallResult is the terminal or in-progress outcome of a call attempt.
type CallResult string

const (
	CallPending         CallResult = "pending"
	CallRinging         CallResult = "ringing"
	CallAnsweredHuman   CallResult = "answered-human"
	CallAnsweredMachine CallResult = "answered-machine"
	CallNoAnswer        CallResult = "no-answer"
	CallBusy            CallResult = "busy"
	CallFailed          CallResult = "failed"
	CallAcknowledged    CallResult = "acknowledged"
)

// IsTerminal reports whether a call result ends the attempt.
func (r CallResult) IsTerminal() bool {
	switch r {
	case CallPending, CallRinging:
		return false
	default:
		return true
	}
}

// OutboxStatus is the lifecycle status of an outbox message.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// ScheduledActionState is the lifecycle state of a durable scheduled action.
type ScheduledActionState string

const (
	ActionScheduled ScheduledActionState = "scheduled"
	ActionRunning   ScheduledActionState = "running"
	ActionDone      ScheduledActionState = "done"
	ActionCanceled  ScheduledActionState = "canceled"
	ActionFailed    ScheduledActionState = "failed"
)

// AckVia names how an acknowledgment was delivered.
type AckVia string

const (
	AckViaChatButton AckVia = "chat-button"
	AckViaDTMF       AckVia = "dtmf"
)

// User is a stable identity shared by travelers and guardians; the same
// row plays either role depending on which guardian_links reference it.
type User struct {
	ID          string
	ChatUserID  *int64
	PhoneE164   *string
	DisplayName string
	Locale      string
	CreatedAt   time.Time
}

// GuardianLink designates Watcher as an emergency contact for Traveler.
type GuardianLink struct {
	ID                  string
	TravelerID          string
	WatcherID           string
	PriorityRank        int
	RingTimeoutSeconds  int
	MaxRetries          int
	RetryBackoffSeconds int
	TotalRingCapSeconds int
	ChatEnabled         bool
	CallEnabled         bool
	Status              GuardianLinkStatus
	CreatedAt           time.Time
}

// Incident is one panic episode raised by a traveler.
type Incident struct {
	ID                   string
	TravelerID           string
	Status               IncidentStatus
	CreatedAt            time.Time
	AcknowledgedAt       *time.Time
	AcknowledgedByUserID *string
	CanceledAt           *time.Time
}

// Alert records the intent to contact one guardian over one channel for
// one incident.
type Alert struct {
	ID             string
	IncidentID     string
	AudienceUserID string
	Channel        AlertChannel
	Status         AlertStatus
	Attempts       int
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CallAttempt is a single voice-call placement under an alert.
type CallAttempt struct {
	ID             string
	AlertID        string
	ProviderCallID *string
	AttemptNumber  int
	Result         CallResult
	DTMFReceived   *string
	StartedAt      time.Time
	EndedAt        *time.Time
	ErrorCode      *string
}

// InboxEvent is a deduped record of one inbound provider callback.
type InboxEvent struct {
	ID              string
	Provider        string
	ProviderEventID string
	ReceivedAt      time.Time
	Payload         []byte
	ProcessedAt     *time.Time
}

// OutboxMessage is a deduped record of intent-to-send plus its outcome.
type OutboxMessage struct {
	ID                string
	IdempotencyKey    string
	Channel           string
	Payload           []byte
	Status            OutboxStatus
	ProviderMessageID *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ScheduledAction is a durable, at-least-once timed handler invocation.
type ScheduledAction struct {
	ID             string
	IncidentID     string
	ActionType     string
	RunAt          time.Time
	State          ScheduledActionState
	Payload        []byte
	Attempts       int
	LeaseOwner     *string
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
