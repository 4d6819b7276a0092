package call

import (
	"time"

	"duocall-backend/internal/domain"
	"duocall-backend/internal/peer"
)

// Phase is the local lifecycle of the machine
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhasePermissionPending Phase = "permission-pending"
	PhaseCalling           Phase = "calling"
	PhaseActive            Phase = "active"
	PhaseEnded             Phase = "ended"
)

// Role is the local side of a call
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Quality is a coarse estimate derived from inbound RTP statistics
type Quality string

const (
	QualityUnknown   Quality = "unknown"
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// Reasons recorded on terminated calls
const (
	ReasonHangup            = "hangup"
	ReasonRejected          = "rejected"
	ReasonNoAnswer          = "no-answer"
	ReasonConnectionLost    = "connection-lost"
	ReasonMediaError        = "media-error"
	ReasonMediaInterrupted  = "media-interrupted"
	ReasonNegotiation       = "negotiation-failed"
	ReasonSignalingError    = "signaling-error"
	ReasonRemoteDeleted     = "record-deleted"
	ReasonShutdown          = "shutdown"
	ReasonAnsweredElsewhere = "answered-elsewhere"
	ReasonAnswerFailed      = "answer-failed"
)

// State is a snapshot of the machine for the UI
type State struct {
	Phase                Phase              `json:"phase"`
	CallID               string             `json:"call_id,omitempty"`
	Kind                 domain.CallKind    `json:"kind,omitempty"`
	Role                 Role               `json:"role,omitempty"`
	Peer                 *Identity          `json:"peer,omitempty"`
	Audio                bool               `json:"audio"`
	Video                bool               `json:"video"`
	Speaker              bool               `json:"speaker"`
	Duration             time.Duration      `json:"duration"`
	Quality              Quality            `json:"quality"`
	ConnectionState      peer.State         `json:"connection_state,omitempty"`
	ReconnectAttempt     int                `json:"reconnect_attempt"`
	MaxReconnectAttempts int                `json:"max_reconnect_attempts"`
	Reconnecting         bool               `json:"reconnecting"`
	Incoming             *domain.CallRecord `json:"incoming,omitempty"`
}

// EventType names a machine event
type EventType string

const (
	EventPhaseChanged      EventType = "phase_changed"
	EventIncomingCall      EventType = "incoming_call"
	EventIncomingCallEnded EventType = "incoming_call_ended"
	EventCallEnded         EventType = "call_ended"
	EventTick              EventType = "tick"
	EventReconnecting      EventType = "reconnecting"
	EventReconnected       EventType = "reconnected"
	EventConnectionLost    EventType = "connection_lost"
	EventQualityChanged    EventType = "quality_changed"
	EventTogglesChanged    EventType = "toggles_changed"
	EventError             EventType = "error"
)

// Event is delivered to subscribers in the order the machine produced it.
// Only the fields relevant to Type are set.
type Event struct {
	Type        EventType          `json:"type"`
	CallID      string             `json:"call_id,omitempty"`
	Phase       Phase              `json:"phase,omitempty"`
	Record      *domain.CallRecord `json:"record,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Duration    time.Duration      `json:"duration,omitempty"`
	Attempt     int                `json:"attempt,omitempty"`
	MaxAttempts int                `json:"max_attempts,omitempty"`
	Quality     Quality            `json:"quality,omitempty"`
	Audio       bool               `json:"audio"`
	Video       bool               `json:"video"`
	Speaker     bool               `json:"speaker"`
	Message     string             `json:"message,omitempty"`
	At          time.Time          `json:"at"`
}
