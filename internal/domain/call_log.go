package domain

import "time"

// CallLog is one user's history entry of a finished call
type CallLog struct {
	OwnerID   string     `json:"-"`
	CallID    string     `json:"call_id"`
	PeerID    string     `json:"peer_id"`
	Direction string     `json:"direction"` // caller, callee
	Kind      CallKind   `json:"kind"`
	Status    CallStatus `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   time.Time  `json:"ended_at"`
	Duration  int        `json:"duration"` // in seconds
}
