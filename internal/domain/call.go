package domain

import (
	"errors"
	"fmt"
	"time"
)

// CallKind represents the media kind of a call
type CallKind string

const (
	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"
)

// Valid reports whether k is a known call kind
func (k CallKind) Valid() bool {
	return k == CallKindAudio || k == CallKindVideo
}

// CallStatus is the shared lifecycle status of a call record
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusActive   CallStatus = "active"
	CallStatusEnded    CallStatus = "ended"
	CallStatusRejected CallStatus = "rejected"
)

// Terminal reports whether no further transition is possible from s
func (s CallStatus) Terminal() bool {
	return s == CallStatusEnded || s == CallStatusRejected
}

// CanTransition reports whether a record in status s may move to next.
// ringing→active→ended, ringing→rejected and ringing→ended (caller cancels
// before an answer) are the only legal moves.
func (s CallStatus) CanTransition(next CallStatus) bool {
	switch s {
	case CallStatusRinging:
		return next == CallStatusActive || next == CallStatusRejected || next == CallStatusEnded
	case CallStatusActive:
		return next == CallStatusEnded
	default:
		return false
	}
}

var (
	ErrRecordExists      = errors.New("call record already exists")
	ErrRecordNotFound    = errors.New("call record not found")
	ErrIllegalTransition = errors.New("illegal call status transition")
	ErrRecordTerminal    = errors.New("call record is terminal")
)

// SessionDescription is an opaque negotiation payload (offer or answer)
type SessionDescription struct {
	Type string `json:"type"` // offer, answer
	SDP  string `json:"sdp"`
}

// Validate checks required fields
func (d *SessionDescription) Validate() error {
	if d == nil {
		return fmt.Errorf("session description is nil")
	}
	if d.Type != "offer" && d.Type != "answer" {
		return fmt.Errorf("invalid session description type %q", d.Type)
	}
	if d.SDP == "" {
		return fmt.Errorf("session description sdp is empty")
	}
	return nil
}

// CandidateList names one direction of the per-call candidate lists
type CandidateList string

const (
	CallerCandidates CandidateList = "caller"
	CalleeCandidates CandidateList = "callee"
)

// IceCandidate is one network path proposed by a peer, transported verbatim
type IceCandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdp_mline_index,omitempty"`
	UsernameFragment *string `json:"username_fragment,omitempty"`
}

// Validate checks required fields
func (c IceCandidate) Validate() error {
	if c.Candidate == "" {
		return fmt.Errorf("ice candidate is empty")
	}
	return nil
}

// CallRecord is the shared state describing one call attempt
type CallRecord struct {
	ID         string              `json:"id"`
	CallerID   string              `json:"caller_id"`
	CallerName string              `json:"caller_name,omitempty"`
	CalleeID   string              `json:"callee_id"`
	Kind       CallKind            `json:"kind"`
	Status     CallStatus          `json:"status"`
	CreatedAt  time.Time           `json:"created_at"`
	Offer      *SessionDescription `json:"offer,omitempty"`
	Answer     *SessionDescription `json:"answer,omitempty"`
	AnsweredAt *time.Time          `json:"answered_at,omitempty"`
	EndedAt    *time.Time          `json:"ended_at,omitempty"`
	EndReason  string              `json:"end_reason,omitempty"`
	Revision   int64               `json:"revision"`
}

// Validate checks the fields required to create a record
func (r *CallRecord) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("call record id is required")
	case r.CallerID == "":
		return fmt.Errorf("call record caller is required")
	case r.CalleeID == "":
		return fmt.Errorf("call record callee is required")
	case r.CallerID == r.CalleeID:
		return fmt.Errorf("caller and callee must differ")
	case !r.Kind.Valid():
		return fmt.Errorf("invalid call kind %q", r.Kind)
	case r.Status != CallStatusRinging:
		return fmt.Errorf("new call record must be ringing, got %q", r.Status)
	}
	return nil
}

// Clone returns a deep copy
func (r *CallRecord) Clone() *CallRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Offer != nil {
		o := *r.Offer
		c.Offer = &o
	}
	if r.Answer != nil {
		a := *r.Answer
		c.Answer = &a
	}
	if r.AnsweredAt != nil {
		t := *r.AnsweredAt
		c.AnsweredAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// RecordUpdate is a narrow partial update of a call record.
// Nil fields are left untouched.
type RecordUpdate struct {
	Status     *CallStatus
	Offer      *SessionDescription
	Answer     *SessionDescription
	AnsweredAt *time.Time
	EndedAt    *time.Time
	EndReason  string
}

// StatusUpdate builds an update that only moves the status
func StatusUpdate(status CallStatus) RecordUpdate {
	return RecordUpdate{Status: &status}
}

// Apply merges u into rec following the monotonic rules and reports whether
// anything changed. rec is modified in place.
func (u RecordUpdate) Apply(rec *CallRecord) (bool, error) {
	if rec.Status.Terminal() {
		if u.Status != nil && *u.Status == rec.Status {
			return false, nil
		}
		return false, ErrRecordTerminal
	}

	changed := false
	if u.Status != nil && *u.Status != rec.Status {
		if !rec.Status.CanTransition(*u.Status) {
			return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, rec.Status, *u.Status)
		}
		rec.Status = *u.Status
		changed = true
	}
	if u.Offer != nil && rec.Offer == nil {
		if err := u.Offer.Validate(); err != nil {
			return false, err
		}
		o := *u.Offer
		rec.Offer = &o
		changed = true
	}
	if u.Answer != nil && rec.Answer == nil {
		if err := u.Answer.Validate(); err != nil {
			return false, err
		}
		a := *u.Answer
		rec.Answer = &a
		changed = true
	}
	if u.AnsweredAt != nil && rec.AnsweredAt == nil {
		t := *u.AnsweredAt
		rec.AnsweredAt = &t
		changed = true
	}
	if u.EndedAt != nil && rec.EndedAt == nil {
		t := *u.EndedAt
		rec.EndedAt = &t
		changed = true
	}
	if u.EndReason != "" && rec.EndReason == "" && changed {
		rec.EndReason = u.EndReason
	}
	return changed, nil
}
