package domain

import (
	"encoding/json"
	"fmt"
)

// SignalType tags the closed set of signaling variants
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
	SignalTypeStatus    SignalType = "status"
)

// Signal is one change notification on a call's signaling channel.
// Implementations are OfferSignal, AnswerSignal, CandidateSignal and StatusSignal.
type Signal interface {
	SignalType() SignalType
	Validate() error
}

// OfferSignal announces that the caller attached an offer
type OfferSignal struct {
	CallID   string             `json:"call_id"`
	Revision int64              `json:"revision"`
	Offer    SessionDescription `json:"offer"`
}

func (OfferSignal) SignalType() SignalType { return SignalTypeOffer }

func (s OfferSignal) Validate() error {
	if s.CallID == "" {
		return fmt.Errorf("offer signal: call_id is required")
	}
	return s.Offer.Validate()
}

// AnswerSignal announces that the callee attached an answer
type AnswerSignal struct {
	CallID   string             `json:"call_id"`
	Revision int64              `json:"revision"`
	Answer   SessionDescription `json:"answer"`
}

func (AnswerSignal) SignalType() SignalType { return SignalTypeAnswer }

func (s AnswerSignal) Validate() error {
	if s.CallID == "" {
		return fmt.Errorf("answer signal: call_id is required")
	}
	return s.Answer.Validate()
}

// CandidateSignal announces that a candidate was appended to a list.
// Index is the zero-based position in that list.
type CandidateSignal struct {
	CallID    string        `json:"call_id"`
	List      CandidateList `json:"list"`
	Index     int64         `json:"index"`
	Candidate IceCandidate  `json:"candidate"`
}

func (CandidateSignal) SignalType() SignalType { return SignalTypeCandidate }

func (s CandidateSignal) Validate() error {
	if s.CallID == "" {
		return fmt.Errorf("candidate signal: call_id is required")
	}
	if s.List != CallerCandidates && s.List != CalleeCandidates {
		return fmt.Errorf("candidate signal: invalid list %q", s.List)
	}
	if s.Index < 0 {
		return fmt.Errorf("candidate signal: negative index")
	}
	return s.Candidate.Validate()
}

// StatusSignal announces any other record change, including deletion
type StatusSignal struct {
	CallID   string     `json:"call_id"`
	Revision int64      `json:"revision"`
	Status   CallStatus `json:"status,omitempty"`
	Deleted  bool       `json:"deleted,omitempty"`
}

func (StatusSignal) SignalType() SignalType { return SignalTypeStatus }

func (s StatusSignal) Validate() error {
	if s.CallID == "" {
		return fmt.Errorf("status signal: call_id is required")
	}
	if !s.Deleted && s.Status == "" {
		return fmt.Errorf("status signal: status is required unless deleted")
	}
	return nil
}

type signalEnvelope struct {
	Type SignalType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeSignal validates s and wraps it in a tagged envelope
func EncodeSignal(s Signal) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signal: %w", err)
	}
	return json.Marshal(signalEnvelope{Type: s.SignalType(), Data: data})
}

// DecodeSignal parses a tagged envelope, rejecting unknown tags and
// variants with missing required fields
func DecodeSignal(raw []byte) (Signal, error) {
	var env signalEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signal envelope: %w", err)
	}

	var s Signal
	switch env.Type {
	case SignalTypeOffer:
		var v OfferSignal
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal offer signal: %w", err)
		}
		s = v
	case SignalTypeAnswer:
		var v AnswerSignal
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal answer signal: %w", err)
		}
		s = v
	case SignalTypeCandidate:
		var v CandidateSignal
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal candidate signal: %w", err)
		}
		s = v
	case SignalTypeStatus:
		var v StatusSignal
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal status signal: %w", err)
		}
		s = v
	default:
		return nil, fmt.Errorf("unknown signal type %q", env.Type)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
