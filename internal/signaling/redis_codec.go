package signaling

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"duocall-backend/internal/domain"
)

func recordKey(id string) string     { return "call:" + id }
func recordChannel(id string) string { return "call:" + id + ":events" }

func listRedisKey(id string, list domain.CandidateList) string {
	return "call:" + id + ":ice:" + string(list)
}

func listChannel(id string, list domain.CandidateList) string {
	return listRedisKey(id, list) + ":events"
}

func inboxKey(userID string) string     { return "user:" + userID + ":calls" }
func inboxChannel(userID string) string { return "user:" + userID + ":calls:events" }

const (
	fieldID         = "id"
	fieldCallerID   = "caller_id"
	fieldCallerName = "caller_name"
	fieldCalleeID   = "callee_id"
	fieldKind       = "kind"
	fieldStatus     = "status"
	fieldCreatedAt  = "created_at"
	fieldOffer      = "offer"
	fieldAnswer     = "answer"
	fieldAnsweredAt = "answered_at"
	fieldEndedAt    = "ended_at"
	fieldEndReason  = "end_reason"
	fieldRevision   = "rev"
)

// encodeRecord flattens rec into hash field/value pairs. Unset optional
// fields are omitted.
func encodeRecord(rec *domain.CallRecord) ([]interface{}, error) {
	out := []interface{}{
		fieldID, rec.ID,
		fieldCallerID, rec.CallerID,
		fieldCallerName, rec.CallerName,
		fieldCalleeID, rec.CalleeID,
		fieldKind, string(rec.Kind),
		fieldStatus, string(rec.Status),
		fieldCreatedAt, rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldRevision, strconv.FormatInt(rec.Revision, 10),
	}
	if rec.Offer != nil {
		b, err := json.Marshal(rec.Offer)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal offer: %w", err)
		}
		out = append(out, fieldOffer, string(b))
	}
	if rec.Answer != nil {
		b, err := json.Marshal(rec.Answer)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal answer: %w", err)
		}
		out = append(out, fieldAnswer, string(b))
	}
	if rec.AnsweredAt != nil {
		out = append(out, fieldAnsweredAt, rec.AnsweredAt.UTC().Format(time.RFC3339Nano))
	}
	if rec.EndedAt != nil {
		out = append(out, fieldEndedAt, rec.EndedAt.UTC().Format(time.RFC3339Nano))
	}
	if rec.EndReason != "" {
		out = append(out, fieldEndReason, rec.EndReason)
	}
	return out, nil
}

// decodeRecord rebuilds a record from HGETALL output
func decodeRecord(h map[string]string) (*domain.CallRecord, error) {
	rec := &domain.CallRecord{
		ID:         h[fieldID],
		CallerID:   h[fieldCallerID],
		CallerName: h[fieldCallerName],
		CalleeID:   h[fieldCalleeID],
		Kind:       domain.CallKind(h[fieldKind]),
		Status:     domain.CallStatus(h[fieldStatus]),
		EndReason:  h[fieldEndReason],
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("call record hash has no id")
	}

	var err error
	if rec.Revision, err = strconv.ParseInt(h[fieldRevision], 10, 64); err != nil {
		return nil, fmt.Errorf("invalid revision: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, h[fieldCreatedAt]); err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	if v, ok := h[fieldOffer]; ok {
		rec.Offer = &domain.SessionDescription{}
		if err := json.Unmarshal([]byte(v), rec.Offer); err != nil {
			return nil, fmt.Errorf("invalid offer: %w", err)
		}
	}
	if v, ok := h[fieldAnswer]; ok {
		rec.Answer = &domain.SessionDescription{}
		if err := json.Unmarshal([]byte(v), rec.Answer); err != nil {
			return nil, fmt.Errorf("invalid answer: %w", err)
		}
	}
	if rec.AnsweredAt, err = parseOptionalTime(h, fieldAnsweredAt); err != nil {
		return nil, err
	}
	if rec.EndedAt, err = parseOptionalTime(h, fieldEndedAt); err != nil {
		return nil, err
	}
	return rec, nil
}

func parseOptionalTime(h map[string]string, field string) (*time.Time, error) {
	v, ok := h[field]
	if !ok || v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	return &t, nil
}
