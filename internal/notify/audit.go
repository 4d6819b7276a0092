package notify

import (
	"duocall-backend/internal/call"
	"duocall-backend/pkg/audit"
)

// AuditRecorder accepts audit events without blocking
type AuditRecorder interface {
	Record(event *audit.Event) bool
}

// AuditSubscriber returns a call.Machine subscriber that journals the
// lifecycle events of userID's calls. Ticks, toggles and quality changes
// are not recorded.
func AuditSubscriber(rec AuditRecorder, userID string) func(call.Event) {
	return func(ev call.Event) {
		entry := &audit.Event{
			UserID:    userID,
			CallID:    ev.CallID,
			Reason:    ev.Reason,
			Timestamp: ev.At.UTC(),
		}
		switch ev.Type {
		case call.EventIncomingCall:
			entry.EventType = audit.EventCallIncoming
			if ev.Record != nil {
				entry.CallID = ev.Record.ID
				entry.Details = ev.Record.CallerID
			}
		case call.EventPhaseChanged:
			if ev.Phase != call.PhaseActive {
				return
			}
			entry.EventType = audit.EventCallConnected
		case call.EventCallEnded:
			entry.EventType = audit.EventCallEnded
		case call.EventConnectionLost:
			entry.EventType = audit.EventCallDropped
		case call.EventError:
			entry.EventType = audit.EventCallError
			entry.Details = ev.Message
		default:
			return
		}
		rec.Record(entry)
	}
}
