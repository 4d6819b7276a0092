// Package signaling is the shared mailbox between caller and callee: call
// records, per-direction candidate lists and a per-user inbox of incoming
// calls. Delivery is at-least-once; handlers must be idempotent.
package signaling

import (
	"context"

	"duocall-backend/internal/domain"
)

// RecordHandler receives record snapshots. A nil record means the record no
// longer exists.
type RecordHandler func(rec *domain.CallRecord)

// CandidateHandler receives list items in append order, each exactly once
// per subscription
type CandidateHandler func(c domain.IceCandidate)

// Unsubscribe stops a subscription. No delivery starts after it returns; it
// may be called from inside the handler.
type Unsubscribe func()

// Channel stores call records and candidate lists
type Channel interface {
	// CreateRecord fails with domain.ErrRecordExists if the id is taken
	CreateRecord(ctx context.Context, rec *domain.CallRecord) error
	// GetRecord fails with domain.ErrRecordNotFound when absent
	GetRecord(ctx context.Context, id string) (*domain.CallRecord, error)
	// UpdateRecord applies u under the monotonic rules and reports whether anything changed
	UpdateRecord(ctx context.Context, id string, u domain.RecordUpdate) (bool, error)
	// DeleteRecord removes the record and its candidate lists. Deleting an absent record is not an error.
	DeleteRecord(ctx context.Context, id string) error
	// Subscribe delivers the current snapshot once the subscription is live, then every change
	Subscribe(ctx context.Context, id string, fn RecordHandler) (Unsubscribe, error)
	// AppendToList adds c to the end of a candidate list
	AppendToList(ctx context.Context, id string, list domain.CandidateList, c domain.IceCandidate) error
	// SubscribeToList delivers existing items then new ones, in order
	SubscribeToList(ctx context.Context, id string, list domain.CandidateList, fn CandidateHandler) (Unsubscribe, error)
}

// Directory announces ringing calls addressed to a user
type Directory interface {
	// WatchIncoming delivers every ringing record for userID: existing ones once live, then new ones
	WatchIncoming(ctx context.Context, userID string, fn RecordHandler) (Unsubscribe, error)
}

// Store is a Channel that also serves as the Directory
type Store interface {
	Channel
	Directory
}

// signalFor picks the variant announcing the change from before to after
func signalFor(before, after *domain.CallRecord) domain.Signal {
	switch {
	case before.Offer == nil && after.Offer != nil:
		return domain.OfferSignal{CallID: after.ID, Revision: after.Revision, Offer: *after.Offer}
	case before.Answer == nil && after.Answer != nil && before.Status == after.Status:
		return domain.AnswerSignal{CallID: after.ID, Revision: after.Revision, Answer: *after.Answer}
	default:
		return domain.StatusSignal{CallID: after.ID, Revision: after.Revision, Status: after.Status}
	}
}
