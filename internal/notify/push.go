// Package notify delivers call notifications to devices without blocking the
// call state machine.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"duocall-backend/internal/domain"
	"duocall-backend/pkg/push"
)

// Sender is the slice of push.Service the notifier uses
type Sender interface {
	SendCallNotification(ctx context.Context, data *push.CallNotificationData, calleeID string) error
	SendCallRemovedNotification(ctx context.Context, callID, userID string) error
	SendMissedCallNotification(ctx context.Context, data *push.CallNotificationData, calleeID string) error
}

// PushNotifier implements call.Notifier over push notifications. Each
// notification is sent on its own goroutine bounded by timeout.
type PushNotifier struct {
	sender  Sender
	timeout time.Duration
	log     *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPushNotifier creates a notifier sending through sender
func NewPushNotifier(sender Sender, timeout time.Duration, log *zap.Logger) *PushNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PushNotifier{
		sender:  sender,
		timeout: timeout,
		log:     log.With(zap.String("component", "notifier")),
	}
}

func callData(rec *domain.CallRecord) *push.CallNotificationData {
	return &push.CallNotificationData{
		CallID:     rec.ID,
		CallerID:   rec.CallerID,
		CallerName: rec.CallerName,
		CallType:   string(rec.Kind),
		Timestamp:  rec.CreatedAt.Unix(),
	}
}

// PostIncomingCall rings the callee's devices
func (n *PushNotifier) PostIncomingCall(calleeID string, rec *domain.CallRecord) {
	data := callData(rec)
	n.send("incoming_call", rec.ID, func(ctx context.Context) error {
		return n.sender.SendCallNotification(ctx, data, calleeID)
	})
}

// RemoveIncomingCall stops the ringing notification on userID's devices
func (n *PushNotifier) RemoveIncomingCall(userID, callID string) {
	n.send("call_removed", callID, func(ctx context.Context) error {
		return n.sender.SendCallRemovedNotification(ctx, callID, userID)
	})
}

// PostMissedCall tells the callee nobody answered in time
func (n *PushNotifier) PostMissedCall(calleeID string, rec *domain.CallRecord) {
	data := callData(rec)
	n.send("missed_call", rec.ID, func(ctx context.Context) error {
		return n.sender.SendMissedCallNotification(ctx, data, calleeID)
	})
}

func (n *PushNotifier) send(kind, callID string, fn func(ctx context.Context) error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.log.Debug("Notifier closed, dropping notification",
			zap.String("type", kind),
			zap.String("call_id", callID))
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			n.log.Warn("Failed to deliver notification",
				zap.String("type", kind),
				zap.String("call_id", callID),
				zap.Error(err))
		}
	}()
}

// Close waits for notifications in flight. Later notifications are dropped.
func (n *PushNotifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.wg.Wait()
}
