// Package ice buffers remote ICE candidates until a remote session
// description has been accepted by the peer connection.
package ice

import (
	"errors"
	"fmt"
	"sync"

	"duocall-backend/internal/domain"
)

// ApplyFunc adds one candidate to the underlying peer connection
type ApplyFunc func(domain.IceCandidate) error

// Queue holds remote candidates that arrived before the remote description.
// The zero value is not usable; use NewQueue.
type Queue struct {
	apply ApplyFunc

	mu        sync.Mutex
	remoteSet bool
	pending   []domain.IceCandidate
	applied   int
}

// NewQueue creates a queue that applies candidates with apply
func NewQueue(apply ApplyFunc) *Queue {
	return &Queue{apply: apply}
}

// Add applies c immediately when the remote description is set, otherwise
// appends it to the pending list.
func (q *Queue) Add(c domain.IceCandidate) error {
	if err := c.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.remoteSet {
		q.pending = append(q.pending, c)
		return nil
	}
	if err := q.apply(c); err != nil {
		return fmt.Errorf("failed to apply candidate: %w", err)
	}
	q.applied++
	return nil
}

// MarkRemoteDescriptionSet drains the pending list in arrival order and
// switches the queue to immediate mode. Every failed candidate is reported in
// the returned error. Calling it again is a no-op.
func (q *Queue) MarkRemoteDescriptionSet() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.remoteSet {
		return nil
	}
	q.remoteSet = true

	var errs []error
	for i, c := range q.pending {
		if err := q.apply(c); err != nil {
			errs = append(errs, fmt.Errorf("queued candidate %d: %w", i, err))
			continue
		}
		q.applied++
	}
	q.pending = nil
	return errors.Join(errs...)
}

// Pending returns the number of candidates waiting for a remote description
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Applied returns the number of candidates handed to the peer connection
func (q *Queue) Applied() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.applied
}

// RemoteDescriptionSet reports whether the queue is in immediate mode
func (q *Queue) RemoteDescriptionSet() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remoteSet
}

// Reset discards pending candidates and returns to buffering mode
func (q *Queue) Reset() {
	q.mu.Lock()
	q.remoteSet = false
	q.pending = nil
	q.applied = 0
	q.mu.Unlock()
}
