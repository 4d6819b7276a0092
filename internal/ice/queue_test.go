package ice

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duocall-backend/internal/domain"
)

type recorder struct {
	mu   sync.Mutex
	got  []string
	fail map[string]bool
}

func (r *recorder) apply(c domain.IceCandidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[c.Candidate] {
		return errors.New("rejected")
	}
	r.got = append(r.got, c.Candidate)
	return nil
}

func cand(i int) domain.IceCandidate {
	return domain.IceCandidate{Candidate: fmt.Sprintf("candidate:%d", i)}
}

func TestQueue_BuffersUntilRemoteDescription(t *testing.T) {
	r := &recorder{}
	q := NewQueue(r.apply)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Add(cand(i)))
	}
	assert.Empty(t, r.got)
	assert.Equal(t, 5, q.Pending())

	require.NoError(t, q.MarkRemoteDescriptionSet())

	assert.Equal(t, []string{"candidate:0", "candidate:1", "candidate:2", "candidate:3", "candidate:4"}, r.got)
	assert.Equal(t, 0, q.Pending())
	assert.Equal(t, 5, q.Applied())
}

func TestQueue_AppliesImmediatelyAfterDrain(t *testing.T) {
	r := &recorder{}
	q := NewQueue(r.apply)

	require.NoError(t, q.Add(cand(0)))
	require.NoError(t, q.MarkRemoteDescriptionSet())
	require.NoError(t, q.Add(cand(1)))

	assert.Equal(t, []string{"candidate:0", "candidate:1"}, r.got)
	assert.Equal(t, 0, q.Pending())
}

func TestQueue_DrainOnlyOnce(t *testing.T) {
	r := &recorder{}
	q := NewQueue(r.apply)

	require.NoError(t, q.Add(cand(0)))
	require.NoError(t, q.MarkRemoteDescriptionSet())
	require.NoError(t, q.MarkRemoteDescriptionSet())

	assert.Len(t, r.got, 1)
}

func TestQueue_ReportsFailedCandidates(t *testing.T) {
	r := &recorder{fail: map[string]bool{"candidate:1": true}}
	q := NewQueue(r.apply)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Add(cand(i)))
	}

	err := q.MarkRemoteDescriptionSet()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queued candidate 1")
	assert.Equal(t, []string{"candidate:0", "candidate:2"}, r.got)
}

func TestQueue_RejectsEmptyCandidate(t *testing.T) {
	q := NewQueue((&recorder{}).apply)
	assert.Error(t, q.Add(domain.IceCandidate{}))
	assert.Equal(t, 0, q.Pending())
}

func TestQueue_ConcurrentAddKeepsEverything(t *testing.T) {
	r := &recorder{}
	q := NewQueue(r.apply)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Add(cand(i))
		}(i)
		if i == 25 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = q.MarkRemoteDescriptionSet()
			}()
		}
	}
	wg.Wait()
	require.NoError(t, q.MarkRemoteDescriptionSet())

	assert.Len(t, r.got, 50)
	assert.Equal(t, 0, q.Pending())
}

func TestQueue_Reset(t *testing.T) {
	r := &recorder{}
	q := NewQueue(r.apply)

	require.NoError(t, q.MarkRemoteDescriptionSet())
	q.Reset()
	require.NoError(t, q.Add(cand(0)))

	assert.False(t, q.RemoteDescriptionSet())
	assert.Equal(t, 1, q.Pending())
	assert.Empty(t, r.got)
}
