package signaling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"duocall-backend/internal/domain"
)

// Op names a store operation for fault injection
type Op string

const (
	OpCreate    Op = "create"
	OpGet       Op = "get"
	OpUpdate    Op = "update"
	OpDelete    Op = "delete"
	OpSubscribe Op = "subscribe"
	OpAppend    Op = "append"
)

type listKey struct {
	id   string
	list domain.CandidateList
}

type fault struct {
	err   error
	times int
}

// MemoryStore is an in-process Store used by tests and single-host setups
type MemoryStore struct {
	now func() time.Time

	mu        sync.Mutex
	records   map[string]*domain.CallRecord
	lists     map[listKey][]domain.IceCandidate
	recSubs   map[string]map[int]*dispatcher[*domain.CallRecord]
	listSubs  map[listKey]map[int]*dispatcher[domain.IceCandidate]
	inboxSubs map[string]map[int]*dispatcher[*domain.CallRecord]
	faults    map[Op]*fault
	deletes   map[string]int
	nextSub   int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       time.Now,
		records:   make(map[string]*domain.CallRecord),
		lists:     make(map[listKey][]domain.IceCandidate),
		recSubs:   make(map[string]map[int]*dispatcher[*domain.CallRecord]),
		listSubs:  make(map[listKey]map[int]*dispatcher[domain.IceCandidate]),
		inboxSubs: make(map[string]map[int]*dispatcher[*domain.CallRecord]),
		faults:    make(map[Op]*fault),
		deletes:   make(map[string]int),
	}
}

// FailNext makes the next times calls of op return err
func (s *MemoryStore) FailNext(op Op, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{err: err, times: times}
}

// DeleteCount reports how many times DeleteRecord found and removed id
func (s *MemoryStore) DeleteCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes[id]
}

// ListLen returns the number of items in a candidate list
func (s *MemoryStore) ListLen(id string, list domain.CandidateList) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lists[listKey{id, list}])
}

// Len returns the number of stored records
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *MemoryStore) faultLocked(op Op) error {
	f, ok := s.faults[op]
	if !ok {
		return nil
	}
	f.times--
	if f.times <= 0 {
		delete(s.faults, op)
	}
	return f.err
}

func (s *MemoryStore) addSubLocked() int {
	s.nextSub++
	return s.nextSub
}

// CreateRecord implements Channel
func (s *MemoryStore) CreateRecord(ctx context.Context, rec *domain.CallRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked(OpCreate); err != nil {
		return err
	}
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrRecordExists, rec.ID)
	}

	stored := rec.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.Revision = 1
	s.records[rec.ID] = stored

	for _, d := range s.inboxSubs[stored.CalleeID] {
		d.push(stored.Clone())
	}
	return nil
}

// GetRecord implements Channel
func (s *MemoryStore) GetRecord(ctx context.Context, id string) (*domain.CallRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked(OpGet); err != nil {
		return nil, err
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
	}
	return rec.Clone(), nil
}

// UpdateRecord implements Channel
func (s *MemoryStore) UpdateRecord(ctx context.Context, id string, u domain.RecordUpdate) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked(OpUpdate); err != nil {
		return false, err
	}
	rec, ok := s.records[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
	}

	next := rec.Clone()
	changed, err := u.Apply(next)
	if err != nil || !changed {
		return false, err
	}
	next.Revision = rec.Revision + 1
	s.records[id] = next

	for _, d := range s.recSubs[id] {
		d.push(next.Clone())
	}
	return true, nil
}

// DeleteRecord implements Channel
func (s *MemoryStore) DeleteRecord(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked(OpDelete); err != nil {
		return err
	}
	if _, ok := s.records[id]; !ok {
		return nil
	}
	delete(s.records, id)
	delete(s.lists, listKey{id, domain.CallerCandidates})
	delete(s.lists, listKey{id, domain.CalleeCandidates})
	s.deletes[id]++

	for _, d := range s.recSubs[id] {
		d.push(nil)
	}
	return nil
}

// Subscribe implements Channel
func (s *MemoryStore) Subscribe(ctx context.Context, id string, fn RecordHandler) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked(OpSubscribe); err != nil {
		return nil, err
	}

	d := newDispatcher(func(r *domain.CallRecord) { fn(r) })
	subID := s.addSubLocked()
	if s.recSubs[id] == nil {
		s.recSubs[id] = make(map[int]*dispatcher[*domain.CallRecord])
	}
	s.recSubs[id][subID] = d
	d.push(s.records[id].Clone())

	return func() {
		d.stop()
		s.mu.Lock()
		delete(s.recSubs[id], subID)
		if len(s.recSubs[id]) == 0 {
			delete(s.recSubs, id)
		}
		s.mu.Unlock()
	}, nil
}

// AppendToList implements Channel
func (s *MemoryStore) AppendToList(ctx context.Context, id string, list domain.CandidateList, c domain.IceCandidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked(OpAppend); err != nil {
		return err
	}
	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
	}
	k := listKey{id, list}
	s.lists[k] = append(s.lists[k], c)
	for _, d := range s.listSubs[k] {
		d.push(c)
	}
	return nil
}

// SubscribeToList implements Channel
func (s *MemoryStore) SubscribeToList(ctx context.Context, id string, list domain.CandidateList, fn CandidateHandler) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked(OpSubscribe); err != nil {
		return nil, err
	}

	k := listKey{id, list}
	d := newDispatcher(func(c domain.IceCandidate) { fn(c) })
	subID := s.addSubLocked()
	if s.listSubs[k] == nil {
		s.listSubs[k] = make(map[int]*dispatcher[domain.IceCandidate])
	}
	s.listSubs[k][subID] = d
	for _, c := range s.lists[k] {
		d.push(c)
	}

	return func() {
		d.stop()
		s.mu.Lock()
		delete(s.listSubs[k], subID)
		if len(s.listSubs[k]) == 0 {
			delete(s.listSubs, k)
		}
		s.mu.Unlock()
	}, nil
}

// WatchIncoming implements Directory
func (s *MemoryStore) WatchIncoming(ctx context.Context, userID string, fn RecordHandler) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d := newDispatcher(func(r *domain.CallRecord) { fn(r) })
	subID := s.addSubLocked()
	if s.inboxSubs[userID] == nil {
		s.inboxSubs[userID] = make(map[int]*dispatcher[*domain.CallRecord])
	}
	s.inboxSubs[userID][subID] = d

	var ringing []*domain.CallRecord
	for _, rec := range s.records {
		if rec.CalleeID == userID && rec.Status == domain.CallStatusRinging {
			ringing = append(ringing, rec.Clone())
		}
	}
	sort.Slice(ringing, func(i, j int) bool { return ringing[i].CreatedAt.Before(ringing[j].CreatedAt) })
	for _, rec := range ringing {
		d.push(rec)
	}

	return func() {
		d.stop()
		s.mu.Lock()
		delete(s.inboxSubs[userID], subID)
		if len(s.inboxSubs[userID]) == 0 {
			delete(s.inboxSubs, userID)
		}
		s.mu.Unlock()
	}, nil
}

var _ Store = (*MemoryStore)(nil)
