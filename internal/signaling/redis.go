package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"duocall-backend/internal/database"
	"duocall-backend/internal/domain"
	"duocall-backend/pkg/resilience"
)

// createScript inserts the record hash only if absent, files it in the
// callee's inbox and announces it.
// KEYS: record, inbox, inbox channel. ARGV: ttl ms, id, payload, field/value pairs...
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 4))
if tonumber(ARGV[1]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
redis.call("SADD", KEYS[2], ARGV[2])
redis.call("PUBLISH", KEYS[3], ARGV[3])
return 1
`)

// deleteScript removes the record with its lists and inbox entry.
// KEYS: record, caller list, callee list, record channel. ARGV: id, payload.
var deleteScript = redis.NewScript(`
local callee = redis.call("HGET", KEYS[1], "callee_id")
if not callee then
	return 0
end
redis.call("DEL", KEYS[1], KEYS[2], KEYS[3])
redis.call("SREM", "user:" .. callee .. ":calls", ARGV[1])
redis.call("PUBLISH", KEYS[4], ARGV[2])
return 1
`)

// appendScript appends to a list if the record exists and announces the index.
// KEYS: record, list, list channel. ARGV: candidate json, ttl ms, id, list name.
var appendScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
local n = redis.call("RPUSH", KEYS[2], ARGV[1])
if tonumber(ARGV[2]) > 0 then
	redis.call("PEXPIRE", KEYS[2], ARGV[2])
end
local payload = '{"type":"candidate","data":{"call_id":' .. cjson.encode(ARGV[3]) ..
	',"list":' .. cjson.encode(ARGV[4]) .. ',"index":' .. (n - 1) .. ',"candidate":' .. ARGV[1] .. '}}'
redis.call("PUBLISH", KEYS[3], payload)
return n - 1
`)

// bounds for re-reading a candidate list after a failed read
const (
	listRetryInterval = 100 * time.Millisecond
	listRetryMax      = 2 * time.Second
)

// RedisStore implements Store on Redis hashes, lists, sets and Pub/Sub
type RedisStore struct {
	r    *database.RedisClient
	exec *resilience.Executor
	ttl  time.Duration
	log  *zap.Logger
	now  func() time.Time
}

// NewRedisStore creates a store. Records and lists expire after ttl as a
// backstop when no participant deletes them; 0 keeps them forever.
func NewRedisStore(r *database.RedisClient, exec *resilience.Executor, ttl time.Duration, log *zap.Logger) *RedisStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisStore{r: r, exec: exec, ttl: ttl, log: log.Named("signaling"), now: time.Now}
}

func (s *RedisStore) write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if s.exec == nil {
		return fn(ctx)
	}
	return s.exec.Execute(ctx, op, fn)
}

// permanent keeps domain and validation errors out of the retry loop
func permanent(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrRecordExists) || errors.Is(err, domain.ErrRecordNotFound) ||
		errors.Is(err, domain.ErrIllegalTransition) || errors.Is(err, domain.ErrRecordTerminal) {
		return resilience.Permanent(err)
	}
	return err
}

// CreateRecord implements Channel
func (s *RedisStore) CreateRecord(ctx context.Context, rec *domain.CallRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	stored := rec.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.Revision = 1

	fields, err := encodeRecord(stored)
	if err != nil {
		return err
	}
	payload, err := domain.EncodeSignal(domain.StatusSignal{CallID: stored.ID, Revision: 1, Status: stored.Status})
	if err != nil {
		return err
	}

	args := append([]interface{}{s.ttl.Milliseconds(), stored.ID, payload}, fields...)
	keys := []string{recordKey(stored.ID), inboxKey(stored.CalleeID), inboxChannel(stored.CalleeID)}

	return s.write(ctx, "create_record", func(ctx context.Context) error {
		n, err := s.r.SafeRun(ctx, createScript, keys, args...).Int64()
		if err != nil {
			return err
		}
		if n == 0 {
			return permanent(fmt.Errorf("%w: %s", domain.ErrRecordExists, stored.ID))
		}
		return nil
	})
}

// GetRecord implements Channel
func (s *RedisStore) GetRecord(ctx context.Context, id string) (*domain.CallRecord, error) {
	h, err := s.r.SafeHGetAll(ctx, recordKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id)
	}
	return decodeRecord(h)
}

// UpdateRecord implements Channel. The read-apply-write cycle runs under
// WATCH so concurrent writers retry instead of clobbering each other.
func (s *RedisStore) UpdateRecord(ctx context.Context, id string, u domain.RecordUpdate) (bool, error) {
	key := recordKey(id)
	var changed bool

	err := s.write(ctx, "update_record", func(ctx context.Context) error {
		changed = false
		if s.r.IsDegraded() {
			return database.ErrDegraded
		}
		return s.r.Client.Watch(ctx, func(tx *redis.Tx) error {
			h, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if len(h) == 0 {
				return permanent(fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id))
			}
			before, err := decodeRecord(h)
			if err != nil {
				return resilience.Permanent(err)
			}

			after := before.Clone()
			ok, err := u.Apply(after)
			if err != nil {
				return permanent(err)
			}
			if !ok {
				return nil
			}
			after.Revision = before.Revision + 1

			fields, err := encodeRecord(after)
			if err != nil {
				return resilience.Permanent(err)
			}
			payload, err := domain.EncodeSignal(signalFor(before, after))
			if err != nil {
				return resilience.Permanent(err)
			}

			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.HSet(ctx, key, fields...)
				p.Publish(ctx, recordChannel(id), payload)
				return nil
			})
			if err == nil {
				changed = true
			}
			return err
		}, key)
	})
	return changed, err
}

// DeleteRecord implements Channel
func (s *RedisStore) DeleteRecord(ctx context.Context, id string) error {
	payload, err := domain.EncodeSignal(domain.StatusSignal{CallID: id, Deleted: true})
	if err != nil {
		return err
	}
	keys := []string{
		recordKey(id),
		listRedisKey(id, domain.CallerCandidates),
		listRedisKey(id, domain.CalleeCandidates),
		recordChannel(id),
	}
	return s.write(ctx, "delete_record", func(ctx context.Context) error {
		return s.r.SafeRun(ctx, deleteScript, keys, id, payload).Err()
	})
}

// AppendToList implements Channel
func (s *RedisStore) AppendToList(ctx context.Context, id string, list domain.CandidateList, c domain.IceCandidate) error {
	if err := c.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal candidate: %w", err)
	}
	keys := []string{recordKey(id), listRedisKey(id, list), listChannel(id, list)}

	return s.write(ctx, "append_candidate", func(ctx context.Context) error {
		n, err := s.r.SafeRun(ctx, appendScript, keys, string(b), s.ttl.Milliseconds(), id, string(list)).Int64()
		if err != nil {
			return err
		}
		if n < 0 {
			return permanent(fmt.Errorf("%w: %s", domain.ErrRecordNotFound, id))
		}
		return nil
	})
}

// Subscribe implements Channel. Notifications only carry the revision, so
// each one triggers a fresh read; stale or repeated revisions are skipped.
func (s *RedisStore) Subscribe(ctx context.Context, id string, fn RecordHandler) (Unsubscribe, error) {
	ps, err := s.r.SafeSubscribe(ctx, recordChannel(id))
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	d := newDispatcher(func(r *domain.CallRecord) { fn(r) })

	var lastRev int64 = -1
	var gone bool
	deliver := func() {
		rec, err := s.GetRecord(subCtx, id)
		switch {
		case errors.Is(err, domain.ErrRecordNotFound):
			if !gone {
				gone = true
				d.push(nil)
			}
		case err != nil:
			if subCtx.Err() == nil {
				s.log.Warn("Failed to read call record", zap.String("call_id", id), zap.Error(err))
			}
		case rec.Revision > lastRev:
			lastRev = rec.Revision
			d.push(rec)
		}
	}

	go func() {
		defer ps.Close()
		deliver()
		ch := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				sig, err := domain.DecodeSignal([]byte(msg.Payload))
				if err != nil {
					s.log.Warn("Dropping malformed signal", zap.String("call_id", id), zap.Error(err))
					continue
				}
				if st, ok := sig.(domain.StatusSignal); ok && st.Deleted {
					if !gone {
						gone = true
						d.push(nil)
					}
					continue
				}
				deliver()
			}
		}
	}()

	return stopper(cancel, d), nil
}

// SubscribeToList implements Channel. A cursor over the list guarantees each
// index is delivered once and in order regardless of notification timing.
func (s *RedisStore) SubscribeToList(ctx context.Context, id string, list domain.CandidateList, fn CandidateHandler) (Unsubscribe, error) {
	ps, err := s.r.SafeSubscribe(ctx, listChannel(id, list))
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	d := newDispatcher(func(c domain.IceCandidate) { fn(c) })
	key := listRedisKey(id, list)

	var cursor int64
	catchUp := func() error {
		items, err := s.r.SafeLRange(subCtx, key, cursor, -1).Result()
		if err != nil {
			if subCtx.Err() == nil {
				s.log.Warn("Failed to read candidate list", zap.String("call_id", id), zap.Error(err))
			}
			return err
		}
		for _, raw := range items {
			cursor++
			var c domain.IceCandidate
			if err := json.Unmarshal([]byte(raw), &c); err != nil || c.Validate() != nil {
				s.log.Warn("Dropping malformed candidate", zap.String("call_id", id), zap.Int64("index", cursor-1))
				continue
			}
			d.push(c)
		}
		return nil
	}

	// a failed read is retried on its own so the last candidate of a list
	// is not left waiting for a notification that never comes
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = listRetryInterval
	bo.MaxInterval = listRetryMax
	bo.MaxElapsedTime = 0
	var retry *time.Timer
	var retryC <-chan time.Time
	read := func() {
		if catchUp() == nil {
			bo.Reset()
			return
		}
		if retryC == nil {
			retry = time.NewTimer(bo.NextBackOff())
			retryC = retry.C
		}
	}

	go func() {
		defer ps.Close()
		defer func() {
			if retry != nil {
				retry.Stop()
			}
		}()
		read()
		ch := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-retryC:
				retryC = nil
				read()
			case msg, ok := <-ch:
				if !ok {
					return
				}
				sig, err := domain.DecodeSignal([]byte(msg.Payload))
				if err != nil {
					continue
				}
				if cs, ok := sig.(domain.CandidateSignal); ok && cs.Index < cursor {
					continue
				}
				read()
			}
		}
	}()

	return stopper(cancel, d), nil
}

// WatchIncoming implements Directory
func (s *RedisStore) WatchIncoming(ctx context.Context, userID string, fn RecordHandler) (Unsubscribe, error) {
	ps, err := s.r.SafeSubscribe(ctx, inboxChannel(userID))
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	d := newDispatcher(func(r *domain.CallRecord) { fn(r) })
	seen := make(map[string]bool)

	offer := func(id string) {
		if seen[id] {
			return
		}
		rec, err := s.GetRecord(subCtx, id)
		if err != nil {
			if !errors.Is(err, domain.ErrRecordNotFound) && subCtx.Err() == nil {
				s.log.Warn("Failed to read incoming call", zap.String("call_id", id), zap.Error(err))
			}
			return
		}
		if rec.CalleeID != userID || rec.Status != domain.CallStatusRinging {
			return
		}
		seen[id] = true
		d.push(rec)
	}

	go func() {
		defer ps.Close()
		ids, err := s.r.SafeSMembers(subCtx, inboxKey(userID)).Result()
		if err != nil && subCtx.Err() == nil {
			s.log.Warn("Failed to read inbox", zap.String("user_id", userID), zap.Error(err))
		}
		for _, id := range ids {
			offer(id)
		}

		ch := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				sig, err := domain.DecodeSignal([]byte(msg.Payload))
				if err != nil {
					continue
				}
				if st, ok := sig.(domain.StatusSignal); ok {
					offer(st.CallID)
				}
			}
		}
	}()

	return stopper(cancel, d), nil
}

func stopper[T any](cancel context.CancelFunc, d *dispatcher[T]) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			d.stop()
			cancel()
		})
	}
}

var _ Store = (*RedisStore)(nil)
