package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of audit event
type EventType string

const (
	EventCallIncoming  EventType = "call_incoming"
	EventCallConnected EventType = "call_connected"
	EventCallEnded     EventType = "call_ended"
	EventCallDropped   EventType = "call_dropped"
	EventCallError     EventType = "call_error"
)

// Event represents an audit log entry
type Event struct {
	EventID   string    `json:"event_id"`
	UserID    string    `json:"user_id"`
	EventType EventType `json:"event_type"`
	CallID    string    `json:"call_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Config bounds what the journal keeps
type Config struct {
	Retention time.Duration // how long a user's journal survives without writes
	MaxEvents int64         // newest events kept per user
	Buffer    int           // events queued before Record starts dropping
}

// DefaultConfig keeps a week of at most 500 events
func DefaultConfig() Config {
	return Config{
		Retention: 7 * 24 * time.Hour,
		MaxEvents: 500,
		Buffer:    128,
	}
}

// Logger writes call audit events to a capped Redis list per user. Record
// never blocks; a background writer drains the queue.
type Logger struct {
	client *redis.Client
	cfg    Config
	log    *zap.Logger
	now    func() time.Time

	queue chan *Event
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewLogger creates a logger and starts its writer
func NewLogger(client *redis.Client, cfg Config, log *zap.Logger) *Logger {
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if log == nil {
		log = zap.NewNop()
	}

	l := &Logger{
		client: client,
		cfg:    cfg,
		log:    log.Named("audit"),
		now:    time.Now,
		queue:  make(chan *Event, cfg.Buffer),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func eventsKey(userID string) string {
	return fmt.Sprintf("audit:calls:%s", userID)
}

// Record queues event for writing. It reports false when the event was dropped.
func (l *Logger) Record(event *Event) bool {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return false
	}
	select {
	case l.queue <- event:
		return true
	default:
		l.log.Warn("Audit queue full, dropping event",
			zap.String("event_type", string(event.EventType)),
			zap.String("call_id", event.CallID))
		return false
	}
}

// Log writes event synchronously
func (l *Logger) Log(ctx context.Context, event *Event) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	key := eventsKey(event.UserID)
	pipe := l.client.TxPipeline()
	pipe.LPush(ctx, key, eventJSON)
	pipe.LTrim(ctx, key, 0, l.cfg.MaxEvents-1)
	pipe.Expire(ctx, key, l.cfg.Retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}
	return nil
}

// GetEvents returns a user's events, newest first
func (l *Logger) GetEvents(ctx context.Context, userID string, limit, offset int) ([]*Event, error) {
	if limit <= 0 {
		return []*Event{}, nil
	}
	members, err := l.client.LRange(ctx, eventsKey(userID), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get audit events: %w", err)
	}

	events := make([]*Event, 0, len(members))
	for _, member := range members {
		var event Event
		if err := json.Unmarshal([]byte(member), &event); err != nil {
			l.log.Warn("Skipping malformed audit event", zap.Error(err))
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}

// Close stops accepting events and waits for queued ones to be written
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.wg.Wait()
}

func (l *Logger) run() {
	defer l.wg.Done()
	for event := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.Log(ctx, event); err != nil {
			l.log.Warn("Failed to write audit event",
				zap.String("event_type", string(event.EventType)),
				zap.Error(err))
		}
		cancel()
	}
}
