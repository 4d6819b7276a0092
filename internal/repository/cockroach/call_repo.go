package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"duocall-backend/internal/domain"
)

// DBTX is the query surface of *pgxpool.Pool used by the repositories
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// QueryObserver is told how long each query took
type QueryObserver interface {
	RecordDBQuery(operation, table string, duration time.Duration, err error)
}

const callHistoryTable = "call_history"

const callHistorySchema = `
	CREATE TABLE IF NOT EXISTS call_history (
		owner_id   STRING NOT NULL,
		call_id    STRING NOT NULL,
		peer_id    STRING NOT NULL,
		direction  STRING NOT NULL,
		kind       STRING NOT NULL,
		status     STRING NOT NULL,
		reason     STRING NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		ended_at   TIMESTAMPTZ NOT NULL,
		duration   INT NOT NULL DEFAULT 0,
		PRIMARY KEY (owner_id, call_id),
		INDEX call_history_owner_ended_idx (owner_id, ended_at DESC)
	)
`

// CallRepository stores each user's history of finished calls
type CallRepository struct {
	db       DBTX
	observer QueryObserver
}

// NewCallRepository creates a new call repository. observer may be nil.
func NewCallRepository(db DBTX, observer QueryObserver) *CallRepository {
	return &CallRepository{db: db, observer: observer}
}

func (r *CallRepository) observe(op string, start time.Time, err error) {
	if r.observer != nil {
		r.observer.RecordDBQuery(op, callHistoryTable, time.Since(start), err)
	}
}

// EnsureSchema creates the history table when missing
func (r *CallRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, callHistorySchema); err != nil {
		return fmt.Errorf("failed to create call history table: %w", err)
	}
	return nil
}

// Save upserts a history entry. Saving the same call twice for one owner
// keeps a single row holding the latest values.
func (r *CallRepository) Save(ctx context.Context, log *domain.CallLog) (err error) {
	start := time.Now()
	defer func() { r.observe("upsert", start, err) }()

	query := `
		UPSERT INTO call_history (
			owner_id, call_id, peer_id, direction, kind, status, reason,
			started_at, ended_at, duration
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = r.db.Exec(ctx, query,
		log.OwnerID,
		log.CallID,
		log.PeerID,
		log.Direction,
		string(log.Kind),
		string(log.Status),
		log.Reason,
		log.StartedAt,
		log.EndedAt,
		log.Duration,
	)
	if err != nil {
		return fmt.Errorf("failed to save call history: %w", err)
	}
	return nil
}

// List returns ownerID's most recent calls first
func (r *CallRepository) List(ctx context.Context, ownerID string, limit, offset int) (logs []*domain.CallLog, err error) {
	start := time.Now()
	defer func() { r.observe("select", start, err) }()

	query := `
		SELECT owner_id, call_id, peer_id, direction, kind, status, reason,
		       started_at, ended_at, duration
		FROM call_history
		WHERE owner_id = $1
		ORDER BY ended_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list call history: %w", err)
	}
	defer rows.Close()

	logs = make([]*domain.CallLog, 0, limit)
	for rows.Next() {
		var (
			l            domain.CallLog
			kind, status string
		)
		if err := rows.Scan(
			&l.OwnerID,
			&l.CallID,
			&l.PeerID,
			&l.Direction,
			&kind,
			&status,
			&l.Reason,
			&l.StartedAt,
			&l.EndedAt,
			&l.Duration,
		); err != nil {
			return nil, fmt.Errorf("failed to scan call history: %w", err)
		}
		l.Kind = domain.CallKind(kind)
		l.Status = domain.CallStatus(status)
		logs = append(logs, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list call history: %w", err)
	}

	return logs, nil
}
