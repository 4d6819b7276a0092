package cockroach

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duocall-backend/internal/domain"
)

type fakeDB struct {
	execSQL  []string
	execArgs [][]any
	execErr  error

	querySQL  string
	queryArgs []any
	rows      [][]any
	queryErr  error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	return pgconn.NewCommandTag("UPSERT 1"), f.execErr
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.querySQL = sql
	f.queryArgs = args
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeRows{rows: f.rows, i: -1}, nil
}

type fakeRows struct {
	rows   [][]any
	i      int
	closed bool
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.i++
	return r.i < len(r.rows)
}

func (r *fakeRows) Values() ([]any, error) {
	return r.rows[r.i], nil
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.i]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(row))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *int:
			*p = row[i].(int)
		case *time.Time:
			*p = row[i].(time.Time)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

type recordedQuery struct {
	op, table string
	err       error
}

type fakeObserver struct {
	queries []recordedQuery
}

func (o *fakeObserver) RecordDBQuery(op, table string, d time.Duration, err error) {
	o.queries = append(o.queries, recordedQuery{op, table, err})
}

func entry() *domain.CallLog {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &domain.CallLog{
		OwnerID:   "alice",
		CallID:    "call-1",
		PeerID:    "bob",
		Direction: "caller",
		Kind:      domain.CallKindVideo,
		Status:    domain.CallStatusEnded,
		Reason:    "hangup",
		StartedAt: start,
		EndedAt:   start.Add(90 * time.Second),
		Duration:  90,
	}
}

func TestCallRepository_Save(t *testing.T) {
	db := &fakeDB{}
	obs := &fakeObserver{}
	repo := NewCallRepository(db, obs)

	require.NoError(t, repo.Save(context.Background(), entry()))

	require.Len(t, db.execSQL, 1)
	assert.Contains(t, db.execSQL[0], "UPSERT INTO call_history")
	args := db.execArgs[0]
	require.Len(t, args, 10)
	assert.Equal(t, "alice", args[0])
	assert.Equal(t, "call-1", args[1])
	assert.Equal(t, "video", args[4])
	assert.Equal(t, "ended", args[5])
	assert.Equal(t, 90, args[9])

	require.Len(t, obs.queries, 1)
	assert.Equal(t, recordedQuery{"upsert", "call_history", nil}, obs.queries[0])
}

func TestCallRepository_SaveErrorIsObserved(t *testing.T) {
	db := &fakeDB{execErr: errors.New("connection refused")}
	obs := &fakeObserver{}
	repo := NewCallRepository(db, obs)

	err := repo.Save(context.Background(), entry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	require.Len(t, obs.queries, 1)
	assert.Error(t, obs.queries[0].err)
}

func TestCallRepository_List(t *testing.T) {
	e := entry()
	db := &fakeDB{rows: [][]any{
		{e.OwnerID, e.CallID, e.PeerID, e.Direction, "video", "ended", e.Reason, e.StartedAt, e.EndedAt, e.Duration},
		{"alice", "call-0", "bob", "callee", "audio", "rejected", "", e.StartedAt.Add(-time.Hour), e.StartedAt.Add(-time.Hour), 0},
	}}
	repo := NewCallRepository(db, nil)

	logs, err := repo.List(context.Background(), "alice", 20, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, e, logs[0])
	assert.Equal(t, domain.CallKindAudio, logs[1].Kind)
	assert.Equal(t, domain.CallStatusRejected, logs[1].Status)

	assert.True(t, strings.Contains(db.querySQL, "ORDER BY ended_at DESC"))
	assert.Equal(t, []any{"alice", 20, 0}, db.queryArgs)
}

func TestCallRepository_ListQueryError(t *testing.T) {
	db := &fakeDB{queryErr: errors.New("timeout")}
	obs := &fakeObserver{}
	repo := NewCallRepository(db, obs)

	_, err := repo.List(context.Background(), "alice", 20, 0)
	require.Error(t, err)
	require.Len(t, obs.queries, 1)
	assert.Equal(t, "select", obs.queries[0].op)
	assert.Error(t, obs.queries[0].err)
}

func TestCallRepository_EnsureSchema(t *testing.T) {
	db := &fakeDB{}
	repo := NewCallRepository(db, nil)

	require.NoError(t, repo.EnsureSchema(context.Background()))
	require.Len(t, db.execSQL, 1)
	assert.Contains(t, db.execSQL[0], "CREATE TABLE IF NOT EXISTS call_history")
	assert.Contains(t, db.execSQL[0], "PRIMARY KEY (owner_id, call_id)")
}
