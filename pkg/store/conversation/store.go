// Package conversation persists transcript turns to Postgres so users
// can review past practice sessions.
package conversation

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/parley/pkg/core"
	"github.com/vango-go/parley/pkg/realtime"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Turn is one saved transcript line.
type Turn struct {
	ID        uuid.UUID
	UserID    string
	Role      realtime.Role
	Text      string
	Timestamp time.Time
	CreatedAt time.Time
}

// ListOptions shape a turn listing.
type ListOptions struct {
	Limit      int
	Offset     int
	Descending bool
}

// Stats summarizes a user's saved conversation history.
type Stats struct {
	TotalTurns     int64
	UserTurns      int64
	AssistantTurns int64
	Oldest         *time.Time
	Newest         *time.Time
}

// Store is the conversation log store over a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. The caller owns the pool's lifetime.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects a pool and runs pending migrations.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, core.NewStorageError("connect", err)
	}
	store := New(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return core.NewStorageError("migrate", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return core.NewStorageError("migrate", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveTurns appends a batch of turns for one user and returns how many
// rows were written. Turns with empty text are skipped; an all-empty
// batch is a no-op, not an error.
func (s *Store) SaveTurns(ctx context.Context, userID string, turns []Turn) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, core.NewInvalidRequestError("user ID must not be empty")
	}

	batch := &pgx.Batch{}
	queued := 0
	for _, turn := range turns {
		text := strings.TrimSpace(turn.Text)
		if text == "" {
			continue
		}
		id := turn.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		ts := turn.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		batch.Queue(
			`INSERT INTO conversation_logs (id, user_id, role, text, ts) VALUES ($1, $2, $3, $4, $5)`,
			id, userID, string(turn.Role), text, ts,
		)
		queued++
	}
	if queued == 0 {
		return 0, nil
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < queued; i++ {
		if _, err := results.Exec(); err != nil {
			return i, core.NewStorageError("save turns", err)
		}
	}
	return queued, nil
}

// ListTurns returns a user's turns ordered by timestamp.
func (s *Store) ListTurns(ctx context.Context, userID string, opts ListOptions) ([]Turn, error) {
	query := `SELECT id, user_id, role, text, ts, created_at
		FROM conversation_logs WHERE user_id = $1 ORDER BY ts ` + orderDirection(opts)
	args := []any{userID}
	query, args = applyWindow(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, core.NewStorageError("list turns", err)
	}
	return scanTurns(rows)
}

// ListTurnsByRange returns a user's turns with timestamps in [from, to).
func (s *Store) ListTurnsByRange(ctx context.Context, userID string, from, to time.Time, opts ListOptions) ([]Turn, error) {
	if !to.After(from) {
		return nil, core.NewInvalidRequestError("range end must be after range start")
	}
	query := `SELECT id, user_id, role, text, ts, created_at
		FROM conversation_logs WHERE user_id = $1 AND ts >= $2 AND ts < $3 ORDER BY ts ` + orderDirection(opts)
	args := []any{userID, from, to}
	query, args = applyWindow(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, core.NewStorageError("list turns by range", err)
	}
	return scanTurns(rows)
}

// DeleteTurns removes a single turn when turnID is given, or every turn
// for the user when it is nil. Returns the number of rows removed.
func (s *Store) DeleteTurns(ctx context.Context, userID string, turnID *uuid.UUID) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, core.NewInvalidRequestError("user ID must not be empty")
	}
	if turnID != nil {
		ct, err := s.pool.Exec(ctx, `DELETE FROM conversation_logs WHERE user_id = $1 AND id = $2`, userID, *turnID)
		if err != nil {
			return 0, core.NewStorageError("delete turn", err)
		}
		return ct.RowsAffected(), nil
	}
	ct, err := s.pool.Exec(ctx, `DELETE FROM conversation_logs WHERE user_id = $1`, userID)
	if err != nil {
		return 0, core.NewStorageError("delete turns", err)
	}
	return ct.RowsAffected(), nil
}

// Stats reports aggregate history counts for one user.
func (s *Store) Stats(ctx context.Context, userID string) (Stats, error) {
	var stats Stats
	err := s.pool.QueryRow(ctx, `SELECT
			count(*),
			count(*) FILTER (WHERE role = 'user'),
			count(*) FILTER (WHERE role = 'assistant'),
			min(ts),
			max(ts)
		FROM conversation_logs WHERE user_id = $1`, userID).
		Scan(&stats.TotalTurns, &stats.UserTurns, &stats.AssistantTurns, &stats.Oldest, &stats.Newest)
	if err != nil {
		return Stats{}, core.NewStorageError("stats", err)
	}
	return stats, nil
}

func orderDirection(opts ListOptions) string {
	if opts.Descending {
		return "DESC"
	}
	return "ASC"
}

func applyWindow(query string, args []any, opts ListOptions) (string, []any) {
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

func scanTurns(rows pgx.Rows) ([]Turn, error) {
	defer rows.Close()
	var turns []Turn
	for rows.Next() {
		var turn Turn
		var role string
		if err := rows.Scan(&turn.ID, &turn.UserID, &role, &turn.Text, &turn.Timestamp, &turn.CreatedAt); err != nil {
			return nil, core.NewStorageError("scan turn", err)
		}
		turn.Role = realtime.Role(role)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("read turns", err)
	}
	return turns, nil
}
