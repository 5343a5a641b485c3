package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/majiayu000/sage/internal/message"
)

// PostgresStore is a supplemental Storage backend for centralized
// deployments that want a queryable session history instead of a
// directory of JSONL files per host. Schema migrations are applied via
// golang-migrate (see migrations.go); this type only issues queries.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore wraps an already-connected pool. Callers run
// RunMigrations once at startup before constructing sessions.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, logger: slog.Default()}
}

func (s *PostgresStore) Start(ctx context.Context, id string) (Metadata, error) {
	now := time.Now()
	_, err := s.pool.Exec(ctx, `
INSERT INTO sessions (id, created_at, updated_at, extra)
VALUES ($1, $2, $2, '{}'::jsonb)
ON CONFLICT (id) DO NOTHING`, id, now)
	if err != nil {
		return Metadata{}, fmt.Errorf("session: starting: %w", err)
	}
	return s.Load1(ctx, id)
}

// Load1 fetches just the metadata row, used internally by Start.
func (s *PostgresStore) Load1(ctx context.Context, id string) (Metadata, error) {
	var meta Metadata
	var extraRaw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, created_at, updated_at, extra FROM sessions WHERE id = $1`, id,
	).Scan(&meta.ID, &meta.CreatedAt, &meta.UpdatedAt, &extraRaw)
	if err != nil {
		return Metadata{}, fmt.Errorf("session: loading metadata: %w", err)
	}
	if len(extraRaw) > 0 {
		_ = json.Unmarshal(extraRaw, &meta.Extra)
	}
	return meta, nil
}

func (s *PostgresStore) Append(ctx context.Context, id string, msg message.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO session_messages (session_id, payload) VALUES ($1, $2)`,
		id, data)
	return err
}

func (s *PostgresStore) UpdateMetadata(ctx context.Context, id string, extra map[string]any) error {
	data, err := json.Marshal(extra)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE sessions SET extra = extra || $2::jsonb, updated_at = now() WHERE id = $1`,
		id, data)
	return err
}

func (s *PostgresStore) Load(ctx context.Context, id string) (Metadata, []message.Message, error) {
	meta, err := s.Load1(ctx, id)
	if err != nil {
		return Metadata{}, nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM session_messages WHERE session_id = $1 ORDER BY id ASC`, id)
	if err != nil {
		return Metadata{}, nil, err
	}
	defer rows.Close()

	var messages []message.Message
	lineNo := 0
	for rows.Next() {
		lineNo++
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return Metadata{}, nil, err
		}
		var msg message.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("session: discarding malformed transcript row",
				"session", id, "row", lineNo, "error", err)
			continue
		}
		messages = append(messages, msg)
	}
	return meta, messages, rows.Err()
}

// Close is a no-op for PostgresStore: the pool is shared across sessions
// and closed by the caller that created it, not per-session.
func (s *PostgresStore) Close(ctx context.Context, id string) error {
	return nil
}

var _ = pgx.ErrNoRows
