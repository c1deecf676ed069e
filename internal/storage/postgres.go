package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx operations the Postgres backend needs.
// *pgxpool.Pool satisfies it; tests may substitute a fake.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresBackend stores documents in a single table. Upserts are atomic at
// the row level, which satisfies the backend's atomic-write contract.
type PostgresBackend struct {
	db    Querier
	table string
}

// PostgresOption configures a PostgresBackend.
type PostgresOption func(*PostgresBackend)

// WithTable overrides the default table name.
func WithTable(name string) PostgresOption {
	return func(b *PostgresBackend) { b.table = name }
}

// NewPostgresBackend creates a Postgres-backed document store.
func NewPostgresBackend(db Querier, opts ...PostgresOption) *PostgresBackend {
	b := &PostgresBackend{db: db, table: "agentdeck_documents"}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect opens a pgx pool and returns a backend with its schema ensured.
func Connect(ctx context.Context, databaseURL string) (*PostgresBackend, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	b := NewPostgresBackend(pool)
	if err := b.Init(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return b, pool, nil
}

// Init creates the documents table if it does not exist.
func (b *PostgresBackend) Init(ctx context.Context) error {
	_, err := b.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			agent_id   TEXT NOT NULL,
			doc        TEXT NOT NULL,
			data       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (agent_id, doc)
		)`, b.table))
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Read returns the raw document, or ErrNotExist.
func (b *PostgresBackend) Read(ctx context.Context, agentID, doc string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE agent_id = $1 AND doc = $2`, b.table),
		agentID, doc).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("read %s/%s: %w", agentID, doc, err)
	}
	return data, nil
}

// Write upserts the document.
func (b *PostgresBackend) Write(ctx context.Context, agentID, doc string, data []byte) error {
	_, err := b.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (agent_id, doc, data, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (agent_id, doc) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		b.table), agentID, doc, data)
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", agentID, doc, err)
	}
	return nil
}

// Delete removes the document if it exists.
func (b *PostgresBackend) Delete(ctx context.Context, agentID, doc string) error {
	_, err := b.db.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE agent_id = $1 AND doc = $2`, b.table),
		agentID, doc)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", agentID, doc, err)
	}
	return nil
}

// List returns document names under the given prefix for an agent.
func (b *PostgresBackend) List(ctx context.Context, agentID, prefix string) ([]string, error) {
	rows, err := b.db.Query(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE agent_id = $1 AND doc LIKE $2 || '%%'`, b.table),
		agentID, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", agentID, prefix, err)
	}
	defer rows.Close()

	var docs []string
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan doc: %w", err)
		}
		// Top-level listing must not include nested documents.
		if prefix == "" && strings.Contains(doc, "/") {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Agents returns the IDs of all agents with any stored documents.
func (b *PostgresBackend) Agents(ctx context.Context) ([]string, error) {
	rows, err := b.db.Query(ctx,
		fmt.Sprintf(`SELECT DISTINCT agent_id FROM %s`, b.table))
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteAgent removes every document belonging to an agent.
func (b *PostgresBackend) DeleteAgent(ctx context.Context, agentID string) error {
	_, err := b.db.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE agent_id = $1`, b.table), agentID)
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", agentID, err)
	}
	return nil
}
