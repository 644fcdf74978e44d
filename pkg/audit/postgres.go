package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
)

// CreateTableSQL is the schema PostgresWriter expects.
const CreateTableSQL = `CREATE TABLE IF NOT EXISTS mesh_audit_events (
	id         TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	agent_id   TEXT,
	context    JSONB,
	created_at TIMESTAMPTZ NOT NULL
)`

const eventColumns = 5

// PostgresWriter inserts audit batches into Postgres.
type PostgresWriter struct {
	db *sql.DB
}

// OpenPostgres opens a pooled connection through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresWriter, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach audit database: %w", err)
	}
	if _, err := db.ExecContext(ctx, CreateTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}
	return &PostgresWriter{db: db}, nil
}

// NewPostgresWriter wraps an existing handle.
func NewPostgresWriter(db *sql.DB) *PostgresWriter {
	return &PostgresWriter{db: db}
}

// WriteBatch inserts events with one multi-row INSERT.
func (w *PostgresWriter) WriteBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	query, args, err := buildInsert(events)
	if err != nil {
		return err
	}
	if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert %d audit events: %w", len(events), err)
	}
	return nil
}

// Close releases the connection pool.
func (w *PostgresWriter) Close() error {
	return w.db.Close()
}

func buildInsert(events []Event) (string, []interface{}, error) {
	placeholders := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*eventColumns)

	for i, e := range events {
		p := i * eventColumns
		placeholders = append(placeholders,
			fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)", p+1, p+2, p+3, p+4, p+5))

		ctxJSON, err := json.Marshal(e.Context)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode context of event %s: %w", e.ID, err)
		}
		args = append(args, e.ID, string(e.Type), e.AgentID, ctxJSON, e.Timestamp)
	}

	query := "INSERT INTO mesh_audit_events (id, event_type, agent_id, context, created_at) VALUES " +
		strings.Join(placeholders, ", ") + " ON CONFLICT (id) DO NOTHING"
	return query, args, nil
}
