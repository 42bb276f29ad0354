package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	feedsync "github.com/hyperengineering/vigil/internal/sync"
)

const insertChangeLogSQL = `
	INSERT INTO change_log (table_name, entity_id, operation, owner_id, foreign_key, payload, source_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

const changeLogColumns = `sequence, table_name, entity_id, operation, owner_id, foreign_key, payload, source_id, created_at, received_at`

const selectChangeLogColumns = `SELECT ` + changeLogColumns + ` FROM change_log`

// execContext is satisfied by both *sql.DB and *sql.Tx.
type execContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// changeLogArgs returns the SQL arguments for inserting a ChangeLogEntry.
func changeLogArgs(e *feedsync.ChangeLogEntry) []any {
	return []any{
		e.TableName, e.EntityID, e.Operation, e.OwnerID, e.ForeignKey,
		nullablePayload(e.Payload), e.SourceID,
		e.CreatedAt.UTC().Format(timeFormat),
	}
}

func appendChangeLog(ctx context.Context, execer execContext, e *feedsync.ChangeLogEntry) (int64, error) {
	result, err := execer.ExecContext(ctx, insertChangeLogSQL, changeLogArgs(e)...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// AppendChangeLog appends a single entry to the change log.
// Returns the assigned sequence number.
func (s *SQLiteStore) AppendChangeLog(ctx context.Context, entry *feedsync.ChangeLogEntry) (int64, error) {
	seq, err := appendChangeLog(ctx, s.db, entry)
	if err != nil {
		return 0, fmt.Errorf("append change log: %w", err)
	}
	return seq, nil
}

// GetChangeLogAfter returns entries with sequence > afterSeq, up to limit.
// When tables is non-empty only entries for those tables are returned.
func (s *SQLiteStore) GetChangeLogAfter(ctx context.Context, afterSeq int64, tables []string, limit int) ([]feedsync.ChangeLogEntry, error) {
	query := selectChangeLogColumns + ` WHERE sequence > ?`
	args := []any{afterSeq}
	if len(tables) > 0 {
		query += ` AND table_name IN (?` + strings.Repeat(`, ?`, len(tables)-1) + `)`
		for _, t := range tables {
			args = append(args, t)
		}
	}
	query += ` ORDER BY sequence ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	entries := make([]feedsync.ChangeLogEntry, 0)
	for rows.Next() {
		e, err := scanChangeLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanChangeLogEntry(rows interface{ Scan(...any) error }) (feedsync.ChangeLogEntry, error) {
	var e feedsync.ChangeLogEntry
	var payload sql.NullString
	var createdAt, receivedAt string

	if err := rows.Scan(&e.Sequence, &e.TableName, &e.EntityID, &e.Operation,
		&e.OwnerID, &e.ForeignKey, &payload, &e.SourceID, &createdAt, &receivedAt); err != nil {
		return e, fmt.Errorf("scan change log entry: %w", err)
	}

	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	var parseErr error
	if e.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdAt); parseErr != nil {
		slog.Warn("change_log: failed to parse created_at", "value", createdAt, "error", parseErr)
	}
	if e.ReceivedAt, parseErr = time.Parse(time.RFC3339Nano, receivedAt); parseErr != nil {
		slog.Warn("change_log: failed to parse received_at", "value", receivedAt, "error", parseErr)
	}
	return e, nil
}

// GetLatestSequence returns the highest sequence number in the change log.
// Returns 0 if the change log is empty.
func (s *SQLiteStore) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM change_log`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("get latest sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// GetSyncMeta retrieves a sync metadata value by key.
func (s *SQLiteStore) GetSyncMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM sync_meta WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get sync meta: %w", err)
	}
	return value, nil
}

// SetSyncMeta sets a sync metadata value.
func (s *SQLiteStore) SetSyncMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set sync meta: %w", err)
	}
	return nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// nullablePayload converts a json.RawMessage to a sql-friendly value.
// Returns nil for empty/null payloads, string otherwise.
func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
