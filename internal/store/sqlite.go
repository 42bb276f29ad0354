package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	feedsync "github.com/hyperengineering/vigil/internal/sync"
	"github.com/hyperengineering/vigil/internal/types"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const memoryPath = ":memory:"

// SQLiteStore represents the SQLite-backed prayer feed database.
type SQLiteStore struct {
	db       *sql.DB
	dbPath   string
	sourceID string
	notify   ChangeNotifier
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithSourceID sets the source recorded on every change log entry.
func WithSourceID(id string) Option {
	return func(s *SQLiteStore) {
		s.sourceID = id
	}
}

// WithChangeNotifier registers fn to receive committed change log entries.
func WithChangeNotifier(fn ChangeNotifier) Option {
	return func(s *SQLiteStore) {
		s.notify = fn
	}
}

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dbPath != memoryPath {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: opens a distinct database.
	if dbPath == memoryPath {
		db.SetMaxOpenConns(1)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &SQLiteStore{db: db, dbPath: dbPath}
	for _, opt := range opts {
		opt(s)
	}
	if s.sourceID == "" {
		s.sourceID = ulid.Make().String()
	}
	return s, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SourceID returns the source recorded on change log entries written by this store.
func (s *SQLiteStore) SourceID() string {
	return s.sourceID
}

// CreatePrayer stores a new prayer and records an insert in the change log.
func (s *SQLiteStore) CreatePrayer(ctx context.Context, req types.NewPrayerRequest) (*types.Prayer, error) {
	p := types.Prayer{
		ID:        ulid.Make().String(),
		UserID:    req.UserID,
		Content:   req.Content,
		CreatedAt: time.Now().UTC(),
	}

	entry, err := s.newEntry(feedsync.TablePrayers, p.ID, feedsync.OperationInsert, p.UserID, p.ID, p)
	if err != nil {
		return nil, err
	}

	err = s.withTx(ctx, []*feedsync.ChangeLogEntry{entry}, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO prayers (id, user_id, content, created_at)
			VALUES (?, ?, ?, ?)
		`, p.ID, p.UserID, p.Content, p.CreatedAt.Format(timeFormat))
		if err != nil {
			return fmt.Errorf("insert prayer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPrayer retrieves a prayer by ID.
func (s *SQLiteStore) GetPrayer(ctx context.Context, id string) (*types.Prayer, error) {
	return getPrayer(ctx, s.db, id)
}

// DeletePrayer removes a prayer and every response to it.
func (s *SQLiteStore) DeletePrayer(ctx context.Context, id string) error {
	p, err := s.GetPrayer(ctx, id)
	if err != nil {
		return err
	}

	responseIDs, err := s.responseIDsFor(ctx, id)
	if err != nil {
		return err
	}

	entries := make([]*feedsync.ChangeLogEntry, 0, len(responseIDs)+1)
	for _, rid := range responseIDs {
		e, err := s.newEntry(feedsync.TableResponses, rid, feedsync.OperationDelete, p.UserID, p.ID, nil)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}
	e, err := s.newEntry(feedsync.TablePrayers, p.ID, feedsync.OperationDelete, p.UserID, p.ID, nil)
	if err != nil {
		return err
	}
	entries = append(entries, e)

	return s.withTx(ctx, entries, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM prayer_responses WHERE prayer_id = ?`, id); err != nil {
			return fmt.Errorf("delete responses: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM prayers WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete prayer: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrPrayerNotFound
		}
		return nil
	})
}

// CreateResponse stores a response to prayerID and records an insert in the change log.
func (s *SQLiteStore) CreateResponse(ctx context.Context, prayerID string, req types.NewResponseRequest) (*types.PrayerResponse, error) {
	p, err := s.GetPrayer(ctx, prayerID)
	if err != nil {
		return nil, err
	}

	r := types.PrayerResponse{
		ID:        ulid.Make().String(),
		PrayerID:  p.ID,
		AuthorID:  req.AuthorID,
		Kind:      req.Kind,
		Message:   req.Message,
		CreatedAt: time.Now().UTC(),
	}

	entry, err := s.newEntry(feedsync.TableResponses, r.ID, feedsync.OperationInsert, p.UserID, p.ID, r)
	if err != nil {
		return nil, err
	}

	err = s.withTx(ctx, []*feedsync.ChangeLogEntry{entry}, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO prayer_responses (id, prayer_id, author_id, kind, message, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, r.ID, r.PrayerID, r.AuthorID, string(r.Kind), r.Message, r.CreatedAt.Format(timeFormat))
		if err != nil {
			return fmt.Errorf("insert response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteResponse removes a response and records a delete in the change log.
func (s *SQLiteStore) DeleteResponse(ctx context.Context, id string) error {
	var prayerID, ownerID string
	err := s.db.QueryRowContext(ctx, `
		SELECT r.prayer_id, p.user_id
		FROM prayer_responses r
		JOIN prayers p ON p.id = r.prayer_id
		WHERE r.id = ?
	`, id).Scan(&prayerID, &ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup response: %w", err)
	}

	entry, err := s.newEntry(feedsync.TableResponses, id, feedsync.OperationDelete, ownerID, prayerID, nil)
	if err != nil {
		return err
	}

	return s.withTx(ctx, []*feedsync.ChangeLogEntry{entry}, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM prayer_responses WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete response: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListInbox returns the responses to userID's prayers, newest first.
// A limit of zero or less returns every response.
func (s *SQLiteStore) ListInbox(ctx context.Context, userID string, limit int) ([]types.Entity, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.prayer_id, r.author_id, r.kind, r.message, r.created_at
		FROM prayer_responses r
		JOIN prayers p ON p.id = r.prayer_id
		WHERE p.user_id = ?
		ORDER BY r.created_at DESC, r.id ASC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	defer rows.Close()

	items := make([]types.Entity, 0)
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		e, err := types.EntityFromResponse(*r)
		if err != nil {
			return nil, fmt.Errorf("encode response %s: %w", r.ID, err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return items, nil
}

// ListOwnedPrayerIDs returns the ids of every prayer owned by userID.
func (s *SQLiteStore) ListOwnedPrayerIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM prayers WHERE user_id = ? ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query prayer ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan prayer id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetStats returns aggregate store statistics
func (s *SQLiteStore) GetStats(ctx context.Context) (*types.StoreStats, error) {
	var stats types.StoreStats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM prayers`).Scan(&stats.PrayerCount); err != nil {
		return nil, fmt.Errorf("count prayers: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM prayer_responses`).Scan(&stats.ResponseCount); err != nil {
		return nil, fmt.Errorf("count responses: %w", err)
	}

	seq, err := s.GetLatestSequence(ctx)
	if err != nil {
		return nil, err
	}
	stats.LatestSequence = seq

	if v, err := s.GetSyncMeta(ctx, feedsync.SyncMetaLastSnapshotAt); err == nil && v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			stats.LastSnapshot = &t
		}
	}

	return &stats, nil
}

func (s *SQLiteStore) responseIDsFor(ctx context.Context, prayerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM prayer_responses WHERE prayer_id = ?`, prayerID)
	if err != nil {
		return nil, fmt.Errorf("query response ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan response id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// withTx runs fn and appends entries to the change log in one transaction.
// Committed entries are handed to the change notifier with their sequences.
func (s *SQLiteStore) withTx(ctx context.Context, entries []*feedsync.ChangeLogEntry, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	for i, e := range entries {
		seq, err := appendChangeLog(ctx, tx, e)
		if err != nil {
			return fmt.Errorf("append change log entry %d: %w", i, err)
		}
		e.Sequence = seq
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	if s.notify != nil && len(entries) > 0 {
		now := time.Now().UTC()
		committed := make([]feedsync.ChangeLogEntry, len(entries))
		for i, e := range entries {
			committed[i] = *e
			committed[i].ReceivedAt = now
		}
		s.notify(committed)
	}
	return nil
}

func (s *SQLiteStore) newEntry(table, entityID, op, ownerID, foreignKey string, payload any) (*feedsync.ChangeLogEntry, error) {
	e := &feedsync.ChangeLogEntry{
		TableName:  table,
		EntityID:   entityID,
		Operation:  op,
		OwnerID:    ownerID,
		ForeignKey: foreignKey,
		SourceID:   s.sourceID,
		CreatedAt:  time.Now().UTC(),
	}
	if payload != nil {
		raw, err := marshalPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", table, err)
		}
		e.Payload = raw
	}
	return e, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getPrayer(ctx context.Context, q rowQuerier, id string) (*types.Prayer, error) {
	var p types.Prayer
	var createdAt string
	err := q.QueryRowContext(ctx, `
		SELECT id, user_id, content, created_at FROM prayers WHERE id = ?
	`, id).Scan(&p.ID, &p.UserID, &p.Content, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPrayerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan prayer: %w", err)
	}
	p.CreatedAt = parseTime("prayers.created_at", createdAt)
	return &p, nil
}

// scanResponse scans a row into a PrayerResponse.
func scanResponse(scanner interface{ Scan(...any) error }) (*types.PrayerResponse, error) {
	var r types.PrayerResponse
	var kind, createdAt string
	if err := scanner.Scan(&r.ID, &r.PrayerID, &r.AuthorID, &kind, &r.Message, &createdAt); err != nil {
		return nil, err
	}
	r.Kind = types.ResponseKind(kind)
	r.CreatedAt = parseTime("prayer_responses.created_at", createdAt)
	return &r, nil
}

func parseTime(column, value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		slog.Warn("store: failed to parse timestamp", "column", column, "value", value, "error", err)
	}
	return t
}
