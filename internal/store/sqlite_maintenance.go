package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	feedsync "github.com/hyperengineering/vigil/internal/sync"
)

// compactableWhere selects entries older than the cutoff that are not the
// latest entry for their entity.
const compactableWhere = `
	WHERE created_at < ?
	  AND sequence NOT IN (
	      SELECT MAX(sequence) FROM change_log GROUP BY table_name, entity_id
	  )`

// CompactChangeLog removes entries created before cutoff, keeping the latest
// entry per entity. Removed entries are first exported as JSON lines to
// auditDir; an empty auditDir skips the export.
// Returns: entries exported, entries deleted, error.
func (s *SQLiteStore) CompactChangeLog(ctx context.Context, cutoff time.Time, auditDir string) (int64, int64, error) {
	cutoffStr := cutoff.UTC().Format(timeFormat)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, selectChangeLogColumns+compactableWhere+` ORDER BY sequence ASC`, cutoffStr)
	if err != nil {
		return 0, 0, fmt.Errorf("query compactable entries: %w", err)
	}
	var victims []feedsync.ChangeLogEntry
	for rows.Next() {
		e, err := scanChangeLogEntry(rows)
		if err != nil {
			rows.Close()
			return 0, 0, err
		}
		victims = append(victims, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("iterate compactable entries: %w", err)
	}

	if len(victims) == 0 {
		return 0, 0, nil
	}

	var exported int64
	if auditDir != "" {
		exported, err = exportAudit(auditDir, victims)
		if err != nil {
			return 0, 0, err
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM change_log`+compactableWhere, cutoffStr)
	if err != nil {
		return exported, 0, fmt.Errorf("delete compacted entries: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return exported, 0, fmt.Errorf("get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return exported, 0, fmt.Errorf("commit transaction: %w", err)
	}
	return exported, deleted, nil
}

// exportAudit appends entries to a per-day JSON lines file in dir.
func exportAudit(dir string, entries []feedsync.ChangeLogEntry) (int64, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("create audit directory: %w", err)
	}

	name := filepath.Join(dir, "change_log-"+time.Now().UTC().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	var n int64
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return n, fmt.Errorf("write audit entry: %w", err)
		}
		n++
	}
	if err := w.Flush(); err != nil {
		return n, fmt.Errorf("flush audit file: %w", err)
	}
	return n, f.Sync()
}

// SetLastCompaction records compaction metadata.
func (s *SQLiteStore) SetLastCompaction(ctx context.Context, sequence int64, timestamp time.Time) error {
	if err := s.SetSyncMeta(ctx, feedsync.SyncMetaLastCompactionSeq, strconv.FormatInt(sequence, 10)); err != nil {
		return err
	}
	return s.SetSyncMeta(ctx, feedsync.SyncMetaLastCompactionAt, timestamp.UTC().Format(time.RFC3339Nano))
}

// GenerateSnapshot writes a consistent copy of the database to the snapshot path.
func (s *SQLiteStore) GenerateSnapshot(ctx context.Context) error {
	path, err := s.snapshotPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale snapshot: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, tmp); err != nil {
		return fmt.Errorf("vacuum into snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}

	return s.SetSyncMeta(ctx, feedsync.SyncMetaLastSnapshotAt, time.Now().UTC().Format(time.RFC3339Nano))
}

// GetSnapshotPath returns the path to the current snapshot file.
func (s *SQLiteStore) GetSnapshotPath(ctx context.Context) (string, error) {
	path, err := s.snapshotPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrSnapshotNotReady
		}
		return "", fmt.Errorf("stat snapshot: %w", err)
	}
	return path, nil
}

func (s *SQLiteStore) snapshotPath() (string, error) {
	if s.dbPath == memoryPath {
		return "", ErrSnapshotUnavailable
	}
	return filepath.Join(filepath.Dir(s.dbPath), "snapshots", "current.db"), nil
}
