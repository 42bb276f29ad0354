package sync

import (
	"encoding/json"
	"time"
)

// ChangeLogEntry represents a single entry in the change log.
// The same shape travels over the change feed as a raw change event.
type ChangeLogEntry struct {
	Sequence   int64           `json:"sequence"`
	TableName  string          `json:"table_name"`
	EntityID   string          `json:"entity_id"`
	Operation  string          `json:"operation"` // "insert", "update" or "delete"
	OwnerID    string          `json:"owner_id,omitempty"`
	ForeignKey string          `json:"foreign_key,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SourceID   string          `json:"source_id"`
	CreatedAt  time.Time       `json:"created_at"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Operation constants
const (
	OperationInsert = "insert"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// Table names recorded in the change log.
const (
	TablePrayers   = "prayers"
	TableResponses = "prayer_responses"
)

// IsUpstreamInsert reports whether the entry records a newly created upstream
// record (a prayer) owned by ownerID.
func (e ChangeLogEntry) IsUpstreamInsert(ownerID string) bool {
	return e.TableName == TablePrayers &&
		e.Operation == OperationInsert &&
		e.OwnerID != "" &&
		e.OwnerID == ownerID
}

// SyncMeta keys
const (
	SyncMetaSchemaVersion     = "schema_version"
	SyncMetaLastCompactionSeq = "last_compaction_seq"
	SyncMetaLastCompactionAt  = "last_compaction_at"
	SyncMetaLastSnapshotAt    = "last_snapshot_at"
)
