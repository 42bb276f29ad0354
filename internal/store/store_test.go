package store

// SQLiteStore must satisfy the Store interface.
var _ Store = (*SQLiteStore)(nil)
