package store

import "errors"

var (
	ErrNotFound            = errors.New("record not found")
	ErrPrayerNotFound      = errors.New("prayer not found")
	ErrSnapshotUnavailable = errors.New("snapshot unavailable for in-memory store")
	ErrSnapshotNotReady    = errors.New("snapshot not generated yet")
)
