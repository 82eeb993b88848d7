package domain

import "time"

// Kind classifies a filesystem change.
type Kind string

const (
	KindCreated  Kind = "created"
	KindModified Kind = "modified"
	KindDeleted  Kind = "deleted"
	// KindMoved on a RawEvent means the path was renamed away and the
	// destination is not yet known. On a ChangeRecord it means the rename
	// was resolved and OldPath carries the origin.
	KindMoved Kind = "moved"
)

// RawEvent is a single low-level notification from the watch adapter. It is
// ephemeral: the normalizer consumes it immediately.
type RawEvent struct {
	Path      string
	Kind      Kind
	Timestamp time.Time
}

// ChangeRecord is one finalized, de-duplicated change. Immutable once built.
type ChangeRecord struct {
	ID         string
	Path       string
	Kind       Kind
	OldPath    string
	ObservedAt time.Time
	Sequence   int64
}
