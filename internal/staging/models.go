package staging

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrArchiveReason is returned when an upsert would leave a record
// archived without an archive reason.
var ErrArchiveReason = errors.New("archived record requires a reason")

// Internal lifecycle states of a staged record.
const (
	StatusPendingValidation = "pending_validation"
	StatusInSystem          = "in_system"
	StatusArchived          = "archived"
	StatusBlocked           = "blocked"
	StatusImported          = "imported"
)

// ReasonCompleted marks records archived because the matching
// downstream record reached a terminal status.
const ReasonCompleted = "completed_in_system"

// PendingRecord is one staged service notice, keyed by its normalized
// service number. Created on first observation, merged on every later
// run, never hard-deleted by the reconciler.
type PendingRecord struct {
	ID                string
	ClientName        string
	Address           string
	Phone             string
	Company           string
	Description       string
	ExternalStatus    string
	DateLabel         string
	InternalStatus    string
	IntegratedIn      string // downstream store that matched, "" if none
	DownstreamStatus  string // matched downstream record's own status
	MissingFromSource bool
	CreatedAt         time.Time // write-once
	UpdatedAt         time.Time
	LastSeenAt        *time.Time
	MissingAt         *time.Time
	ArchivedAt        *time.Time
	ArchivedReason    string
	ImportedRef       string // downstream record created by promotion
	ImportedAt        *time.Time
}

// RecordPatch is a partial update merged into a PendingRecord. Nil
// fields are left untouched; the Clear flags reset their field group.
type RecordPatch struct {
	ClientName       *string
	Address          *string
	Phone            *string
	Company          *string
	Description      *string
	ExternalStatus   *string
	DateLabel        *string
	InternalStatus   *string
	IntegratedIn     *string
	DownstreamStatus *string

	MissingFromSource *bool
	MissingAt         *time.Time
	ClearMissing      bool

	ArchivedAt     *time.Time
	ArchivedReason *string
	ClearArchived  bool

	ImportedRef *string
	ImportedAt  *time.Time

	LastSeenAt *time.Time
}

// Run is the persisted audit record of one reconciliation pass.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string // "success", "partial", "failed"
	Created    int
	Updated    int
	Blocked    int
	Archived   int
	Missing    int
	Skipped    int
	Unchanged  int
	Errors     int
	LastError  string
}

// Run statuses.
const (
	RunSuccess = "success"
	RunPartial = "partial"
	RunFailed  = "failed"
)

// ListOptions filters admin reads of the staging collection.
type ListOptions struct {
	IncludeBlocked bool
	Status         string // exact internal status, "" for all
	Limit          int    // <= 0 means no limit
}

func ptr[T any](v T) *T { return &v }

// String returns a pointer to s, for building patches.
func String(s string) *string { return ptr(s) }

// Bool returns a pointer to b, for building patches.
func Bool(b bool) *bool { return ptr(b) }

// Time returns a pointer to t, for building patches.
func Time(t time.Time) *time.Time { return ptr(t) }
