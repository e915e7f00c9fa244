package storage

import (
	"context"
	"errors"
	"time"

	"rbs/internal/model"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "memory": no persistence
//   - "sqlite": Path is the database file
//   - "mysql":  DSN is a go-sql-driver DSN (parseTime is not required)
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	Timeout      time.Duration // per operation; 0 means DefaultTimeout
	MaxOpenConns int           // mysql only
}

// DefaultTimeout bounds a single store operation.
const DefaultTimeout = 5 * time.Second

// Filter selects participants. The zero value matches everyone.
type Filter struct {
	ExcludeBanned bool
	ExcludeIDs    []string
	// ActiveSince keeps participants whose LastActiveAt is at or after it.
	ActiveSince time.Time
}

// TopField is an archived post column that TopPosts may order by.
type TopField string

const (
	TopUpvotes   TopField = "upvotes"
	TopDownvotes TopField = "downvotes"
	TopRatio     TopField = "ratio"
)

// Valid reports whether f is one of the whitelisted columns.
func (f TopField) Valid() bool {
	switch f {
	case TopUpvotes, TopDownvotes, TopRatio:
		return true
	}
	return false
}

type TopQuery struct {
	Field TopField
	Desc  bool
	Limit int
}

// ReportRow is one participant's report against a round.
type ReportRow struct {
	ParticipantID string
	Reason        string
	Quote         string
	At            time.Time
}

// AuditEntry records a state transition or an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	ID      string
	At      time.Time
	Actor   string // participant id, "operator" or "system"
	Action  string
	Subject string
	RoundID int64
	Detail  string
}

// Change is everything one engine transaction wants persisted.
type Change struct {
	// State replaces the stored aggregate when non-nil.
	State        *model.State
	Participants []model.Participant
	Archive      []model.ArchivedPost
	Audit        []AuditEntry
}

// Empty reports whether c would not write anything.
func (c Change) Empty() bool {
	return c.State == nil && len(c.Participants) == 0 && len(c.Archive) == 0 && len(c.Audit) == 0
}

// Store is the persistence API used by the engine and its services.
//
// Point reads return model.ErrNotFound when the row is absent. Commit is
// atomic: either every part of the Change is visible afterwards or none is.
type Store interface {
	LoadState(ctx context.Context) (st *model.State, ok bool, err error)

	Participant(ctx context.Context, id string) (model.Participant, error)
	ParticipantByEmail(ctx context.Context, email string) (model.Participant, error)
	ParticipantIDs(ctx context.Context, f Filter) ([]string, error)
	CountParticipants(ctx context.Context, f Filter) (int, error)
	Reports(ctx context.Context, roundID int64) ([]ReportRow, error)

	ArchivedPost(ctx context.Context, id int64) (model.ArchivedPost, error)
	TopPosts(ctx context.Context, q TopQuery) ([]model.ArchivedPost, error)

	Commit(ctx context.Context, c Change) error

	SaveSnapshot(ctx context.Context, blob []byte) error
	LoadSnapshot(ctx context.Context) (blob []byte, ok bool, err error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
