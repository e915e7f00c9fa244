package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"rbs/internal/model"
	logx "rbs/pkg/logx"
)

const (
	kvState    = "state"
	kvSnapshot = "stats_snapshot"
)

// dialect holds the statements that differ between SQL engines.
type dialect struct {
	name           string
	schema         string
	upsertKV       string
	upsertMember   string
	upsertDedup    string
	duplicateEmail func(error) bool
}

// sqlStore implements Store on database/sql. Values that are only read back
// whole are stored as JSON in a data column; columns used in predicates are
// denormalized next to it.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	d       dialect
	timeout time.Duration

	opCount    atomic.Uint64
	pruneEvery uint64
}

func newSQLStore(db *sql.DB, d dialect, cfg Config, log logx.Logger) (*sqlStore, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	st := &sqlStore{db: db, log: log, d: d, timeout: timeout, pruneEvery: 500}
	if err := st.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("%s migrate: %w", d.name, err)
	}
	return st, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	// Executed one statement at a time: the mysql driver rejects
	// multi-statement strings unless the DSN opts in.
	for _, stmt := range strings.Split(s.d.schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) LoadState(ctx context.Context) (*model.State, bool, error) {
	blob, ok, err := s.getKV(ctx, kvState)
	if err != nil || !ok {
		return nil, false, err
	}
	var st model.State
	if err := json.Unmarshal(blob, &st); err != nil {
		return nil, false, fmt.Errorf("decode state: %w", err)
	}
	return st.Clone(), true, nil
}

func (s *sqlStore) getKV(ctx context.Context, k string) ([]byte, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, k).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *sqlStore) SaveSnapshot(ctx context.Context, blob []byte) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.d.upsertKV, kvSnapshot, blob)
	return err
}

func (s *sqlStore) LoadSnapshot(ctx context.Context) ([]byte, bool, error) {
	return s.getKV(ctx, kvSnapshot)
}

func (s *sqlStore) scanParticipant(row *sql.Row, what string) (model.Participant, error) {
	var blob []byte
	err := row.Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Participant{}, fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	if err != nil {
		return model.Participant{}, err
	}
	var p model.Participant
	if err := json.Unmarshal(blob, &p); err != nil {
		return model.Participant{}, fmt.Errorf("decode %s: %w", what, err)
	}
	return p, nil
}

func (s *sqlStore) Participant(ctx context.Context, id string) (model.Participant, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT data FROM participants WHERE id = ?`, id)
	return s.scanParticipant(row, fmt.Sprintf("participant %q", id))
}

func (s *sqlStore) ParticipantByEmail(ctx context.Context, email string) (model.Participant, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT data FROM participants WHERE email = ?`, normEmail(email))
	return s.scanParticipant(row, "participant email")
}

// where renders f into a WHERE clause. Only placeholders carry input.
func (f Filter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.ExcludeBanned {
		clauses = append(clauses, "banned = 0")
	}
	if !f.ActiveSince.IsZero() {
		clauses = append(clauses, "last_active >= ?")
		args = append(args, f.ActiveSince.UnixMilli())
	}
	if len(f.ExcludeIDs) > 0 {
		clauses = append(clauses, "id NOT IN (?"+strings.Repeat(",?", len(f.ExcludeIDs)-1)+")")
		for _, id := range f.ExcludeIDs {
			args = append(args, id)
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *sqlStore) ParticipantIDs(ctx context.Context, f Filter) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	where, args := f.where()
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM participants`+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountParticipants(ctx context.Context, f Filter) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	where, args := f.where()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM participants`+where, args...).Scan(&n)
	return n, err
}

func (s *sqlStore) Reports(ctx context.Context, roundID int64) ([]ReportRow, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM participants WHERE report_round = ?`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReportRow
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var p model.Participant
		if err := json.Unmarshal(blob, &p); err != nil {
			return nil, fmt.Errorf("decode participant: %w", err)
		}
		if !p.ReportedOn(roundID) {
			continue
		}
		out = append(out, ReportRow{ParticipantID: p.ID, Reason: p.Report.Reason, Quote: p.Report.Quote, At: p.Report.At})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	SortReports(out)
	return out, nil
}

func (s *sqlStore) ArchivedPost(ctx context.Context, id int64) (model.ArchivedPost, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM archive WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ArchivedPost{}, fmt.Errorf("archived post %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.ArchivedPost{}, err
	}
	var p model.ArchivedPost
	if err := json.Unmarshal(blob, &p); err != nil {
		return model.ArchivedPost{}, fmt.Errorf("decode archived post %d: %w", id, err)
	}
	return p, nil
}

var topColumns = map[TopField]string{
	TopUpvotes:   "upvotes",
	TopDownvotes: "downvotes",
	TopRatio:     "ratio",
}

func (s *sqlStore) TopPosts(ctx context.Context, q TopQuery) ([]model.ArchivedPost, error) {
	col, ok := topColumns[q.Field]
	if !ok {
		return nil, fmt.Errorf("top posts: unsupported field %q", q.Field)
	}
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM archive ORDER BY `+col+` `+dir+`, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ArchivedPost
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var p model.ArchivedPost
		if err := json.Unmarshal(blob, &p); err != nil {
			return nil, fmt.Errorf("decode archived post: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlStore) Commit(ctx context.Context, c Change) (err error) {
	if c.Empty() {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if c.State != nil {
		blob, jerr := json.Marshal(c.State)
		if jerr != nil {
			return fmt.Errorf("encode state: %w", jerr)
		}
		if _, err = tx.ExecContext(ctx, s.d.upsertKV, kvState, blob); err != nil {
			return fmt.Errorf("write state: %w", err)
		}
	}

	for _, p := range c.Participants {
		blob, jerr := json.Marshal(p)
		if jerr != nil {
			return fmt.Errorf("encode participant %q: %w", p.ID, jerr)
		}
		reportRound := int64(0)
		if p.Report.Reason != "" {
			reportRound = p.Report.RoundID
		}
		_, err = tx.ExecContext(ctx, s.d.upsertMember,
			p.ID, nullStr(normEmail(p.Email)), boolInt(p.Ban.Banned), p.LastActiveAt.UnixMilli(), reportRound, blob)
		if err != nil {
			if s.d.duplicateEmail(err) {
				return fmt.Errorf("participant %q: %w", p.ID, model.ErrDuplicateAccount)
			}
			return fmt.Errorf("write participant %q: %w", p.ID, err)
		}
	}

	for _, a := range c.Archive {
		blob, jerr := json.Marshal(a)
		if jerr != nil {
			return fmt.Errorf("encode archived post %d: %w", a.ID, jerr)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO archive(id, author_id, upvotes, downvotes, ratio, closed_at, data) VALUES(?,?,?,?,?,?,?)`,
			a.ID, a.AuthorID, a.Upvotes, a.Downvotes, a.Ratio, a.ClosedAt.UnixMilli(), blob)
		if err != nil {
			return fmt.Errorf("append archived post %d: %w", a.ID, err)
		}
	}

	for _, e := range c.Audit {
		if err = s.insertAudit(ctx, tx, e); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqlStore) insertAudit(ctx context.Context, db execer, e AuditEntry) error {
	e = stampAudit(e)
	_, err := db.ExecContext(ctx,
		`INSERT INTO audit(id, at, actor, action, subject, round_id, detail) VALUES(?,?,?,?,?,?,?)`,
		e.ID, e.At.UnixMilli(), nullStr(e.Actor), e.Action, nullStr(e.Subject), e.RoundID, nullStr(e.Detail))
	if err != nil {
		return fmt.Errorf("append audit %s: %w", e.Action, err)
	}
	return nil
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.insertAudit(ctx, s.db, e)
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.d.upsertDedup, key, until.UnixMilli())
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, pcancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		pcancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM dedup WHERE dkey = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqlStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE expires_at < ?`, time.Now().UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
