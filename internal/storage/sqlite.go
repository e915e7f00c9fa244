package storage

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	logx "rbs/pkg/logx"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

var sqliteDialect = dialect{
	name:   "sqlite",
	schema: sqliteSchema,
	upsertKV: `INSERT INTO kv(k, v) VALUES(?, ?)
		ON CONFLICT(k) DO UPDATE SET v=excluded.v`,
	upsertMember: `INSERT INTO participants(id, email, banned, last_active, report_round, data) VALUES(?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET email=excluded.email, banned=excluded.banned,
		last_active=excluded.last_active, report_round=excluded.report_round, data=excluded.data`,
	upsertDedup: `INSERT INTO dedup(dkey, expires_at) VALUES(?,?)
		ON CONFLICT(dkey) DO UPDATE SET expires_at=excluded.expires_at`,
	duplicateEmail: func(err error) bool {
		return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: participants.email")
	},
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also keeps Commit serial.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st, err := newSQLStore(db, sqliteDialect, cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("path", path))
	return st, nil
}
