package storage

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	logx "rbs/pkg/logx"
)

//go:embed schema_mysql.sql
var mysqlSchema string

const mysqlDuplicateEntry = 1062

var mysqlDialect = dialect{
	name:   "mysql",
	schema: mysqlSchema,
	upsertKV: `INSERT INTO kv(k, v) VALUES(?, ?)
		ON DUPLICATE KEY UPDATE v=VALUES(v)`,
	upsertMember: `INSERT INTO participants(id, email, banned, last_active, report_round, data) VALUES(?,?,?,?,?,?)
		ON DUPLICATE KEY UPDATE email=VALUES(email), banned=VALUES(banned),
		last_active=VALUES(last_active), report_round=VALUES(report_round), data=VALUES(data)`,
	upsertDedup: `INSERT INTO dedup(dkey, expires_at) VALUES(?,?)
		ON DUPLICATE KEY UPDATE expires_at=VALUES(expires_at)`,
	duplicateEmail: func(err error) bool {
		var me *mysql.MySQLError
		return errors.As(err, &me) && me.Number == mysqlDuplicateEntry &&
			strings.Contains(me.Message, "participants_email")
	},
}

func openMySQL(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("mysql dsn is required")
	}
	mc, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mysql dsn: %w", err)
	}
	if mc.Timeout == 0 {
		mc.Timeout = DefaultTimeout
	}
	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql ping: %w", err)
	}

	st, err := newSQLStore(db, mysqlDialect, cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("addr", mc.Addr), logx.String("db", mc.DBName))
	return st, nil
}
