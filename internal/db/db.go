package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

type Options struct {
	Driver      string
	Path        string
	DSN         string
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
}

// Open connects to the configured backend and verifies the connection.
func Open(o Options) (*sql.DB, error) {
	switch o.Driver {
	case "", DriverSQLite:
		return OpenSQLite(o.Path, o.MaxOpen, o.MaxIdle, o.MaxLifetime)
	case DriverPostgres:
		return OpenPostgres(o.DSN, o.MaxOpen, o.MaxIdle, o.MaxLifetime)
	case DriverMySQL:
		return OpenMySQL(o.DSN, o.MaxOpen, o.MaxIdle, o.MaxLifetime)
	}
	return nil, fmt.Errorf("unsupported db driver %q", o.Driver)
}

func OpenSQLite(path string, maxOpen, maxIdle int, maxLifetime time.Duration) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return finish(db, maxOpen, maxIdle, maxLifetime)
}

func OpenPostgres(dsn string, maxOpen, maxIdle int, maxLifetime time.Duration) (*sql.DB, error) {
	cc, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cc.RuntimeParams == nil {
		cc.RuntimeParams = map[string]string{}
	}
	cc.RuntimeParams["timezone"] = "UTC"
	return finish(stdlib.OpenDB(*cc), maxOpen, maxIdle, maxLifetime)
}

// OpenMySQL forces parseTime and UTC so DATETIME columns scan into time.Time.
func OpenMySQL(dsn string, maxOpen, maxIdle int, maxLifetime time.Duration) (*sql.DB, error) {
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	mc.ParseTime = true
	mc.Loc = time.UTC
	conn, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, err
	}
	return finish(sql.OpenDB(conn), maxOpen, maxIdle, maxLifetime)
}

func finish(db *sql.DB, maxOpen, maxIdle int, maxLifetime time.Duration) (*sql.DB, error) {
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Rebind rewrites '?' placeholders into the form the driver expects.
func Rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\'' {
			inQuote = !inQuote
		}
		if c == '?' && !inQuote {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
