// Package database provides the SQL database component. Other components
// declare their tables on the db-get-tables channel and run their queries
// through the transaction runner published on db-atomic; none of them hold a
// database handle of their own.
package database

import (
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/caio-sobreiro/tinypacs/component"
	"github.com/caio-sobreiro/tinypacs/config"
	"github.com/caio-sobreiro/tinypacs/eventbus"
)

// Dialect identifies the SQL flavor in use.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Atomic runs fn inside a transaction, committing on nil and rolling back on
// error. This is the value published on the db-atomic channel.
type Atomic func(fn func(tx *sql.Tx) error) error

// StringAgg returns the dialect's string-aggregation expression. SQLite spells
// it group_concat, Postgres string_agg; everything else about the grouped
// queries is shared.
func StringAgg(d Dialect, expr, sep string) string {
	if d == DialectPostgres {
		return fmt.Sprintf("string_agg(%s, '%s')", expr, sep)
	}
	return fmt.Sprintf("group_concat(%s, '%s')", expr, sep)
}

// Database is the SQL database component.
type Database struct {
	*component.Base

	dialect Dialect
	db      *sql.DB
}

// New creates the database component and registers its channels. The database
// itself is opened on ON_START, after every component had a chance to
// subscribe its table DDL.
func New(bus *eventbus.Bus, cfg config.ComponentConfig) *Database {
	d := &Database{
		dialect: Dialect(cfg.GetString("driver", string(DialectSQLite))),
	}
	d.Base = component.New(config.ComponentDatabase, bus, cfg, component.Hooks{
		OnStart: d.start,
		OnExit:  d.stop,
	})

	d.Subscribe(eventbus.DBAtomic, "atomic", func(args ...any) (any, error) {
		return Atomic(d.Atomic), nil
	})
	d.Subscribe(eventbus.DBDialect, "dialect", func(args ...any) (any, error) {
		return d.dialect, nil
	})
	return d
}

func (d *Database) start() error {
	if d.dialect != DialectSQLite {
		return fmt.Errorf("database: unsupported driver %q", d.dialect)
	}

	name := d.Config.GetString("db_name", "")
	inMemory := name == ""
	var dsn string
	if inMemory {
		// Shared cache so every pooled connection sees the same data.
		dsn = "file:pacs?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=busy_timeout(10000)"
	} else {
		dsn = "file:" + name + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("database: open %s: %w", dsn, err)
	}
	if inMemory {
		// In-memory databases vanish when their last connection closes.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	// Attribute matching is case sensitive; SQLite's LIKE is not, unless told.
	if _, err := db.Exec("PRAGMA case_sensitive_like=ON"); err != nil {
		db.Close()
		return fmt.Errorf("database: case_sensitive_like: %w", err)
	}
	d.db = db

	if err := d.createTables(); err != nil {
		db.Close()
		d.db = nil
		return err
	}
	return nil
}

func (d *Database) stop() error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// createTables collects DDL from db-get-tables listeners and executes it in
// one transaction. Statements are expected to be idempotent (CREATE TABLE IF
// NOT EXISTS).
func (d *Database) createTables() error {
	results, err := d.Broadcast(eventbus.DBGetTables, d.dialect)
	if err != nil {
		return fmt.Errorf("database: collecting tables: %w", err)
	}
	return d.Atomic(func(tx *sql.Tx) error {
		for _, r := range results {
			stmts, ok := r.([]string)
			if !ok {
				continue
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(stmt); err != nil {
					return fmt.Errorf("database: exec %q: %w", stmt, err)
				}
			}
		}
		return nil
	})
}

// Atomic runs fn in a transaction.
func (d *Database) Atomic(fn func(tx *sql.Tx) error) error {
	if d.db == nil {
		return fmt.Errorf("database: not started")
	}
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("database: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			d.Logger.Error("Rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}
