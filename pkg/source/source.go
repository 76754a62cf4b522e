// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package source connects to the capture source database, discovers table
// metadata, and streams extraction queries.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // registers the postgres driver
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"udp.io/udp/pkg/dbutil"
	"udp.io/udp/pkg/project"
	"udp.io/udp/pkg/tablespec"
)

var (
	// Error is the error class for this package.
	Error = errs.Class("source error")

	mon = monkit.Package()
)

// Config is the source database configuration, read from a
// database:source section.
type Config struct {
	Driver   string
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string
}

// ConfigFromSection reads the source connection settings.
func ConfigFromSection(section *project.Section) (Config, error) {
	if section == nil {
		return Config{}, Error.New("missing database:source section")
	}
	config := Config{
		Driver:   section.GetDefault("driver", "postgres"),
		Host:     section.Get("host"),
		Port:     section.GetDefault("port", "5432"),
		Database: section.Get("dbname"),
		Username: section.Get("username"),
		Password: section.Get("password"),
		SSLMode:  section.GetDefault("sslmode", "disable"),
	}
	if config.Host == "" || config.Database == "" {
		return Config{}, Error.New("database:source requires host and dbname")
	}
	return config, nil
}

// ConnString renders the driver connection string.
func (config Config) ConnString() string {
	return fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
		config.Host, config.Port, config.Database,
		config.Username, config.Password, config.SSLMode)
}

// DB is an open source database connection.
type DB struct {
	log *zap.Logger
	db  *sql.DB
}

// Open connects to the source database and verifies the connection.
func Open(ctx context.Context, log *zap.Logger, config Config) (*DB, error) {
	if config.Driver != "postgres" {
		return nil, Error.New("unsupported source driver %q", config.Driver)
	}
	db, err := sql.Open("postgres", config.ConnString())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	dbutil.Configure(db, mon)

	if err := db.PingContext(ctx); err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	return &DB{log: log, db: db}, nil
}

// Close closes the connection.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// Now returns the database server clock. Capture windows are computed from
// this clock, never from the local one.
func (db *DB) Now(ctx context.Context) (now time.Time, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.QueryRowContext(ctx, `select now()`).Scan(&now)
	return now, Error.Wrap(err)
}

// Columns discovers the column metadata of a table in ordinal order.
func (db *DB) Columns(ctx context.Context, schema, table string) (_ []tablespec.Column, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT column_name, data_type,
			COALESCE(character_maximum_length, 0),
			COALESCE(numeric_precision, 0),
			COALESCE(numeric_scale, 0),
			COALESCE(datetime_precision, 0),
			is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`, schema, table)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var columns []tablespec.Column
	for rows.Next() {
		var column tablespec.Column
		var isNullable string
		err := rows.Scan(&column.ColumnName, &column.DataType,
			&column.CharacterMaximumLength, &column.NumericPrecision,
			&column.NumericScale, &column.DatetimePrecision, &isNullable)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		column.IsNullable = isNullable == "YES"
		columns = append(columns, column)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	if len(columns) == 0 {
		return nil, Error.New("table %q.%q not found", schema, table)
	}
	return columns, nil
}

// PrimaryKey discovers the primary key columns of a table, empty when the
// table has no primary key.
func (db *DB) PrimaryKey(ctx context.Context, schema, table string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
			AND tc.table_schema = $1 AND tc.table_name = $2
		ORDER BY kcu.ordinal_position
	`, schema, table)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var primaryKey []string
	for rows.Next() {
		var column string
		if err := rows.Scan(&column); err != nil {
			return nil, Error.Wrap(err)
		}
		primaryKey = append(primaryKey, column)
	}
	return primaryKey, Error.Wrap(rows.Err())
}

// Rows streams extraction results as generic values.
type Rows interface {
	// Next returns the values of the next row, or nil at the end of the
	// set or on error.
	Next() ([]interface{}, error)
	Close() error
}

// Query runs an extraction statement, returning streaming rows.
func (db *DB) Query(ctx context.Context, statement string) (Rows, error) {
	rows, err := db.db.QueryContext(ctx, statement)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	columns, err := rows.Columns()
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, rows.Close()))
	}
	return &sqlRows{rows: rows, width: len(columns)}, nil
}

type sqlRows struct {
	rows  *sql.Rows
	width int
}

func (s *sqlRows) Next() ([]interface{}, error) {
	if !s.rows.Next() {
		return nil, Error.Wrap(s.rows.Err())
	}
	values := make([]interface{}, s.width)
	pointers := make([]interface{}, s.width)
	for i := range values {
		pointers[i] = &values[i]
	}
	if err := s.rows.Scan(pointers...); err != nil {
		return nil, Error.Wrap(err)
	}
	return values, nil
}

func (s *sqlRows) Close() error {
	return Error.Wrap(s.rows.Close())
}
