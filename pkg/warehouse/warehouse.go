// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package warehouse is the target database client: it owns the pipeline
// catalog (stat log and staging queues) and the per-namespace staged tables.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"udp.io/udp/pkg/dbutil"
	"udp.io/udp/pkg/migrate"
	"udp.io/udp/pkg/project"
	"udp.io/udp/pkg/sqlbuild"
)

var (
	// Error is the error class for this package.
	Error = errs.Class("warehouse error")

	mon = monkit.Package()
)

// Config is the warehouse connection configuration, read from a
// database:stage section.
type Config struct {
	Host          string
	Port          string
	Database      string
	Username      string
	Password      string
	CatalogSchema string
}

// ConfigFromSection reads the warehouse connection settings.
func ConfigFromSection(section *project.Section) (Config, error) {
	if section == nil {
		return Config{}, Error.New("missing database:stage section")
	}
	config := Config{
		Host:          section.Get("host"),
		Port:          section.GetDefault("port", "1433"),
		Database:      section.GetDefault("dbname", "udp_stage"),
		Username:      section.Get("username"),
		Password:      section.Get("password"),
		CatalogSchema: section.GetDefault("catalog_schema", "udp_catalog"),
	}
	if config.Host == "" {
		return Config{}, Error.New("database:stage requires host")
	}
	return config, nil
}

// ConnString renders the driver connection URL.
func (config Config) ConnString() string {
	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(config.Username, config.Password),
		Host:     fmt.Sprintf("%s:%s", config.Host, config.Port),
		RawQuery: url.Values{"database": []string{config.Database}}.Encode(),
	}
	return u.String()
}

// DB is an open warehouse connection.
type DB struct {
	log     *zap.Logger
	db      *sql.DB
	catalog string
}

// Open connects to the warehouse and verifies the connection.
func Open(ctx context.Context, log *zap.Logger, config Config) (*DB, error) {
	if !sqlbuild.ValidIdent(config.CatalogSchema) {
		return nil, Error.New("invalid catalog schema %q", config.CatalogSchema)
	}
	db, err := sql.Open("sqlserver", config.ConnString())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	dbutil.Configure(db, mon)

	if err := db.PingContext(ctx); err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	return &DB{log: log, db: db, catalog: config.CatalogSchema}, nil
}

// Close closes the connection.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// Bootstrap ensures the catalog schema and its tables exist.
func (db *DB) Bootstrap(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := db.EnsureSchema(ctx, db.catalog); err != nil {
		return err
	}
	return Error.Wrap(db.Migration().Run(ctx, db.log.Named("migrate"), db.db))
}

// Migration returns the catalog schema migration.
func (db *DB) Migration() *migrate.Migration {
	catalog := db.catalog
	return &migrate.Migration{
		Table: catalog + ".versions",
		Steps: []*migrate.Step{
			{
				Description: "Initial catalog",
				Version:     1,
				Action: migrate.SQL{
					`CREATE TABLE ` + catalog + `.stat_log (
						script_name nvarchar(128) NOT NULL,
						script_version nvarchar(32) NOT NULL,
						script_instance nvarchar(128) NOT NULL,
						server_name nvarchar(128) NOT NULL,
						account_name nvarchar(128) NOT NULL,
						namespace nvarchar(256) NOT NULL,
						job_id int NOT NULL,
						stat_name nvarchar(128) NOT NULL,
						stat_type nvarchar(32) NOT NULL,
						start_time datetime2 NOT NULL,
						end_time datetime2 NOT NULL,
						run_time float NOT NULL,
						row_count bigint NOT NULL,
						data_size bigint NOT NULL
					)`,
					`CREATE TABLE ` + catalog + `.stage_arrival_queue (
						namespace nvarchar(256) NOT NULL,
						archive_file_name nvarchar(512) NOT NULL PRIMARY KEY,
						job_id int NOT NULL,
						arrival_time datetime2 NOT NULL DEFAULT sysutcdatetime()
					)`,
					`CREATE TABLE ` + catalog + `.stage_pending_queue (
						namespace nvarchar(256) NOT NULL PRIMARY KEY,
						archive_file_name nvarchar(512) NOT NULL,
						job_id int NOT NULL
					)`,
				},
			},
		},
	}
}

// EnsureSchema creates a schema when it is missing.
func (db *DB) EnsureSchema(ctx context.Context, schema string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !sqlbuild.ValidIdent(schema) {
		return Error.New("invalid schema name %q", schema)
	}
	_, err = db.db.ExecContext(ctx,
		`IF SCHEMA_ID(@p1) IS NULL EXEC('CREATE SCHEMA ' + QUOTENAME(@p1))`, schema)
	return Error.Wrap(err)
}

// isDuplicateKey recognizes unique and primary key violations.
func isDuplicateKey(err error) bool {
	if sqlErr, ok := err.(mssql.Error); ok {
		return sqlErr.Number == 2601 || sqlErr.Number == 2627
	}
	return false
}
