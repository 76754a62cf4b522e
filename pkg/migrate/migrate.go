// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package migrate tracks and applies versioned schema steps.
package migrate

import (
	"context"
	"database/sql"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the error class for this package.
var Error = errs.Class("migrate error")

// Migration describes migration steps sharing one version table.
type Migration struct {
	Table string
	Steps []*Step
}

// Step describes a single step in migration.
type Step struct {
	Description string
	Version     int // versions start at 1
	Action      Action
}

// Action is something that needs to be done.
type Action interface {
	Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error
}

// SQL statements that are executed on the database.
type SQL []string

// Run runs the SQL statements.
func (statements SQL) Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
	for _, query := range statements {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return errs.Wrap(err)
		}
	}
	return nil
}

// Func is an arbitrary migration operation.
type Func func(ctx context.Context, log *zap.Logger, tx *sql.Tx) error

// Run runs the migration function.
func (f Func) Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
	return f(ctx, log, tx)
}

var validTable = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidTableName checks whether the version table name is valid.
func (migration *Migration) ValidTableName() error {
	if !validTable.MatchString(migration.Table) {
		return Error.New("invalid table name: %v", migration.Table)
	}
	return nil
}

// ValidateSteps checks that the migration step versions are strictly increasing.
func (migration *Migration) ValidateSteps() error {
	sorted := sort.SliceIsSorted(migration.Steps, func(i, j int) bool {
		return migration.Steps[i].Version < migration.Steps[j].Version
	})
	if !sorted {
		return Error.New("steps have incorrect order")
	}
	return nil
}

// Run applies the unapplied migration steps in order, each inside its own
// transaction.
func (migration *Migration) Run(ctx context.Context, log *zap.Logger, db *sql.DB) error {
	if err := migration.ValidTableName(); err != nil {
		return err
	}
	if err := migration.ValidateSteps(); err != nil {
		return err
	}

	if err := migration.ensureVersionTable(ctx, db); err != nil {
		return Error.New("creating version table failed: %v", err)
	}

	version, err := migration.getLatestVersion(ctx, db)
	if err != nil {
		return Error.Wrap(err)
	}
	initialSetup := version < 0

	for _, step := range migration.Steps {
		if step.Version <= version {
			continue
		}
		stepLog := log.Named(strconv.Itoa(step.Version))
		if !initialSetup {
			stepLog.Info(step.Description)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return Error.Wrap(err)
		}
		if err := step.Action.Run(ctx, stepLog, tx); err != nil {
			return Error.Wrap(errs.Combine(err, tx.Rollback()))
		}
		if err := migration.addVersion(ctx, tx, step.Version); err != nil {
			return Error.Wrap(errs.Combine(err, tx.Rollback()))
		}
		if err := tx.Commit(); err != nil {
			return Error.Wrap(err)
		}
	}

	if len(migration.Steps) > 0 {
		last := migration.Steps[len(migration.Steps)-1]
		if initialSetup {
			log.Info("database created", zap.Int("version", last.Version))
		} else {
			log.Info("database version", zap.Int("version", last.Version))
		}
	}
	return nil
}

// ensureVersionTable creates the version table if it does not exist.
func (migration *Migration) ensureVersionTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		IF OBJECT_ID('`+migration.Table+`', 'U') IS NULL
		CREATE TABLE `+migration.Table+` (
			version int NOT NULL,
			committed_at nvarchar(128) NOT NULL
		)`)
	return Error.Wrap(err)
}

// getLatestVersion finds the latest version in the version table,
// -1 when there are no rows.
func (migration *Migration) getLatestVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM `+migration.Table).Scan(&version)
	if err == sql.ErrNoRows || (err == nil && !version.Valid) {
		return -1, nil
	}
	return int(version.Int64), Error.Wrap(err)
}

// addVersion records an applied migration step.
func (migration *Migration) addVersion(ctx context.Context, tx *sql.Tx, version int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO `+migration.Table+` (version, committed_at) VALUES (@p1, @p2)`,
		version, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}
