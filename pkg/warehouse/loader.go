// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package warehouse

import (
	"context"
	"database/sql"
	"strings"

	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/zeebo/errs"

	"udp.io/udp/pkg/sqlbuild"
)

// TableExists reports whether a table exists.
func (db *DB) TableExists(ctx context.Context, schema, table string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	name, err := sqlbuild.QuoteQualified(schema + "." + table)
	if err != nil {
		return false, Error.Wrap(err)
	}
	var objectID sql.NullInt64
	err = db.db.QueryRowContext(ctx, `SELECT OBJECT_ID(@p1, 'U')`, name).Scan(&objectID)
	if err != nil {
		return false, Error.Wrap(err)
	}
	return objectID.Valid, nil
}

// CreateTable creates a staged table with the given layout.
func (db *DB) CreateTable(ctx context.Context, schema, table string, columns []TargetColumn) (err error) {
	defer mon.Task()(&ctx)(&err)

	ddl, err := CreateTableSQL(schema, table, columns)
	if err != nil {
		return err
	}
	_, err = db.db.ExecContext(ctx, ddl)
	return Error.Wrap(err)
}

// CreateTableSQL renders the CREATE TABLE statement for a staged table.
func CreateTableSQL(schema, table string, columns []TargetColumn) (string, error) {
	if len(columns) == 0 {
		return "", Error.New("table %q has no columns", table)
	}
	name, err := sqlbuild.QuoteQualified(schema + "." + table)
	if err != nil {
		return "", Error.Wrap(err)
	}
	var defs []string
	for _, column := range columns {
		quoted, err := sqlbuild.QuoteIdent(column.Name)
		if err != nil {
			return "", Error.Wrap(err)
		}
		defs = append(defs, quoted+" "+column.Type)
	}
	return "CREATE TABLE " + name + " (\n " + strings.Join(defs, ",\n ") + "\n)", nil
}

// DropTable drops a table if it exists.
func (db *DB) DropTable(ctx context.Context, schema, table string) (err error) {
	defer mon.Task()(&ctx)(&err)

	name, err := sqlbuild.QuoteQualified(schema + "." + table)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = db.db.ExecContext(ctx,
		`IF OBJECT_ID(@p1, 'U') IS NOT NULL EXEC('DROP TABLE ' + @p1)`, name)
	return Error.Wrap(err)
}

// BulkInsert loads rows into a table through the driver's bulk copy.
// Column order must match the row value order.
func (db *DB) BulkInsert(ctx context.Context, schema, table string, columns []string, rows [][]interface{}) (count int64, err error) {
	defer mon.Task()(&ctx)(&err)

	name, err := sqlbuild.QuoteQualified(schema + "." + table)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
		}
	}()

	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(name, mssql.BulkOptions{Tablock: true}, columns...))
	if err != nil {
		return 0, Error.Wrap(err)
	}
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return 0, Error.Wrap(errs.Combine(err, stmt.Close()))
		}
	}
	result, err := stmt.ExecContext(ctx)
	if err != nil {
		return 0, Error.Wrap(errs.Combine(err, stmt.Close()))
	}
	count, _ = result.RowsAffected()
	if err := stmt.Close(); err != nil {
		return 0, Error.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, Error.Wrap(err)
	}
	return count, nil
}

// Exec runs a rendered statement, such as a merge.
func (db *DB) Exec(ctx context.Context, statement string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, statement)
	return Error.Wrap(err)
}
