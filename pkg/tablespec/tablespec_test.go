// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package tablespec_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"udp.io/udp/internal/testcontext"
	"udp.io/udp/pkg/tablespec"
)

func TestNewFromKeys(t *testing.T) {
	spec := tablespec.New("customer", map[string]string{
		"schema_name":    "sales",
		"cdc":            "Timestamp",
		"timestamp":      "created_at, updated_at",
		"primary_key":    "customer_id",
		"ignore_columns": "*_pwd, secret*",
		"ignore_table":   "1",
		"order":          "customer_id",
	})

	require.Equal(t, "customer", spec.TableName)
	require.Equal(t, "sales", spec.SchemaName)
	require.Equal(t, tablespec.CDCTimestamp, spec.CDCMode())
	require.Equal(t, []string{"created_at", "updated_at"}, spec.TimestampColumns())
	require.Equal(t, []string{"customer_id"}, spec.PrimaryKeyColumns())
	require.True(t, spec.IgnoreTable)

	require.True(t, spec.Ignored("user_pwd"))
	require.True(t, spec.Ignored("SECRET_ANSWER"))
	require.False(t, spec.Ignored("customer_id"))
}

func TestCDCMode(t *testing.T) {
	require.Equal(t, tablespec.CDCNone, (&tablespec.TableSpec{}).CDCMode())
	require.Equal(t, tablespec.CDCNone, (&tablespec.TableSpec{CDC: "None"}).CDCMode())
	require.Equal(t, tablespec.CDCRowversion, (&tablespec.TableSpec{CDC: " rowversion "}).CDCMode())
}

func TestFirstTimestamp(t *testing.T) {
	first, err := (&tablespec.TableSpec{}).FirstTimestampTime()
	require.NoError(t, err)
	require.Equal(t, tablespec.DefaultFirstTimestamp, first)

	first, err = (&tablespec.TableSpec{FirstTimestamp: "2018-06-01"}).FirstTimestampTime()
	require.NoError(t, err)
	require.Equal(t, time.Date(2018, 6, 1, 0, 0, 0, 0, time.UTC), first)

	first, err = (&tablespec.TableSpec{FirstTimestamp: "2018-06-01 13:30:00"}).FirstTimestampTime()
	require.NoError(t, err)
	require.Equal(t, time.Date(2018, 6, 1, 13, 30, 0, 0, time.UTC), first)

	_, err = (&tablespec.TableSpec{TableName: "x", FirstTimestamp: "junk"}).FirstTimestampTime()
	require.Error(t, err)
}

func TestDocumentRoundtrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	dir := ctx.Dir("bundle")

	spec := &tablespec.TableSpec{
		SchemaName: "sales",
		TableName:  "customer",
		CDC:        "timestamp",
		Timestamp:  "updated_at",
		PrimaryKey: "customer_id",
	}
	require.NoError(t, spec.Save(dir))

	loaded, err := tablespec.Load(ctx.File("bundle", "customer.table"))
	require.NoError(t, err)
	require.Equal(t, spec, loaded)

	columns := []tablespec.Column{
		{ColumnName: "customer_id", DataType: "integer"},
		{ColumnName: "name", DataType: "character varying", CharacterMaximumLength: 100, IsNullable: true},
	}
	require.NoError(t, tablespec.SaveColumns(dir, "customer", columns))

	loadedColumns, err := tablespec.LoadColumns(ctx.File("bundle", "customer.schema"))
	require.NoError(t, err)
	require.Equal(t, columns, loadedColumns)

	require.NoError(t, tablespec.SavePrimaryKey(dir, "customer", []string{"customer_id"}))
	pk, err := tablespec.LoadPrimaryKey(ctx.File("bundle", "customer.pk"))
	require.NoError(t, err)
	require.Equal(t, []string{"customer_id"}, pk)

	_, err = tablespec.Load(ctx.File("bundle", "missing.table"))
	require.Error(t, err)
}
