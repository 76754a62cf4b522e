// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package stage_test

import (
	"context"
	"errors"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"udp.io/udp/internal/testcontext"
	"udp.io/udp/pkg/bundle"
	"udp.io/udp/pkg/tablespec"
	"udp.io/udp/pkg/warehouse"
	"udp.io/udp/stage"
	"udp.io/udp/storage"
	"udp.io/udp/storage/teststore"
)

const testNamespace = "acme_us_sales_prod_orders"

// fakeWarehouse mirrors the catalog dispatch semantics: a namespace's bundle
// is ready when its job matches the pending row, or job 1 when the namespace
// has no pending row yet. Inserts are kept as append-only history so tests
// can observe loads into since-dropped staging tables.
type fakeWarehouse struct {
	arrivals []warehouse.Arrival
	pending  map[string]int64

	schemas []string
	tables  map[string][]warehouse.TargetColumn
	inserts map[string][][]interface{}
	drops   []string
	execs   []string
	staged  []string

	insertError  error
	advanceError error
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{
		pending: map[string]int64{},
		tables:  map[string][]warehouse.TargetColumn{},
		inserts: map[string][][]interface{}{},
	}
}

func qualified(schema, table string) string { return schema + "." + table }

func (db *fakeWarehouse) EnsureSchema(ctx context.Context, schema string) error {
	for _, known := range db.schemas {
		if known == schema {
			return nil
		}
	}
	db.schemas = append(db.schemas, schema)
	return nil
}

func (db *fakeWarehouse) TableExists(ctx context.Context, schema, table string) (bool, error) {
	_, ok := db.tables[qualified(schema, table)]
	return ok, nil
}

func (db *fakeWarehouse) CreateTable(ctx context.Context, schema, table string, columns []warehouse.TargetColumn) error {
	db.tables[qualified(schema, table)] = columns
	return nil
}

func (db *fakeWarehouse) DropTable(ctx context.Context, schema, table string) error {
	name := qualified(schema, table)
	db.drops = append(db.drops, name)
	delete(db.tables, name)
	return nil
}

func (db *fakeWarehouse) BulkInsert(ctx context.Context, schema, table string, columns []string, rows [][]interface{}) (int64, error) {
	if db.insertError != nil {
		return 0, db.insertError
	}
	name := qualified(schema, table)
	if _, ok := db.tables[name]; !ok {
		return 0, errors.New("insert into missing table " + name)
	}
	db.inserts[name] = append(db.inserts[name], rows...)
	return int64(len(rows)), nil
}

func (db *fakeWarehouse) Exec(ctx context.Context, statement string) error {
	db.execs = append(db.execs, statement)
	return nil
}

func (db *fakeWarehouse) NextArrival(ctx context.Context) (*warehouse.Arrival, error) {
	for _, arrival := range db.arrivals {
		ready, ok := db.pending[arrival.Namespace]
		if !ok {
			ready = 1
		}
		if arrival.JobID == ready {
			next := arrival
			return &next, nil
		}
	}
	return nil, nil
}

func (db *fakeWarehouse) Advance(ctx context.Context, arrival *warehouse.Arrival) error {
	if db.advanceError != nil {
		return db.advanceError
	}
	kept := db.arrivals[:0]
	for _, row := range db.arrivals {
		if row.Namespace != arrival.Namespace || row.JobID != arrival.JobID {
			kept = append(kept, row)
		}
	}
	db.arrivals = kept
	db.pending[arrival.Namespace] = arrival.JobID + 1
	db.staged = append(db.staged, arrival.FileName)
	return nil
}

type fixture struct {
	db      *fakeWarehouse
	archive *teststore.Store
	queue   *teststore.Queue
	loader  *stage.Loader
}

func newFixture(t *testing.T, ctx *testcontext.Context) *fixture {
	fix := &fixture{
		db:      newFakeWarehouse(),
		archive: teststore.NewStore(),
		queue:   teststore.NewQueue(),
	}
	fix.loader = stage.New(zaptest.NewLogger(t),
		stage.Config{ScratchDir: ctx.Dir("scratch")},
		fix.db,
		stage.Dependencies{
			StoreName: "archive",
			DialArchive: func(ctx context.Context) (storage.ObjectStore, error) {
				return fix.archive, nil
			},
			DialQueue: func(ctx context.Context) (storage.Queue, error) {
				return fix.queue, nil
			},
		})
	return fix
}

// testTable is one table's documents inside a built bundle. rawSchema, when
// set, replaces the schema document verbatim.
type testTable struct {
	spec      *tablespec.TableSpec
	columns   []tablespec.Column
	pk        []string
	batches   []string
	rawSchema string
}

// writeBundle assembles a bundle from the given tables, puts it in the
// archive store and registers its arrival.
func (fix *fixture) writeBundle(t *testing.T, ctx *testcontext.Context, jobID int64, tables ...testTable) {
	name := bundle.Name(testNamespace, jobID)
	dir := ctx.Dir("bundles", name)

	for _, table := range tables {
		require.NoError(t, table.spec.Save(dir))
		if table.rawSchema != "" {
			require.NoError(t, ioutil.WriteFile(
				filepath.Join(dir, table.spec.TableName+tablespec.SchemaSuffix),
				[]byte(table.rawSchema), 0644))
		} else if table.columns != nil {
			require.NoError(t, tablespec.SaveColumns(dir, table.spec.TableName, table.columns))
		}
		if table.columns != nil || table.rawSchema != "" {
			require.NoError(t, tablespec.SavePrimaryKey(dir, table.spec.TableName, table.pk))
		}
		for i, batch := range table.batches {
			require.NoError(t, ioutil.WriteFile(
				filepath.Join(dir, bundle.BatchName(table.spec.TableName, i+1)),
				[]byte(batch), 0644))
		}
	}

	path := ctx.File("uploads", name)
	require.NoError(t, bundle.Write(ctx, path, dir))
	require.NoError(t, fix.archive.Put(ctx, bundle.Key(testNamespace, name), path))
	fix.db.arrivals = append(fix.db.arrivals, warehouse.Arrival{
		Namespace: testNamespace,
		FileName:  name,
		JobID:     jobID,
	})
}

func ordersTable() testTable {
	return testTable{
		spec: tablespec.New("orders", map[string]string{
			"schema_name": "sales",
			"cdc":         "timestamp",
			"timestamp":   "updated_at",
			"primary_key": "id",
		}),
		columns: []tablespec.Column{
			{ColumnName: "id", DataType: "integer"},
			{ColumnName: "name", DataType: "character varying", CharacterMaximumLength: 120},
			{ColumnName: "updated_at", DataType: "timestamp without time zone"},
		},
		pk: []string{"id"},
		batches: []string{`[
			[1, "widget", "2018-09-05T11:00:00", 1, "2018-09-05T11:00:00"],
			[2, "gadget", "2018-09-05T11:30:00", 1, "2018-09-05T11:30:00"]
		]`},
	}
}

func TestStageMerge(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fix := newFixture(t, ctx)
	fix.writeBundle(t, ctx, 1, ordersTable())

	require.NoError(t, fix.loader.RunOnce(ctx))

	require.Equal(t, []string{testNamespace}, fix.db.schemas)

	target := qualified(testNamespace, "orders")
	staging := qualified(testNamespace, "_orders")

	// the target carries translated types plus the provenance columns
	require.Equal(t, []warehouse.TargetColumn{
		{Name: "id", Type: "int"},
		{Name: "name", Type: "nvarchar(768)"},
		{Name: "updated_at", Type: "datetime2(7)"},
		{Name: "udp_jobid", Type: "int"},
		{Name: "udp_timestamp", Type: "datetime2"},
	}, fix.db.tables[target])

	// rows flow through the staging table, never directly into the target
	require.Empty(t, fix.db.inserts[target])
	require.Len(t, fix.db.inserts[staging], 2)
	require.Equal(t, []interface{}{
		int64(1), "widget",
		time.Date(2018, 9, 5, 11, 0, 0, 0, time.UTC),
		int64(1),
		time.Date(2018, 9, 5, 11, 0, 0, 0, time.UTC),
	}, fix.db.inserts[staging][0])

	require.Len(t, fix.db.execs, 1)
	require.Contains(t, fix.db.execs[0], `merge "acme_us_sales_prod_orders"."orders" as "t"`)
	require.Contains(t, fix.db.execs[0], `using "acme_us_sales_prod_orders"."_orders" as "s"`)
	require.Contains(t, fix.db.execs[0], `on "s"."id" = "t"."id"`)

	// the staging table is gone afterwards
	require.NotContains(t, fix.db.tables, staging)

	// handshake completed and downstream notified
	require.Empty(t, fix.db.arrivals)
	require.Equal(t, int64(2), fix.db.pending[testNamespace])
	require.Len(t, fix.queue.Pending, 1)
	require.Equal(t, "archive", fix.queue.Pending[0].ObjectstoreName)
	require.Equal(t, bundle.Key(testNamespace, bundle.Name(testNamespace, 1)), fix.queue.Pending[0].ObjectKey)
}

func TestStageFullRefresh(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fix := newFixture(t, ctx)
	fix.writeBundle(t, ctx, 1, testTable{
		spec: tablespec.New("events", map[string]string{
			"schema_name": "sales",
			"cdc":         "none",
			"order":       "id",
		}),
		columns: []tablespec.Column{
			{ColumnName: "id", DataType: "integer"},
			{ColumnName: "ok", DataType: "boolean"},
			{ColumnName: "payload", DataType: "jsonb"},
			{ColumnName: "created_at", DataType: "timestamp without time zone"},
		},
		pk: []string{},
		batches: []string{`[
			[1, true, {"a": 1}, "2018-09-05T11:00:00.1234567", 1, "2018-09-05 11:00:00"],
			[2, false, null, "2018-09-05", 1, "2018-09-05 11:00:00"]
		]`},
	})

	require.NoError(t, fix.loader.RunOnce(ctx))

	target := qualified(testNamespace, "events")
	require.Contains(t, fix.db.drops, target)
	require.Equal(t, []warehouse.TargetColumn{
		{Name: "id", Type: "int"},
		{Name: "ok", Type: "tinyint"},
		{Name: "payload", Type: "nvarchar(max)"},
		{Name: "created_at", Type: "datetime2(7)"},
		{Name: "udp_jobid", Type: "int"},
		{Name: "udp_timestamp", Type: "datetime2"},
	}, fix.db.tables[target])
	require.Empty(t, fix.db.execs)

	rows := fix.db.inserts[target]
	require.Len(t, rows, 2)
	// booleans load as tinyint, json as text, timestamps truncate to
	// millisecond precision
	require.Equal(t, []interface{}{
		int64(1), int64(1), `{"a":1}`,
		time.Date(2018, 9, 5, 11, 0, 0, 123000000, time.UTC),
		int64(1),
		time.Date(2018, 9, 5, 11, 0, 0, 0, time.UTC),
	}, rows[0])
	require.Equal(t, []interface{}{
		int64(2), int64(0), nil,
		time.Date(2018, 9, 5, 0, 0, 0, 0, time.UTC),
		int64(1),
		time.Date(2018, 9, 5, 11, 0, 0, 0, time.UTC),
	}, rows[1])
}

func TestNoPrimaryKeyUsesFullRefresh(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fix := newFixture(t, ctx)
	table := ordersTable()
	table.pk = []string{}
	fix.writeBundle(t, ctx, 1, table)

	require.NoError(t, fix.loader.RunOnce(ctx))

	// despite cdc=timestamp the load rebuilt the target directly
	require.Empty(t, fix.db.execs)
	require.Contains(t, fix.db.drops, qualified(testNamespace, "orders"))
	require.Len(t, fix.db.inserts[qualified(testNamespace, "orders")], 2)
}

func TestBundlesStageInJobOrder(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fix := newFixture(t, ctx)
	fix.writeBundle(t, ctx, 2, ordersTable())
	fix.writeBundle(t, ctx, 1, ordersTable())
	fix.writeBundle(t, ctx, 4, ordersTable())

	require.NoError(t, fix.loader.RunOnce(ctx))

	// jobs 1 and 2 staged in order; job 4 held back until 3 arrives
	require.Equal(t, []string{
		bundle.Name(testNamespace, 1),
		bundle.Name(testNamespace, 2),
	}, fix.db.staged)
	require.Equal(t, int64(3), fix.db.pending[testNamespace])
	require.Len(t, fix.db.arrivals, 1)
	require.Equal(t, int64(4), fix.db.arrivals[0].JobID)

	fix.writeBundle(t, ctx, 3, ordersTable())
	require.NoError(t, fix.loader.RunOnce(ctx))
	require.Equal(t, int64(5), fix.db.pending[testNamespace])
	require.Empty(t, fix.db.arrivals)
}

func TestFailedBundleReplays(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fix := newFixture(t, ctx)
	fix.writeBundle(t, ctx, 1, ordersTable())

	fix.db.advanceError = errors.New("connection reset")
	require.Error(t, fix.loader.RunOnce(ctx))

	// the tables were applied but the handshake did not complete
	require.Len(t, fix.db.execs, 1)
	require.Len(t, fix.db.arrivals, 1)
	require.Empty(t, fix.queue.Pending)

	// the dispatch hands out the same bundle again and the keyed merge
	// replays without touching the target twice
	fix.db.advanceError = nil
	require.NoError(t, fix.loader.RunOnce(ctx))
	require.Len(t, fix.db.execs, 2)
	require.Equal(t, fix.db.execs[0], fix.db.execs[1])
	require.Empty(t, fix.db.inserts[qualified(testNamespace, "orders")])
	require.Empty(t, fix.db.arrivals)
	require.Len(t, fix.queue.Pending, 1)
}

func TestInsertFailureLeavesArrival(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fix := newFixture(t, ctx)
	fix.writeBundle(t, ctx, 1, ordersTable())

	fix.db.insertError = errors.New("bulk copy aborted")
	require.Error(t, fix.loader.RunOnce(ctx))
	require.Len(t, fix.db.arrivals, 1)
	require.Empty(t, fix.db.execs)

	fix.db.insertError = nil
	require.NoError(t, fix.loader.RunOnce(ctx))
	require.Empty(t, fix.db.arrivals)
	require.Len(t, fix.db.execs, 1)
}

func TestDropTable(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fix := newFixture(t, ctx)
	fix.writeBundle(t, ctx, 1, testTable{
		spec: tablespec.New("legacy", map[string]string{
			"schema_name": "sales",
			"drop_table":  "1",
		}),
	})

	require.NoError(t, fix.loader.RunOnce(ctx))

	require.Equal(t, []string{qualified(testNamespace, "legacy")}, fix.db.drops)
	require.Empty(t, fix.db.tables)
	require.Empty(t, fix.db.execs)
	require.Empty(t, fix.db.arrivals)
}

func TestMalformedTableIsSkipped(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fix := newFixture(t, ctx)
	broken := testTable{
		spec: tablespec.New("broken", map[string]string{
			"schema_name": "sales",
			"cdc":         "none",
		}),
		rawSchema: `{not json`,
	}
	fix.writeBundle(t, ctx, 1, broken, ordersTable())

	// the malformed table is skipped, the rest of the bundle still stages
	require.NoError(t, fix.loader.RunOnce(ctx))
	require.NotContains(t, fix.db.tables, qualified(testNamespace, "broken"))
	require.Contains(t, fix.db.tables, qualified(testNamespace, "orders"))
	require.Empty(t, fix.db.arrivals)
}

func TestUnchangedTableLoadsNothing(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fix := newFixture(t, ctx)
	table := testTable{
		spec: tablespec.New("lookup", map[string]string{
			"schema_name": "sales",
			"cdc":         "none",
			"order":       "code",
		}),
		columns: []tablespec.Column{{ColumnName: "code", DataType: "text"}},
		pk:      []string{},
	}
	fix.writeBundle(t, ctx, 1, table)

	require.NoError(t, fix.loader.RunOnce(ctx))

	// a suppressed table arrives without batches and leaves the target alone
	require.Empty(t, fix.db.tables)
	require.Empty(t, fix.db.drops)
	require.Empty(t, fix.db.arrivals)
}

func TestDownstreamNotifyIsBestEffort(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fix := newFixture(t, ctx)
	fix.writeBundle(t, ctx, 1, ordersTable())
	fix.queue.PutError = errors.New("queue unavailable")

	// a lost notification does not fail the staged bundle
	require.NoError(t, fix.loader.RunOnce(ctx))
	require.Empty(t, fix.db.arrivals)

	// and a loader without a downstream queue never dials one
	bare := stage.New(zaptest.NewLogger(t),
		stage.Config{ScratchDir: ctx.Dir("bare-scratch")},
		fix.db,
		stage.Dependencies{
			StoreName: "archive",
			DialArchive: func(ctx context.Context) (storage.ObjectStore, error) {
				return fix.archive, nil
			},
		})
	fix.writeBundle(t, ctx, 2, ordersTable())
	require.NoError(t, bare.RunOnce(ctx))
	require.Empty(t, fix.db.arrivals)
}
