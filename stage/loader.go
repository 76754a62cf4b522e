// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package stage implements the loading stage: it applies archived bundles to
// the warehouse, one namespace job at a time and in job order.
package stage

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"udp.io/udp/pkg/bundle"
	"udp.io/udp/pkg/sqlbuild"
	"udp.io/udp/pkg/tablespec"
	"udp.io/udp/pkg/warehouse"
	"udp.io/udp/storage"
)

var (
	// Error is the error class for this package.
	Error = errs.Class("stage error")

	mon = monkit.Package()
)

// Config holds the stage loader options.
type Config struct {
	ScratchDir string `help:"directory bundles are unpacked into" default:"$CONFDIR/scratch"`
	Notransfer bool   `internal:"true"`
}

// Warehouse is the target database surface the loader drives.
type Warehouse interface {
	EnsureSchema(ctx context.Context, schema string) error
	TableExists(ctx context.Context, schema, table string) (bool, error)
	CreateTable(ctx context.Context, schema, table string, columns []warehouse.TargetColumn) error
	DropTable(ctx context.Context, schema, table string) error
	BulkInsert(ctx context.Context, schema, table string, columns []string, rows [][]interface{}) (int64, error)
	Exec(ctx context.Context, statement string) error
	NextArrival(ctx context.Context) (*warehouse.Arrival, error)
	Advance(ctx context.Context, arrival *warehouse.Arrival) error
}

// Dependencies are the external systems of the loader. The archive store is
// dialed per bundle; the downstream queue is optional and nil disables it.
type Dependencies struct {
	// StoreName is the objectstore name stamped into downstream notifications.
	StoreName   string
	DialArchive func(ctx context.Context) (storage.ObjectStore, error)
	DialQueue   func(ctx context.Context) (storage.Queue, error)
}

// Loader applies ready bundles to the warehouse. It implements daemon.Job;
// every run stages bundles until none is ready.
type Loader struct {
	log    *zap.Logger
	config Config
	db     Warehouse
	deps   Dependencies
}

// New creates a stage loader.
func New(log *zap.Logger, config Config, db Warehouse, deps Dependencies) *Loader {
	return &Loader{
		log:    log,
		config: config,
		db:     db,
		deps:   deps,
	}
}

// RunOnce stages ready bundles until the arrival queue has none left. The
// dispatch query releases a namespace's next bundle only after its
// predecessor completed, so a failed bundle is retried first.
func (loader *Loader) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	for {
		arrival, err := loader.db.NextArrival(ctx)
		if err != nil {
			return Error.Wrap(err)
		}
		if arrival == nil {
			return nil
		}
		if err := loader.stage(ctx, arrival); err != nil {
			return err
		}
	}
}

// stage downloads and applies one bundle (every table it carries) and then
// completes the staging handshake.
func (loader *Loader) stage(ctx context.Context, arrival *warehouse.Arrival) (err error) {
	defer mon.Task()(&ctx)(&err)

	log := loader.log.With(
		zap.String("namespace", arrival.Namespace),
		zap.Int64("job", arrival.JobID))
	log.Info("staging bundle", zap.String("bundle", arrival.FileName))

	scratch := filepath.Join(loader.config.ScratchDir, arrival.Namespace)
	if err := os.RemoveAll(scratch); err != nil {
		return Error.Wrap(err)
	}
	if err := os.MkdirAll(scratch, 0700); err != nil {
		return Error.Wrap(err)
	}

	archive, err := loader.deps.DialArchive(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, archive.Close()) }()

	key := bundle.Key(arrival.Namespace, arrival.FileName)
	path := filepath.Join(scratch, arrival.FileName)
	if err := archive.Get(ctx, key, path); err != nil {
		return Error.Wrap(err)
	}

	if err := loader.db.EnsureSchema(ctx, arrival.Namespace); err != nil {
		return Error.Wrap(err)
	}

	dir := filepath.Join(scratch, "extracted")
	if err := bundle.Extract(ctx, path, dir); err != nil {
		return err
	}
	if err := loader.applyBundle(ctx, arrival.Namespace, dir, log); err != nil {
		return err
	}

	if err := loader.db.Advance(ctx, arrival); err != nil {
		return err
	}
	loader.notify(ctx, key, log)

	log.Info("bundle staged")
	return nil
}

// applyBundle applies every table document in the extracted bundle, in name
// order.
func (loader *Loader) applyBundle(ctx context.Context, namespace, dir string, log *zap.Logger) (err error) {
	defer mon.Task()(&ctx)(&err)

	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return Error.Wrap(err)
	}
	var tables []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), tablespec.SpecSuffix) {
			tables = append(tables, strings.TrimSuffix(entry.Name(), tablespec.SpecSuffix))
		}
	}
	sort.Strings(tables)

	for _, table := range tables {
		if err := loader.applyTable(ctx, namespace, dir, table, log.With(zap.String("table", table))); err != nil {
			return err
		}
	}
	return nil
}

// applyTable applies one table of the bundle. A table with unreadable
// documents is skipped so one malformed table cannot wedge its namespace.
func (loader *Loader) applyTable(ctx context.Context, namespace, dir, table string, log *zap.Logger) (err error) {
	defer mon.Task()(&ctx)(&err)

	spec, err := tablespec.Load(filepath.Join(dir, table+tablespec.SpecSuffix))
	if err != nil {
		log.Warn("skipping table with an unreadable spec document", zap.Error(err))
		return nil
	}
	if spec.DropTable {
		log.Info("dropping table")
		return loader.db.DropTable(ctx, namespace, table)
	}

	columns, err := tablespec.LoadColumns(filepath.Join(dir, table+tablespec.SchemaSuffix))
	if err != nil {
		log.Warn("skipping table with an unreadable schema document", zap.Error(err))
		return nil
	}
	primaryKey, err := tablespec.LoadPrimaryKey(filepath.Join(dir, table+tablespec.PKSuffix))
	if err != nil {
		log.Warn("skipping table with an unreadable primary key document", zap.Error(err))
		return nil
	}

	batches, err := batchFiles(dir, table)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		// the capture suppressed an unchanged table
		log.Info("no batches, table unchanged")
		return nil
	}

	target := warehouse.Translate(columns)
	if spec.CDCMode() == tablespec.CDCNone || len(primaryKey) == 0 {
		return loader.fullRefresh(ctx, namespace, table, target, batches, log)
	}
	return loader.merge(ctx, namespace, table, target, primaryKey, batches, log)
}

// fullRefresh rebuilds the target table from scratch.
func (loader *Loader) fullRefresh(ctx context.Context, namespace, table string, columns []warehouse.TargetColumn, batches []string, log *zap.Logger) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := loader.db.DropTable(ctx, namespace, table); err != nil {
		return err
	}
	if err := loader.db.CreateTable(ctx, namespace, table, columns); err != nil {
		return err
	}
	count, err := loader.loadBatches(ctx, namespace, table, columns, batches)
	if err != nil {
		return err
	}
	log.Info("table refreshed", zap.Int64("rows", count))
	return nil
}

// merge applies the batches through a staging table and a keyed merge, so
// replaying the same bundle leaves the target unchanged. The staging table is
// a real table because pooled connections cannot share a session temp table.
func (loader *Loader) merge(ctx context.Context, namespace, table string, columns []warehouse.TargetColumn, primaryKey []string, batches []string, log *zap.Logger) (err error) {
	defer mon.Task()(&ctx)(&err)

	exists, err := loader.db.TableExists(ctx, namespace, table)
	if err != nil {
		return err
	}
	if !exists {
		if err := loader.db.CreateTable(ctx, namespace, table, columns); err != nil {
			return err
		}
	}

	staging := "_" + table
	if err := loader.db.DropTable(ctx, namespace, staging); err != nil {
		return err
	}
	if err := loader.db.CreateTable(ctx, namespace, staging, columns); err != nil {
		return err
	}

	count, err := loader.loadBatches(ctx, namespace, staging, columns, batches)
	if err != nil {
		return err
	}

	statement := sqlbuild.Merge{
		SchemaName: namespace,
		TargetName: table,
		SourceName: staging,
		Columns:    warehouse.Names(columns),
		PrimaryKey: primaryKey,
	}
	query, err := statement.SQL()
	if err != nil {
		return err
	}
	if err := loader.db.Exec(ctx, query); err != nil {
		return err
	}
	if err := loader.db.DropTable(ctx, namespace, staging); err != nil {
		return err
	}
	log.Info("table merged", zap.Int64("rows", count))
	return nil
}

// loadBatches bulk-inserts every batch file into the named table.
func (loader *Loader) loadBatches(ctx context.Context, namespace, table string, columns []warehouse.TargetColumn, batches []string) (total int64, err error) {
	defer mon.Task()(&ctx)(&err)

	names := warehouse.Names(columns)
	for _, path := range batches {
		rows, err := readBatch(path, columns)
		if err != nil {
			return 0, err
		}
		if len(rows) == 0 {
			continue
		}
		count, err := loader.db.BulkInsert(ctx, namespace, table, names, rows)
		if err != nil {
			return 0, err
		}
		total += count
	}
	return total, nil
}

// notify posts the optional downstream notification. Losing one is harmless,
// so a failure is logged instead of failing the already staged bundle.
func (loader *Loader) notify(ctx context.Context, key string, log *zap.Logger) {
	if loader.deps.DialQueue == nil || loader.config.Notransfer {
		return
	}
	queue, err := loader.deps.DialQueue(ctx)
	if err != nil {
		log.Warn("downstream notification failed", zap.Error(err))
		return
	}
	defer func() { _ = queue.Close() }()

	err = queue.Put(ctx, storage.Notification{
		ObjectstoreName: loader.deps.StoreName,
		ObjectKey:       key,
	})
	if err != nil {
		log.Warn("downstream notification failed", zap.Error(err))
	}
}

// batchFiles returns the table's batch files in sequence order.
func batchFiles(dir, table string) ([]string, error) {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	type batch struct {
		seq  int
		path string
	}
	var found []batch
	for _, entry := range entries {
		name, seq, ok := bundle.ParseBatchName(entry.Name())
		if ok && name == table {
			found = append(found, batch{seq: seq, path: filepath.Join(dir, entry.Name())})
		}
	}
	sort.Slice(found, func(i, k int) bool { return found[i].seq < found[k].seq })

	paths := make([]string, 0, len(found))
	for _, batch := range found {
		paths = append(paths, batch.path)
	}
	return paths, nil
}
