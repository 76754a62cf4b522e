// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package capture implements the extraction stage: it captures changed rows
// from the source database into versioned bundles and uploads them to the
// capture object store.
package capture

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"udp.io/udp/pkg/bundle"
	"udp.io/udp/pkg/daemon"
	"udp.io/udp/pkg/source"
	"udp.io/udp/pkg/stats"
	"udp.io/udp/pkg/tablespec"
	"udp.io/udp/pkg/watermark"
	"udp.io/udp/storage"
)

var (
	// Error is the error class for this package.
	Error = errs.Class("capture error")

	mon = monkit.Package()
)

// Version is the script version recorded in job stats.
const Version = "1.0.0"

// StepBack is the safety margin subtracted from the source clock so rows
// from in-flight transactions cannot fall inside the capture window.
const StepBack = 60 * time.Second

// LastJobLog is the name of the previous job's final stats file.
const LastJobLog = "last_job.log"

// Config holds the capture engine options.
type Config struct {
	WorkDir    string `help:"directory where batch files are assembled" default:"$CONFDIR/work"`
	StateDir   string `help:"directory holding the persistent job state" default:"$CONFDIR/state"`
	PublishDir string `help:"directory where finished bundles are written" default:"$CONFDIR/publish"`
	BatchSize  int    `help:"maximum rows per batch file" default:"1000000"`
	Notransfer bool   `internal:"true"`
}

// Source is the capture-side view of the origin database.
type Source interface {
	Now(ctx context.Context) (time.Time, error)
	Columns(ctx context.Context, schema, table string) ([]tablespec.Column, error)
	PrimaryKey(ctx context.Context, schema, table string) ([]string, error)
	Query(ctx context.Context, statement string) (source.Rows, error)
	Close() error
}

// Dependencies are the external systems of the capture engine. Connections
// are dialed per job to accommodate short-lived credentials.
type Dependencies struct {
	// StoreName is the objectstore name stamped into notifications.
	StoreName  string
	OpenSource func(ctx context.Context) (Source, error)
	DialStore  func(ctx context.Context) (storage.ObjectStore, error)
	DialQueue  func(ctx context.Context) (storage.Queue, error)
}

// Engine captures one namespace. It implements daemon.Job; every run
// extracts one job's worth of changes.
type Engine struct {
	log       *zap.Logger
	config    Config
	namespace string
	tables    []*tablespec.TableSpec
	deps      Dependencies

	store     *watermark.Store
	collector *stats.Collector
}

// New creates a capture engine for a namespace.
func New(log *zap.Logger, config Config, namespace, instance string, tables []*tablespec.TableSpec, deps Dependencies) *Engine {
	if config.BatchSize <= 0 {
		config.BatchSize = 1000000
	}
	return &Engine{
		log:       log,
		config:    config,
		namespace: namespace,
		tables:    tables,
		deps:      deps,
		store:     watermark.NewStore(log.Named("watermark"), config.StateDir, namespace),
		collector: stats.NewCollector("capture", Version, instance),
	}
}

// RunOnce captures one job: select the window, extract every table, bundle
// the batches, upload, and only then persist the advanced watermarks.
func (engine *Engine) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	history, err := engine.store.Load(ctx)
	if err != nil {
		return daemon.Fatal.Wrap(err)
	}
	jobID := history.JobID

	log := engine.log.With(zap.String("namespace", engine.namespace), zap.Int64("job", jobID))
	log.Info("starting capture job")

	engine.collector.Reset()
	engine.collector.SetJob(engine.namespace, jobID)

	src, err := engine.deps.OpenSource(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, src.Close()) }()

	sourceNow, err := src.Now(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	current := sourceNow.Add(-StepBack).Truncate(time.Second)

	workDir := filepath.Join(engine.config.WorkDir, engine.namespace)
	if err := os.RemoveAll(workDir); err != nil {
		return Error.Wrap(err)
	}
	if err := os.MkdirAll(workDir, 0700); err != nil {
		return Error.Wrap(err)
	}

	engine.collector.Start(stats.NameCapture, stats.TypeStep)
	var totalRows int64
	for _, table := range engine.tables {
		if table.IgnoreTable {
			continue
		}
		rows, err := engine.captureTable(ctx, src, table, history, jobID, current, workDir)
		if err != nil {
			return Error.Wrap(err)
		}
		totalRows += rows
	}
	engine.collector.Stop(stats.NameCapture, totalRows, 0)

	if err := engine.publish(ctx, history, jobID, workDir, log); err != nil {
		return err
	}

	if err := engine.store.Save(ctx, history); err != nil {
		return daemon.Fatal.Wrap(err)
	}
	log.Info("capture job complete", zap.Int64("rows", totalRows))
	return nil
}

// publish assembles the bundle and uploads it together with the recovery
// state. The watermark save happens only after this succeeds.
func (engine *Engine) publish(ctx context.Context, history *watermark.JobHistory, jobID int64, workDir string, log *zap.Logger) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := engine.collector.WriteFile(filepath.Join(workDir, "job.log")); err != nil {
		return Error.Wrap(err)
	}
	if err := copyFileIfExists(
		filepath.Join(engine.store.Dir(), LastJobLog),
		filepath.Join(workDir, LastJobLog)); err != nil {
		return Error.Wrap(err)
	}

	name := bundle.Name(engine.namespace, jobID)
	if err := os.MkdirAll(engine.config.PublishDir, 0700); err != nil {
		return Error.Wrap(err)
	}
	path := filepath.Join(engine.config.PublishDir, name)

	engine.collector.Start(stats.NameCompress, stats.TypeStep)
	if err := bundle.Write(ctx, path, workDir); err != nil {
		return err
	}
	engine.collector.Stop(stats.NameCompress, 0, fileSize(path))

	engine.collector.Start(stats.NameUpload, stats.TypeStep)
	if err := engine.upload(ctx, bundle.Key(engine.namespace, name), path); err != nil {
		return err
	}
	engine.collector.Stop(stats.NameUpload, 0, fileSize(path))

	// the state dir snapshot carries this job's final stats for the next
	// bundle and the watermarks of the previous save
	if err := engine.collector.WriteFile(filepath.Join(engine.store.Dir(), LastJobLog)); err != nil {
		return Error.Wrap(err)
	}
	statePath := filepath.Join(engine.config.PublishDir, bundle.StateName)
	if err := bundle.Write(ctx, statePath, engine.store.Dir()); err != nil {
		return err
	}
	if err := engine.upload(ctx, bundle.Key(engine.namespace, bundle.StateName), statePath); err != nil {
		return err
	}

	log.Info("bundle published", zap.String("bundle", name))
	return nil
}

// upload puts one object and posts its notification.
func (engine *Engine) upload(ctx context.Context, key, path string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if engine.config.Notransfer {
		engine.log.Info("transfer skipped", zap.String("key", key))
		return nil
	}

	store, err := engine.deps.DialStore(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, store.Close()) }()

	if err := store.Put(ctx, key, path); err != nil {
		return Error.Wrap(err)
	}

	queue, err := engine.deps.DialQueue(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, queue.Close()) }()

	return Error.Wrap(queue.Put(ctx, storage.Notification{
		ObjectstoreName: engine.deps.StoreName,
		ObjectKey:       key,
	}))
}

func copyFileIfExists(from, to string) error {
	data, err := ioutil.ReadFile(from)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return ioutil.WriteFile(to, data, 0644)
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
