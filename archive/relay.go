// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package archive implements the relay stage: it moves uploaded capture
// bundles into the long-term archive bucket, publishes their job metrics and
// queues them for staging.
package archive

import (
	"context"
	"encoding/json"
	"os"
	"path"
	"path/filepath"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"udp.io/udp/pkg/bundle"
	"udp.io/udp/pkg/stats"
	"udp.io/udp/pkg/warehouse"
	"udp.io/udp/storage"
)

var (
	// Error is the error class for this package.
	Error = errs.Class("archive error")

	mon = monkit.Package()
)

// Config holds the archive relay options.
type Config struct {
	ScratchDir string `help:"directory bundles pass through" default:"$CONFDIR/scratch"`
}

// Catalog is the warehouse surface the relay writes to.
type Catalog interface {
	InsertStat(ctx context.Context, stat stats.Stat) error
	InsertArrival(ctx context.Context, arrival warehouse.Arrival) (already bool, err error)
}

// Dependencies are the external systems of the relay. The queue and stores
// are dialed per run to accommodate short-lived credentials; the notification
// names which store its object lives in.
type Dependencies struct {
	DialQueue   func(ctx context.Context) (storage.Queue, error)
	DialStore   func(ctx context.Context, name string) (storage.ObjectStore, error)
	DialArchive func(ctx context.Context) (storage.ObjectStore, error)
}

// Relay drains the capture notification queue. It implements daemon.Job;
// every run drains the queue until empty.
type Relay struct {
	log     *zap.Logger
	config  Config
	catalog Catalog
	deps    Dependencies
}

// New creates an archive relay.
func New(log *zap.Logger, config Config, catalog Catalog, deps Dependencies) *Relay {
	return &Relay{
		log:     log,
		config:  config,
		catalog: catalog,
		deps:    deps,
	}
}

// RunOnce connects to the notification queue and relays bundles until the
// queue is empty. A failed bundle ends the run without acknowledging its
// message, so the queue redelivers it.
func (relay *Relay) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	queue, err := relay.deps.DialQueue(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, queue.Close()) }()

	if err := os.MkdirAll(relay.config.ScratchDir, 0700); err != nil {
		return Error.Wrap(err)
	}

	for {
		notification, err := queue.Receive(ctx)
		if storage.ErrEmptyQueue.Has(err) {
			return nil
		}
		if err != nil {
			return Error.Wrap(err)
		}
		if err := relay.process(ctx, queue, notification); err != nil {
			return err
		}
	}
}

// process relays one notification. The queue message is acknowledged last so
// a failure at any earlier step leads to redelivery; every earlier step is
// idempotent under replay.
func (relay *Relay) process(ctx context.Context, queue storage.Queue, notification storage.Notification) (err error) {
	defer mon.Task()(&ctx)(&err)

	key := notification.ObjectKey
	log := relay.log.With(zap.String("key", key))

	if key == "" {
		log.Warn("dropping notification without an object key")
		return Error.Wrap(queue.Delete(ctx, notification))
	}
	name := path.Base(key)
	if name == bundle.StateName {
		// recovery state only, never staged
		return Error.Wrap(queue.Delete(ctx, notification))
	}
	namespace, jobID, err := bundle.ParseName(name)
	if err != nil {
		log.Warn("dropping notification for an unrecognized object", zap.Error(err))
		return Error.Wrap(queue.Delete(ctx, notification))
	}

	capture, err := relay.deps.DialStore(ctx, notification.ObjectstoreName)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, capture.Close()) }()

	scratch := filepath.Join(relay.config.ScratchDir, name)
	if err := capture.Get(ctx, key, scratch); err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, os.Remove(scratch)) }()

	archive, err := relay.deps.DialArchive(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, archive.Close()) }()

	if err := archive.Put(ctx, key, scratch); err != nil {
		return Error.Wrap(err)
	}

	if err := relay.insertStats(ctx, scratch, log); err != nil {
		return err
	}

	already, err := relay.catalog.InsertArrival(ctx, warehouse.Arrival{
		Namespace: namespace,
		FileName:  name,
		JobID:     jobID,
	})
	if err != nil {
		return Error.Wrap(err)
	}
	if already {
		log.Info("bundle already queued for staging")
	}

	if err := capture.Delete(ctx, key); err != nil {
		return Error.Wrap(err)
	}
	if err := queue.Delete(ctx, notification); err != nil {
		return Error.Wrap(err)
	}

	log.Info("bundle archived",
		zap.String("namespace", namespace),
		zap.Int64("job", jobID))
	return nil
}

// insertStats publishes the job metrics carried by the bundle at path. The
// job log carries this job's table rows and its intermediate capture step;
// the final capture, compress and upload figures for a job arrive with the
// next bundle's last job log.
func (relay *Relay) insertStats(ctx context.Context, path string, log *zap.Logger) (err error) {
	defer mon.Task()(&ctx)(&err)

	jobRows, err := readStats(ctx, path, "job.log")
	if err != nil {
		return err
	}
	if jobRows == nil {
		log.Warn("bundle carries no job log")
	}
	lastRows, err := readStats(ctx, path, "last_job.log")
	if err != nil {
		return err
	}

	for _, row := range filterStats(jobRows, lastRows) {
		if err := relay.catalog.InsertStat(ctx, row); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// filterStats selects the rows to publish so that every stat lands exactly
// once across consecutive bundles.
func filterStats(jobRows, lastRows []stats.Stat) []stats.Stat {
	var out []stats.Stat
	for _, row := range jobRows {
		if row.StatName != stats.NameCapture {
			out = append(out, row)
		}
	}
	for _, row := range lastRows {
		switch row.StatName {
		case stats.NameCapture, stats.NameCompress, stats.NameUpload:
			out = append(out, row)
		}
	}
	return out
}

// readStats parses one stat document inside the bundle at path. A missing
// entry yields nil rows.
func readStats(ctx context.Context, path, name string) ([]stats.Stat, error) {
	data, found, err := bundle.ReadEntry(ctx, path, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var rows []stats.Stat
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, Error.New("malformed stat log %q in bundle %q: %v", name, path, err)
	}
	return rows, nil
}
