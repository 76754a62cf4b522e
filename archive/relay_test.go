// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package archive_test

import (
	"context"
	"encoding/json"
	"errors"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"udp.io/udp/archive"
	"udp.io/udp/internal/testcontext"
	"udp.io/udp/pkg/bundle"
	"udp.io/udp/pkg/stats"
	"udp.io/udp/pkg/warehouse"
	"udp.io/udp/storage"
	"udp.io/udp/storage/teststore"
)

const testNamespace = "acme_us_sales_prod_orders"

type fakeCatalog struct {
	stats    []stats.Stat
	arrivals []warehouse.Arrival

	statError    error
	arrivalError error
	duplicate    bool
}

func (catalog *fakeCatalog) InsertStat(ctx context.Context, stat stats.Stat) error {
	if catalog.statError != nil {
		return catalog.statError
	}
	catalog.stats = append(catalog.stats, stat)
	return nil
}

func (catalog *fakeCatalog) InsertArrival(ctx context.Context, arrival warehouse.Arrival) (bool, error) {
	if catalog.arrivalError != nil {
		return false, catalog.arrivalError
	}
	if catalog.duplicate {
		return true, nil
	}
	catalog.arrivals = append(catalog.arrivals, arrival)
	return false, nil
}

type fixture struct {
	capture *teststore.Store
	archive *teststore.Store
	queue   *teststore.Queue
	catalog *fakeCatalog
	relay   *archive.Relay
}

func newFixture(t *testing.T, ctx *testcontext.Context) *fixture {
	fix := &fixture{
		capture: teststore.NewStore(),
		archive: teststore.NewStore(),
		queue:   teststore.NewQueue(),
		catalog: &fakeCatalog{},
	}
	fix.relay = archive.New(zaptest.NewLogger(t),
		archive.Config{ScratchDir: ctx.Dir("scratch")},
		fix.catalog,
		archive.Dependencies{
			DialQueue: func(ctx context.Context) (storage.Queue, error) {
				return fix.queue, nil
			},
			DialStore: func(ctx context.Context, name string) (storage.ObjectStore, error) {
				require.Equal(t, "capture", name)
				return fix.capture, nil
			},
			DialArchive: func(ctx context.Context) (storage.ObjectStore, error) {
				return fix.archive, nil
			},
		})
	return fix
}

func statRow(name, statType string, jobID int64) stats.Stat {
	return stats.Stat{
		ScriptName: "capture",
		Namespace:  testNamespace,
		JobID:      jobID,
		StatName:   name,
		StatType:   statType,
		StartTime:  time.Date(2018, 9, 5, 12, 0, 0, 0, time.UTC),
		EndTime:    time.Date(2018, 9, 5, 12, 1, 0, 0, time.UTC),
		RunTime:    60,
	}
}

// uploadBundle builds a bundle carrying the given stat documents, puts it in
// the capture store and queues its notification.
func (fix *fixture) uploadBundle(t *testing.T, ctx *testcontext.Context, jobID int64, jobRows, lastRows []stats.Stat) string {
	dir := ctx.Dir("bundles", bundle.Name(testNamespace, jobID))

	data, err := json.Marshal(jobRows)
	require.NoError(t, err)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "job.log"), data, 0644))
	if lastRows != nil {
		data, err := json.Marshal(lastRows)
		require.NoError(t, err)
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "last_job.log"), data, 0644))
	}

	name := bundle.Name(testNamespace, jobID)
	path := ctx.File("uploads", name)
	require.NoError(t, bundle.Write(ctx, path, dir))

	key := bundle.Key(testNamespace, name)
	require.NoError(t, fix.capture.Put(ctx, key, path))
	require.NoError(t, fix.queue.Put(ctx, storage.Notification{
		ObjectstoreName: "capture",
		ObjectKey:       key,
	}))
	return key
}

func TestRelayBundle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fix := newFixture(t, ctx)
	key := fix.uploadBundle(t, ctx, 2,
		[]stats.Stat{
			statRow("orders", stats.TypeTable, 2),
			statRow(stats.NameCapture, stats.TypeStep, 2),
		},
		[]stats.Stat{
			statRow(stats.NameCapture, stats.TypeStep, 1),
			statRow(stats.NameCompress, stats.TypeStep, 1),
			statRow(stats.NameUpload, stats.TypeStep, 1),
		})

	require.NoError(t, fix.relay.RunOnce(ctx))

	// copied to the archive, removed from capture, message acknowledged
	require.Equal(t, []string{key}, fix.archive.Keys())
	require.Empty(t, fix.capture.Keys())
	require.Empty(t, fix.queue.Pending)
	require.Empty(t, fix.queue.Parked)

	require.Equal(t, []warehouse.Arrival{{
		Namespace: testNamespace,
		FileName:  bundle.Name(testNamespace, 2),
		JobID:     2,
	}}, fix.catalog.arrivals)

	// this job's intermediate capture row is withheld, the previous job's
	// final step rows come from the last job log
	var names []string
	var jobs []int64
	for _, row := range fix.catalog.stats {
		names = append(names, row.StatName)
		jobs = append(jobs, row.JobID)
	}
	require.Equal(t, []string{"orders", stats.NameCapture, stats.NameCompress, stats.NameUpload}, names)
	require.Equal(t, []int64{2, 1, 1, 1}, jobs)
}

func TestFirstBundleHasNoLastJobLog(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fix := newFixture(t, ctx)
	fix.uploadBundle(t, ctx, 1, []stats.Stat{
		statRow("orders", stats.TypeTable, 1),
		statRow(stats.NameCapture, stats.TypeStep, 1),
	}, nil)

	require.NoError(t, fix.relay.RunOnce(ctx))
	require.Len(t, fix.catalog.stats, 1)
	require.Equal(t, "orders", fix.catalog.stats[0].StatName)
}

func TestLastJobLogFiltersTableRows(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fix := newFixture(t, ctx)
	fix.uploadBundle(t, ctx, 2,
		[]stats.Stat{statRow(stats.NameCapture, stats.TypeStep, 2)},
		[]stats.Stat{
			statRow("orders", stats.TypeTable, 1),
			statRow(stats.NameUpload, stats.TypeStep, 1),
		})

	require.NoError(t, fix.relay.RunOnce(ctx))

	// table rows were already published when job 1's own bundle was relayed
	require.Len(t, fix.catalog.stats, 1)
	require.Equal(t, stats.NameUpload, fix.catalog.stats[0].StatName)
}

func TestSkipsRecoveryState(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fix := newFixture(t, ctx)
	require.NoError(t, fix.queue.Put(ctx, storage.Notification{
		ObjectstoreName: "capture",
		ObjectKey:       bundle.Key(testNamespace, bundle.StateName),
	}))

	require.NoError(t, fix.relay.RunOnce(ctx))
	require.Empty(t, fix.queue.Pending)
	require.Empty(t, fix.queue.Parked)
	require.Empty(t, fix.archive.Keys())
	require.Empty(t, fix.catalog.arrivals)
}

func TestDropsUnusableNotifications(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fix := newFixture(t, ctx)
	require.NoError(t, fix.queue.Put(ctx, storage.Notification{
		ObjectstoreName: "capture",
	}))
	require.NoError(t, fix.queue.Put(ctx, storage.Notification{
		ObjectstoreName: "capture",
		ObjectKey:       testNamespace + "/readme.txt",
	}))
	key := fix.uploadBundle(t, ctx, 1, []stats.Stat{}, nil)

	// the bad messages are dropped and the good one still relays
	require.NoError(t, fix.relay.RunOnce(ctx))
	require.Empty(t, fix.queue.Pending)
	require.Empty(t, fix.queue.Parked)
	require.Equal(t, []string{key}, fix.archive.Keys())
	require.Len(t, fix.catalog.arrivals, 1)
}

func TestFailureLeavesMessageForRedelivery(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fix := newFixture(t, ctx)
	key := fix.uploadBundle(t, ctx, 1, []stats.Stat{}, nil)

	fix.catalog.arrivalError = errors.New("warehouse unavailable")
	require.Error(t, fix.relay.RunOnce(ctx))

	// not acknowledged, the capture copy stays for the retry
	require.Len(t, fix.queue.Parked, 1)
	require.Equal(t, []string{key}, fix.capture.Keys())

	fix.catalog.arrivalError = nil
	fix.queue.Requeue()
	require.NoError(t, fix.relay.RunOnce(ctx))
	require.Empty(t, fix.queue.Parked)
	require.Empty(t, fix.capture.Keys())
	require.Equal(t, []string{key}, fix.archive.Keys())
	require.Len(t, fix.catalog.arrivals, 1)
}

func TestDuplicateArrivalIsSuccess(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fix := newFixture(t, ctx)
	fix.uploadBundle(t, ctx, 1, []stats.Stat{}, nil)
	fix.catalog.duplicate = true

	require.NoError(t, fix.relay.RunOnce(ctx))
	require.Empty(t, fix.queue.Pending)
	require.Empty(t, fix.queue.Parked)
	require.Empty(t, fix.capture.Keys())
}
