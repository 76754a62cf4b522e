// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package watermark_test

import (
	"io/ioutil"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"udp.io/udp/internal/testcontext"
	"udp.io/udp/pkg/watermark"
)

func TestLoadMissing(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := watermark.NewStore(zaptest.NewLogger(t), ctx.Dir("state"), "acme_us_sales_prod_customer")

	history, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), history.JobID)
	require.Empty(t, history.Tables)
}

func TestSaveIncrementsJobID(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := watermark.NewStore(zaptest.NewLogger(t), ctx.Dir("state"), "acme_us_sales_prod_customer")

	history, err := store.Load(ctx)
	require.NoError(t, err)

	mark := time.Date(2018, 9, 1, 12, 0, 0, 0, time.UTC)
	history.TableHistory("Customer").Advance(mark)
	history.TableHistory("order").LastRowversion = 42

	require.NoError(t, store.Save(ctx, history))
	require.NoError(t, store.Save(ctx, history))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), loaded.JobID)

	// lookups by any case hit the same entry
	require.True(t, loaded.TableHistory("CUSTOMER").LastTimestamp.Equal(mark))
	require.Equal(t, int64(42), loaded.TableHistory("Order").LastRowversion)
}

func TestAdvanceNeverMovesBack(t *testing.T) {
	table := &watermark.TableHistory{}

	later := time.Date(2018, 9, 2, 0, 0, 0, 0, time.UTC)
	earlier := time.Date(2018, 9, 1, 0, 0, 0, 0, time.UTC)

	table.Advance(later)
	table.Advance(earlier)
	require.True(t, table.LastTimestamp.Equal(later))
}

func TestLoadCorrupt(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	dir := ctx.Dir("state")

	for name, content := range map[string]string{
		"no-header":   `{"job_id": 5}`,
		"bad-version": "udp-jobhistory/9\n{\"job_id\": 5}",
		"bad-json":    "udp-jobhistory/1\nnot json",
		"bad-jobid":   "udp-jobhistory/1\n{\"job_id\": 0}",
	} {
		t.Run(name, func(t *testing.T) {
			store := watermark.NewStore(log, dir, name)
			require.NoError(t, ioutil.WriteFile(store.Path(), []byte(content), 0644))

			_, err := store.Load(ctx)
			require.Error(t, err)
			require.True(t, watermark.Error.Has(err))
		})
	}
}
