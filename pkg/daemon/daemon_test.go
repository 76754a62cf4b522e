// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package daemon_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"udp.io/udp/internal/testcontext"
	"udp.io/udp/pkg/daemon"
	"udp.io/udp/pkg/schedule"
)

type fakeJob struct {
	runs  int
	onRun func(runs int) error
}

func (job *fakeJob) RunOnce(ctx context.Context) error {
	job.runs++
	if job.onRun != nil {
		return job.onRun(job.runs)
	}
	return nil
}

func TestOnetime(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	job := &fakeJob{}
	d := daemon.New(zaptest.NewLogger(t), "capture", ctx.Dir("work"), job,
		schedule.Default(), daemon.Options{Onetime: true, Nowait: true})
	defer ctx.Check(d.Close)

	require.NoError(t, d.Run(ctx))
	require.Equal(t, 1, job.runs)
}

func TestStopCommand(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	work := ctx.Dir("work")
	commands := daemon.NewCommandFile(work, "capture")
	require.NoError(t, commands.Write("stop"))

	job := &fakeJob{}
	d := daemon.New(zaptest.NewLogger(t), "capture", work, job,
		schedule.Default(), daemon.Options{Nowait: true})
	defer ctx.Check(d.Close)

	require.NoError(t, d.Run(ctx))
	require.Equal(t, 0, job.runs)

	// the command file was consumed
	_, err := os.Stat(commands.Path())
	require.True(t, os.IsNotExist(err))
}

func TestFatalError(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	job := &fakeJob{onRun: func(int) error {
		return daemon.Fatal.New("job history unreadable")
	}}
	d := daemon.New(zaptest.NewLogger(t), "capture", ctx.Dir("work"), job,
		schedule.Default(), daemon.Options{Nowait: true})
	defer ctx.Check(d.Close)

	err := d.Run(ctx)
	require.Error(t, err)
	require.True(t, daemon.Fatal.Has(err))
	require.Equal(t, 1, job.runs)
}

func TestContinuesAfterTransientError(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	job := &fakeJob{}
	d := daemon.New(zaptest.NewLogger(t), "capture", ctx.Dir("work"), job,
		&schedule.Schedule{PollFrequency: time.Millisecond}, daemon.Options{Nowait: true})
	defer ctx.Check(d.Close)

	job.onRun = func(runs int) error {
		if runs == 1 {
			return errs.New("transient")
		}
		d.Loop.Stop()
		return nil
	}

	require.NoError(t, d.Run(ctx))
	require.Equal(t, 2, job.runs)
}

func TestCommandFile(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	commands := daemon.NewCommandFile(ctx.Dir("work"), "stage")

	command, argument, err := commands.Read()
	require.NoError(t, err)
	require.Equal(t, "", command)
	require.Equal(t, "", argument)

	require.NoError(t, commands.Write("Counters reset"))
	command, argument, err = commands.Read()
	require.NoError(t, err)
	require.Equal(t, "counters", command)
	require.Equal(t, "reset", argument)

	command, _, err = commands.Read()
	require.NoError(t, err)
	require.Equal(t, "", command)
}

func TestOptionsApplyString(t *testing.T) {
	var options daemon.Options
	require.NoError(t, options.ApplyString("--onetime nowait=1 notransfer=true"))
	require.True(t, options.Onetime)
	require.True(t, options.Nowait)
	require.True(t, options.Notransfer)

	require.NoError(t, (&daemon.Options{}).ApplyString(""))
	require.Error(t, (&daemon.Options{}).ApplyString("--bogus"))
}

func TestOptionsResolve(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flagBound := daemon.Options{}
	flags.BoolVar(&flagBound.Onetime, "onetime", false, "")
	flags.BoolVar(&flagBound.Nowait, "nowait", false, "")
	flags.BoolVar(&flagBound.Notransfer, "notransfer", false, "")
	require.NoError(t, flags.Parse([]string{"--onetime=false"}))

	require.NoError(t, os.Setenv("udp_resolvetest", "notransfer=1"))
	defer func() { _ = os.Unsetenv("udp_resolvetest") }()

	// project options enable onetime and nowait, the environment adds
	// notransfer, and the explicit command line wins for onetime.
	merged, err := flagBound.Resolve(flags, "resolvetest", "--onetime --nowait")
	require.NoError(t, err)
	require.False(t, merged.Onetime)
	require.True(t, merged.Nowait)
	require.True(t, merged.Notransfer)
}
