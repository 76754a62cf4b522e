// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package daemon drives a pipeline component: it owns the polling loop,
// evaluates the schedule, and services the file-based command channel.
package daemon

import (
	"context"
	"sort"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"udp.io/udp/internal/sync2"
	"udp.io/udp/pkg/schedule"
)

var (
	// Error is the error class for this package.
	Error = errs.Class("daemon error")

	// Fatal marks job errors that must terminate the daemon instead of
	// being retried on the next poll.
	Fatal = errs.Class("fatal error")

	mon = monkit.Package()
)

// Job is one unit of daemon work, executed whenever the schedule fires.
type Job interface {
	RunOnce(ctx context.Context) error
}

// Restarter is implemented by jobs that hold state worth tearing down on a
// restart command.
type Restarter interface {
	Restart()
}

// Daemon runs a job on a schedule until stopped.
type Daemon struct {
	log      *zap.Logger
	name     string
	job      Job
	schedule *schedule.Schedule
	options  Options
	commands *CommandFile

	Loop sync2.Cycle

	started  time.Time
	lastRun  time.Time
	ran      bool
	counters map[string]int64
}

// New creates a daemon around the given job. The command file is read from
// workDir as <name>.listen.
func New(log *zap.Logger, name, workDir string, job Job, sched *schedule.Schedule, options Options) *Daemon {
	daemon := &Daemon{
		log:      log,
		name:     name,
		job:      job,
		schedule: sched,
		options:  options,
		commands: NewCommandFile(workDir, name),
		counters: map[string]int64{},
	}
	daemon.Loop.SetInterval(sched.PollFrequency)
	return daemon
}

// Run executes the polling loop until a stop command, a context cancel, or
// a fatal job error.
func (daemon *Daemon) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	daemon.started = time.Now()
	daemon.lastRun = daemon.started
	daemon.log.Info("daemon started",
		zap.String("name", daemon.name),
		zap.Duration("poll", daemon.schedule.PollFrequency),
		zap.Bool("onetime", daemon.options.Onetime),
		zap.Bool("nowait", daemon.options.Nowait),
		zap.Bool("notransfer", daemon.options.Notransfer))

	return daemon.Loop.Run(ctx, daemon.tick)
}

// Close releases loop resources.
func (daemon *Daemon) Close() error {
	daemon.Loop.Close()
	return nil
}

// Counter increments a named counter and returns the new value.
func (daemon *Daemon) Counter(name string) int64 {
	daemon.counters[name]++
	return daemon.counters[name]
}

func (daemon *Daemon) tick(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if stop := daemon.handleCommands(ctx); stop {
		return nil
	}

	now := time.Now()
	due := daemon.schedule.Due(now, daemon.lastRun)
	if daemon.options.Nowait && !daemon.ran {
		due = true
	}
	if !due {
		return nil
	}

	daemon.ran = true
	daemon.lastRun = now
	daemon.Counter("runs")

	if err := daemon.job.RunOnce(ctx); err != nil {
		if Fatal.Has(err) {
			return err
		}
		daemon.Counter("errors")
		daemon.log.Error("run failed", zap.Error(err))
	}

	if daemon.options.Onetime {
		daemon.log.Info("onetime run complete")
		daemon.Loop.Stop()
	}
	return nil
}

// handleCommands services the command file, returning true when the loop
// should wind down.
func (daemon *Daemon) handleCommands(ctx context.Context) (stop bool) {
	command, argument, err := daemon.commands.Read()
	if err != nil {
		daemon.log.Warn("unable to read command file", zap.Error(err))
		return false
	}

	switch command {
	case "":
		return false
	case CmdStop:
		daemon.log.Info("stop requested")
		daemon.Loop.Stop()
		return true
	case CmdRestart:
		daemon.log.Info("restart requested")
		if restarter, ok := daemon.job.(Restarter); ok {
			restarter.Restart()
		}
		daemon.ran = false
		daemon.lastRun = time.Now()
	case CmdCancel:
		// commands are read between jobs, nothing is in flight
		daemon.log.Info("cancel requested, no job in progress")
	case CmdPause:
		return daemon.pause(ctx)
	case CmdContinue:
		daemon.log.Info("continue requested, not paused")
	case CmdUptime:
		daemon.log.Info("uptime", zap.Duration("uptime", time.Since(daemon.started)))
	case CmdCounters:
		if argument == "reset" {
			daemon.counters = map[string]int64{}
			daemon.log.Info("counters reset")
			break
		}
		daemon.logCounters()
	case CmdHelp:
		daemon.log.Info("commands: stop restart cancel pause continue uptime counters help")
	default:
		daemon.log.Warn("unknown command", zap.String("command", command))
	}
	return false
}

// pause blocks the loop until continue, stop, restart, or cancellation.
func (daemon *Daemon) pause(ctx context.Context) (stop bool) {
	daemon.log.Info("paused")
	for {
		if !sync2.Sleep(ctx, 500*time.Millisecond) {
			return true
		}
		command, _, err := daemon.commands.Read()
		if err != nil {
			daemon.log.Warn("unable to read command file", zap.Error(err))
			continue
		}
		switch command {
		case CmdContinue:
			daemon.log.Info("continuing")
			return false
		case CmdStop:
			daemon.log.Info("stop requested")
			daemon.Loop.Stop()
			return true
		case CmdRestart:
			daemon.log.Info("restart requested")
			if restarter, ok := daemon.job.(Restarter); ok {
				restarter.Restart()
			}
			return false
		case CmdUptime:
			daemon.log.Info("uptime", zap.Duration("uptime", time.Since(daemon.started)))
		case CmdCounters:
			daemon.logCounters()
		}
	}
}

func (daemon *Daemon) logCounters() {
	names := make([]string, 0, len(daemon.counters))
	for name := range daemon.counters {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]zap.Field, 0, len(names))
	for _, name := range names {
		fields = append(fields, zap.Int64(name, daemon.counters[name]))
	}
	daemon.log.Info("counters", fields...)
}
