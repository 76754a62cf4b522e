// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/spacemonkeygo/monkit.v2"
)

var (
	mon = monkit.Package()

	contextMtx sync.Mutex
	contexts   = map[*cobra.Command]context.Context{}
)

// Exec runs a Cobra command and wires up process-wide concerns before the
// command body executes: the config file and environment into the flags,
// the zap logger, monkit registries, and the debug endpoint.
func Exec(cmd *cobra.Command) {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	cleanup(cmd)
	err := cmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// Ctx returns the appropriate context.Context for commands run through Exec.
// The context is canceled on SIGINT/SIGTERM.
func Ctx(cmd *cobra.Command) context.Context {
	contextMtx.Lock()
	defer contextMtx.Unlock()

	ctx := contexts[cmd]
	if ctx == nil {
		ctx = context.Background()
		contexts[cmd] = ctx
	}
	return ctx
}

// Viper creates a viper instance populated from the command flags, the UDP_*
// environment, and the config file referenced by the command's "config" flag.
func Viper(cmd *cobra.Command) (*viper.Viper, error) {
	vip := viper.New()
	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return nil, Error.Wrap(err)
	}
	vip.SetEnvPrefix("udp")
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()

	cfgFlag := cmd.Flags().Lookup("config")
	if cfgFlag != nil && cfgFlag.Value.String() != "" {
		path := os.ExpandEnv(cfgFlag.Value.String())
		if cfgFlag.Changed || fileExists(path) {
			vip.SetConfigFile(path)
			if err := vip.ReadInConfig(); err != nil {
				return nil, Error.Wrap(err)
			}
		}
	}
	return vip, nil
}

func cleanup(cmd *cobra.Command) {
	for _, ccmd := range cmd.Commands() {
		cleanup(ccmd)
	}
	if cmd.Run != nil {
		panic("use cobra's RunE instead of Run")
	}
	internalRun := cmd.RunE
	if internalRun == nil {
		return
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) (err error) {
		ctx := context.Background()
		defer mon.TaskNamed("root")(&ctx)(&err)

		vip, err := Viper(cmd)
		if err != nil {
			return err
		}

		// flag values are overridden by the config file and environment
		// unless they were explicitly set on the command line
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if f.Changed || !vip.IsSet(f.Name) {
				return
			}
			if err := f.Value.Set(fmt.Sprintf("%v", vip.Get(f.Name))); err != nil {
				panic(fmt.Sprintf("invalid config value for %s: %v", f.Name, err))
			}
		})

		logger, err := NewLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		defer zap.ReplaceGlobals(logger)()
		defer zap.RedirectStdLog(logger)()

		initMetrics(monkit.Default)
		if err := initDebug(logger, monkit.Default); err != nil {
			logger.Error("failed to start debug endpoints", zap.Error(err))
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-c
			logger.Info("got a signal from the os", zap.String("signal", sig.String()))
			cancel()
		}()

		contextMtx.Lock()
		contexts[cmd] = ctx
		contextMtx.Unlock()
		defer func() {
			contextMtx.Lock()
			delete(contexts, cmd)
			contextMtx.Unlock()
		}()

		err = internalRun(cmd, args)
		if err != nil {
			logger.Error("unrecoverable error", zap.Error(err))
			_ = logger.Sync()
			os.Exit(1)
		}
		return nil
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
