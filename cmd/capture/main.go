// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"udp.io/udp/capture"
	"udp.io/udp/pkg/cfgstruct"
	"udp.io/udp/pkg/daemon"
	"udp.io/udp/pkg/process"
	"udp.io/udp/pkg/project"
	"udp.io/udp/pkg/schedule"
	"udp.io/udp/pkg/source"
	"udp.io/udp/pkg/tablespec"
	"udp.io/udp/storage"
	"udp.io/udp/storage/miniostore"
	"udp.io/udp/storage/redisq"
)

// CaptureFlags is the complete configuration of the capture daemon.
type CaptureFlags struct {
	ConfigDir string `help:"directory holding the layered project configuration" default:"$CONFDIR"`
	ListenDir string `help:"directory watched for the command file" default:"."`
	Project   string `help:"project name, selects <project>.project in the config directory" default:""`

	Onetime    bool `help:"run one iteration and exit" default:"false"`
	Nowait     bool `help:"run the first iteration immediately" default:"false"`
	Notransfer bool `help:"skip object store transfers, local test mode" default:"false"`

	Capture capture.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "capture",
		Short: "Change data capture daemon",
	}
	runCmd = &cobra.Command{
		Use:   "run [project]",
		Short: "Run the capture daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}

	runCfg   CaptureFlags
	setupCfg struct {
		BasePath  string `default:"$CONFDIR" help:"base path for setup"`
		Overwrite bool   `default:"false" help:"whether to overwrite pre-existing configuration files"`
	}

	defaultConfDir = process.DefaultConfDir("capture")
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	cfgstruct.Bind(runCmd.Flags(), &runCfg, cfgstruct.ConfDir(defaultConfDir))
	cfgstruct.Bind(setupCmd.Flags(), &setupCfg, cfgstruct.ConfDir(defaultConfDir))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L()

	if len(args) > 0 {
		runCfg.Project = args[0]
	}
	if runCfg.Project == "" {
		return errs.New("project name required: capture run <project>")
	}

	conf, err := project.LoadProject(runCfg.ConfigDir, runCfg.Project)
	if err != nil {
		return err
	}
	namespace, err := conf.Namespace()
	if err != nil {
		return err
	}

	var tables []*tablespec.TableSpec
	for _, section := range conf.SectionsOf(project.TypeTable) {
		tables = append(tables, tablespec.New(section.Name, section.Keys))
	}
	if len(tables) == 0 {
		return errs.New("project %q configures no tables", runCfg.Project)
	}

	sched, err := schedule.FromSection(conf.Section(project.TypeSchedule, ""))
	if err != nil {
		return err
	}

	proj := conf.Section(project.TypeProject, "")
	options, err := daemon.Options{
		Onetime:    runCfg.Onetime,
		Nowait:     runCfg.Nowait,
		Notransfer: runCfg.Notransfer,
	}.Resolve(cmd.Flags(), "capture", proj.Get("options"))
	if err != nil {
		return err
	}
	runCfg.Capture.Notransfer = options.Notransfer
	if size := proj.GetInt("batch_size", 0); size > 0 && !cmd.Flags().Changed("capture.batch-size") {
		runCfg.Capture.BatchSize = int(size)
	}

	sourceConfig, err := source.ConfigFromSection(conf.Section(project.TypeDatabase, "source"))
	if err != nil {
		return err
	}
	cloud := conf.Section(project.TypeCloud, "capture")
	storeConfig, err := miniostore.ConfigFromSection(cloud)
	if err != nil {
		return err
	}

	engine := capture.New(log.Named("capture"), runCfg.Capture, namespace, runCfg.Project, tables,
		capture.Dependencies{
			StoreName: storeConfig.Name,
			OpenSource: func(ctx context.Context) (capture.Source, error) {
				return source.Open(ctx, log.Named("source"), sourceConfig)
			},
			DialStore: func(ctx context.Context) (storage.ObjectStore, error) {
				return miniostore.Dial(storeConfig)
			},
			DialQueue: func(ctx context.Context) (storage.Queue, error) {
				return redisq.FromSection(cloud)
			},
		})

	worker := daemon.New(log.Named("daemon"), "capture", runCfg.ListenDir, engine, sched, options)
	defer func() { err = errs.Combine(err, worker.Close()) }()

	log.Info("capture starting",
		zap.String("project", runCfg.Project),
		zap.String("namespace", namespace),
		zap.Int("tables", len(tables)))
	return worker.Run(ctx)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	_, err = os.Stat(setupCfg.BasePath)
	if !setupCfg.Overwrite && err == nil {
		fmt.Println("A capture configuration already exists. Rerun with --overwrite")
		return nil
	}

	err = os.MkdirAll(setupCfg.BasePath, 0700)
	if err != nil {
		return err
	}

	return process.SaveConfig(runCmd,
		filepath.Join(setupCfg.BasePath, "config.yaml"), nil)
}

func main() {
	runCmd.Flags().String("config",
		filepath.Join(defaultConfDir, "config.yaml"), "path to configuration")
	process.Exec(rootCmd)
}
