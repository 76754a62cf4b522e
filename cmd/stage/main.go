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

	"udp.io/udp/pkg/cfgstruct"
	"udp.io/udp/pkg/daemon"
	"udp.io/udp/pkg/process"
	"udp.io/udp/pkg/project"
	"udp.io/udp/pkg/schedule"
	"udp.io/udp/pkg/warehouse"
	"udp.io/udp/stage"
	"udp.io/udp/storage"
	"udp.io/udp/storage/miniostore"
	"udp.io/udp/storage/redisq"
)

// StageFlags is the complete configuration of the stage daemon.
type StageFlags struct {
	ConfigDir string `help:"directory holding the layered project configuration" default:"$CONFDIR"`
	ListenDir string `help:"directory watched for the command file" default:"."`
	Project   string `help:"project name, selects <project>.project in the config directory" default:""`

	Onetime    bool `help:"run one iteration and exit" default:"false"`
	Nowait     bool `help:"run the first iteration immediately" default:"false"`
	Notransfer bool `help:"skip downstream notifications, local test mode" default:"false"`

	Stage stage.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "stage",
		Short: "Warehouse staging daemon",
	}
	runCmd = &cobra.Command{
		Use:   "run [project]",
		Short: "Run the stage daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}

	runCfg   StageFlags
	setupCfg struct {
		BasePath  string `default:"$CONFDIR" help:"base path for setup"`
		Overwrite bool   `default:"false" help:"whether to overwrite pre-existing configuration files"`
	}

	defaultConfDir = process.DefaultConfDir("stage")
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
		return errs.New("project name required: stage run <project>")
	}

	conf, err := project.LoadProject(runCfg.ConfigDir, runCfg.Project)
	if err != nil {
		return err
	}

	sched, err := schedule.FromSection(conf.Section(project.TypeSchedule, ""))
	if err != nil {
		return err
	}

	var projectOptions string
	if proj := conf.Section(project.TypeProject, ""); proj != nil {
		projectOptions = proj.Get("options")
	}
	options, err := daemon.Options{
		Onetime:    runCfg.Onetime,
		Nowait:     runCfg.Nowait,
		Notransfer: runCfg.Notransfer,
	}.Resolve(cmd.Flags(), "stage", projectOptions)
	if err != nil {
		return err
	}
	runCfg.Stage.Notransfer = options.Notransfer

	archiveConfig, err := miniostore.ConfigFromSection(conf.Section(project.TypeCloud, "archive"))
	if err != nil {
		return err
	}
	warehouseConfig, err := warehouse.ConfigFromSection(conf.Section(project.TypeDatabase, "stage"))
	if err != nil {
		return err
	}

	db, err := warehouse.Open(ctx, log.Named("warehouse"), warehouseConfig)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if err := db.Bootstrap(ctx); err != nil {
		return err
	}

	deps := stage.Dependencies{
		StoreName: archiveConfig.Name,
		DialArchive: func(ctx context.Context) (storage.ObjectStore, error) {
			return miniostore.Dial(archiveConfig)
		},
	}
	// the downstream notification queue is optional
	if stageCloud := conf.Section(project.TypeCloud, "stage"); stageCloud != nil {
		deps.DialQueue = func(ctx context.Context) (storage.Queue, error) {
			return redisq.FromSection(stageCloud)
		}
	}

	loader := stage.New(log.Named("stage"), runCfg.Stage, db, deps)

	worker := daemon.New(log.Named("daemon"), "stage", runCfg.ListenDir, loader, sched, options)
	defer func() { err = errs.Combine(err, worker.Close()) }()

	log.Info("stage starting", zap.String("project", runCfg.Project))
	return worker.Run(ctx)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	_, err = os.Stat(setupCfg.BasePath)
	if !setupCfg.Overwrite && err == nil {
		fmt.Println("A stage configuration already exists. Rerun with --overwrite")
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
