package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/vhd-provisioner/cmd/flags"
	"github.com/ruteri/vhd-provisioner/common"
	"github.com/ruteri/vhd-provisioner/interfaces"
	"github.com/ruteri/vhd-provisioner/launcher"
	"github.com/ruteri/vhd-provisioner/metrics"
	"github.com/urfave/cli/v2"
)

var flagConfig = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Value:   "launcher.yaml",
	Usage:   "path to the site configuration",
}

var flagMachineID = &cli.StringFlag{
	Name:  "machine-id",
	Usage: "override the machine identity reported to the admin service",
}

var flagDryRunPower = &cli.BoolFlag{
	Name:  "dry-run-power",
	Usage: "log shutdowns and reboots instead of performing them",
}

func main() {
	app := &cli.App{
		Name:    "launcher",
		Usage:   "Provision, mount and supervise the disk image payload",
		Version: common.Version,
		Flags: append([]cli.Flag{
			flagConfig,
			flagMachineID,
			flagDryRunPower,
			flags.MetricsAddrFlag,
			flags.LogServiceFlagFn("launcher"),
		}, flags.LogFlags...),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	cfg, err := launcher.LoadConfig(cCtx.String(flagConfig.Name))
	if err != nil {
		logger.Error("Invalid configuration", "err", err)
		return err
	}
	if id := cCtx.String(flagMachineID.Name); id != "" {
		cfg.MachineID = id
	}
	if cCtx.Bool(flagDryRunPower.Name) {
		cfg.DryRunPower = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := cCtx.String(flags.MetricsAddrFlag.Name); addr != "" {
		metricsSrv, err := metrics.New(addr)
		if err != nil {
			return err
		}
		go func() {
			logger.Info("Starting metrics server", "metricsAddress", addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	l, err := launcher.New(ctx, cfg, interfaces.LogSink{Log: logger.With("component", "status")}, logger)
	if err != nil {
		logger.Error("Failed to set up launcher", "err", err)
		return err
	}
	defer func() {
		if err := l.Teardown(context.Background()); err != nil {
			logger.Warn("Teardown incomplete", "err", err)
		}
	}()

	err = l.Run(ctx)
	switch {
	case errors.Is(err, launcher.ErrUpdateHandedOff):
		logger.Info("Exiting for the updater")
		return nil
	case errors.Is(err, launcher.ErrAlreadyRunning):
		logger.Warn("Launcher already running")
		return nil
	case errors.Is(err, context.Canceled):
		logger.Info("Launcher stopped")
		return nil
	}
	return err
}
