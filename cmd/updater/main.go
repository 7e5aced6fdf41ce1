package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ruteri/vhd-provisioner/cmd/flags"
	"github.com/ruteri/vhd-provisioner/common"
	"github.com/ruteri/vhd-provisioner/updater"
	"github.com/urfave/cli/v2"
)

var flagManifest = &cli.StringFlag{
	Name:  "manifest",
	Usage: "path to the staged app-update manifest.json",
}

var flagPID = &cli.IntFlag{
	Name:  "pid",
	Usage: "wait for this process to exit before touching any file",
}

var flagInstallRoot = &cli.StringFlag{
	Name:  "install-root",
	Usage: "installation directory, defaults to the updater's own directory",
}

var flagTrustBundle = &cli.StringFlag{
	Name:  "trust-bundle",
	Value: "trust.pem",
	Usage: "PEM bundle of trusted signing keys",
}

func main() {
	app := &cli.App{
		Name:    "updater",
		Usage:   "Verify and apply a signed launcher update",
		Version: common.Version,
		Flags: append([]cli.Flag{
			flagManifest,
			flagPID,
			flagInstallRoot,
			flagTrustBundle,
			flags.LogServiceFlagFn("updater"),
		}, flags.LogFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			installRoot := cCtx.String(flagInstallRoot.Name)
			if installRoot == "" {
				exe, err := os.Executable()
				if err != nil {
					return err
				}
				installRoot = filepath.Dir(exe)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			code := updater.Run(ctx, updater.Options{
				ManifestPath: cCtx.String(flagManifest.Name),
				PID:          int32(cCtx.Int(flagPID.Name)),
				TrustBundle:  cCtx.String(flagTrustBundle.Name),
				InstallRoot:  installRoot,
				Log:          logger,
			})
			logger.Info("Updater finished", "exitCode", int(code))
			if code != updater.ExitOK {
				return cli.Exit("", int(code))
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
