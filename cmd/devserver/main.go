package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/vhd-provisioner/cmd/flags"
	"github.com/ruteri/vhd-provisioner/common"
	"github.com/ruteri/vhd-provisioner/httpserver"
	"github.com/urfave/cli/v2"
)

var flagListenAddr = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var flagAdminToken = &cli.StringFlag{
	Name:    "admin-token",
	EnvVars: []string{"DEVSERVER_ADMIN_TOKEN"},
	Usage:   "token required on admin routes, open when empty",
}

var flagAutoApprove = &cli.BoolFlag{
	Name:  "auto-approve",
	Usage: "approve machine keys as they are registered",
}

func main() {
	app := &cli.App{
		Name:    "devserver",
		Usage:   "Serve an in-memory admin service for local provisioning tests",
		Version: common.Version,
		Flags: append(append([]cli.Flag{
			flagListenAddr,
			flagAdminToken,
			flagAutoApprove,
			flags.LogServiceFlagFn("devserver"),
		}, flags.LogFlags...), flags.ServerFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flagListenAddr.Name))

			store := httpserver.NewMachineStore(cCtx.Bool(flagAutoApprove.Name))
			handler := httpserver.NewHandler(store, cCtx.String(flagAdminToken.Name), logger)

			srv, err := httpserver.New(cfg, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			srv.RunInBackground()
			<-exit

			srv.Shutdown()
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
