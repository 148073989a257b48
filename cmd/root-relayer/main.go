package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli"

	"github.com/statebridge/root-relayer/flags"
	"github.com/statebridge/root-relayer/relayer"
)

var (
	GitVersion = ""
	GitCommit  = ""
	GitDate    = ""
)

func main() {
	app := cli.NewApp()
	app.Flags = flags.Flags
	app.Version = GitVersion + "-" + GitCommit + "-" + GitDate
	app.Name = "root-relayer"
	app.Usage = "Keeps an identity-commitment Merkle root synchronized between a canonical and a bridged registry"
	app.Action = Main

	if err := app.Run(os.Args); err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func Main(cliCtx *cli.Context) error {
	logLevel := log.Lvl(cliCtx.GlobalInt(flags.LogLevelFlag.Name))
	log.Root().SetHandler(log.LvlFilterHandler(logLevel, log.StreamHandler(os.Stdout, log.TerminalFormat(true))))

	cfg := relayer.NewConfig(cliCtx)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, err := relayer.NewService(ctx, cfg)
	if err != nil {
		return err
	}

	if err := service.Start(); err != nil {
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-interrupt

	log.Info("Shutting down")
	service.Stop()
	return nil
}
