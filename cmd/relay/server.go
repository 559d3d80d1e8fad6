package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/urfave/cli/v2"

	"github.com/dcrodman/relay/internal"
	"github.com/dcrodman/relay/internal/console"
	"github.com/dcrodman/relay/internal/core"
)

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:        "server",
		Usage:       "relay server",
		Description: "Runs the relay server with an operator console on stdin.",
		Action:      runServer,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the directory containing the server config file",
				EnvVars: []string{"RELAY_CONFIG"},
				Value:   "./",
			},
		},
	}
}

func runServer(cc *cli.Context) error {
	config, err := core.LoadConfig(cc.String("config"))
	if err != nil {
		return err
	}

	// Bind the Controller to one top-level server context so that we can shut down cleanly.
	ctx, cancel := context.WithCancel(cc.Context)
	defer cancel()

	// Register a SIGTERM handler so that Ctrl-C will shut the server down gracefully.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go exitHandler(cancel, c)

	controller := &internal.Controller{Config: config}
	if err := controller.Start(ctx); err != nil {
		return err
	}
	controller.Logger.Infof("listening for connections on %s", controller.Addr())

	operator := &console.Console{
		Operator:  controller.Operator(),
		Router:    controller.Router,
		Directory: controller.Registry,
		Presence:  controller.Presence,
		Logger:    controller.Logger,
		Out:       os.Stdout,
	}
	go func() {
		err := operator.Run(ctx, os.Stdin)
		if err != nil && !errors.Is(err, console.ErrQuit) && !errors.Is(err, context.Canceled) {
			controller.Logger.Errorf("operator console exited: %v", err)
		}
		// Stdin closing on a daemonized server shouldn't take it down.
		if errors.Is(err, console.ErrQuit) {
			cancel()
		}
	}()

	controller.Wait()
	wipeSecrets()
	fmt.Println("shut down")
	return nil
}

// wipeSecrets destroys every memguard buffer and the key protecting sealed
// enclaves. Nothing can be sealed or opened afterwards, so it's only called
// once the server has stopped.
func wipeSecrets() {
	memguard.Purge()
}

func exitHandler(cancelFn func(), c chan os.Signal) {
	<-c
	fmt.Println("waiting to shut down gracefully...")
	cancelFn()

	<-c
	fmt.Println("hard exiting (killed)")
	memguard.SafeExit(1)
}
