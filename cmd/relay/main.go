// The relay command runs the encrypted text relay server along with an
// operator console attached to stdin.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := app().Run(os.Args); err != nil {
		fmt.Printf("relay error: %v\n", err)
		os.Exit(1)
	}
}

func app() *cli.App {
	app := cli.NewApp()
	app.Name = "relay"
	app.Usage = "encrypted multi-client text relay"
	app.Commands = []*cli.Command{
		serverCommand(),
	}
	app.DefaultCommand = "server"

	return app
}
