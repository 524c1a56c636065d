package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/aerynos/moss/internal/client"
	"github.com/aerynos/moss/internal/installation"
	"github.com/aerynos/moss/internal/tracelog"
	"github.com/aerynos/moss/internal/trigger"
	"github.com/aerynos/moss/internal/version"
)

func main() {
	// A sandboxed trigger handler re-execs this binary to finish its
	// namespace setup; that child never reaches the CLI.
	trigger.ExecSandboxChild()

	app := &cli.App{
		Name:                   "moss",
		Usage:                  "Stateful, content-addressed package management",
		Version:                version.Version,
		UseShortOptionHandling: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "directory",
				Aliases: []string{"D"},
				Usage:   "Installation root",
				Value:   "/",
			},
			&cli.BoolFlag{
				Name:  "trace",
				Usage: "Write trace diagnostics to a log file",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("trace") {
				path, err := tracelog.InitLogFile()
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr, "Trace log:", path)
			}
			return nil
		},
		Commands: []*cli.Command{
			installCommand(),
			removeCommand(),
			syncCommand(),
			stateCommand(),
			pruneCommand(),
			inspectCommand(),
			indexCommand(),
			repoCommand(),
			verifyCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// openClient builds a stateful client for the root selected by -D.
func openClient(c *cli.Context) (*client.Client, error) {
	root := c.String("directory")
	inst, err := installation.Open(root)
	if err != nil {
		return nil, err
	}
	return client.New("moss", inst, client.Options{})
}

func commandContext(c *cli.Context) context.Context {
	if c.Context != nil {
		return c.Context
	}
	return context.Background()
}
