package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/aerynos/moss/internal/prune"
	"github.com/aerynos/moss/internal/systemmodel"
)

func installCommand() *cli.Command {
	return &cli.Command{
		Name:      "install",
		Aliases:   []string{"it"},
		Usage:     "Install packages",
		ArgsUsage: "<name>...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "to",
				Usage: "Ephemeral target root; state is not recorded",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return fmt.Errorf("install requires at least one package name")
			}
			cl, err := openClient(c)
			if err != nil {
				return err
			}
			defer cl.Close()

			if target := c.String("to"); target != "" {
				if err := cl.Ephemeral(target); err != nil {
					return err
				}
			}

			if _, err := cl.EnsureReposInitialized(commandContext(c)); err != nil {
				return err
			}

			state, err := cl.Install(commandContext(c), c.Args().Slice(), nil)
			if err != nil {
				return err
			}
			if state != nil {
				fmt.Println("Installed. New state:", state.ID)
			} else if !cl.IsEphemeral() {
				fmt.Println("The requested package(s) are already installed")
			}
			return nil
		},
	}
}

func removeCommand() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Aliases:   []string{"rm"},
		Usage:     "Remove packages and their reverse dependencies",
		ArgsUsage: "<name>...",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return fmt.Errorf("remove requires at least one package name")
			}
			cl, err := openClient(c)
			if err != nil {
				return err
			}
			defer cl.Close()

			state, err := cl.Remove(c.Args().Slice())
			if err != nil {
				return err
			}
			if state != nil {
				fmt.Println("Removed. New state:", state.ID)
			}
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Upgrade to the latest available packages",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "import",
				Usage: "Sync to a system-model.kdl file instead of upgrading in place",
			},
		},
		Action: func(c *cli.Context) error {
			cl, err := openClient(c)
			if err != nil {
				return err
			}
			defer cl.Close()

			if err := cl.RefreshRepositories(commandContext(c)); err != nil {
				return err
			}

			var model *systemmodel.Model
			if path := c.String("import"); path != "" {
				model, err = systemmodel.Load(path)
				if err != nil {
					return err
				}
				if model == nil {
					return fmt.Errorf("no system model at %s", path)
				}
			}

			state, err := cl.Sync(commandContext(c), model, nil)
			if err != nil {
				return err
			}
			if state != nil {
				fmt.Println("Synced. New state:", state.ID)
			} else {
				fmt.Println("Already up to date")
			}
			return nil
		},
	}
}

func stateCommand() *cli.Command {
	return &cli.Command{
		Name:  "state",
		Usage: "Inspect and switch recorded states",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List recorded states",
				Action: func(c *cli.Context) error {
					cl, err := openClient(c)
					if err != nil {
						return err
					}
					defer cl.Close()

					states, err := cl.ListStates()
					if err != nil {
						return err
					}
					active, err := cl.ActiveState()
					if err != nil {
						return err
					}
					for _, s := range states {
						marker := " "
						if active != nil && active.ID == s.ID {
							marker = "*"
						}
						fmt.Printf("%s %d  %s  %d package(s)  %s\n",
							marker, s.ID, s.Created.Format("2006-01-02 15:04:05"), len(s.Selections), s.Summary)
					}
					return nil
				},
			},
			{
				Name:      "activate",
				Usage:     "Atomically switch to an archived state",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "skip-triggers", Usage: "Skip system trigger execution"},
				},
				Action: func(c *cli.Context) error {
					id, err := strconv.ParseInt(c.Args().First(), 10, 64)
					if err != nil {
						return fmt.Errorf("state activate requires a numeric state id")
					}
					cl, err := openClient(c)
					if err != nil {
						return err
					}
					defer cl.Close()

					old, err := cl.ActivateState(id, c.Bool("skip-triggers"))
					if err != nil {
						return err
					}
					fmt.Printf("Activated state %d (archived %d)\n", id, old)
					return nil
				},
			},
		},
	}
}

func pruneCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Garbage-collect archived states and orphan assets",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "keep",
				Usage: "Number of most-recent archived states to keep",
				Value: 10,
			},
			&cli.Int64Flag{
				Name:  "remove",
				Usage: "Remove one specific state id",
			},
			&cli.BoolFlag{
				Name:  "include-newer",
				Usage: "Also keep archived states newer than the active one",
			},
			&cli.BoolFlag{
				Name:  "cache-only",
				Usage: "Only sweep orphan cache content",
			},
		},
		Action: func(c *cli.Context) error {
			cl, err := openClient(c)
			if err != nil {
				return err
			}
			defer cl.Close()

			if c.Bool("cache-only") {
				n, err := cl.PruneCache()
				if err != nil {
					return err
				}
				fmt.Printf("Removed %d orphan asset(s)\n", n)
				return nil
			}

			strategy := prune.KeepRecent(c.Int("keep"), c.Bool("include-newer"))
			if id := c.Int64("remove"); id != 0 {
				strategy = prune.RemoveState(id)
			}
			result, err := cl.PruneStates(strategy)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d state(s), %d package(s), %d asset(s)\n",
				len(result.RemovedStates), result.RemovedPackages, result.RemovedAssets)
			return nil
		},
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Check every state's assets against their recorded digests",
		Action: func(c *cli.Context) error {
			cl, err := openClient(c)
			if err != nil {
				return err
			}
			defer cl.Close()

			issues, err := cl.Verify()
			if err != nil {
				return err
			}
			if len(issues) == 0 {
				fmt.Println("All states verified")
				return nil
			}
			for _, issue := range issues {
				fmt.Fprintln(os.Stderr, issue)
			}
			return fmt.Errorf("%d verification issue(s)", len(issues))
		},
	}
}
