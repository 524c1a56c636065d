package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/aerynos/moss/internal/digest"
	"github.com/aerynos/moss/internal/metamodel"
	"github.com/aerynos/moss/internal/stone"
	"github.com/aerynos/moss/internal/systemmodel"
)

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect a stone file and check its integrity",
		ArgsUsage: "<file.stone>...",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return fmt.Errorf("inspect requires at least one stone file")
			}
			for _, path := range c.Args().Slice() {
				if err := inspectStone(path); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func inspectStone(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	kinds, err := stone.IntegrityCheck(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	fmt.Printf("%s: ok [%s]\n", path, strings.Join(names, ", "))

	// Second pass for metadata display; integrity ran on a streaming
	// reader and consumed it.
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	container, err := stone.Decode(f)
	if err != nil {
		return err
	}
	if meta, ok := container.Meta(); ok {
		fmt.Printf("  %s %s-%d-%d (%s)\n", meta.Name, meta.VersionIdent, meta.SourceRelease, meta.BuildRelease, meta.Architecture)
		if meta.Summary != "" {
			fmt.Printf("  %s\n", meta.Summary)
		}
	}
	if layouts, ok := container.Layouts(); ok {
		fmt.Printf("  %d layout record(s)\n", len(layouts))
	}
	return nil
}

func indexCommand() *cli.Command {
	return &cli.Command{
		Name:      "index",
		Usage:     "Emit a repository index stone for a directory of stones",
		ArgsUsage: "<directory>",
		Action: func(c *cli.Context) error {
			dir := c.Args().First()
			if dir == "" {
				return fmt.Errorf("index requires a directory")
			}
			return writeIndex(dir)
		},
	}
}

// writeIndex scans dir for *.stone files and writes dir/stone.index with
// each package's Meta payload, including relative URI, hash, and size.
func writeIndex(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var metas []metamodel.Meta
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".stone") || name == "stone.index" {
			continue
		}
		meta, err := indexEntry(dir, name)
		if err != nil {
			return err
		}
		metas = append(metas, meta)
	}

	out, err := os.Create(filepath.Join(dir, "stone.index"))
	if err != nil {
		return err
	}
	defer out.Close()

	if err := stone.WriteIndexStone(out, metas); err != nil {
		return err
	}
	fmt.Printf("Indexed %d package(s) into %s\n", len(metas), filepath.Join(dir, "stone.index"))
	return nil
}

func indexEntry(dir, name string) (metamodel.Meta, error) {
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if err != nil {
		return metamodel.Meta{}, err
	}
	defer f.Close()

	container, err := stone.Decode(f)
	if err != nil {
		return metamodel.Meta{}, fmt.Errorf("%s: %w", path, err)
	}
	meta, ok := container.Meta()
	if !ok {
		return metamodel.Meta{}, fmt.Errorf("%s: no metadata payload", path)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return metamodel.Meta{}, err
	}
	meta.URI = name
	meta.Hash = digest.Sum(raw).String()
	meta.DownloadSize = uint64(len(raw))
	return meta, nil
}

func repoCommand() *cli.Command {
	return &cli.Command{
		Name:  "repo",
		Usage: "Manage configured repositories",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List configured repositories",
				Action: func(c *cli.Context) error {
					cl, err := openClient(c)
					if err != nil {
						return err
					}
					defer cl.Close()

					for _, repo := range cl.Repositories().Active() {
						fmt.Printf("%s  priority %d  %s\n", repo.ID, repo.Priority, repo.URI)
					}
					return nil
				},
			},
			{
				Name:      "refresh",
				Usage:     "Refresh repository indexes",
				ArgsUsage: "[id]",
				Action: func(c *cli.Context) error {
					cl, err := openClient(c)
					if err != nil {
						return err
					}
					defer cl.Close()

					return cl.RefreshRepositories(commandContext(c))
				},
			},
			{
				Name:      "add",
				Usage:     "Add a repository",
				ArgsUsage: "<id> <uri>",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "priority", Value: 0},
					&cli.StringFlag{Name: "description"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return fmt.Errorf("repo add requires an id and a uri")
					}
					cl, err := openClient(c)
					if err != nil {
						return err
					}
					defer cl.Close()

					return cl.Repositories().Add(systemmodel.Repository{
						ID:          c.Args().Get(0),
						URI:         c.Args().Get(1),
						Priority:    c.Int64("priority"),
						Description: c.String("description"),
						Enabled:     true,
					})
				},
			},
		},
	}
}
