package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/kbsync/pkg/index"
	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/urfave/cli/v3"
)

func keysCommand() *cli.Command {
	var (
		cfg    config
		itemID string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "id",
			Usage:       "Only keys of this source item ID",
			Sources:     cli.EnvVars("KBSYNC_KEYS_ID"),
			Destination: &itemID,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, storeFlags(&cfg)...)

	return &cli.Command{
		Name:  "keys",
		Usage: "List index record keys of namespaces",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setup(ctx)
			defer cfg.close()

			namespaces, err := cfg.loadNamespaces()
			if err != nil {
				return err
			}
			backend, err := cfg.newIndex(ctx)
			if err != nil {
				return err
			}
			inventory := index.NewInventory(backend)

			for _, ns := range namespaces {
				prefix := model.NamespacePrefix(ns.Name)
				if itemID != "" {
					prefix = model.GroupPrefix(ns.Name, model.ItemID{SourceID: itemID})
				}
				keys, err := inventory.ListIDsWithPrefix(ctx, prefix)
				if err != nil {
					return err
				}
				for _, key := range keys {
					fmt.Fprintf(c.Root().Writer, "%s\n", key)
				}
			}
			return nil
		},
	}
}
