package cli

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/urfave/cli/v3"
)

func truncateCommand() *cli.Command {
	var (
		cfg config
		yes bool
	)

	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:        "yes",
			Aliases:     []string{"y"},
			Usage:       "Confirm deletion of every record of the namespaces",
			Destination: &yes,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, storeFlags(&cfg)...)

	return &cli.Command{
		Name:  "truncate",
		Usage: "Delete every index record of the given namespaces",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if len(cfg.namespaces) == 0 {
				return goerr.New("--namespace is required")
			}
			if !yes {
				return goerr.New("truncate requires --yes")
			}

			ctx = cfg.setup(ctx)
			defer cfg.close()

			namespaces, err := cfg.loadNamespaces()
			if err != nil {
				return err
			}
			d, err := cfg.newDeps(ctx, false)
			if err != nil {
				return err
			}

			results := make([]*model.TruncateResult, 0, len(namespaces))
			for _, ns := range namespaces {
				uc, err := cfg.newUseCase(ctx, ns, d)
				if err != nil {
					return err
				}
				result, err := uc.Truncate(ctx)
				if err != nil {
					return err
				}
				results = append(results, result)
			}

			return printJSON(c.Root().Writer, results)
		},
	}
}
