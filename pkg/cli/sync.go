package cli

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/m-mizutani/kbsync/pkg/usecase/reconcile"
	"github.com/m-mizutani/kbsync/pkg/utils/logging"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func syncCommand() *cli.Command {
	var (
		cfg            config
		drain          bool
		maxCycles      int64
		parallel       int64
		waitForDeletes bool
	)

	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:        "drain",
			Usage:       "Repeat cycles until the namespace reports DONE",
			Sources:     cli.EnvVars("KBSYNC_SYNC_DRAIN"),
			Destination: &drain,
		},
		&cli.IntFlag{
			Name:        "max-cycles",
			Usage:       "Maximum cycles per namespace with --drain",
			Value:       100,
			Sources:     cli.EnvVars("KBSYNC_SYNC_MAX_CYCLES"),
			Destination: &maxCycles,
		},
		&cli.IntFlag{
			Name:        "parallel",
			Usage:       "Namespaces reconciled concurrently",
			Value:       1,
			Sources:     cli.EnvVars("KBSYNC_SYNC_PARALLEL"),
			Destination: &parallel,
		},
		&cli.BoolFlag{
			Name:        "wait-for-deletes",
			Usage:       "Poll until deleted records are no longer listed",
			Sources:     cli.EnvVars("KBSYNC_SYNC_WAIT_FOR_DELETES"),
			Destination: &waitForDeletes,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, storeFlags(&cfg)...)
	flags = append(flags, embeddingFlags(&cfg)...)

	return &cli.Command{
		Name:  "sync",
		Usage: "Run reconciliation cycles and print their results as JSON",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setup(ctx)
			defer cfg.close()

			namespaces, err := cfg.loadNamespaces()
			if err != nil {
				return err
			}
			d, err := cfg.newDeps(ctx, true)
			if err != nil {
				return err
			}

			var opts []reconcile.Option
			if waitForDeletes {
				opts = append(opts, reconcile.WithWaitForDeletes(10, 2*time.Second))
			}

			var (
				mu      sync.Mutex
				results []*model.CycleResult
				failed  []string
			)

			var eg errgroup.Group
			eg.SetLimit(max(int(parallel), 1))
			for _, ns := range namespaces {
				eg.Go(func() error {
					uc, err := cfg.newUseCase(ctx, ns, d, opts...)
					if err != nil {
						mu.Lock()
						failed = append(failed, ns.Name)
						mu.Unlock()
						logging.From(ctx).Error("failed to set up namespace", "namespace", ns.Name, "error", err)
						return nil
					}

					nsResults := runCycles(ctx, uc, drain, int(maxCycles))
					mu.Lock()
					defer mu.Unlock()
					results = append(results, nsResults...)
					if last := nsResults[len(nsResults)-1]; last.Status == model.StatusFailed {
						failed = append(failed, ns.Name)
					}
					return nil
				})
			}
			_ = eg.Wait()

			if err := printJSON(c.Root().Writer, results); err != nil {
				return err
			}
			if len(failed) > 0 {
				return goerr.New("reconciliation failed", goerr.V("namespaces", failed))
			}
			return nil
		},
	}
}

// runCycles runs one cycle, or with drain, cycles until the namespace is DONE,
// fails, stops making progress or reaches maxCycles
func runCycles(ctx context.Context, uc *reconcile.UseCase, drain bool, maxCycles int) []*model.CycleResult {
	var results []*model.CycleResult
	for i := 0; i < max(maxCycles, 1); i++ {
		result, err := uc.Run(ctx)
		results = append(results, result)
		if err != nil || !drain || result.Status != model.StatusContinue {
			break
		}
		if result.Processed == 0 && result.Deleted == 0 {
			logging.From(ctx).Warn("cycle made no progress, stop draining",
				"namespace", uc.Namespace(),
				"remaining", result.Remaining)
			break
		}
	}
	return results
}
