package cli

import (
	"context"

	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/urfave/cli/v3"
)

// planOutput is the dry-run report of one namespace
type planOutput struct {
	Namespace string   `json:"namespace"`
	Deletes   []string `json:"deletes"`
	Inserts   []string `json:"inserts"`
	Upserts   []string `json:"upserts"`
	Excluded  []string `json:"excluded,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

func newPlanOutput(plan *model.Plan, errs []error) *planOutput {
	out := &planOutput{
		Namespace: plan.Namespace,
		Deletes:   make([]string, 0, len(plan.Deletes)),
		Inserts:   make([]string, 0, len(plan.Inserts)),
		Upserts:   []string{},
	}
	for _, key := range plan.Deletes {
		out.Deletes = append(out.Deletes, key.String())
	}
	for _, item := range plan.Inserts {
		id := item.ItemID()
		out.Inserts = append(out.Inserts, id.String())
		if plan.IsUpsert(id) {
			out.Upserts = append(out.Upserts, id.String())
		}
	}
	for _, id := range plan.Excluded {
		out.Excluded = append(out.Excluded, id.String())
	}
	for _, err := range errs {
		out.Errors = append(out.Errors, err.Error())
	}
	return out
}

func planCommand() *cli.Command {
	var cfg config

	flags := globalFlags(&cfg)
	flags = append(flags, storeFlags(&cfg)...)

	return &cli.Command{
		Name:  "plan",
		Usage: "Show the directives of the next cycle without changing the index",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
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

			outputs := make([]*planOutput, 0, len(namespaces))
			for _, ns := range namespaces {
				uc, err := cfg.newUseCase(ctx, ns, d)
				if err != nil {
					return err
				}
				plan, errs, err := uc.Plan(ctx)
				if err != nil {
					return err
				}
				outputs = append(outputs, newPlanOutput(plan, errs))
			}

			return printJSON(c.Root().Writer, outputs)
		},
	}
}
