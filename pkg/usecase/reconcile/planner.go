package reconcile

import (
	"context"
	"sort"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/index"
	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/m-mizutani/kbsync/pkg/utils/logging"
)

// DefaultFetchBatchSize bounds the representative records fetched per call
const DefaultFetchBatchSize = 100

// Planner computes the directives that bring the index in line with a listing
type Planner struct {
	backend        index.Backend
	fetchBatchSize int
}

type PlannerOption func(*Planner)

func WithFetchBatchSize(n int) PlannerOption {
	return func(x *Planner) {
		if n > 0 {
			x.fetchBatchSize = n
		}
	}
}

func NewPlanner(backend index.Backend, opts ...PlannerOption) *Planner {
	x := &Planner{
		backend:        backend,
		fetchBatchSize: DefaultFetchBatchSize,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

func sortedIDs(groups map[model.ItemID][]model.RecordKey) []model.ItemID {
	ids := make([]model.ItemID, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// Plan compares the listing with the indexed groups of ns. Items whose stored
// provenance cannot be read are excluded from the plan and returned as
// model.ErrMetadataFetch errors.
func (x *Planner) Plan(ctx context.Context, ns string, listing *model.Listing, groups *index.Groups) (*model.Plan, []error) {
	plan := model.NewPlan(ns)

	inSource := make(map[model.ItemID]*model.SourceItem, len(listing.Items))
	for _, item := range listing.Items {
		inSource[item.ItemID()] = item
	}

	var common []*model.SourceItem
	for _, id := range sortedIDs(groups.Items) {
		item, ok := inSource[id]
		if !ok {
			plan.Deletes = append(plan.Deletes, groups.Items[id]...)
			continue
		}
		common = append(common, item)
	}

	for _, item := range listing.Items {
		if _, ok := groups.Items[item.ItemID()]; !ok {
			plan.Inserts = append(plan.Inserts, item)
		}
	}

	var errs []error
	for start := 0; start < len(common); start += x.fetchBatchSize {
		end := min(start+x.fetchBatchSize, len(common))
		errs = append(errs, x.compare(ctx, plan, common[start:end], groups)...)
	}

	sort.Slice(plan.Inserts, func(i, j int) bool {
		return plan.Inserts[i].ItemID().Less(plan.Inserts[j].ItemID())
	})

	logging.From(ctx).Debug("plan computed",
		"namespace", ns,
		"deletes", len(plan.Deletes),
		"inserts", len(plan.Inserts),
		"upserts", len(plan.Replaced),
		"excluded", len(plan.Excluded))

	return plan, errs
}

// contiguous reports whether the sorted keys hold exactly chunks 0..n-1
func contiguous(keys []model.RecordKey) bool {
	for i, key := range keys {
		if key.Chunk != i {
			return false
		}
	}
	return true
}

// compare fetches the lowest chunk of every item in the batch and marks items
// modified after their indexed provenance as upserts. Items with an
// incomplete chunk set are upserts regardless of provenance.
func (x *Planner) compare(ctx context.Context, plan *model.Plan, batch []*model.SourceItem, groups *index.Groups) []error {
	complete := batch[:0:0]
	for _, item := range batch {
		if !contiguous(groups.Items[item.ItemID()]) {
			logging.From(ctx).Warn("incomplete chunk set in index", "uri", item.URI, "chunks", len(groups.Items[item.ItemID()]))
			replace(plan, item, groups)
			continue
		}
		complete = append(complete, item)
	}
	batch = complete
	if len(batch) == 0 {
		return nil
	}

	keys := make([]string, len(batch))
	for i, item := range batch {
		keys[i] = groups.Items[item.ItemID()][0].String()
	}

	records, err := x.backend.Fetch(ctx, keys)
	if err != nil {
		errs := make([]error, 0, len(batch))
		for _, item := range batch {
			errs = append(errs, x.exclude(ctx, plan, item, goerr.Wrap(model.ErrMetadataFetch, "failed to fetch representative record",
				goerr.V("namespace", plan.Namespace),
				goerr.V("id", item.ItemID().String()),
				goerr.V("cause", err.Error()))))
		}
		return errs
	}

	var errs []error
	for i, item := range batch {
		rec, ok := records[keys[i]]
		if !ok || rec == nil {
			errs = append(errs, x.exclude(ctx, plan, item, goerr.Wrap(model.ErrMetadataFetch, "representative record not found",
				goerr.V("namespace", plan.Namespace),
				goerr.V("key", keys[i]))))
			continue
		}

		if !item.LastModified.After(rec.Metadata.SourceModified) {
			continue
		}
		replace(plan, item, groups)
	}
	return errs
}

// replace schedules the indexed chunks of item for deletion and item for reindexing
func replace(plan *model.Plan, item *model.SourceItem, groups *index.Groups) {
	id := item.ItemID()
	existing := groups.Items[id]
	plan.Deletes = append(plan.Deletes, existing...)
	plan.Replaced[id] = existing
	plan.Inserts = append(plan.Inserts, item)
}

func (x *Planner) exclude(ctx context.Context, plan *model.Plan, item *model.SourceItem, err error) error {
	logging.From(ctx).Warn("item excluded from cycle", "uri", item.URI, "error", err)
	plan.Excluded = append(plan.Excluded, item.ItemID())
	return err
}
