package reconcile

import (
	"context"
	"log/slog"

	"github.com/m-mizutani/kbsync/pkg/chunk"
	"github.com/m-mizutani/kbsync/pkg/index"
	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/m-mizutani/kbsync/pkg/utils/logging"
)

// cycle carries the state of one run
type cycle struct {
	result *model.CycleResult
	logger *slog.Logger

	// batchErrors counts failures of the items selected for this cycle
	batchErrors int
}

func (c *cycle) enter(state model.State) {
	c.result.State = state
	c.logger.Debug("entering state", "state", state)
}

func (c *cycle) fail(err error) error {
	c.logger.Error("cycle failed", "state", c.result.State, "error", err)
	c.result.Status = model.StatusFailed
	c.result.Error = err.Error()
	c.result.Errors.Add(err)
	c.result.State = model.StateFailed
	return err
}

func (c *cycle) itemError(err error) {
	c.batchErrors++
	c.result.Errors.Add(err)
}

func (uc *UseCase) enumerate(ctx context.Context) (*model.Listing, *index.Groups, error) {
	listing, err := uc.cache.GetOrRefresh(ctx, uc.namespace, uc.source.BucketKey(), uc.freshness, uc.source.List)
	if err != nil {
		return nil, nil, err
	}

	groups, err := uc.inventory.Groups(ctx, uc.namespace)
	if err != nil {
		return nil, nil, err
	}
	return listing, groups, nil
}

// Plan enumerates the source and the index and returns the directives of the
// next cycle without mutating the index
func (uc *UseCase) Plan(ctx context.Context) (*model.Plan, []error, error) {
	listing, groups, err := uc.enumerate(ctx)
	if err != nil {
		return nil, nil, err
	}
	plan, errs := uc.planner.Plan(ctx, uc.namespace, listing, groups)
	return plan, errs, nil
}

// Run executes one cycle. The returned error is the cycle-fatal error, if
// any; isolated item failures are only reported in the result.
func (uc *UseCase) Run(ctx context.Context) (*model.CycleResult, error) {
	startedAt := uc.now()
	result := &model.CycleResult{
		RunID:     model.NewRunID(),
		Namespace: uc.namespace,
		State:     model.StateIdle,
		StartedAt: startedAt,
	}
	logger := logging.From(ctx).With("run_id", result.RunID, "namespace", uc.namespace)
	ctx = logging.With(ctx, logger)
	c := &cycle{result: result, logger: logger}

	defer func() {
		result.Duration = uc.now().Sub(startedAt).String()
	}()

	// ENUMERATING
	c.enter(model.StateEnumerating)
	listing, groups, err := uc.enumerate(ctx)
	if err != nil {
		return result, c.fail(err)
	}
	result.SourceItems = len(listing.Items)
	result.Unsupported = len(listing.Unsupported)
	result.Invalid = len(listing.Invalid)
	result.IndexedItems = len(groups.Items)
	if len(listing.Invalid) > 0 {
		logger.Warn("invalid source items", "count", len(listing.Invalid), "items", listing.Invalid)
	}

	// PLANNING
	c.enter(model.StatePlanning)
	plan, errs := uc.planner.Plan(ctx, uc.namespace, listing, groups)
	for _, e := range errs {
		result.Errors.Add(e)
	}
	result.PlannedDeletes = len(plan.Deletes)
	result.PlannedInserts = len(plan.Inserts)
	result.Upserts = len(plan.Replaced)
	result.Excluded = len(plan.Excluded)

	batch := plan.Inserts
	if len(batch) > uc.batchSize {
		batch = batch[:uc.batchSize]
	}
	result.Remaining = len(plan.Inserts) - len(batch)

	// DELETING
	c.enter(model.StateDeleting)
	batch = uc.applyDeletes(ctx, c, plan, batch)

	// EMBEDDING
	c.enter(model.StateEmbedding)
	var docs []*chunk.Document
	if len(batch) > 0 {
		processed, itemErrs := uc.pipeline.Process(ctx, batch)
		for _, e := range itemErrs {
			logger.Warn("item failed", "uri", e.URI, "error", e.Err)
			c.itemError(e)
		}
		docs = processed
	}

	// UPSERTING
	c.enter(model.StateUpserting)
	indexedAt := uc.now()
	var records []*model.IndexRecord
	for _, doc := range docs {
		records = append(records, doc.Records(uc.namespace, indexedAt)...)
	}
	if len(records) > 0 {
		report := uc.writer.Upsert(ctx, records)
		for _, e := range report.Errors {
			c.itemError(e)
		}
		result.ChunksWritten = report.Written
		result.Processed = len(docs) - len(report.FailedItems)
	}

	result.State = model.StateDone
	if result.Remaining == 0 && c.batchErrors == 0 {
		result.Status = model.StatusDone
	} else {
		result.Status = model.StatusContinue
	}

	logger.Info("cycle completed",
		"status", result.Status,
		"deleted", result.Deleted,
		"processed", result.Processed,
		"chunks", result.ChunksWritten,
		"remaining", result.Remaining,
		"errors", result.Errors.Total())

	return result, nil
}

// applyDeletes removes orphans and the stale chunks of changed items in the
// batch. Items whose stale chunks could not be removed are dropped from the
// batch and left for a later cycle.
func (uc *UseCase) applyDeletes(ctx context.Context, c *cycle, plan *model.Plan, batch []*model.SourceItem) []*model.SourceItem {
	deletes := plan.OrphanDeletes()
	for _, item := range batch {
		deletes = append(deletes, plan.Replaced[item.ItemID()]...)
	}
	if len(deletes) == 0 {
		return batch
	}

	report := uc.writer.Delete(ctx, deletes)
	c.result.Deleted = report.Written
	for _, e := range report.Errors {
		c.itemError(e)
	}

	failed := make(map[model.ItemID]struct{})
	for _, raw := range report.FailedKeys {
		if key, err := model.DecodeRecordKey(raw); err == nil {
			failed[key.Item()] = struct{}{}
		}
	}

	kept := batch[:0:0]
	for _, item := range batch {
		if _, ok := failed[item.ItemID()]; ok && plan.IsUpsert(item.ItemID()) {
			c.logger.Warn("skipping item with undeleted chunks", "uri", item.URI)
			continue
		}
		kept = append(kept, item)
	}

	if uc.waitForDeletes {
		c.result.PendingDeletions = uc.waitDeleted(ctx, deletes)
	}
	return kept
}

// waitDeleted polls the deleted keys and returns the number still stored
func (uc *UseCase) waitDeleted(ctx context.Context, deletes []model.RecordKey) int {
	keys := make([]string, len(deletes))
	for i, key := range deletes {
		keys[i] = key.String()
	}

	remaining, err := uc.inventory.WaitForKeysDeleted(ctx, keys, uc.waitAttempts, uc.waitInterval)
	if err != nil {
		logging.From(ctx).Warn("failed to confirm deletion", "error", err)
	}
	if remaining > 0 {
		logging.From(ctx).Warn("deletions not yet visible", "remaining", remaining)
	}
	return remaining
}

// Truncate deletes every record of the namespace
func (uc *UseCase) Truncate(ctx context.Context) (*model.TruncateResult, error) {
	result := &model.TruncateResult{
		RunID:     model.NewRunID(),
		Namespace: uc.namespace,
	}
	logger := logging.From(ctx).With("run_id", result.RunID, "namespace", uc.namespace)
	ctx = logging.With(ctx, logger)

	prefix := model.NamespacePrefix(uc.namespace)
	keys, err := uc.inventory.ListIDsWithPrefix(ctx, prefix)
	if err != nil {
		result.Errors.Add(err)
		return result, err
	}
	result.Listed = len(keys)

	report := uc.writer.DeleteKeys(ctx, keys)
	result.Deleted = report.Written
	for _, e := range report.Errors {
		result.Errors.Add(e)
	}

	remaining, err := uc.inventory.WaitForDeletion(ctx, prefix, uc.waitAttempts, uc.waitInterval)
	if err != nil {
		result.Errors.Add(err)
	}
	result.Remaining = remaining

	logger.Info("namespace truncated",
		"listed", result.Listed,
		"deleted", result.Deleted,
		"remaining", result.Remaining)
	return result, nil
}
