package index

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/m-mizutani/kbsync/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultDeleteBatchSize = 1000
	DefaultUpsertBatchSize = 100
	DefaultConcurrency     = 4
)

// Writer applies deletes and upserts to a Backend in bounded batches
type Writer struct {
	backend         Backend
	deleteBatchSize int
	upsertBatchSize int
	concurrency     int
	limiter         *rate.Limiter
}

type WriterOption func(*Writer)

func WithDeleteBatchSize(n int) WriterOption {
	return func(x *Writer) {
		x.deleteBatchSize = n
	}
}

func WithUpsertBatchSize(n int) WriterOption {
	return func(x *Writer) {
		x.upsertBatchSize = n
	}
}

// WithConcurrency bounds the number of upsert batches in flight
func WithConcurrency(n int) WriterOption {
	return func(x *Writer) {
		x.concurrency = n
	}
}

// WithRateLimit limits backend calls per second. Zero or negative disables it.
func WithRateLimit(perSecond float64) WriterOption {
	return func(x *Writer) {
		if perSecond <= 0 {
			x.limiter = nil
			return
		}
		x.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

func NewWriter(backend Backend, opts ...WriterOption) *Writer {
	x := &Writer{
		backend:         backend,
		deleteBatchSize: DefaultDeleteBatchSize,
		upsertBatchSize: DefaultUpsertBatchSize,
		concurrency:     DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.deleteBatchSize <= 0 {
		x.deleteBatchSize = DefaultDeleteBatchSize
	}
	if x.upsertBatchSize <= 0 {
		x.upsertBatchSize = DefaultUpsertBatchSize
	}
	if x.concurrency <= 0 {
		x.concurrency = 1
	}
	return x
}

// WriteReport is the outcome of Delete or Upsert. Failed batches do not stop the others.
type WriteReport struct {
	Batches       int
	FailedBatches int
	Written       int

	// FailedItems are the items touched by a failed upsert batch
	FailedItems []model.ItemID
	// FailedKeys are the keys of failed delete batches
	FailedKeys []string
	Errors     []error
}

func (x *WriteReport) fail(err error) {
	x.FailedBatches++
	x.Errors = append(x.Errors, err)
}

func (x *Writer) wait(ctx context.Context) error {
	if x.limiter == nil {
		return nil
	}
	return x.limiter.Wait(ctx)
}

// Delete removes keys in sequential batches, in submission order
func (x *Writer) Delete(ctx context.Context, keys []model.RecordKey) *WriteReport {
	raw := make([]string, len(keys))
	for i, k := range keys {
		raw[i] = k.String()
	}
	return x.DeleteKeys(ctx, raw)
}

// DeleteKeys removes encoded keys, including keys that do not decode
func (x *Writer) DeleteKeys(ctx context.Context, keys []string) *WriteReport {
	report := &WriteReport{}
	logger := logging.From(ctx)

	for start := 0; start < len(keys); start += x.deleteBatchSize {
		end := min(start+x.deleteBatchSize, len(keys))
		batch := keys[start:end]
		report.Batches++

		err := x.wait(ctx)
		if err == nil {
			err = x.backend.Delete(ctx, batch)
		}
		if err != nil {
			wrapped := goerr.Wrap(model.ErrIndexWrite, "failed to delete batch",
				goerr.V("batch", report.Batches-1),
				goerr.V("first_key", batch[0]),
				goerr.V("size", len(batch)),
				goerr.V("cause", err.Error()))
			logger.Error("delete batch failed", "error", wrapped)
			report.fail(wrapped)
			report.FailedKeys = append(report.FailedKeys, batch...)
			continue
		}
		report.Written += len(batch)
	}

	return report
}

// Upsert writes records in batches of at most the upsert batch size. Records
// of one item share a batch unless the item alone exceeds the size. Items
// touched by a failed batch get their keys deleted again so that no partial
// chunk set stays in the index.
func (x *Writer) Upsert(ctx context.Context, records []*model.IndexRecord) *WriteReport {
	report := &WriteReport{}
	logger := logging.From(ctx)
	batches := packBatches(records, x.upsertBatchSize)
	report.Batches = len(batches)

	var mu sync.Mutex
	failed := make(map[model.ItemID]struct{})

	var eg errgroup.Group
	eg.SetLimit(x.concurrency)
	for i, batch := range batches {
		eg.Go(func() error {
			err := x.wait(ctx)
			if err == nil {
				err = x.backend.Upsert(ctx, batch)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				wrapped := goerr.Wrap(model.ErrIndexWrite, "failed to upsert batch",
					goerr.V("batch", i),
					goerr.V("first_key", batch[0].Key.String()),
					goerr.V("size", len(batch)),
					goerr.V("cause", err.Error()))
				logger.Error("upsert batch failed", "error", wrapped)
				report.fail(wrapped)
				for _, r := range batch {
					failed[r.Key.Item()] = struct{}{}
				}
				return nil
			}
			report.Written += len(batch)
			return nil
		})
	}
	_ = eg.Wait()

	if len(failed) == 0 {
		return report
	}

	var compensate []string
	for _, r := range records {
		if _, ok := failed[r.Key.Item()]; ok {
			compensate = append(compensate, r.Key.String())
		}
	}
	seen := make(map[model.ItemID]struct{}, len(failed))
	for _, r := range records {
		id := r.Key.Item()
		if _, ok := failed[id]; !ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		report.FailedItems = append(report.FailedItems, id)
	}

	for start := 0; start < len(compensate); start += x.deleteBatchSize {
		end := min(start+x.deleteBatchSize, len(compensate))
		if err := x.backend.Delete(ctx, compensate[start:end]); err != nil {
			logger.Error("compensating delete failed",
				"error", err,
				"first_key", compensate[start],
				"size", end-start)
		}
	}

	return report
}

// packBatches groups records into batches of at most size records without
// splitting an item, except items larger than size which get batches of their own.
func packBatches(records []*model.IndexRecord, size int) [][]*model.IndexRecord {
	var groups [][]*model.IndexRecord
	index := make(map[model.ItemID]int)
	for _, r := range records {
		id := r.Key.Item()
		i, ok := index[id]
		if !ok {
			i = len(groups)
			index[id] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], r)
	}

	var batches [][]*model.IndexRecord
	var cur []*model.IndexRecord
	flush := func() {
		if len(cur) > 0 {
			batches = append(batches, cur)
			cur = nil
		}
	}

	for _, g := range groups {
		if len(g) > size {
			flush()
			for start := 0; start < len(g); start += size {
				end := min(start+size, len(g))
				batches = append(batches, g[start:end])
			}
			continue
		}
		if len(cur)+len(g) > size {
			flush()
		}
		cur = append(cur, g...)
	}
	flush()

	return batches
}
