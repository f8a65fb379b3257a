package index_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/kbsync/pkg/index"
	"github.com/m-mizutani/kbsync/pkg/model"
)

// recordingBackend records every call and fails upserts containing a poisoned source ID
type recordingBackend struct {
	*index.Memory

	mu      sync.Mutex
	deletes [][]string
	upserts [][]string
	poison  string

	failDelete string
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{Memory: index.NewMemory()}
}

func (x *recordingBackend) Upsert(ctx context.Context, records []*model.IndexRecord) error {
	keys := make([]string, len(records))
	for i, r := range records {
		keys[i] = r.Key.String()
	}
	x.mu.Lock()
	x.upserts = append(x.upserts, keys)
	x.mu.Unlock()

	for _, r := range records {
		if x.poison != "" && r.Key.SourceID == x.poison {
			return errors.New("quota exceeded")
		}
	}
	return x.Memory.Upsert(ctx, records)
}

func (x *recordingBackend) Delete(ctx context.Context, keys []string) error {
	x.mu.Lock()
	x.deletes = append(x.deletes, append([]string{}, keys...))
	x.mu.Unlock()
	for _, k := range keys {
		if x.failDelete != "" && strings.Contains(k, x.failDelete) {
			return errors.New("unavailable")
		}
	}
	return x.Memory.Delete(ctx, keys)
}

func itemRecords(ns, id string, n int) []*model.IndexRecord {
	records := make([]*model.IndexRecord, n)
	for i := range records {
		records[i] = newRecord(ns, id, "", i, time.Unix(1700000000, 0))
	}
	return records
}

func TestWriterDeleteBatches(t *testing.T) {
	backend := newRecordingBackend()
	w := index.NewWriter(backend, index.WithDeleteBatchSize(1000))

	keys := make([]model.RecordKey, 2500)
	for i := range keys {
		keys[i] = model.RecordKey{Namespace: "ns", SourceID: fmt.Sprintf("doc%04d", i)}
	}

	report := w.Delete(context.Background(), keys)
	gt.Equal(t, report.Batches, 3)
	gt.Equal(t, report.Written, 2500)
	gt.Equal(t, report.FailedBatches, 0)

	gt.A(t, backend.deletes).Length(3)
	gt.A(t, backend.deletes[0]).Length(1000)
	gt.A(t, backend.deletes[1]).Length(1000)
	gt.A(t, backend.deletes[2]).Length(500)
	gt.Equal(t, backend.deletes[0][0], "ns##doc0000##0")
	gt.Equal(t, backend.deletes[2][0], "ns##doc2000##0")
}

func TestWriterUpsertDoesNotSplitItems(t *testing.T) {
	backend := newRecordingBackend()
	w := index.NewWriter(backend, index.WithUpsertBatchSize(100), index.WithConcurrency(1))

	var records []*model.IndexRecord
	records = append(records, itemRecords("ns", "a", 60)...)
	records = append(records, itemRecords("ns", "b", 60)...)
	records = append(records, itemRecords("ns", "c", 250)...)
	records = append(records, itemRecords("ns", "d", 30)...)

	report := w.Upsert(context.Background(), records)
	gt.Equal(t, report.FailedBatches, 0)
	gt.Equal(t, report.Written, 400)
	gt.Equal(t, backend.Len(), 400)

	for _, batch := range backend.upserts {
		gt.True(t, len(batch) <= 100)
	}

	sources := func(batch []string) map[string]bool {
		m := map[string]bool{}
		for _, k := range batch {
			m[strings.Split(k, "##")[1]] = true
		}
		return m
	}
	// a and b do not fit together, c is split on its own, d packs alone at the end
	gt.Equal(t, report.Batches, 6)
	gt.Equal(t, sources(backend.upserts[0]), map[string]bool{"a": true})
	gt.Equal(t, sources(backend.upserts[1]), map[string]bool{"b": true})
	gt.Equal(t, sources(backend.upserts[2]), map[string]bool{"c": true})
	gt.Equal(t, sources(backend.upserts[5]), map[string]bool{"d": true})
}

func TestWriterUpsertIsolatesFailedBatch(t *testing.T) {
	backend := newRecordingBackend()
	backend.poison = "bad"
	w := index.NewWriter(backend, index.WithUpsertBatchSize(4), index.WithConcurrency(3))

	var records []*model.IndexRecord
	records = append(records, itemRecords("ns", "good1", 3)...)
	records = append(records, itemRecords("ns", "bad", 3)...)
	records = append(records, itemRecords("ns", "good2", 3)...)

	report := w.Upsert(context.Background(), records)
	gt.Equal(t, report.Batches, 3)
	gt.Equal(t, report.FailedBatches, 1)
	gt.Equal(t, report.Written, 6)
	gt.Equal(t, report.FailedItems, []model.ItemID{{SourceID: "bad"}})
	gt.A(t, report.Errors).Length(1)
	gt.True(t, errors.Is(report.Errors[0], model.ErrIndexWrite))

	ctx := context.Background()
	keys, _, err := backend.List(ctx, "ns##", "", 0)
	gt.NoError(t, err)
	gt.A(t, keys).Length(6)

	// compensating delete covers every key of the failed item
	gt.A(t, backend.deletes).Length(1)
	gt.Equal(t, backend.deletes[0], []string{"ns##bad##0", "ns##bad##1", "ns##bad##2"})
}

func TestWriterRateLimit(t *testing.T) {
	backend := newRecordingBackend()
	w := index.NewWriter(backend, index.WithDeleteBatchSize(1), index.WithRateLimit(1000))

	keys := []model.RecordKey{
		{Namespace: "ns", SourceID: "a"},
		{Namespace: "ns", SourceID: "b"},
	}
	report := w.Delete(context.Background(), keys)
	gt.Equal(t, report.Batches, 2)
	gt.Equal(t, report.Written, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := index.NewWriter(backend, index.WithDeleteBatchSize(1), index.WithRateLimit(0.001))
	report = slow.Delete(ctx, keys)
	gt.True(t, report.FailedBatches >= 1)
}

func TestWriterDeleteFailedKeys(t *testing.T) {
	backend := newRecordingBackend()
	backend.failDelete = "##bad##"
	w := index.NewWriter(backend, index.WithDeleteBatchSize(2))

	report := w.DeleteKeys(context.Background(), []string{
		"ns##a##0", "ns##a##1",
		"ns##bad##0", "ns##c##0",
		"garbage",
	})
	gt.Equal(t, report.Batches, 3)
	gt.Equal(t, report.FailedBatches, 1)
	gt.Equal(t, report.Written, 3)
	gt.Equal(t, report.FailedKeys, []string{"ns##bad##0", "ns##c##0"})
	gt.True(t, errors.Is(report.Errors[0], model.ErrIndexWrite))
}
