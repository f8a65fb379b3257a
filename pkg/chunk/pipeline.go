package chunk

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/m-mizutani/kbsync/pkg/utils/logging"
	"github.com/panjf2000/ants/v2"
	"github.com/tmc/langchaingo/textsplitter"
)

const (
	DefaultEmbedBatchSize = 16
	DefaultConcurrency    = 4
	DefaultMaxAttempts    = 3
	defaultRetryDelay     = time.Second
)

// Embedder turns texts into vectors, one per text in order
type Embedder interface {
	Embed(ctx context.Context, texts []string, task model.EmbeddingTask) ([][]float32, error)
}

// Extractor returns the plain text of a source item
type Extractor interface {
	Extract(ctx context.Context, item *model.SourceItem) (string, error)
}

type Chunk struct {
	Index  int
	Text   string
	Vector []float32
}

// Document is a source item with every chunk embedded
type Document struct {
	Item   *model.SourceItem
	Chunks []Chunk
}

// Records converts the document into index records of the namespace
func (x *Document) Records(ns string, indexedAt time.Time) []*model.IndexRecord {
	records := make([]*model.IndexRecord, len(x.Chunks))
	for i, c := range x.Chunks {
		records[i] = model.NewIndexRecord(ns, x.Item, c.Index, c.Text, c.Vector, indexedAt)
	}
	return records
}

// ItemError is a failure isolated to one item
type ItemError struct {
	Item model.ItemID
	URI  string
	Err  error
}

func (x *ItemError) Error() string {
	return x.Item.String() + ": " + x.Err.Error()
}

func (x *ItemError) Unwrap() error {
	return x.Err
}

// Pipeline extracts, splits and embeds source items
type Pipeline struct {
	extractor      Extractor
	embedder       Embedder
	splitter       textsplitter.TextSplitter
	embedBatchSize int
	concurrency    int
	maxAttempts    int
	retryDelay     time.Duration
	dimensions     int

	splitterKind string
	chunkSize    int
	chunkOverlap int
}

type Option func(*Pipeline)

// WithSplitter selects the splitter and its chunk size and overlap in characters
func WithSplitter(kind string, size, overlap int) Option {
	return func(x *Pipeline) {
		x.splitterKind = kind
		x.chunkSize = size
		x.chunkOverlap = overlap
	}
}

func WithEmbedBatchSize(n int) Option {
	return func(x *Pipeline) {
		x.embedBatchSize = n
	}
}

// WithConcurrency bounds concurrent extractions and embedding calls
func WithConcurrency(n int) Option {
	return func(x *Pipeline) {
		x.concurrency = n
	}
}

// WithRetry sets the attempts per embedding batch and the first backoff delay
func WithRetry(maxAttempts int, delay time.Duration) Option {
	return func(x *Pipeline) {
		x.maxAttempts = maxAttempts
		x.retryDelay = delay
	}
}

// WithDimensions rejects vectors of any other length
func WithDimensions(n int) Option {
	return func(x *Pipeline) {
		x.dimensions = n
	}
}

// New creates a pipeline. Invalid splitter settings return model.ErrConfiguration.
func New(extractor Extractor, embedder Embedder, opts ...Option) (*Pipeline, error) {
	x := &Pipeline{
		extractor:      extractor,
		embedder:       embedder,
		embedBatchSize: DefaultEmbedBatchSize,
		concurrency:    DefaultConcurrency,
		maxAttempts:    DefaultMaxAttempts,
		retryDelay:     defaultRetryDelay,
		splitterKind:   SplitterRecursive,
		chunkSize:      1024,
		chunkOverlap:   20,
	}
	for _, opt := range opts {
		opt(x)
	}

	if x.embedBatchSize <= 0 {
		return nil, goerr.Wrap(model.ErrConfiguration, "embed batch size must be positive",
			goerr.V("embed_batch_size", x.embedBatchSize))
	}
	if x.concurrency <= 0 {
		x.concurrency = 1
	}

	splitter, err := NewSplitter(x.splitterKind, x.chunkSize, x.chunkOverlap)
	if err != nil {
		return nil, err
	}
	x.splitter = splitter

	return x, nil
}

// slot is one chunk waiting for its vector
type slot struct {
	item  int
	index int
	text  string
}

// Process returns the documents of items whose chunks were all embedded, in
// input order. Failures are isolated per item: an extraction failure fails its
// item, an exhausted embedding batch fails the items with chunks in it.
func (x *Pipeline) Process(ctx context.Context, items []*model.SourceItem) ([]*Document, []*ItemError) {
	logger := logging.From(ctx)

	pool, err := ants.NewPool(x.concurrency)
	if err != nil {
		return nil, failAll(items, goerr.Wrap(err, "failed to create worker pool"))
	}
	defer pool.Release()

	texts := make([][]string, len(items))
	itemErrs := make([]error, len(items))

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			chunks, err := x.extract(ctx, item)
			if err != nil {
				itemErrs[i] = err
				return
			}
			texts[i] = chunks
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			itemErrs[i] = goerr.Wrap(err, "failed to submit extraction")
		}
	}
	wg.Wait()

	var slots []slot
	for i, chunks := range texts {
		for j, text := range chunks {
			slots = append(slots, slot{item: i, index: j, text: text})
		}
	}

	vectors := make([][]float32, len(slots))
	var mu sync.Mutex
	for start := 0; start < len(slots); start += x.embedBatchSize {
		end := min(start+x.embedBatchSize, len(slots))
		batch := slots[start:end]

		wg.Add(1)
		task := func() {
			defer wg.Done()
			vecs, err := x.embed(ctx, batch)
			if err != nil {
				logger.Warn("embedding batch failed",
					"error", err,
					"first_item", items[batch[0].item].ItemID().String(),
					"size", len(batch))
				mu.Lock()
				for _, s := range batch {
					if itemErrs[s.item] == nil {
						itemErrs[s.item] = err
					}
				}
				mu.Unlock()
				return
			}
			copy(vectors[start:end], vecs)
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			wrapped := goerr.Wrap(model.ErrEmbedding, "failed to submit embedding", goerr.V("cause", err.Error()))
			mu.Lock()
			for _, s := range batch {
				if itemErrs[s.item] == nil {
					itemErrs[s.item] = wrapped
				}
			}
			mu.Unlock()
		}
	}
	wg.Wait()

	docs := make([]*Document, len(items))
	for i, item := range items {
		if itemErrs[i] == nil {
			docs[i] = &Document{Item: item}
		}
	}
	for n, s := range slots {
		if docs[s.item] == nil {
			continue
		}
		docs[s.item].Chunks = append(docs[s.item].Chunks, Chunk{
			Index:  s.index,
			Text:   s.text,
			Vector: vectors[n],
		})
	}

	var results []*Document
	var failures []*ItemError
	for i, item := range items {
		if itemErrs[i] != nil {
			failures = append(failures, &ItemError{Item: item.ItemID(), URI: item.URI, Err: itemErrs[i]})
			continue
		}
		results = append(results, docs[i])
	}
	return results, failures
}

func (x *Pipeline) extract(ctx context.Context, item *model.SourceItem) ([]string, error) {
	text, err := x.extractor.Extract(ctx, item)
	if err != nil {
		return nil, goerr.Wrap(model.ErrExtraction, "failed to extract text",
			goerr.V("item", item.ItemID().String()),
			goerr.V("uri", item.URI),
			goerr.V("cause", err.Error()))
	}

	chunks, err := Split(x.splitter, text)
	if err != nil {
		return nil, goerr.Wrap(model.ErrExtraction, "failed to split text",
			goerr.V("item", item.ItemID().String()),
			goerr.V("cause", err.Error()))
	}
	return chunks, nil
}

func (x *Pipeline) embed(ctx context.Context, batch []slot) ([][]float32, error) {
	texts := make([]string, len(batch))
	for i, s := range batch {
		texts[i] = s.text
	}

	var vecs [][]float32
	err := retryWithBackoff(ctx, func() error {
		got, err := x.embedder.Embed(ctx, texts, model.EmbeddingTaskRetrievalDocument)
		if err != nil {
			return err
		}
		if err := x.validateVectors(got, len(texts)); err != nil {
			return err
		}
		vecs = got
		return nil
	}, x.maxAttempts, x.retryDelay)
	if err != nil {
		return nil, goerr.Wrap(model.ErrEmbedding, "failed to embed chunks",
			goerr.V("size", len(texts)),
			goerr.V("cause", err.Error()))
	}
	return vecs, nil
}

func (x *Pipeline) validateVectors(vecs [][]float32, n int) error {
	if len(vecs) != n {
		return goerr.New("vector count mismatch", goerr.V("expected", n), goerr.V("actual", len(vecs)))
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return goerr.New("empty vector", goerr.V("index", i))
		}
		if x.dimensions > 0 && len(v) != x.dimensions {
			return goerr.New("vector dimension mismatch",
				goerr.V("index", i),
				goerr.V("expected", x.dimensions),
				goerr.V("actual", len(v)))
		}
	}
	return nil
}

func failAll(items []*model.SourceItem, err error) []*ItemError {
	failures := make([]*ItemError, len(items))
	for i, item := range items {
		failures[i] = &ItemError{Item: item.ItemID(), URI: item.URI, Err: err}
	}
	return failures
}
