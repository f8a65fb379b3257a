package reconcile

import (
	"time"

	"github.com/m-mizutani/kbsync/pkg/cache"
	"github.com/m-mizutani/kbsync/pkg/chunk"
	"github.com/m-mizutani/kbsync/pkg/index"
	"github.com/m-mizutani/kbsync/pkg/source"
)

const (
	// DefaultBatchSize is the number of insert candidates processed per cycle
	DefaultBatchSize = 100

	defaultWaitAttempts = 10
	defaultWaitInterval = 2 * time.Second
)

// UseCase runs reconciliation cycles of one namespace
type UseCase struct {
	namespace string
	source    source.Source
	pipeline  *chunk.Pipeline

	cache     *cache.Cache
	freshness time.Duration

	inventory *index.Inventory
	planner   *Planner
	writer    *index.Writer

	batchSize      int
	waitForDeletes bool
	waitAttempts   int
	waitInterval   time.Duration
	now            func() time.Time
}

// Option is a functional option for UseCase
type Option func(*UseCase)

// WithCache lists the source through the metadata cache
func WithCache(c *cache.Cache, freshness time.Duration) Option {
	return func(uc *UseCase) {
		uc.cache = c
		uc.freshness = freshness
	}
}

// WithBatchSize sets the number of insert candidates embedded per cycle
func WithBatchSize(n int) Option {
	return func(uc *UseCase) {
		if n > 0 {
			uc.batchSize = n
		}
	}
}

func WithWriter(w *index.Writer) Option {
	return func(uc *UseCase) {
		uc.writer = w
	}
}

func WithInventory(inv *index.Inventory) Option {
	return func(uc *UseCase) {
		uc.inventory = inv
	}
}

func WithPlanner(p *Planner) Option {
	return func(uc *UseCase) {
		uc.planner = p
	}
}

// WithWaitForDeletes polls until deleted keys are no longer listed, at most
// attempts times
func WithWaitForDeletes(attempts int, interval time.Duration) Option {
	return func(uc *UseCase) {
		uc.waitForDeletes = true
		if attempts > 0 {
			uc.waitAttempts = attempts
		}
		uc.waitInterval = interval
	}
}

func WithClock(now func() time.Time) Option {
	return func(uc *UseCase) {
		uc.now = now
	}
}

// New creates a reconciliation UseCase of namespace ns
func New(
	ns string,
	src source.Source,
	backend index.Backend,
	pipeline *chunk.Pipeline,
	opts ...Option,
) *UseCase {
	uc := &UseCase{
		namespace:    ns,
		source:       src,
		pipeline:     pipeline,
		cache:        cache.New(nil),
		inventory:    index.NewInventory(backend),
		planner:      NewPlanner(backend),
		writer:       index.NewWriter(backend),
		batchSize:    DefaultBatchSize,
		waitAttempts: defaultWaitAttempts,
		waitInterval: defaultWaitInterval,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(uc)
	}

	return uc
}

// Namespace returns the namespace reconciled by the use case
func (uc *UseCase) Namespace() string {
	return uc.namespace
}
