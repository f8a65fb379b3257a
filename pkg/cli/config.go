package cli

import (
	"context"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/adapter"
	"github.com/m-mizutani/kbsync/pkg/cache"
	"github.com/m-mizutani/kbsync/pkg/chunk"
	nsconfig "github.com/m-mizutani/kbsync/pkg/config"
	"github.com/m-mizutani/kbsync/pkg/index"
	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/m-mizutani/kbsync/pkg/policy"
	"github.com/m-mizutani/kbsync/pkg/repository"
	"github.com/m-mizutani/kbsync/pkg/source"
	"github.com/m-mizutani/kbsync/pkg/usecase/reconcile"
	"github.com/m-mizutani/kbsync/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

const (
	indexBackendFirestore = "firestore"
	indexBackendBadger    = "badger"
	indexBackendMemory    = "memory"

	cacheBackendFirestore = "firestore"
	cacheBackendSQLite    = "sqlite"
	cacheBackendNone      = "none"
)

// config holds configuration values
type config struct {
	// Google Cloud
	project  string
	database string

	// Namespace file
	configPath string
	namespaces []string

	// Logging
	logLevel string
	logFile  string

	// Index and metadata cache
	indexBackend    string
	indexCollection string
	badgerDir       string
	cacheBackend    string
	cacheCollection string
	sqlitePath      string
	postgresDSN     string

	// Embedding
	geminiProject  string
	geminiLocation string
	embeddingModel string
	dimensions     int64
	embedBatchSize int64
	concurrency    int64
	rateLimit      float64

	closers []func() error
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Namespace configuration file (.yaml, .yml or .toml)",
			Required:    true,
			Sources:     cli.EnvVars("KBSYNC_CONFIG"),
			Destination: &cfg.configPath,
		},
		&cli.StringSliceFlag{
			Name:        "namespace",
			Aliases:     []string{"n"},
			Usage:       "Namespace to process (repeatable, default: all)",
			Sources:     cli.EnvVars("KBSYNC_NAMESPACE"),
			Destination: &cfg.namespaces,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("KBSYNC_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-file",
			Usage:       "Also write JSON logs to this file, rotated by size",
			Sources:     cli.EnvVars("KBSYNC_LOG_FILE"),
			Destination: &cfg.logFile,
		},
	}
}

// storeFlags returns flags of the vector index and the metadata cache
func storeFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "index-backend",
			Usage:       "Vector index backend (firestore, badger, memory)",
			Value:       indexBackendFirestore,
			Sources:     cli.EnvVars("KBSYNC_INDEX_BACKEND"),
			Destination: &cfg.indexBackend,
		},
		&cli.StringFlag{
			Name:        "index-collection",
			Usage:       "Firestore collection of index records",
			Value:       "kbsync_records",
			Sources:     cli.EnvVars("KBSYNC_INDEX_COLLECTION"),
			Destination: &cfg.indexCollection,
		},
		&cli.StringFlag{
			Name:        "badger-dir",
			Usage:       "Badger data directory (empty: in-memory)",
			Sources:     cli.EnvVars("KBSYNC_BADGER_DIR"),
			Destination: &cfg.badgerDir,
		},
		&cli.StringFlag{
			Name:        "cache-backend",
			Usage:       "Metadata cache store (firestore, sqlite, none)",
			Value:       cacheBackendNone,
			Sources:     cli.EnvVars("KBSYNC_CACHE_BACKEND"),
			Destination: &cfg.cacheBackend,
		},
		&cli.StringFlag{
			Name:        "cache-collection",
			Usage:       "Firestore collection of cached listings",
			Value:       "kbsync_cache",
			Sources:     cli.EnvVars("KBSYNC_CACHE_COLLECTION"),
			Destination: &cfg.cacheCollection,
		},
		&cli.StringFlag{
			Name:        "sqlite-path",
			Usage:       "SQLite database file of the metadata cache",
			Value:       "kbsync-cache.db",
			Sources:     cli.EnvVars("KBSYNC_SQLITE_PATH"),
			Destination: &cfg.sqlitePath,
		},
		&cli.StringFlag{
			Name:        "postgres-dsn",
			Usage:       "Postgres DSN used when a namespace does not set one",
			Sources:     cli.EnvVars("KBSYNC_POSTGRES_DSN"),
			Destination: &cfg.postgresDSN,
		},
	}
}

// embeddingFlags returns flags for embedding and write throughput
func embeddingFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini (default: --project)",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Embedding model",
			Value:       "gemini-embedding-001",
			Sources:     cli.EnvVars("GEMINI_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
		&cli.IntFlag{
			Name:        "embedding-dimensions",
			Usage:       "Output dimensionality of embeddings",
			Value:       768,
			Sources:     cli.EnvVars("GEMINI_EMBEDDING_DIMENSIONS"),
			Destination: &cfg.dimensions,
		},
		&cli.IntFlag{
			Name:        "embed-batch-size",
			Usage:       "Chunks per embedding request",
			Value:       chunk.DefaultEmbedBatchSize,
			Sources:     cli.EnvVars("KBSYNC_EMBED_BATCH_SIZE"),
			Destination: &cfg.embedBatchSize,
		},
		&cli.IntFlag{
			Name:        "concurrency",
			Usage:       "Concurrent embedding requests and upsert batches",
			Value:       chunk.DefaultConcurrency,
			Sources:     cli.EnvVars("KBSYNC_CONCURRENCY"),
			Destination: &cfg.concurrency,
		},
		&cli.FloatFlag{
			Name:        "rate-limit",
			Usage:       "Index write operations per second (0: unlimited)",
			Sources:     cli.EnvVars("KBSYNC_RATE_LIMIT"),
			Destination: &cfg.rateLimit,
		},
	}
}

// setup configures logging and returns a context carrying the logger
func (cfg *config) setup(ctx context.Context) context.Context {
	var opts []logging.Option
	if cfg.logFile != "" {
		opts = append(opts, logging.WithFile(cfg.logFile))
	}
	logger := logging.New(cfg.logLevel, os.Stderr, opts...)
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

func (cfg *config) close() {
	for i := len(cfg.closers) - 1; i >= 0; i-- {
		if err := cfg.closers[i](); err != nil {
			logging.Default().Warn("failed to close client", "error", err)
		}
	}
	cfg.closers = nil
}

// loadNamespaces reads the namespace file and selects the namespaces given by
// --namespace, or all of them
func (cfg *config) loadNamespaces() ([]*nsconfig.Namespace, error) {
	file, err := nsconfig.Load(cfg.configPath)
	if err != nil {
		return nil, err
	}

	if len(cfg.namespaces) == 0 {
		return file.Namespaces, nil
	}

	selected := make([]*nsconfig.Namespace, 0, len(cfg.namespaces))
	for _, name := range cfg.namespaces {
		ns, err := file.Lookup(name)
		if err != nil {
			return nil, err
		}
		selected = append(selected, ns)
	}
	return selected, nil
}

func configError(msg string, kv ...goerr.Option) error {
	return goerr.Wrap(model.ErrConfiguration, msg, kv...)
}

// newIndex creates the vector index backend
func (cfg *config) newIndex(ctx context.Context) (index.Backend, error) {
	switch cfg.indexBackend {
	case indexBackendFirestore:
		if cfg.project == "" {
			return nil, configError("project is required for firestore index")
		}
		backend, err := index.NewFirestore(ctx, cfg.project, cfg.database,
			index.WithFirestoreCollection(cfg.indexCollection))
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create firestore index")
		}
		cfg.closers = append(cfg.closers, backend.Close)
		return backend, nil

	case indexBackendBadger:
		backend, err := index.OpenBadger(cfg.badgerDir)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open badger index", goerr.V("dir", cfg.badgerDir))
		}
		cfg.closers = append(cfg.closers, backend.Close)
		return backend, nil

	case indexBackendMemory:
		return index.NewMemory(), nil

	default:
		return nil, configError("unknown index backend", goerr.V("backend", cfg.indexBackend))
	}
}

// newCacheStore creates the metadata store. It returns nil when caching is disabled.
func (cfg *config) newCacheStore(ctx context.Context) (cache.Store, error) {
	switch cfg.cacheBackend {
	case cacheBackendFirestore:
		if cfg.project == "" {
			return nil, configError("project is required for firestore cache")
		}
		store, err := repository.New(ctx, cfg.project, cfg.database,
			repository.WithCollection(cfg.cacheCollection))
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create firestore cache")
		}
		cfg.closers = append(cfg.closers, store.Close)
		return store, nil

	case cacheBackendSQLite:
		store, err := repository.NewSQLite(ctx, cfg.sqlitePath)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open sqlite cache", goerr.V("path", cfg.sqlitePath))
		}
		cfg.closers = append(cfg.closers, store.Close)
		return store, nil

	case cacheBackendNone, "":
		return nil, nil

	default:
		return nil, configError("unknown cache backend", goerr.V("backend", cfg.cacheBackend))
	}
}

// newGemini creates a new Gemini adapter instance
func (cfg *config) newGemini(ctx context.Context) (adapter.Gemini, error) {
	project := cfg.geminiProject
	if project == "" {
		project = cfg.project
	}
	if project == "" {
		return nil, configError("gemini-project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, configError("gemini-location is required")
	}

	gemini, err := adapter.NewGemini(ctx, project, cfg.geminiLocation,
		adapter.WithEmbeddingModel(cfg.embeddingModel),
		adapter.WithDimensions(int(cfg.dimensions)))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create gemini client")
	}
	return gemini, nil
}

// newSource creates the source inventory of a namespace
func (cfg *config) newSource(ctx context.Context, ns *nsconfig.Namespace) (source.Source, error) {
	p, err := policy.Load(ctx, ns.PolicyDir)
	if err != nil {
		return nil, err
	}

	src := ns.Source
	switch src.Type {
	case nsconfig.SourceGCS:
		storage, err := adapter.NewStorage(ctx, src.GCS.Bucket)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create storage client")
		}
		return source.NewBlob(storage, src.GCS.Prefix, append(blobOptions(src.GCS.Filter(), p),
			source.WithIDMetadataKey(src.GCS.IDMetadataKey),
			source.WithModifiedMetadataKey(src.GCS.ModifiedMetadataKey),
		)...), nil

	case nsconfig.SourceS3:
		storage, err := adapter.NewS3(adapter.S3Config{
			Endpoint:        src.S3.Endpoint,
			Region:          src.S3.Region,
			Bucket:          src.S3.Bucket,
			AccessKeyID:     src.S3.AccessKeyID,
			SecretAccessKey: src.S3.SecretAccessKey,
			UseSSL:          src.S3.UseSSL,
		})
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create s3 client")
		}
		return source.NewBlob(storage, src.S3.Prefix, blobOptions(src.S3.Filter(), p)...), nil

	case nsconfig.SourceDrive:
		client, err := adapter.NewDrive(ctx, src.Drive.CredentialsFile)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create drive client")
		}
		return source.NewDrive(client, src.Drive.FolderID, p), nil

	case nsconfig.SourceBigQuery:
		project := src.BigQuery.Project
		if project == "" {
			project = cfg.project
		}
		if project == "" {
			return nil, configError("bigquery project is required", goerr.V("namespace", ns.Name))
		}
		wh, err := adapter.NewBigQuery(ctx, project)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create bigquery client")
		}
		table := project + "." + src.BigQuery.Dataset + "." + src.BigQuery.Table
		return source.NewTable(wh, source.BigQueryDialect, table, columns(src.BigQuery.Columns), p), nil

	case nsconfig.SourcePostgres:
		dsn := src.Postgres.DSN
		if dsn == "" {
			dsn = cfg.postgresDSN
		}
		if dsn == "" {
			return nil, configError("postgres dsn is required", goerr.V("namespace", ns.Name))
		}
		wh, err := adapter.NewPostgres(ctx, dsn)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to connect postgres")
		}
		return source.NewTable(wh, source.PostgresDialect, src.Postgres.Table, columns(src.Postgres.Columns), p), nil

	default:
		return nil, configError("unknown source type", goerr.V("type", src.Type))
	}
}

func blobOptions(f nsconfig.Filter, p *policy.Policy) []source.BlobOption {
	return []source.BlobOption{
		source.WithFilter(source.Filter{Extensions: f.Extensions, ExcludeNames: f.ExcludeNames}),
		source.WithDerivedFolder(f.DerivedFolder),
		source.WithBlobPolicy(p),
	}
}

func columns(t nsconfig.Table) source.Columns {
	return source.Columns{
		Key:      t.KeyColumn,
		Modified: t.ModifiedColumn,
		Text:     t.TextColumn,
		Name:     t.NameColumn,
	}
}

// deps are the clients shared by every namespace of one command
type deps struct {
	backend  index.Backend
	store    cache.Store
	embedder chunk.Embedder
}

func (cfg *config) newDeps(ctx context.Context, withEmbedder bool) (*deps, error) {
	backend, err := cfg.newIndex(ctx)
	if err != nil {
		return nil, err
	}
	store, err := cfg.newCacheStore(ctx)
	if err != nil {
		return nil, err
	}

	d := &deps{backend: backend, store: store}
	if withEmbedder {
		gemini, err := cfg.newGemini(ctx)
		if err != nil {
			return nil, err
		}
		d.embedder = gemini
	}
	return d, nil
}

// newUseCase wires the reconciliation use case of a namespace
func (cfg *config) newUseCase(ctx context.Context, ns *nsconfig.Namespace, d *deps, opts ...reconcile.Option) (*reconcile.UseCase, error) {
	src, err := cfg.newSource(ctx, ns)
	if err != nil {
		return nil, err
	}

	pipeline, err := chunk.New(src, d.embedder,
		chunk.WithSplitter(ns.Chunk.Splitter, ns.Chunk.Size, ns.Chunk.Overlap),
		chunk.WithEmbedBatchSize(int(cfg.embedBatchSize)),
		chunk.WithConcurrency(int(cfg.concurrency)),
		chunk.WithDimensions(int(cfg.dimensions)),
	)
	if err != nil {
		return nil, err
	}

	writer := index.NewWriter(d.backend,
		index.WithConcurrency(int(cfg.concurrency)),
		index.WithRateLimit(cfg.rateLimit))

	options := []reconcile.Option{
		reconcile.WithBatchSize(ns.BatchSize),
		reconcile.WithCache(cache.New(d.store), ns.Freshness()),
		reconcile.WithWriter(writer),
	}
	options = append(options, opts...)

	return reconcile.New(ns.Name, src, d.backend, pipeline, options...), nil
}
