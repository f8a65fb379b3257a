package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Source types
const (
	SourceGCS      = "gcs"
	SourceS3       = "s3"
	SourceDrive    = "drive"
	SourceBigQuery = "bigquery"
	SourcePostgres = "postgres"
)

// Splitter names
const (
	SplitterRecursive = "recursive"
	SplitterMarkdown  = "markdown"
)

const (
	DefaultBatchSize    = 100
	DefaultChunkSize    = 1024
	DefaultChunkOverlap = 20
)

var (
	DefaultExtensions   = []string{"txt", "csv", "md", "json"}
	DefaultExcludeNames = []string{"placeholder.txt"}
)

// File is the namespace configuration file
type File struct {
	Namespaces []*Namespace `yaml:"namespaces" toml:"namespaces"`
}

// Namespace binds one source to one partition of the vector index
type Namespace struct {
	Name             string `yaml:"name" toml:"name"`
	BatchSize        int    `yaml:"batch_size" toml:"batch_size"`
	FreshnessMinutes int    `yaml:"freshness_minutes" toml:"freshness_minutes"`
	PolicyDir        string `yaml:"policy_dir" toml:"policy_dir"`
	Chunk            Chunk  `yaml:"chunk" toml:"chunk"`
	Source           Source `yaml:"source" toml:"source"`
}

type Chunk struct {
	Size     int    `yaml:"size" toml:"size"`
	Overlap  int    `yaml:"overlap" toml:"overlap"`
	Splitter string `yaml:"splitter" toml:"splitter"`
}

type Source struct {
	Type     string    `yaml:"type" toml:"type"`
	GCS      *GCS      `yaml:"gcs" toml:"gcs"`
	S3       *S3       `yaml:"s3" toml:"s3"`
	Drive    *Drive    `yaml:"drive" toml:"drive"`
	BigQuery *BigQuery `yaml:"bigquery" toml:"bigquery"`
	Postgres *Postgres `yaml:"postgres" toml:"postgres"`
}

// Filter is the allow-list shared by blob sources
type Filter struct {
	Extensions    []string
	ExcludeNames  []string
	DerivedFolder string
}

type GCS struct {
	Bucket              string   `yaml:"bucket" toml:"bucket"`
	Prefix              string   `yaml:"prefix" toml:"prefix"`
	IDMetadataKey       string   `yaml:"id_metadata_key" toml:"id_metadata_key"`
	ModifiedMetadataKey string   `yaml:"modified_metadata_key" toml:"modified_metadata_key"`
	Extensions          []string `yaml:"extensions" toml:"extensions"`
	ExcludeNames        []string `yaml:"exclude_names" toml:"exclude_names"`
	DerivedFolder       string   `yaml:"derived_folder" toml:"derived_folder"`
}

type S3 struct {
	Endpoint        string   `yaml:"endpoint" toml:"endpoint"`
	Region          string   `yaml:"region" toml:"region"`
	Bucket          string   `yaml:"bucket" toml:"bucket"`
	Prefix          string   `yaml:"prefix" toml:"prefix"`
	UseSSL          bool     `yaml:"use_ssl" toml:"use_ssl"`
	AccessKeyID     string   `yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string   `yaml:"secret_access_key" toml:"secret_access_key"`
	Extensions      []string `yaml:"extensions" toml:"extensions"`
	ExcludeNames    []string `yaml:"exclude_names" toml:"exclude_names"`
	DerivedFolder   string   `yaml:"derived_folder" toml:"derived_folder"`
}

type Drive struct {
	FolderID        string `yaml:"folder_id" toml:"folder_id"`
	CredentialsFile string `yaml:"credentials_file" toml:"credentials_file"`
}

// Table describes a warehouse table with one document per row
type Table struct {
	KeyColumn      string `yaml:"key_column" toml:"key_column"`
	ModifiedColumn string `yaml:"modified_column" toml:"modified_column"`
	TextColumn     string `yaml:"text_column" toml:"text_column"`
	NameColumn     string `yaml:"name_column" toml:"name_column"`
}

type BigQuery struct {
	Project string `yaml:"project" toml:"project"`
	Dataset string `yaml:"dataset" toml:"dataset"`
	Table   string `yaml:"table" toml:"table"`
	Columns Table  `yaml:"columns" toml:"columns"`
}

type Postgres struct {
	DSN     string `yaml:"dsn" toml:"dsn"`
	Table   string `yaml:"table" toml:"table"`
	Columns Table  `yaml:"columns" toml:"columns"`
}

// Load reads a YAML (.yaml, .yml) or TOML (.toml) file, applies defaults and validates it
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(model.ErrConfiguration, "failed to read config file",
			goerr.V("path", path),
			goerr.V("cause", err.Error()))
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	file, err := Parse(data, ext)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse config file", goerr.V("path", path))
	}
	return file, nil
}

// Parse decodes data in the given format ("yaml", "yml" or "toml")
func Parse(data []byte, format string) (*File, error) {
	var file File
	switch format {
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil {
			return nil, goerr.Wrap(model.ErrConfiguration, "invalid YAML", goerr.V("cause", err.Error()))
		}
	case "toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&file); err != nil {
			return nil, goerr.Wrap(model.ErrConfiguration, "invalid TOML", goerr.V("cause", err.Error()))
		}
	default:
		return nil, goerr.Wrap(model.ErrConfiguration, "unsupported config format", goerr.V("format", format))
	}

	file.applyDefaults()
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Lookup returns the namespace by name
func (x *File) Lookup(name string) (*Namespace, error) {
	for _, ns := range x.Namespaces {
		if ns.Name == name {
			return ns, nil
		}
	}
	return nil, goerr.Wrap(model.ErrConfiguration, "namespace not found", goerr.V("namespace", name))
}

// Names returns namespace names in file order
func (x *File) Names() []string {
	names := make([]string, len(x.Namespaces))
	for i, ns := range x.Namespaces {
		names[i] = ns.Name
	}
	return names
}

func (x *File) applyDefaults() {
	for _, ns := range x.Namespaces {
		if ns == nil {
			continue
		}
		if ns.BatchSize == 0 {
			ns.BatchSize = DefaultBatchSize
		}
		if ns.Chunk.Size == 0 {
			ns.Chunk.Size = DefaultChunkSize
			if ns.Chunk.Overlap == 0 {
				ns.Chunk.Overlap = DefaultChunkOverlap
			}
		}
		if ns.Chunk.Splitter == "" {
			ns.Chunk.Splitter = SplitterRecursive
		}
		ns.Source.Type = strings.ToLower(ns.Source.Type)
		if g := ns.Source.GCS; g != nil {
			g.Extensions, g.ExcludeNames = filterDefaults(g.Extensions, g.ExcludeNames)
		}
		if s := ns.Source.S3; s != nil {
			s.Extensions, s.ExcludeNames = filterDefaults(s.Extensions, s.ExcludeNames)
		}
	}
}

func filterDefaults(exts, excludes []string) ([]string, []string) {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	normalized := make([]string, len(exts))
	for i, ext := range exts {
		normalized[i] = strings.ToLower(strings.TrimPrefix(ext, "."))
	}
	if excludes == nil {
		excludes = DefaultExcludeNames
	}
	return normalized, excludes
}

// Filter returns the allow-list of the bucket
func (x *GCS) Filter() Filter {
	return Filter{Extensions: x.Extensions, ExcludeNames: x.ExcludeNames, DerivedFolder: x.DerivedFolder}
}

// Filter returns the allow-list of the bucket
func (x *S3) Filter() Filter {
	return Filter{Extensions: x.Extensions, ExcludeNames: x.ExcludeNames, DerivedFolder: x.DerivedFolder}
}

// Freshness of the metadata cache; zero or negative disables caching
func (x *Namespace) Freshness() time.Duration {
	return time.Duration(x.FreshnessMinutes) * time.Minute
}

// Validate checks every namespace. Failures wrap model.ErrConfiguration.
func (x *File) Validate() error {
	if len(x.Namespaces) == 0 {
		return goerr.Wrap(model.ErrConfiguration, "no namespace is configured")
	}

	seen := make(map[string]struct{}, len(x.Namespaces))
	for i, ns := range x.Namespaces {
		if ns == nil {
			return goerr.Wrap(model.ErrConfiguration, "namespace entry is empty", goerr.V("index", i))
		}
		if err := ns.Validate(); err != nil {
			return err
		}
		if _, ok := seen[ns.Name]; ok {
			return goerr.Wrap(model.ErrConfiguration, "duplicated namespace", goerr.V("namespace", ns.Name))
		}
		seen[ns.Name] = struct{}{}
	}
	return nil
}

// Validate checks the namespace settings
func (x *Namespace) Validate() error {
	if err := model.ValidateNamespace(x.Name); err != nil {
		return goerr.Wrap(model.ErrConfiguration, "invalid namespace name",
			goerr.V("namespace", x.Name),
			goerr.V("cause", err.Error()))
	}
	fail := func(msg string, kv ...goerr.Option) error {
		return goerr.Wrap(model.ErrConfiguration, msg, append(kv, goerr.V("namespace", x.Name))...)
	}

	if x.BatchSize <= 0 {
		return fail("batch_size must be positive", goerr.V("batch_size", x.BatchSize))
	}
	if x.Chunk.Size <= 0 {
		return fail("chunk size must be positive", goerr.V("size", x.Chunk.Size))
	}
	if x.Chunk.Overlap < 0 || x.Chunk.Overlap >= x.Chunk.Size {
		return fail("chunk overlap must be in [0, size)",
			goerr.V("size", x.Chunk.Size),
			goerr.V("overlap", x.Chunk.Overlap))
	}
	switch x.Chunk.Splitter {
	case SplitterRecursive, SplitterMarkdown:
	default:
		return fail("unknown splitter", goerr.V("splitter", x.Chunk.Splitter))
	}

	src := x.Source
	switch src.Type {
	case SourceGCS:
		if src.GCS == nil || src.GCS.Bucket == "" {
			return fail("gcs.bucket is required")
		}
	case SourceS3:
		if src.S3 == nil || src.S3.Bucket == "" || src.S3.Endpoint == "" {
			return fail("s3.endpoint and s3.bucket are required")
		}
	case SourceDrive:
		if src.Drive == nil || src.Drive.FolderID == "" {
			return fail("drive.folder_id is required")
		}
	case SourceBigQuery:
		if src.BigQuery == nil || src.BigQuery.Dataset == "" || src.BigQuery.Table == "" {
			return fail("bigquery.dataset and bigquery.table are required")
		}
		if err := src.BigQuery.Columns.validate(); err != nil {
			return fail("invalid bigquery columns", goerr.V("cause", err.Error()))
		}
	case SourcePostgres:
		if src.Postgres == nil || src.Postgres.Table == "" {
			return fail("postgres.table is required")
		}
		if err := src.Postgres.Columns.validate(); err != nil {
			return fail("invalid postgres columns", goerr.V("cause", err.Error()))
		}
	case "":
		return fail("source.type is required")
	default:
		return fail("unknown source type", goerr.V("type", src.Type))
	}

	return nil
}

func (x Table) validate() error {
	if x.KeyColumn == "" || x.ModifiedColumn == "" || x.TextColumn == "" {
		return goerr.New("key_column, modified_column and text_column are required")
	}
	for _, c := range []string{x.KeyColumn, x.ModifiedColumn, x.TextColumn, x.NameColumn} {
		if !isIdentifier(c) {
			return goerr.New("column name must be a plain identifier", goerr.V("column", c))
		}
	}
	return nil
}

func isIdentifier(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
