package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/adapter"
	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/m-mizutani/kbsync/pkg/policy"
)

// Dialect renders identifiers and placeholders of a warehouse
type Dialect struct {
	Scheme      string
	Quote       func(ident string) string
	Placeholder func(n int) string
}

var (
	BigQueryDialect = Dialect{
		Scheme:      "bigquery",
		Quote:       func(ident string) string { return "`" + ident + "`" },
		Placeholder: func(int) string { return "?" },
	}
	PostgresDialect = Dialect{
		Scheme:      "postgres",
		Quote:       func(ident string) string { return `"` + ident + `"` },
		Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	}
)

// Columns names the columns of a document table
type Columns struct {
	Key      string
	Modified string
	Text     string
	Name     string
}

// Table lists rows of a warehouse table, one document per row. Text read
// while listing is kept for Extract and queried again by key when missing.
type Table struct {
	warehouse adapter.Warehouse
	dialect   Dialect
	table     string
	columns   Columns
	policy    *policy.Policy

	mu    sync.Mutex
	texts map[string]string
}

var _ Source = (*Table)(nil)

// NewTable creates a table source. table is the dotted table path, e.g.
// "project.dataset.table" for BigQuery or "schema.table" for Postgres.
func NewTable(warehouse adapter.Warehouse, dialect Dialect, table string, columns Columns, p *policy.Policy) *Table {
	return &Table{
		warehouse: warehouse,
		dialect:   dialect,
		table:     table,
		columns:   columns,
		policy:    p,
		texts:     make(map[string]string),
	}
}

func (x *Table) BucketKey() string {
	return x.dialect.Scheme + "://" + x.table
}

func (x *Table) quotedTable() string {
	parts := strings.Split(x.table, ".")
	if x.dialect.Scheme == BigQueryDialect.Scheme {
		return x.dialect.Quote(x.table)
	}
	for i, p := range parts {
		parts[i] = x.dialect.Quote(p)
	}
	return strings.Join(parts, ".")
}

func (x *Table) listQuery() string {
	cols := []string{
		x.dialect.Quote(x.columns.Key),
		x.dialect.Quote(x.columns.Modified),
		x.dialect.Quote(x.columns.Text),
	}
	if x.columns.Name != "" {
		cols = append(cols, x.dialect.Quote(x.columns.Name))
	}
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), x.quotedTable())
}

func (x *Table) textQuery() string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE CAST(%s AS %s) = %s",
		x.dialect.Quote(x.columns.Text),
		x.quotedTable(),
		x.dialect.Quote(x.columns.Key),
		x.stringType(),
		x.dialect.Placeholder(1))
}

func (x *Table) stringType() string {
	if x.dialect.Scheme == BigQueryDialect.Scheme {
		return "STRING"
	}
	return "TEXT"
}

func (x *Table) List(ctx context.Context) (*model.Listing, error) {
	rows, err := x.warehouse.Rows(ctx, x.listQuery())
	if err != nil {
		return nil, goerr.Wrap(model.ErrEnumeration, "failed to query table",
			goerr.V("table", x.table),
			goerr.V("cause", err.Error()))
	}

	texts := make(map[string]string, len(rows))
	adm := newAdmitter(x.policy)
	for i, row := range rows {
		id := toString(row[x.columns.Key])
		uri := x.BucketKey() + "/" + id
		if id == "" {
			adm.builder.Invalid(fmt.Sprintf("%s#row%d", x.BucketKey(), i))
			continue
		}

		modified, ok := toTime(row[x.columns.Modified])
		if !ok {
			adm.builder.Invalid(uri)
			continue
		}

		item := &model.SourceItem{
			ID:           id,
			URI:          uri,
			Name:         id,
			LastModified: modified,
		}
		if x.columns.Name != "" {
			if name := toString(row[x.columns.Name]); name != "" {
				item.Name = name
			}
		}
		accepted, err := adm.add(ctx, item)
		if err != nil {
			return nil, err
		}
		if accepted {
			texts[id] = toString(row[x.columns.Text])
		}
	}

	x.mu.Lock()
	x.texts = texts
	x.mu.Unlock()

	return adm.builder.Build(), nil
}

func (x *Table) Extract(ctx context.Context, item *model.SourceItem) (string, error) {
	x.mu.Lock()
	text, ok := x.texts[item.ID]
	x.mu.Unlock()
	if ok {
		return text, nil
	}

	rows, err := x.warehouse.Rows(ctx, x.textQuery(), item.ID)
	if err != nil {
		return "", goerr.Wrap(err, "failed to query text", goerr.V("id", item.ID))
	}
	if len(rows) == 0 {
		return "", goerr.New("row not found", goerr.V("id", item.ID), goerr.V("table", x.table))
	}
	return toString(rows[0][x.columns.Text]), nil
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case civil.DateTime:
		return t.In(time.UTC), t.IsValid()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	default:
		return time.Time{}, false
	}
}
