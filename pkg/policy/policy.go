package policy

import (
	"context"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/m-mizutani/kbsync/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

// Query is the rule deciding whether a source item is indexed
const Query = "data.source.allow"

// regoPrintHook forwards Rego print() statements to the logger
type regoPrintHook struct{}

func (h *regoPrintHook) Print(ctx print.Context, message string) error {
	logging.Default().Debug("rego print", "message", message)
	return nil
}

// Policy admits source items with a Rego rule. A nil *Policy admits everything.
type Policy struct {
	query *rego.PreparedEvalQuery
}

// Input is the document evaluated for each item
type Input struct {
	ID        string            `json:"id"`
	Secondary string            `json:"secondary"`
	URI       string            `json:"uri"`
	Name      string            `json:"name"`
	MimeType  string            `json:"mime_type"`
	Metadata  map[string]string `json:"metadata"`
}

// Load reads every .rego file of dir. It returns nil without error when dir is
// empty or has no policy file.
func Load(ctx context.Context, dir string) (*Policy, error) {
	if dir == "" {
		return nil, nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files")
	}
	if len(files) == 0 {
		return nil, nil
	}

	modules := make([]func(*rego.Rego), 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.Value("path", file))
		}
		modules = append(modules, rego.Module(file, string(data)))
	}

	return prepare(ctx, modules)
}

// New compiles a policy from module sources keyed by file name
func New(ctx context.Context, sources map[string]string) (*Policy, error) {
	modules := make([]func(*rego.Rego), 0, len(sources))
	for name, src := range sources {
		modules = append(modules, rego.Module(name, src))
	}
	return prepare(ctx, modules)
}

func prepare(ctx context.Context, modules []func(*rego.Rego)) (*Policy, error) {
	options := make([]func(*rego.Rego), 0, len(modules)+2)
	options = append(options, rego.Query(Query), rego.EnablePrintStatements(true))
	options = append(options, modules...)

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(model.ErrConfiguration, "failed to prepare policy",
			goerr.V("query", Query),
			goerr.V("cause", err.Error()))
	}
	return &Policy{query: &prepared}, nil
}

// Allow evaluates the rule for item. An undefined rule denies the item.
func (x *Policy) Allow(ctx context.Context, item *model.SourceItem) (bool, error) {
	if x == nil {
		return true, nil
	}

	input := Input{
		ID:        item.ID,
		Secondary: item.Secondary,
		URI:       item.URI,
		Name:      item.Name,
		MimeType:  item.MimeType,
		Metadata:  item.RawMetadata,
	}
	if input.Metadata == nil {
		input.Metadata = map[string]string{}
	}

	rs, err := x.query.Eval(ctx, rego.EvalInput(input), rego.EvalPrintHook(&regoPrintHook{}))
	if err != nil {
		return false, goerr.Wrap(err, "failed to evaluate policy", goerr.V("uri", item.URI))
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}

	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, goerr.New("policy result is not a boolean",
			goerr.V("uri", item.URI),
			goerr.V("value", rs[0].Expressions[0].Value))
	}
	return allowed, nil
}
