package chunk

import (
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kbsync/pkg/model"
	"github.com/tmc/langchaingo/textsplitter"
)

// Placeholder is the chunk text of a document that has no text
const Placeholder = " "

const (
	SplitterRecursive = "recursive"
	SplitterMarkdown  = "markdown"
)

// NewSplitter returns a deterministic text splitter. Size must be positive
// and overlap must be in [0, size).
func NewSplitter(kind string, size, overlap int) (textsplitter.TextSplitter, error) {
	if size <= 0 {
		return nil, goerr.Wrap(model.ErrConfiguration, "chunk size must be positive", goerr.V("size", size))
	}
	if overlap < 0 || overlap >= size {
		return nil, goerr.Wrap(model.ErrConfiguration, "chunk overlap must be in [0, size)",
			goerr.V("size", size),
			goerr.V("overlap", overlap))
	}

	opts := []textsplitter.Option{
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(overlap),
	}
	switch kind {
	case SplitterRecursive, "":
		return textsplitter.NewRecursiveCharacter(opts...), nil
	case SplitterMarkdown:
		return textsplitter.NewMarkdownTextSplitter(opts...), nil
	default:
		return nil, goerr.Wrap(model.ErrConfiguration, "unknown splitter", goerr.V("splitter", kind))
	}
}

// Split splits text and drops whitespace-only pieces. Text without any
// content yields a single placeholder chunk.
func Split(splitter textsplitter.TextSplitter, text string) ([]string, error) {
	var chunks []string
	if strings.TrimSpace(text) != "" {
		pieces, err := splitter.SplitText(text)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to split text")
		}
		for _, p := range pieces {
			if strings.TrimSpace(p) == "" {
				continue
			}
			chunks = append(chunks, p)
		}
	}

	if len(chunks) == 0 {
		return []string{Placeholder}, nil
	}
	return chunks, nil
}
