package cli

import (
	"context"
	"encoding/json"
	"io"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	cmd := &cli.Command{
		Name:  "kbsync",
		Usage: "Mirror source documents into a chunk-level vector index",
		Commands: []*cli.Command{
			syncCommand(),
			planCommand(),
			truncateCommand(),
			keysCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "failed to marshal output")
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return goerr.Wrap(err, "failed to write output")
	}
	return nil
}
