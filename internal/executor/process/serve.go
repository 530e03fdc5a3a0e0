package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/sakif/js-dojo/internal/executor"
)

// Serve is the worker side of the stdio protocol: it decodes one Request
// per line from r, runs it through handler and writes one Response per line
// to w. It returns nil when r reaches EOF.
func Serve(ctx context.Context, r io.Reader, w io.Writer, handler executor.RequestHandler) error {
	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)

	for {
		var req executor.Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode request: %w", err)
		}

		resp := handler.Handle(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("encode response %d: %w", req.ID, err)
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
