package sandbox_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/js-dojo/internal/executor"
	"github.com/sakif/js-dojo/internal/sandbox"
)

func newHandler(t *testing.T) *sandbox.Handler {
	t.Helper()
	h, err := sandbox.New(sandbox.DefaultConfig())
	require.NoError(t, err)
	return h
}

func TestHandler_Handle(t *testing.T) {
	h := newHandler(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  executor.Request
		want executor.Response
	}{
		{
			name: "success",
			req:  executor.Request{ID: 1, Code: `console.log("hello")`},
			want: executor.Response{ID: 1, Success: true, Output: "hello\n"},
		},
		{
			name: "validation failure is a response",
			req:  executor.Request{ID: 2, Code: `fetch("/secret")`},
			want: executor.Response{
				ID:    2,
				Error:     "use of fetch is not allowed for security reasons",
				Kind:      executor.KindValidation,
				Construct: "fetch",
			},
		},
		{
			name: "runtime failure",
			req:  executor.Request{ID: 3, Code: `throw new Error("boom")`},
			want: executor.Response{ID: 3, Error: "boom", Kind: executor.KindRuntime},
		},
		{
			name: "placeholder",
			req:  executor.Request{ID: 4, Code: `const a = 1;`},
			want: executor.Response{ID: 4, Success: true, Output: "(no output)"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.Handle(ctx, tt.req))
		})
	}
}

func TestHandler_Idempotent(t *testing.T) {
	h := newHandler(t)
	req := executor.Request{ID: 7, Code: `const xs = [3, 1, 2]; xs.sort(); return xs;`}

	first := h.Handle(context.Background(), req)
	second := h.Handle(context.Background(), req)
	require.True(t, first.Success)
	assert.Equal(t, first, second)
}

func TestHandler_Concurrent(t *testing.T) {
	h := newHandler(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := h.Handle(context.Background(), executor.Request{
				ID:   int64(i),
				Code: fmt.Sprintf("console.log(%d)", i),
			})
			assert.True(t, resp.Success)
			assert.Equal(t, int64(i), resp.ID)
			assert.Equal(t, fmt.Sprintf("%d\n", i), resp.Output)
		}(i)
	}
	wg.Wait()
}

func TestHandler_Config(t *testing.T) {
	t.Run("unknown locale", func(t *testing.T) {
		cfg := sandbox.DefaultConfig()
		cfg.Locale = "xx"
		_, err := sandbox.New(cfg)
		assert.Error(t, err)
	})

	t.Run("custom deny list", func(t *testing.T) {
		cfg := sandbox.DefaultConfig()
		cfg.DenyList = []string{"Math"}
		h, err := sandbox.New(cfg)
		require.NoError(t, err)

		resp := h.Handle(context.Background(), executor.Request{ID: 1, Code: `return Math.max(1, 2);`})
		assert.False(t, resp.Success)
		assert.Equal(t, executor.KindValidation, resp.Kind)
	})

	t.Run("japanese", func(t *testing.T) {
		cfg := sandbox.DefaultConfig()
		cfg.Locale = "ja"
		h, err := sandbox.New(cfg)
		require.NoError(t, err)

		resp := h.Handle(context.Background(), executor.Request{ID: 1, Code: `eval("1")`})
		assert.Equal(t, "セキュリティ上の理由により、evalの使用は許可されていません", resp.Error)
	})
}
