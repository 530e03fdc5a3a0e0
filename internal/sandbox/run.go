package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/sakif/js-dojo/internal/locale"
)

// RuntimeError is an exception raised by executed code, or a failure to
// compile it. Message is what the user sees.
type RuntimeError struct {
	Message string
	Cause   error
}

func (e *RuntimeError) Error() string { return e.Message }

func (e *RuntimeError) Unwrap() error { return e.Cause }

// Executor runs validated source text in a fresh restricted environment.
// It holds no per-execution state and is safe for concurrent use.
type Executor struct {
	msgs             locale.Messages
	maxCallStackSize int
}

// NewExecutor returns an Executor. A maxCallStackSize of zero keeps goja's
// default depth limit.
func NewExecutor(msgs locale.Messages, maxCallStackSize int) *Executor {
	return &Executor{msgs: msgs, maxCallStackSize: maxCallStackSize}
}

// Execute runs source as the body of a function whose parameters are the
// allow-listed names and returns the composed output. Cancelling ctx
// interrupts the runtime; the error is then a *RuntimeError wrapping
// ctx.Err().
func (e *Executor) Execute(ctx context.Context, source string) (string, error) {
	vm := goja.New()
	if e.maxCallStackSize > 0 {
		vm.SetMaxCallStackSize(e.maxCallStackSize)
	}

	env, err := BuildEnvironment(vm, e.msgs)
	if err != nil {
		return "", fmt.Errorf("build environment: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	fnVal, err := vm.RunString(wrapSource(env.Names(), source))
	if err != nil {
		return "", e.failure(ctx, err)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return "", errors.New("wrapped source did not compile to a function")
	}

	result, err := e.call(fn, env)
	if err != nil {
		return "", e.failure(ctx, err)
	}
	return e.compose(env, result), nil
}

// call invokes the wrapper and renders its return value, which may run
// user toJSON/toString code.
func (e *Executor) call(fn goja.Callable, env *Environment) (string, error) {
	v, err := fn(goja.Undefined(), env.Values()...)
	if err != nil {
		return "", err
	}
	if v == nil || goja.IsUndefined(v) {
		return "", nil
	}
	return env.render.Render(v)
}

// compose builds the output text: log lines, then the error block, then the
// result, or the placeholder when all three are empty.
func (e *Executor) compose(env *Environment, result string) string {
	var b strings.Builder
	if logs := env.Output.Logs; len(logs) > 0 {
		b.WriteString(strings.Join(logs, "\n"))
		b.WriteByte('\n')
	}
	if errs := env.Output.Errors; len(errs) > 0 {
		b.WriteString(e.msgs.ErrorMarker)
		b.WriteString(strings.Join(errs, "\n"))
		b.WriteByte('\n')
	}
	b.WriteString(result)

	if b.Len() == 0 {
		return e.msgs.NoOutput
	}
	return b.String()
}

// failure maps a goja error to a *RuntimeError carrying the thrown value's
// message property, or the locale fallback when it has none.
func (e *Executor) failure(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		cause := ctx.Err()
		if cause == nil {
			cause = err
		}
		return &RuntimeError{Message: cause.Error(), Cause: cause}
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		msg := messageOf(exc.Value())
		if msg == "" {
			msg = e.msgs.RuntimeFallback
		}
		return &RuntimeError{Message: msg, Cause: err}
	}

	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return &RuntimeError{Message: "Maximum call stack size exceeded", Cause: err}
	}

	msg := err.Error()
	if msg == "" {
		msg = e.msgs.RuntimeFallback
	}
	return &RuntimeError{Message: msg, Cause: err}
}

// messageOf reads v.message with JS truthiness. Getters that throw yield "".
func messageOf(v goja.Value) (msg string) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return ""
	}
	defer func() {
		if recover() != nil {
			msg = ""
		}
	}()
	m := obj.Get("message")
	if m == nil || !m.ToBoolean() {
		return ""
	}
	return m.String()
}

// wrapSource places source on its own lines so a trailing line comment in
// user code cannot swallow the closing brace.
func wrapSource(params []string, source string) string {
	return "(function(" + strings.Join(params, ", ") + ") {\n" + source + "\n})"
}
