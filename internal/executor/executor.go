// Package executor defines the message protocol between the lifecycle
// controller and an isolated worker, and the contracts every worker backend
// (inproc, process, docker) implements.
//
// The host and the worker never share memory. The only things that cross
// the boundary are a Request going in and a Response (or a worker error)
// coming out.
package executor

import (
	"context"
	"errors"
	"fmt"
)

// Errors returned by Worker.Post.
var (
	ErrTerminated = errors.New("worker terminated")
	ErrBusy       = errors.New("worker already has a request")
)

// RequestHandler runs one request inside the isolated context.
// sandbox.Handler is the production implementation.
type RequestHandler interface {
	Handle(ctx context.Context, req Request) Response
}

// Request asks a worker to run one piece of source text.
type Request struct {
	Code string `json:"code"`
	ID   int64  `json:"id"`
}

// Failure kinds carried in Response.Kind.
const (
	KindValidation = "validation"
	KindRuntime    = "runtime"
)

// Response is produced exactly once per Request that reaches a worker.
// Success responses carry Output, failures carry Error.
type Response struct {
	ID      int64  `json:"id"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	// Kind separates validator rejections from runtime failures.
	Kind string `json:"kind,omitempty"`
	// Construct names the deny-listed identifier or construct behind a
	// validation failure.
	Construct string `json:"construct,omitempty"`
}

// Succeeded builds a success response.
func Succeeded(id int64, output string) Response {
	return Response{ID: id, Success: true, Output: output}
}

// Failed builds a failure response.
func Failed(id int64, kind, message string) Response {
	return Response{ID: id, Success: false, Error: message, Kind: kind}
}

// Rejected builds a validation failure naming the refused construct.
func Rejected(id int64, construct, message string) Response {
	return Response{ID: id, Success: false, Error: message, Kind: KindValidation, Construct: construct}
}

// Event is what a worker reports back: either a Response or an error raised
// inside the isolated context outside of normal request handling
// (a crash, a broken pipe, a container that died).
type Event struct {
	Response *Response
	Err      error
}

// WorkerError wraps an error event so callers can tell it apart from
// transport errors on the host side.
type WorkerError struct {
	Err error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker: %v", e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

// Worker is one isolated execution context. A worker serves a single
// request; the controller terminates it once it settles.
type Worker interface {
	// Post sends the request. It does not wait for the result.
	Post(req Request) error
	// Events delivers the worker's response or error. The channel is never
	// closed by Terminate; readers must also watch Done.
	Events() <-chan Event
	// Done is closed once the worker has been terminated.
	Done() <-chan struct{}
	// Terminate stops the worker immediately. It is idempotent and does not
	// wait for the worker to cooperate.
	Terminate()
}

// Spawner creates isolated workers.
type Spawner interface {
	Spawn(ctx context.Context) (Worker, error)
	// Close releases backend resources (pools, clients).
	Close() error
}
