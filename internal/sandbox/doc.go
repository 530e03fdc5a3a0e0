/*
Package sandbox runs untrusted lesson JavaScript inside a restricted goja
runtime. It is the worker-side half of the execution harness: every worker
backend (inproc, process, docker) ends up calling Handler.Handle.

# Pipeline

Each request flows through three stages:

 1. Validator: regex deny-list scan plus an unconditional eval/new Function check.
 2. Environment: a fresh goja runtime whose global object is emptied; only the
    allow-listed bindings survive, passed in as function parameters, and a
    console shim captures output.
 3. Executor: the source becomes the body of a function whose parameters are the
    allow-listed names; the function's return value is the printable result.

# Policy tables

DefaultDenyList and AllowedNames are plain ordered tables. They are read-only at
runtime and safe to share between goroutines.

# Known limitations

The string-literal exclusion in the validator is a quote-parity heuristic. It
only inspects the first match of each deny-list entry, counts every quote
character (escaped or not) and knows nothing about comments. It is a
defense-in-depth filter; the emptied global scope is what actually keeps code
away from anything not injected.

# Usage

	h, err := sandbox.New(sandbox.DefaultConfig())
	if err != nil {
		return err
	}
	resp := h.Handle(ctx, executor.Request{ID: 1, Code: `console.log("hello")`})
*/
package sandbox
