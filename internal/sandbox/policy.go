package sandbox

// denyList is the identifier table the validator scans for, in check order.
// It covers network, storage, global-object, timer, worker, messaging and
// navigation primitives of the browser the lessons were written for.
var denyList = []string{
	"fetch",
	"XMLHttpRequest",
	"localStorage",
	"sessionStorage",
	"document",
	"window",
	"parent",
	"top",
	"frames",
	"self",
	"globalThis",
	"importScripts",
	"eval",
	"Function",
	"setTimeout",
	"setInterval",
	"WebSocket",
	"Worker",
	"SharedWorker",
	"navigator",
	"location",
	"history",
	"open",
	"close",
	"postMessage",
}

// DefaultDenyList returns a copy of the built-in deny-list in check order.
// Callers may edit the copy and hand it to NewValidator.
func DefaultDenyList() []string {
	out := make([]string, len(denyList))
	copy(out, denyList)
	return out
}

// AllowedNames returns the allow-listed global names in parameter order.
func AllowedNames() []string {
	names := make([]string, len(allowList))
	for i, b := range allowList {
		names[i] = b.Name
	}
	return names
}
