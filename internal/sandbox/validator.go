package sandbox

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sakif/js-dojo/internal/locale"
)

// evalCallPattern matches direct eval( and new Function( calls. It applies
// regardless of the string-literal heuristic.
var evalCallPattern = regexp.MustCompile(`(?i)eval\s*\(|new\s+Function\s*\(`)

// RejectionError is returned by Validate for refused source text.
type RejectionError struct {
	Construct string // deny-listed identifier, or "eval()" / "new Function()"
	Reason    string
}

func (e *RejectionError) Error() string {
	return e.Reason
}

type denyRule struct {
	name    string
	pattern *regexp.Regexp
}

// verdict is a cached Validate result; rejection is nil for accepted source.
type verdict struct {
	rejection *RejectionError
}

// Validator statically screens source text before execution.
// It is safe for concurrent use.
type Validator struct {
	rules []denyRule
	msgs  locale.Messages
	cache *expirable.LRU[string, verdict]
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithVerdictCache memoizes verdicts for up to size distinct sources for ttl.
// A size of zero or less leaves caching off. The cache lives as long as the
// Validator, so it only pays off where one Handler serves many runs: the
// inproc backend. Process and docker workers handle a single request.
func WithVerdictCache(size int, ttl time.Duration) ValidatorOption {
	return func(v *Validator) {
		if size > 0 {
			v.cache = expirable.NewLRU[string, verdict](size, nil, ttl)
		}
	}
}

// NewValidator compiles one case-insensitive word-boundary pattern per
// deny-list entry, keeping the table order.
func NewValidator(deny []string, msgs locale.Messages, opts ...ValidatorOption) (*Validator, error) {
	v := &Validator{
		rules: make([]denyRule, 0, len(deny)),
		msgs:  msgs,
	}
	for _, name := range deny {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, errors.New("sandbox: deny-list entries must not be empty")
		}
		v.rules = append(v.rules, denyRule{
			name:    name,
			pattern: regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`),
		})
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate returns nil when source may run, or a *RejectionError naming the
// first violation found.
func (v *Validator) Validate(source string) error {
	if v.cache != nil {
		if cached, ok := v.cache.Get(source); ok {
			return asError(cached.rejection)
		}
	}

	rejection := v.check(source)
	if v.cache != nil {
		v.cache.Add(source, verdict{rejection: rejection})
	}
	return asError(rejection)
}

func (v *Validator) check(source string) *RejectionError {
	for _, rule := range v.rules {
		loc := rule.pattern.FindStringIndex(source)
		if loc == nil {
			continue
		}
		// Only the first match is inspected.
		if insideStringLiteral(source[:loc[0]]) {
			continue
		}
		return &RejectionError{
			Construct: rule.name,
			Reason:    fmt.Sprintf(v.msgs.DeniedIdentifier, rule.name),
		}
	}

	if m := evalCallPattern.FindString(source); m != "" {
		construct := "new Function()"
		if strings.HasPrefix(strings.ToLower(m), "eval") {
			construct = "eval()"
		}
		return &RejectionError{Construct: construct, Reason: v.msgs.DeniedConstruct}
	}

	return nil
}

// insideStringLiteral applies the quote-parity heuristic to the text that
// precedes a match: an odd number of ', " or ` means the match sits inside
// a literal. Backslashes are not interpreted.
func insideStringLiteral(before string) bool {
	return strings.Count(before, "'")%2 != 0 ||
		strings.Count(before, `"`)%2 != 0 ||
		strings.Count(before, "`")%2 != 0
}

// asError avoids returning a typed nil inside a non-nil error interface.
func asError(r *RejectionError) error {
	if r == nil {
		return nil
	}
	return r
}
