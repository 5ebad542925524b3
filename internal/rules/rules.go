// Package rules implements the selector and action model of the chaos
// engine: typed predicates over a request/response (Selector) composed with
// a fixed-order set of side effects (Actions).
package rules

import (
	"net/http"
	"time"
)

// Target names which side of the exchange a Rule applies to.
type Target string

const (
	TargetRequest  Target = "Request"
	TargetResponse Target = "Response"
)

// Selector is a conjunction of optional predicates. A nil field is a
// wildcard; every present field must match for Select* to return true.
type Selector struct {
	Port            *uint16
	Path            *PathMatcher
	Method          *string
	Code            *int
	RequestHeaders  map[string]string
	ResponseHeaders map[string]string
}

// Actions is the fixed vocabulary of side effects a Rule can apply. The
// engine in action.go applies them in a fixed order regardless of the
// order fields are set here: abort, delay, replace, patch.
type Actions struct {
	Abort   bool
	Delay   *time.Duration
	Replace *ReplaceAction
	Patch   *PatchAction
}

// ReplaceAction overwrites fields of a request or response outright.
type ReplaceAction struct {
	Path    *string
	Method  *string
	Body    []byte
	Code    *int
	Queries map[string]string
	Headers map[string]string
}

// PatchAction appends to or merges into a request or response without
// discarding what was already there.
type PatchAction struct {
	Body    *PatchBody
	Queries [][2]string
	Headers [][2]string
}

// PatchBodyKind enumerates the closed set of body-patch strategies.
type PatchBodyKind string

const PatchBodyJSON PatchBodyKind = "JSON"

// PatchBody carries the patch document; Kind is always JSON today but is
// kept as a tag rather than a bare []byte so the vocabulary can grow without
// breaking callers that switch on it.
type PatchBody struct {
	Kind PatchBodyKind
	JSON []byte
}

// Rule is one entry of a RuleSet: a target, a selector, and the actions to
// apply when the selector matches.
type Rule struct {
	Target   Target
	Selector Selector
	Actions  Actions
}

// RuleSet is an ordered sequence of rules. Order is significant: matching
// rules for a given direction are applied in declaration order.
type RuleSet []Rule

// RequestRules returns the subset of rs targeting requests, in order.
func (rs RuleSet) RequestRules() []Rule {
	return filterTarget(rs, TargetRequest)
}

// ResponseRules returns the subset of rs targeting responses, in order.
func (rs RuleSet) ResponseRules() []Rule {
	return filterTarget(rs, TargetResponse)
}

func filterTarget(rs RuleSet, t Target) []Rule {
	out := make([]Rule, 0, len(rs))
	for _, r := range rs {
		if r.Target == t {
			out = append(out, r)
		}
	}
	return out
}

// RequestContext captures the pre-forward request metadata that response
// selectors must be able to re-check (spec §4.4: "request-side metadata
// captured pre-forward is re-checked in addition to status and response
// headers").
type RequestContext struct {
	Port    uint16
	Path    string
	Method  string
	Headers http.Header
}
