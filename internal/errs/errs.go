// Package errs defines the error-kind taxonomy shared across the proxy.
//
// Kinds are not types: call sites wrap an underlying error with one of the
// sentinels below via fmt.Errorf("...: %w", Kind) and inspect it later with
// errors.Is. This keeps the taxonomy flat and avoids a parallel hierarchy of
// error structs for what is, in practice, a handful of propagation policies.
package errs

import "errors"

var (
	// Config covers RawConfig parse/validate/translate failures.
	Config = errors.New("config error")
	// Fabric covers netns/iptables/arp/route setup and teardown failures.
	Fabric = errors.New("fabric error")
	// Transport covers TCP/TLS accept, read, and write failures.
	Transport = errors.New("transport error")
	// HTTP covers codec/parser failures that trigger the raw-TCP fallback.
	HTTP = errors.New("http error")
	// Upstream covers DNS/connect/TLS/transport failures talking to the
	// forwarded destination; the engine synthesizes a 502 in response.
	Upstream = errors.New("upstream error")
	// Abort is returned by the action engine when a rule intentionally
	// drops the exchange without writing a response.
	Abort = errors.New("abort applied")
	// Internal marks a broken programmer invariant; callers at the top
	// level log it and exit 1.
	Internal = errors.New("internal error")
)

// Wrap annotates err with kind so errors.Is(wrapped, kind) succeeds while
// the original message is preserved.
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{kind: kind, err: err}
}

type wrapped struct {
	kind error
	err  error
}

func (w *wrapped) Error() string { return w.kind.Error() + ": " + w.err.Error() }
func (w *wrapped) Unwrap() []error {
	return []error{w.kind, w.err}
}
