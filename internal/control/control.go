// Package control serves the hot-reload endpoint: a tiny HTTP server over a
// Unix domain socket that accepts PUT / with a JSON RawConfig body and
// atomically swaps the running rule set.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"github.com/cuemby/tproxy/internal/config"
	"github.com/cuemby/tproxy/internal/errs"
	"github.com/cuemby/tproxy/pkg/metrics"
)

// Reloader is whatever owns the live configuration on this process: the
// data-plane translates raw into a RuntimeConfig and swaps its rule set; the
// controller instead forwards raw on to its supervised child (rebuilding
// the fabric first if the proxied port set changed). Each implementation
// does its own config.Translate, since only the data-plane's translation
// needs to produce a compiled rules.RuleSet.
type Reloader interface {
	Reload(ctx context.Context, raw config.RawConfig) error
}

// Server is the control channel. net/http may serve several requests at
// once; serialising reloads is left to the Reloader (the supervisor holds a
// mutex, and the data-plane swaps its rule set atomically).
type Server struct {
	path     string
	reloader Reloader
	logger   zerolog.Logger

	ln net.Listener
	hs *http.Server
}

// New builds a Server bound to path once Serve is called.
func New(path string, reloader Reloader, logger zerolog.Logger) *Server {
	return &Server{path: path, reloader: reloader, logger: logger}
}

// Serve binds the control socket and blocks until ctx is cancelled or the
// listener errors.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		metrics.SetControlHealth(false, err.Error())
		return fmt.Errorf("%w: bind control socket %s: %w", errs.Fabric, s.path, err)
	}
	s.ln = ln
	s.hs = &http.Server{Handler: http.HandlerFunc(s.handle)}
	metrics.SetControlHealth(true, "")

	errc := make(chan error, 1)
	go func() { errc <- s.hs.Serve(ln) }()

	select {
	case <-ctx.Done():
		s.hs.Close()
		os.Remove(s.path)
		metrics.SetControlHealth(false, "stopped")
		return nil
	case err := <-errc:
		os.Remove(s.path)
		if errors.Is(err, http.ErrServerClosed) {
			metrics.SetControlHealth(false, "stopped")
			return nil
		}
		metrics.SetControlHealth(false, err.Error())
		return fmt.Errorf("%w: control server: %w", errs.Transport, err)
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "read body: %s", err)
		return
	}

	var raw config.RawConfig
	if err := json.Unmarshal(body, &raw); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "decode config: %s", err)
		return
	}

	if err := s.reloader.Reload(r.Context(), raw); err != nil {
		if errors.Is(err, errs.Config) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "translate config: %s", err)
			return
		}
		s.logger.Error().Err(err).Msg("reload failed")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "reload: %s", err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// Push is the client side: it PUTs raw's JSON encoding to the control
// socket at path over a short-lived Unix HTTP connection.
func Push(ctx context.Context, path string, raw config.RawConfig) error {
	body, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: marshal config: %w", errs.Internal, err)
	}

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://unix/", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build reload request: %w", errs.Internal, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: push config: %w", errs.Transport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: reload rejected: %s: %s", errs.Config, resp.Status, msg)
	}
	return nil
}
