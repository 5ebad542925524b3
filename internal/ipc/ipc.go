// Package ipc transfers a single JSON-encoded config document from the
// controller process to the data-plane child it just spawned, over a
// one-shot Unix domain socket: the controller binds, writes the document to
// the first (and only) connection, and tears the socket down; the child
// dials once, reads to EOF, and decodes.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/cuemby/tproxy/internal/errs"
)

// Serve binds path, accepts exactly one connection, writes the JSON
// encoding of data to it, and removes the socket file. It blocks until that
// single exchange completes or ctx is cancelled.
func Serve(ctx context.Context, path string, data any) error {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("%w: bind uds %s: %w", errs.Fabric, path, err)
	}
	defer os.Remove(path)
	defer ln.Close()

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%w: marshal ipc payload: %w", errs.Internal, err)
	}

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	done := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		done <- acceptResult{conn, err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("%w: accept uds %s: %w", errs.Fabric, path, res.err)
		}
		defer res.conn.Close()
		if _, err := res.conn.Write(payload); err != nil {
			return fmt.Errorf("%w: write ipc payload: %w", errs.Fabric, err)
		}
		return nil
	}
}

// Receive dials path once, reads the full payload written by Serve, and
// decodes it into v.
func Receive(ctx context.Context, path string, v any) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("%w: dial uds %s: %w", errs.Fabric, path, err)
	}
	defer conn.Close()

	dec := json.NewDecoder(conn)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode ipc payload: %w", errs.Config, err)
	}
	return nil
}
