// Package tcplisten runs the accept loop shared by the HTTP and HTTPS
// listeners: set TCP_NODELAY on each accepted connection, classify accept
// errors as transient or fatal, and back off under sustained transient
// failure instead of spinning.
package tcplisten

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/cuemby/tproxy/internal/errs"
)

// Handler processes one accepted connection. It owns the connection and
// must close it when done.
type Handler func(ctx context.Context, conn *net.TCPConn)

// Serve accepts connections from ln until ctx is cancelled or ln is closed,
// dispatching each to handler on its own goroutine. Transient accept errors
// (ECONNABORTED, ECONNREFUSED, ECONNRESET, EMFILE, ENFILE, and friends
// reported as net.Error.Temporary pre-Go-1.22-removal equivalents) are
// retried with a token-bucket backoff capped at one retry per second;
// anything else is fatal and Serve returns.
func Serve(ctx context.Context, ln *net.TCPListener, logger zerolog.Logger, handler Handler) error {
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn, err := ln.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTransientAcceptError(err) {
				logger.Warn().Err(err).Msg("transient accept error, backing off")
				if werr := limiter.Wait(ctx); werr != nil {
					return nil
				}
				continue
			}
			return errs.Wrap(errs.Transport, err)
		}

		if err := conn.SetNoDelay(true); err != nil {
			logger.Warn().Err(err).Msg("failed to set TCP_NODELAY")
		}

		go handler(ctx, conn)
	}
}

func isTransientAcceptError(err error) bool {
	var sysErr *net.OpError
	if errors.As(err, &sysErr) {
		if errors.Is(sysErr.Err, unix.ECONNABORTED) ||
			errors.Is(sysErr.Err, unix.EMFILE) ||
			errors.Is(sysErr.Err, unix.ENFILE) ||
			errors.Is(sysErr.Err, unix.ECONNRESET) ||
			errors.Is(sysErr.Err, unix.ECONNREFUSED) {
			return true
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
