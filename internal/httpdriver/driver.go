// Package httpdriver runs the per-connection state machine: decode HTTP/1.1
// requests off the wire, hand them to a Handler, write back the response,
// and on any sign the stream isn't HTTP at all, fall back to a raw
// bidirectional splice against the original destination so non-HTTP
// traffic on the port still passes through untouched.
package httpdriver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/cuemby/tproxy/internal/errs"
	"github.com/cuemby/tproxy/internal/service"
	"github.com/cuemby/tproxy/internal/socket"
	"github.com/cuemby/tproxy/pkg/metrics"
)

// Handler processes one decoded request and returns the response to write
// back. Returning an error wrapping errs.Abort drops the connection with no
// response, matching the abort action's semantics. Any other error causes
// the driver to synthesize a 502.
type Handler func(ctx context.Context, port uint16, req *http.Request) (*http.Response, error)

// Drive owns conn until the exchange ends: it decodes requests, dispatches
// them to handle, writes responses, and loops for keep-alive. mark is
// applied to the raw-splice fallback's outbound socket so the fabric's
// routing table doesn't loop the packet back into TPROXY.
func Drive(ctx context.Context, conn *net.TCPConn, mark int, handle Handler, logger zerolog.Logger) error {
	origDst, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("%w: connection has no TCP local address", errs.Internal)
	}
	clientAddr, _ := conn.RemoteAddr().(*net.TCPAddr)
	ctx = service.WithOriginalDest(ctx, origDst)
	ctx = service.WithLocalAddr(ctx, clientAddr)

	br := bufio.NewReader(conn)
	err := DriveStream(ctx, br, conn, uint16(origDst.Port), handle, logger)
	if err == errNonHTTP {
		if br.Buffered() == 0 {
			// Nothing was ever buffered: the parse failed on an empty or
			// already-drained stream, not on bytes we'd otherwise have to
			// replay. Nothing to splice, so just close.
			logger.Debug().Msg("non-HTTP stream with no buffered bytes, closing")
			return nil
		}
		logger.Debug().Msg("non-HTTP stream, falling back to raw splice")
		metrics.RawSpliceTotal.Inc()
		return rawSplice(ctx, conn, br, origDst, clientAddr, mark, logger)
	}
	return err
}

var errNonHTTP = errors.New("httpdriver: stream is not HTTP/1.1")

// DriveStream runs the decode/handle/write loop over an already-established
// stream (a raw TCP connection, or the plaintext side of a terminated TLS
// connection). br must wrap r and must not have been read from outside this
// call. It returns errNonHTTP, unwrapped, whenever a read fails to parse as
// an HTTP request (the first one or a later keep-alive one), so callers
// that can't raw-splice (a terminated
// TLS stream has no undecrypted bytes to splice) can choose their own
// fallback.
func DriveStream(ctx context.Context, br *bufio.Reader, w io.Writer, port uint16, handle Handler, logger zerolog.Logger) error {
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errNonHTTP
		}
		req = req.WithContext(ctx)

		resp, herr := handle(ctx, port, req)
		drainBody(req.Body)
		if herr != nil {
			if errors.Is(herr, errs.Abort) {
				return nil
			}
			resp = synthesizeBadGateway(req, herr)
		}

		if err := resp.Write(w); err != nil {
			return fmt.Errorf("%w: write response: %w", errs.Transport, err)
		}
		if resp.Body != nil {
			resp.Body.Close()
		}
		if req.Close || resp.Close {
			return nil
		}
	}
}

func drainBody(body io.ReadCloser) {
	if body == nil {
		return
	}
	io.Copy(io.Discard, body)
	body.Close()
}

// synthesizeBadGateway builds the 502 response the spec requires whenever
// the upstream side of the exchange fails after a request was decoded.
func synthesizeBadGateway(req *http.Request, cause error) *http.Response {
	msg := fmt.Sprintf("upstream error: %s\n", cause.Error())
	resp := &http.Response{
		StatusCode: http.StatusBadGateway,
		Status:     fmt.Sprintf("%d %s", http.StatusBadGateway, http.StatusText(http.StatusBadGateway)),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader([]byte(msg))),
		Request:    req,
	}
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.ContentLength = int64(len(msg))
	return resp
}

// rawSplice hands the connection off verbatim: any bytes already buffered
// by br (consumed from conn while probing for an HTTP request line) are
// replayed to the upstream ahead of the live stream, so the degrade is
// invisible to both ends.
func rawSplice(ctx context.Context, conn *net.TCPConn, br *bufio.Reader, origDst, clientAddr *net.TCPAddr, mark int, logger zerolog.Logger) error {
	buffered := br.Buffered()
	leftover := make([]byte, buffered)
	if _, err := io.ReadFull(br, leftover); err != nil {
		return fmt.Errorf("%w: drain buffered bytes: %w", errs.Transport, err)
	}

	upstream, err := socket.DialTransparent(ctx, origDst, socket.DialOpts{LocalAddr: clientAddr, Mark: mark})
	if err != nil {
		return fmt.Errorf("%w: raw splice dial: %w", errs.Upstream, err)
	}
	defer upstream.Close()

	if len(leftover) > 0 {
		if _, err := upstream.Write(leftover); err != nil {
			return fmt.Errorf("%w: raw splice replay: %w", errs.Transport, err)
		}
	}

	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(upstream, conn)
		upstream.CloseWrite()
		errc <- err
	}()
	go func() {
		_, err := io.Copy(conn, upstream)
		conn.CloseWrite()
		errc <- err
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		if err != nil && !isClosedConnErr(err) {
			logger.Debug().Err(err).Msg("raw splice ended with error")
		}
		<-errc
		return nil
	}
}

func isClosedConnErr(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, net.ErrClosed)
}
