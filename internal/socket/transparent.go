// Package socket wraps the IP_TRANSPARENT socket dance that lets the
// data-plane dial an upstream while presenting the original client's own
// address as its source address.
package socket

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/cuemby/tproxy/internal/errs"
)

// DialOpts configures an outbound transparent dial.
type DialOpts struct {
	// LocalAddr is bound before connect; set it to the remote (client)
	// address of the inbound connection so the upstream sees traffic as
	// coming from the real client.
	LocalAddr *net.TCPAddr
	// Mark, when non-zero, is applied via SO_MARK so the fabric's policy
	// routing table can steer the outbound packet back through the
	// namespace veth instead of looping to the TPROXY rule again.
	Mark int
}

// DialTransparent connects to remote, binding to opts.LocalAddr with
// IP_TRANSPARENT set so the kernel accepts binding a non-local address.
func DialTransparent(ctx context.Context, remote *net.TCPAddr, opts DialOpts) (*net.TCPConn, error) {
	dialer := net.Dialer{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					ctrlErr = fmt.Errorf("%w: setsockopt SO_REUSEADDR: %w", errs.Transport, err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1); err != nil {
					ctrlErr = fmt.Errorf("%w: setsockopt IP_TRANSPARENT: %w", errs.Transport, err)
					return
				}
				if opts.Mark != 0 {
					if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, opts.Mark); err != nil {
						ctrlErr = fmt.Errorf("%w: setsockopt SO_MARK: %w", errs.Transport, err)
						return
					}
				}
			})
			if err != nil {
				return fmt.Errorf("%w: %w", errs.Transport, err)
			}
			return ctrlErr
		},
	}
	if opts.LocalAddr != nil {
		dialer.LocalAddr = opts.LocalAddr
	}

	conn, err := dialer.DialContext(ctx, "tcp", remote.String())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", errs.Upstream, remote, err)
	}
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("%w: dial %s: not a tcp conn", errs.Internal, remote)
	}
	return tc, nil
}

// ListenTransparent opens a TCP listener with IP_TRANSPARENT set, required
// so the fabric's TPROXY rule can hand this listener connections whose
// destination address is not one of the machine's own addresses.
func ListenTransparent(addr *net.TCPAddr) (*net.TCPListener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					ctrlErr = fmt.Errorf("%w: setsockopt SO_REUSEADDR: %w", errs.Transport, err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1); err != nil {
					ctrlErr = fmt.Errorf("%w: setsockopt IP_TRANSPARENT: %w", errs.Transport, err)
					return
				}
			})
			if err != nil {
				return fmt.Errorf("%w: %w", errs.Transport, err)
			}
			return ctrlErr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %w", errs.Transport, addr, err)
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("%w: listen %s: not a tcp listener", errs.Internal, addr)
	}
	return tl, nil
}
