// Package conn abstracts the duplex byte stream between the control process
// and the guest helper. Concrete backends (unix socket, AF_VSOCK, websocket)
// are interchangeable; the transport layer above only needs the capability
// set in Conn.
package conn

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"
)

// Conn is the capability set the transport needs from a live byte stream.
//
// EOF must be reported distinctly from genuine errors, because EOF is the
// signal that the helper process has exited: Read returns io.EOF, and Write
// to a peer that has gone away also returns io.EOF.
type Conn interface {
	io.ReadWriteCloser

	// CanRead reports whether a Read would return at least one byte
	// without blocking. It never consumes protocol bytes: anything it
	// reads while probing is returned by the next Read.
	CanRead() (bool, error)
}

// SocketConn adapts any net.Conn with working deadlines (unix and TCP
// sockets, AF_VSOCK, websocket NetConn, net.Pipe) to the Conn interface.
// The readability probe is a zero-deadline read with a one-byte stash.
type SocketConn struct {
	nc net.Conn

	peek     [1]byte
	havePeek bool
	sawEOF   bool

	closeOnce sync.Once
	closeErr  error
}

// New wraps an established net.Conn.
func New(nc net.Conn) *SocketConn {
	return &SocketConn{nc: nc}
}

func (c *SocketConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if c.havePeek {
		p[0] = c.peek[0]
		c.havePeek = false
		return 1, nil
	}
	if c.sawEOF {
		return 0, io.EOF
	}
	n, err := c.nc.Read(p)
	if err != nil && isClosed(err) {
		err = io.EOF
	}
	return n, err
}

func (c *SocketConn) Write(p []byte) (int, error) {
	n, err := c.nc.Write(p)
	if err != nil && isClosed(err) {
		err = io.EOF
	}
	return n, err
}

// CanRead probes the read side with an immediate deadline. A stashed probe
// byte or a previously observed EOF both count as readable, so the caller's
// next Read finds out which it was.
func (c *SocketConn) CanRead() (bool, error) {
	if c.havePeek || c.sawEOF {
		return true, nil
	}
	if err := c.nc.SetReadDeadline(time.Unix(1, 0)); err != nil {
		return false, err
	}
	n, err := c.nc.Read(c.peek[:])
	if derr := c.nc.SetReadDeadline(time.Time{}); derr != nil && err == nil {
		return false, derr
	}
	if n == 1 {
		c.havePeek = true
		return true, nil
	}
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return false, nil
		}
		if err == io.EOF || isClosed(err) {
			c.sawEOF = true
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func (c *SocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

// isClosed reports errors that mean the peer is gone rather than that the
// operation failed. These are folded into io.EOF so the lifecycle layer can
// treat helper death uniformly.
func isClosed(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
