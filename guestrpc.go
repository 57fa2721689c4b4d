// Package guestrpc drives a short-lived helper daemon running inside an
// isolated appliance over a single duplex byte stream. The caller issues
// procedure calls, optionally streams a file in either direction, and the
// package keeps the connection state correct when the helper dies, when the
// helper cancels an upload mid-stream, or when the user cancels a transfer.
//
// A Handle supports exactly one outstanding call at a time, and all
// operations are synchronous and blocking. Callers that share a Handle
// between goroutines must serialize calls themselves; the only operation
// that is safe to invoke concurrently is Cancel.
package guestrpc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/guestkit/guestrpc/conn"
	"github.com/guestkit/guestrpc/protocol"
)

// State is the connection lifecycle state of a Handle.
type State int

const (
	// StateNotLaunched means no helper is attached. This is both the
	// initial state and the state after helper death or Close.
	StateNotLaunched State = iota

	// StateLaunching means a connection is attached but the helper has
	// not yet sent the launch sentinel.
	StateLaunching

	// StateReady means the helper announced itself and calls may be made.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateNotLaunched:
		return "not-launched"
	case StateLaunching:
		return "launching"
	case StateReady:
		return "ready"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Handle is the long-lived object through which all calls are made. It
// exclusively owns zero or one connection to a helper.
type Handle struct {
	log *zap.SugaredLogger
	id  string

	state      State
	conn       conn.Conn
	serial     uint32
	launchedAt time.Time

	userCancel atomic.Bool

	// shutdownHook tells the transport backend (launcher) to shut down.
	// It runs first on the helper-death path.
	shutdownHook func()

	cbMu       sync.Mutex
	launchDone func()
	quit       func()
	progress   func(protocol.ProgressMessage)
	helperLog  func([]byte)
}

// Option configures a Handle.
type Option func(*Handle)

// WithLogger sets the logger. The default is a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handle) { h.log = l.Sugar() }
}

// WithIdentifier overrides the generated handle identifier used in logs.
func WithIdentifier(id string) Option {
	return func(h *Handle) { h.id = id }
}

// OnLaunchDone registers a callback fired when the helper announces it has
// finished booting.
func OnLaunchDone(f func()) Option {
	return func(h *Handle) { h.launchDone = f }
}

// OnSubprocessQuit registers a callback fired after teardown when the
// helper process is detected to have exited.
func OnSubprocessQuit(f func()) Option {
	return func(h *Handle) { h.quit = f }
}

// OnProgress registers a callback for out-of-band progress notifications.
// It fires synchronously from inside receive operations.
func OnProgress(f func(protocol.ProgressMessage)) Option {
	return func(h *Handle) { h.progress = f }
}

// OnHelperLog registers a callback for raw console/log text from the
// helper, delivered by the launcher through ForwardLog.
func OnHelperLog(f func([]byte)) Option {
	return func(h *Handle) { h.helperLog = f }
}

// New creates a Handle in StateNotLaunched.
func New(opts ...Option) *Handle {
	h := &Handle{
		log: zap.NewNop().Sugar(),
		id:  uuid.NewString(),
	}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.With("handle", h.id)
	return h
}

// ID returns the handle identifier.
func (h *Handle) ID() string { return h.id }

// State returns the current lifecycle state.
func (h *Handle) State() State { return h.state }

// Cancel requests cooperative cancellation of the file transfer in
// progress. It may be called from any goroutine, including a signal
// handler's. The flag is consulted between chunks, so cancellation latency
// is bounded by one chunk's transfer time.
func (h *Handle) Cancel() { h.userCancel.Store(true) }

// SetShutdownHook registers the backend shutdown callback invoked when
// helper death is detected. Launchers use this to reap the child process.
func (h *Handle) SetShutdownHook(f func()) { h.shutdownHook = f }

// BeginLaunch attaches an open connection to the handle and moves it to
// StateLaunching. The helper is expected to send the launch sentinel once
// it has booted; see WaitLaunch.
func (h *Handle) BeginLaunch(c conn.Conn) error {
	if h.state != StateNotLaunched {
		return fmt.Errorf("guestrpc: handle is in state %s, expected %s", h.state, StateNotLaunched)
	}
	h.conn = c
	h.state = StateLaunching
	h.launchedAt = time.Now()
	h.userCancel.Store(false)
	h.log.Debugw("connection attached", "state", h.state)
	return nil
}

// WaitLaunch blocks until the helper sends the launch sentinel and the
// handle reaches StateReady. Progress frames are handled transparently;
// anything else on the wire at this point is a protocol violation.
func (h *Handle) WaitLaunch() error {
	prefix, _, err := h.recvRaw()
	if err != nil {
		return err
	}
	if prefix.Kind != protocol.PrefixLaunch {
		return fmt.Errorf("%w: received %s frame while waiting for helper to come up", ErrDesync, prefix.Kind)
	}
	return nil
}

// Close detaches and closes the connection, if any, and returns the handle
// to StateNotLaunched. It does not fire the subprocess-quit callback; that
// is reserved for unexpected helper death.
func (h *Handle) Close() error {
	c := h.conn
	h.conn = nil
	h.state = StateNotLaunched
	h.launchedAt = time.Time{}
	if c == nil {
		return nil
	}
	h.log.Debugw("connection closed")
	return c.Close()
}

// connDied is the single death-handling routine, invoked from any read or
// write primitive that observes EOF. Safe to reach from multiple call
// sites: the connection field is cleared before anything else acts on it.
func (h *Handle) connDied() {
	h.log.Debugw("helper process died", "state", h.state)
	if h.shutdownHook != nil {
		h.shutdownHook()
	}
	c := h.conn
	h.conn = nil
	if c != nil {
		_ = c.Close()
	}
	h.launchedAt = time.Time{}
	h.state = StateNotLaunched
	h.fireQuit()
}

// deadErr runs the death path and returns the error every caller surfaces
// for it.
func (h *Handle) deadErr() error {
	h.connDied()
	return ErrUnexpectedClose
}

// ForwardLog delivers raw console text from the helper to the registered
// log callback. Launchers call this from their console reader.
func (h *Handle) ForwardLog(buf []byte) {
	h.cbMu.Lock()
	f := h.helperLog
	h.cbMu.Unlock()
	if f != nil {
		f(buf)
	}
}

func (h *Handle) fireLaunchDone() {
	h.cbMu.Lock()
	f := h.launchDone
	h.cbMu.Unlock()
	if f != nil {
		f()
	}
}

func (h *Handle) fireQuit() {
	h.cbMu.Lock()
	f := h.quit
	h.cbMu.Unlock()
	if f != nil {
		f()
	}
}

func (h *Handle) fireProgress(m protocol.ProgressMessage) {
	h.cbMu.Lock()
	f := h.progress
	h.cbMu.Unlock()
	if f != nil {
		f(m)
	}
}
