// Package launch starts helper processes and hands the transport an
// already-open connection. Only the minimal local variant lives here:
// helpers running in real VM appliances connect through the conn package's
// vsock or websocket backends instead.
package launch

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/guestkit/guestrpc"
	"github.com/guestkit/guestrpc/conn"
)

// DefaultAcceptTimeout bounds how long Launch waits for the helper to
// connect back to the control socket.
const DefaultAcceptTimeout = 60 * time.Second

// Local launches a helper executable on this host. The helper is given the
// control socket path as its final argument and is expected to connect to
// it and send the launch flag once it is ready to serve.
type Local struct {
	// HelperPath is the helper executable.
	HelperPath string

	// Args are passed to the helper before the socket path.
	Args []string

	// Console captures the helper's stdout/stderr through a pty and
	// forwards it to the handle's log callback, the way an appliance
	// console would be.
	Console bool

	// AcceptTimeout overrides DefaultAcceptTimeout when positive.
	AcceptTimeout time.Duration

	// Logger defaults to a nop logger.
	Logger *zap.SugaredLogger
}

// Helper is a launched helper process.
type Helper struct {
	cmd      *exec.Cmd
	console  *os.File
	sockPath string
	log      *zap.SugaredLogger

	reapOnce sync.Once
	waitErr  error
}

// Launch starts the helper, attaches the resulting connection to the
// handle and blocks until the helper announces readiness. On success the
// handle is in StateReady and its shutdown hook reaps the helper.
func (l *Local) Launch(ctx context.Context, h *guestrpc.Handle) (*Helper, error) {
	log := l.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	sockPath := filepath.Join(os.TempDir(), fmt.Sprintf("guestrpc-%s.sock", uuid.NewString()[:8]))
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("listening on control socket: %w", err)
	}
	defer ln.Close()

	cmd := exec.Command(l.HelperPath, append(append([]string{}, l.Args...), sockPath)...)

	helper := &Helper{cmd: cmd, sockPath: sockPath, log: log}

	if l.Console {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			os.Remove(sockPath)
			return nil, fmt.Errorf("starting helper %q with console: %w", l.HelperPath, err)
		}
		helper.console = ptmx
		go helper.forwardConsole(h)
	} else {
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			os.Remove(sockPath)
			return nil, fmt.Errorf("starting helper %q: %w", l.HelperPath, err)
		}
	}
	log.Debugw("helper started", "path", l.HelperPath, "pid", cmd.Process.Pid, "socket", sockPath)

	timeout := l.AcceptTimeout
	if timeout <= 0 {
		timeout = DefaultAcceptTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ln.(*net.UnixListener).SetDeadline(deadline); err != nil {
		helper.kill()
		return nil, fmt.Errorf("setting accept deadline: %w", err)
	}

	// A cancelled context has no deadline to fold in above, so fail the
	// pending Accept by expiring the listener when ctx fires.
	acceptDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.(*net.UnixListener).SetDeadline(time.Now())
		case <-acceptDone:
		}
	}()

	nc, err := ln.Accept()
	close(acceptDone)
	if err != nil {
		helper.kill()
		if cerr := ctx.Err(); cerr != nil {
			return nil, fmt.Errorf("waiting for helper to connect: %w", cerr)
		}
		return nil, fmt.Errorf("waiting for helper to connect: %w", err)
	}

	if err := h.BeginLaunch(conn.New(nc)); err != nil {
		nc.Close()
		helper.kill()
		return nil, err
	}
	h.SetShutdownHook(helper.kill)

	if err := h.WaitLaunch(); err != nil {
		helper.kill()
		return nil, fmt.Errorf("waiting for launch flag: %w", err)
	}

	log.Debugw("helper ready", "pid", cmd.Process.Pid)
	return helper, nil
}

// forwardConsole pumps console output to the handle's log callback until
// the pty closes. It runs in its own goroutine; the data socket path stays
// synchronous.
func (hp *Helper) forwardConsole(h *guestrpc.Handle) {
	buf := make([]byte, 4096)
	for {
		n, err := hp.console.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			h.ForwardLog(out)
		}
		if err != nil {
			return
		}
	}
}

// Wait blocks until the helper process exits and releases its resources.
func (hp *Helper) Wait() error {
	hp.reap()
	return hp.waitErr
}

// kill is the handle's shutdown hook: terminate the helper and reap it.
func (hp *Helper) kill() {
	if hp.cmd.Process != nil {
		_ = hp.cmd.Process.Kill()
	}
	hp.reap()
}

func (hp *Helper) reap() {
	hp.reapOnce.Do(func() {
		hp.waitErr = hp.cmd.Wait()
		hp.cleanup()
	})
}

func (hp *Helper) cleanup() {
	if hp.console != nil {
		hp.console.Close()
		hp.console = nil
	}
	if hp.sockPath != "" {
		os.Remove(hp.sockPath)
		hp.sockPath = ""
	}
}
