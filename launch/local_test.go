package launch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestkit/guestrpc"
)

func TestLaunchHelperMissing(t *testing.T) {
	l := &Local{
		HelperPath:    "/nonexistent/guestrpc-helper",
		AcceptTimeout: time.Second,
	}
	h := guestrpc.New()

	_, err := l.Launch(context.Background(), h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting helper")
	assert.Equal(t, guestrpc.StateNotLaunched, h.State())
}

func TestLaunchContextCancelled(t *testing.T) {
	// No deadline on the context; cancellation alone has to interrupt the
	// accept wait.
	l := &Local{
		HelperPath:    "/bin/sleep",
		Args:          []string{"30"},
		AcceptTimeout: 30 * time.Second,
	}
	h := guestrpc.New()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := l.Launch(ctx, h)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, guestrpc.StateNotLaunched, h.State())
}

func TestLaunchHelperNeverConnects(t *testing.T) {
	// sleep starts fine but never dials the control socket; the accept
	// deadline has to fire.
	l := &Local{
		HelperPath:    "/bin/sleep",
		Args:          []string{"30"},
		AcceptTimeout: 100 * time.Millisecond,
	}
	h := guestrpc.New()

	start := time.Now()
	_, err := l.Launch(context.Background(), h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "waiting for helper to connect")
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, guestrpc.StateNotLaunched, h.State())
}
