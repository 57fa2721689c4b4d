package conn

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanReadIdle(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	c := New(a)
	ready, err := c.CanRead()
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestCanReadDoesNotConsume(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		b.Write([]byte{1, 2, 3, 4})
	}()

	c := New(a)

	// Wait until the probe sees data; the first positive probe stashes
	// one byte.
	var ready bool
	var err error
	for !ready {
		ready, err = c.CanRead()
		require.NoError(t, err)
	}

	// Repeated probes stay positive and must not consume more bytes.
	ready, err = c.CanRead()
	require.NoError(t, err)
	assert.True(t, ready)

	buf := make([]byte, 4)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)
}

func TestReadAfterPeerClose(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	b.Close()

	c := New(a)
	_, err := c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteAfterPeerClose(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	b.Close()

	c := New(a)
	_, err := c.Write([]byte{1})
	assert.ErrorIs(t, err, io.EOF)
}

func TestCanReadSeesEOF(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	b.Close()

	c := New(a)

	// A dead peer counts as readable so the caller's next Read observes
	// the EOF instead of the probe swallowing it.
	ready, err := c.CanRead()
	require.NoError(t, err)
	assert.True(t, ready)

	_, err = c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestCloseIdempotent(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	c := New(a)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
