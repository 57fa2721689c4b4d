package guestrpc

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/guestkit/guestrpc/protocol"
)

func peerWriteChunk(nc net.Conn, c protocol.Chunk) error {
	return peerWriteFrame(nc, protocol.EncodeChunk(c))
}

// decodeChunkFrames splits a recorded write stream back into chunks.
func decodeChunkFrames(t *testing.T, b []byte) []protocol.Chunk {
	t.Helper()
	var chunks []protocol.Chunk
	for len(b) > 0 {
		require.GreaterOrEqual(t, len(b), 4)
		var pb [4]byte
		copy(pb[:], b[:4])
		prefix, err := protocol.DecodePrefix(pb)
		require.NoError(t, err)
		require.Equal(t, protocol.PrefixLen, prefix.Kind)
		require.GreaterOrEqual(t, len(b), 4+int(prefix.Len))

		c, err := protocol.DecodeChunk(b[4 : 4+prefix.Len])
		require.NoError(t, err)
		chunks = append(chunks, c)
		b = b[4+prefix.Len:]
	}
	return chunks
}

func TestSendFileSmall(t *testing.T) {
	h, pc := newReadyHandle(t)

	var received []byte
	var g errgroup.Group
	g.Go(func() error {
		for {
			c, err := peerReadChunk(pc)
			if err != nil {
				return err
			}
			if c.Cancel {
				return fmt.Errorf("unexpected cancel chunk")
			}
			if len(c.Data) == 0 {
				return nil
			}
			received = append(received, c.Data...)
		}
	})

	require.NoError(t, h.SendFileFrom(bytes.NewReader([]byte("hello, guest"))))
	require.NoError(t, g.Wait())
	assert.Equal(t, []byte("hello, guest"), received)
}

func TestSendFileMultipleChunks(t *testing.T) {
	h, pc := newReadyHandle(t)

	data := bytes.Repeat([]byte{0xab}, 2*protocol.MaxChunkSize+5)

	var received []byte
	var chunks int
	var g errgroup.Group
	g.Go(func() error {
		for {
			c, err := peerReadChunk(pc)
			if err != nil {
				return err
			}
			if len(c.Data) == 0 {
				return nil
			}
			if len(c.Data) > protocol.MaxChunkSize {
				return fmt.Errorf("chunk of %d bytes exceeds limit", len(c.Data))
			}
			chunks++
			received = append(received, c.Data...)
		}
	})

	require.NoError(t, h.SendFileFrom(bytes.NewReader(data)))
	require.NoError(t, g.Wait())
	assert.Equal(t, data, received)
	assert.Equal(t, 3, chunks)
}

func TestSendFileFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(path, []byte("on disk"), 0o644))

	h, pc := newReadyHandle(t)

	var received []byte
	var g errgroup.Group
	g.Go(func() error {
		for {
			c, err := peerReadChunk(pc)
			if err != nil {
				return err
			}
			if len(c.Data) == 0 {
				return nil
			}
			received = append(received, c.Data...)
		}
	})

	require.NoError(t, h.SendFile(path))
	require.NoError(t, g.Wait())
	assert.Equal(t, []byte("on disk"), received)
}

func TestSendFileWireShape(t *testing.T) {
	// A 3-byte stream is exactly one data chunk plus one zero-length
	// terminator, nothing else.
	sc := &scriptConn{}
	h := New()
	require.NoError(t, h.BeginLaunch(sc))
	h.state = StateReady

	require.NoError(t, h.SendFileFrom(bytes.NewReader([]byte{1, 2, 3})))

	chunks := decodeChunkFrames(t, sc.wrote)
	require.Len(t, chunks, 2)
	assert.Equal(t, []byte{1, 2, 3}, chunks[0].Data)
	assert.False(t, chunks[0].Cancel)
	assert.Empty(t, chunks[1].Data)
	assert.False(t, chunks[1].Cancel)
}

func TestSendFileOpenFailure(t *testing.T) {
	sc := &scriptConn{}
	h := New()
	require.NoError(t, h.BeginLaunch(sc))
	h.state = StateReady

	err := h.SendFile(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)

	// The helper is told the transfer is over so it does not block
	// waiting for chunks.
	chunks := decodeChunkFrames(t, sc.wrote)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Cancel)
}

// cancelAfterWriteConn queues a cancel flag for the pre-write probe as soon
// as the first frame goes out, simulating a helper that rejects an upload
// after seeing its first chunk.
type cancelAfterWriteConn struct {
	scriptConn
	writes int
}

func (c *cancelAfterWriteConn) Write(p []byte) (int, error) {
	c.writes++
	if c.writes == 1 {
		flag := protocol.EncodePrefix(protocol.Prefix{Kind: protocol.PrefixCancel})
		c.pending = append(c.pending, flag[:]...)
	}
	return c.scriptConn.Write(p)
}

func TestSendFilePeerRejection(t *testing.T) {
	sc := &cancelAfterWriteConn{}
	h := New()
	require.NoError(t, h.BeginLaunch(sc))
	h.state = StateReady

	data := bytes.Repeat([]byte{7}, protocol.MaxChunkSize+1)
	err := h.SendFileFrom(bytes.NewReader(data))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejectedByPeer)

	// First chunk went out, the second was never written, and the stream
	// was closed with a cancel chunk.
	chunks := decodeChunkFrames(t, sc.wrote)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0].Data, protocol.MaxChunkSize)
	assert.True(t, chunks[1].Cancel)
}

// cancellingReader requests cancellation from inside the stream, the way a
// signal handler would, and then keeps producing data.
type cancellingReader struct {
	h    *Handle
	data []byte
	done bool
}

func (r *cancellingReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	r.done = true
	r.h.Cancel()
	return copy(p, r.data), nil
}

func TestSendFileUserCancel(t *testing.T) {
	sc := &scriptConn{}
	h := New()
	require.NoError(t, h.BeginLaunch(sc))
	h.state = StateReady

	err := h.SendFileFrom(&cancellingReader{h: h, data: []byte("partial")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)

	chunks := decodeChunkFrames(t, sc.wrote)
	require.Len(t, chunks, 2)
	assert.Equal(t, []byte("partial"), chunks[0].Data)
	assert.True(t, chunks[1].Cancel)
}

func TestRecvFileTo(t *testing.T) {
	h, pc := newReadyHandle(t)

	var g errgroup.Group
	g.Go(func() error {
		if err := peerWriteChunk(pc, protocol.Chunk{Data: []byte("hello ")}); err != nil {
			return err
		}
		if err := peerWriteChunk(pc, protocol.Chunk{Data: []byte("guest")}); err != nil {
			return err
		}
		return peerWriteChunk(pc, protocol.Chunk{})
	})

	var sink bytes.Buffer
	n, err := h.RecvFileTo(&sink)
	require.NoError(t, err)
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(11), n)
	assert.Equal(t, "hello guest", sink.String())
}

func TestRecvFileToDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "download")
	h, pc := newReadyHandle(t)

	var g errgroup.Group
	g.Go(func() error {
		if err := peerWriteChunk(pc, protocol.Chunk{Data: []byte("saved")}); err != nil {
			return err
		}
		return peerWriteChunk(pc, protocol.Chunk{})
	})

	n, err := h.RecvFile(path)
	require.NoError(t, err)
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(5), n)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("saved"), got)
}

func TestRecvFilePeerAborts(t *testing.T) {
	h, pc := newReadyHandle(t)

	var g errgroup.Group
	g.Go(func() error {
		if err := peerWriteChunk(pc, protocol.Chunk{Data: []byte("trunc")}); err != nil {
			return err
		}
		return peerWriteChunk(pc, protocol.Chunk{Cancel: true})
	})

	var sink bytes.Buffer
	n, err := h.RecvFileTo(&sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejectedByPeer)
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(5), n)
}

// cancellingWriter requests cancellation after consuming its first chunk.
type cancellingWriter struct {
	h   *Handle
	buf bytes.Buffer
}

func (w *cancellingWriter) Write(p []byte) (int, error) {
	w.h.Cancel()
	return w.buf.Write(p)
}

func TestRecvFileUserCancelDrains(t *testing.T) {
	h, pc := newReadyHandle(t)

	var g errgroup.Group
	g.Go(func() error {
		if err := peerWriteChunk(pc, protocol.Chunk{Data: []byte("first")}); err != nil {
			return err
		}
		// The receiver notices its cancellation after this chunk and
		// tells us to stop.
		var pb [4]byte
		if _, err := io.ReadFull(pc, pb[:]); err != nil {
			return err
		}
		prefix, err := protocol.DecodePrefix(pb)
		if err != nil {
			return err
		}
		if prefix.Kind != protocol.PrefixCancel {
			return fmt.Errorf("expected cancel flag, got %s", prefix.Kind)
		}
		// One more chunk was already in flight; the receiver must drain
		// it and our terminator without writing any of it to the sink.
		if err := peerWriteChunk(pc, protocol.Chunk{Data: []byte("in flight")}); err != nil {
			return err
		}
		return peerWriteChunk(pc, protocol.Chunk{})
	})

	w := &cancellingWriter{h: h}
	n, err := h.RecvFileTo(w)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "first", w.buf.String())
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, fmt.Errorf("target filesystem full")
}

func TestRecvFileSinkFailureDrains(t *testing.T) {
	h, pc := newReadyHandle(t)

	var g errgroup.Group
	g.Go(func() error {
		if err := peerWriteChunk(pc, protocol.Chunk{Data: []byte("lost")}); err != nil {
			return err
		}
		var pb [4]byte
		if _, err := io.ReadFull(pc, pb[:]); err != nil {
			return err
		}
		prefix, err := protocol.DecodePrefix(pb)
		if err != nil {
			return err
		}
		if prefix.Kind != protocol.PrefixCancel {
			return fmt.Errorf("expected cancel flag, got %s", prefix.Kind)
		}
		return peerWriteChunk(pc, protocol.Chunk{})
	})

	_, err := h.RecvFileTo(failingWriter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target filesystem full")
	require.NoError(t, g.Wait())
}

func TestRecvFileFlagMidStreamIsDesync(t *testing.T) {
	h, pc := newReadyHandle(t)

	var g errgroup.Group
	g.Go(func() error {
		return peerWriteFlag(pc, protocol.PrefixLaunch)
	})

	var sink bytes.Buffer
	_, err := h.RecvFileTo(&sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDesync)
	require.NoError(t, g.Wait())
}

func TestRecvFileProgressInterleaved(t *testing.T) {
	var events []protocol.ProgressMessage
	h, pc := newReadyHandle(t, OnProgress(func(m protocol.ProgressMessage) {
		events = append(events, m)
	}))

	var g errgroup.Group
	g.Go(func() error {
		if err := peerWriteChunk(pc, protocol.Chunk{Data: []byte("ab")}); err != nil {
			return err
		}
		if err := peerWriteProgress(pc, protocol.ProgressMessage{Position: 2, Total: 4}); err != nil {
			return err
		}
		if err := peerWriteChunk(pc, protocol.Chunk{Data: []byte("cd")}); err != nil {
			return err
		}
		return peerWriteChunk(pc, protocol.Chunk{})
	})

	var sink bytes.Buffer
	n, err := h.RecvFileTo(&sink)
	require.NoError(t, err)
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(4), n)
	assert.Equal(t, "abcd", sink.String())
	require.Len(t, events, 1)
	assert.Equal(t, uint64(2), events[0].Position)
}
