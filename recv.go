package guestrpc

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/guestkit/guestrpc/protocol"
)

// recvRaw reads one frame: a payload, a launch flag or a cancel flag.
// Progress frames never reach the caller; they are decoded and dispatched
// here and the next frame is read transparently. EOF at any point runs the
// death path.
func (h *Handle) recvRaw() (protocol.Prefix, []byte, error) {
	for {
		if h.conn == nil {
			return protocol.Prefix{}, nil, ErrUnexpectedClose
		}

		var pb [4]byte
		if _, err := io.ReadFull(h.conn, pb[:]); err != nil {
			if isEOF(err) {
				return protocol.Prefix{}, nil, h.deadErr()
			}
			return protocol.Prefix{}, nil, fmt.Errorf("reading frame prefix: %w", err)
		}
		prefix, err := protocol.DecodePrefix(pb)
		if err != nil {
			// Oversized length: almost certainly lost framing. Reject
			// before allocating anything.
			return protocol.Prefix{}, nil, fmt.Errorf("%w: %v", ErrDesync, err)
		}

		switch prefix.Kind {
		case protocol.PrefixLaunch:
			if h.state == StateLaunching {
				h.state = StateReady
				h.log.Debugw("helper launch complete", "elapsed", time.Since(h.launchedAt))
				h.fireLaunchDone()
			} else {
				h.log.Warnw("received launch flag in unexpected state", "state", h.state)
			}
			return prefix, nil, nil

		case protocol.PrefixCancel:
			h.log.Debugw("received cancel flag")
			return prefix, nil, nil

		case protocol.PrefixProgress:
			rec := make([]byte, protocol.ProgressMessageSize)
			if _, err := io.ReadFull(h.conn, rec); err != nil {
				if isEOF(err) {
					return protocol.Prefix{}, nil, h.deadErr()
				}
				return protocol.Prefix{}, nil, fmt.Errorf("reading progress record: %w", err)
			}
			m, err := protocol.DecodeProgress(rec)
			if err != nil {
				return protocol.Prefix{}, nil, fmt.Errorf("%w: %v", ErrDesync, err)
			}
			h.fireProgress(m)
			continue
		}

		payload := make([]byte, prefix.Len)
		if prefix.Len > 0 {
			if _, err := io.ReadFull(h.conn, payload); err != nil {
				if isEOF(err) {
					return protocol.Prefix{}, nil, h.deadErr()
				}
				return protocol.Prefix{}, nil, fmt.Errorf("reading %d-byte frame: %w", prefix.Len, err)
			}
		}
		return prefix, payload, nil
	}
}

// RecvReply receives the reply to the outstanding call. decode, supplied by
// the action layer, is applied to the result body when the helper reports
// success; pass nil for procedures with no result. An error reply is
// returned as a *RemoteError; the transport itself has succeeded.
//
// A lone cancel flag is silently discarded here: it is the benign race
// where the helper's cancellation notice arrives just as the call
// completes, and helpers rely on the lenient behavior.
func (h *Handle) RecvReply(proc, serial uint32, decode func([]byte) error) (protocol.MessageHeader, error) {
	for {
		prefix, payload, err := h.recvRaw()
		if err != nil {
			return protocol.MessageHeader{}, err
		}
		switch prefix.Kind {
		case protocol.PrefixCancel:
			continue
		case protocol.PrefixLaunch:
			return protocol.MessageHeader{}, fmt.Errorf("%w: received launch flag when expecting reply to proc %d", ErrDesync, proc)
		}

		hdr, body, err := protocol.DecodeHeader(payload)
		if err != nil {
			return protocol.MessageHeader{}, fmt.Errorf("%w: %v", ErrDesync, err)
		}
		if err := checkReplyHeader(hdr, serial); err != nil {
			return hdr, err
		}

		if hdr.Status == protocol.StatusError {
			me, err := protocol.DecodeError(body)
			if err != nil {
				return hdr, fmt.Errorf("%w: parsing error reply to proc %d: %v", ErrDesync, proc, err)
			}
			return hdr, &RemoteError{Proc: proc, Errno: me.Errno, Message: me.Message}
		}

		if decode != nil {
			if err := decode(body); err != nil {
				return hdr, fmt.Errorf("decoding reply to proc %d: %w", proc, err)
			}
		}
		h.log.Debugw("received reply", "proc", proc, "serial", hdr.Serial)
		return hdr, nil
	}
}

// RecvDiscard receives and throws away the reply to the outstanding call,
// with the same lenient cancel-flag handling as RecvReply.
func (h *Handle) RecvDiscard() error {
	for {
		prefix, _, err := h.recvRaw()
		if err != nil {
			return err
		}
		switch prefix.Kind {
		case protocol.PrefixCancel:
			continue
		case protocol.PrefixLaunch:
			return fmt.Errorf("%w: received launch flag when expecting reply", ErrDesync)
		}
		return nil
	}
}

func checkReplyHeader(hdr protocol.MessageHeader, serial uint32) error {
	if hdr.Prog != protocol.Program {
		return fmt.Errorf("%w: reply has program %#x, expected %#x", ErrDesync, hdr.Prog, protocol.Program)
	}
	if hdr.Direction != protocol.DirectionReply {
		return fmt.Errorf("%w: message direction %d is not a reply", ErrDesync, hdr.Direction)
	}
	if hdr.Serial != serial {
		return fmt.Errorf("%w: reply serial %d does not match call serial %d", ErrDesync, hdr.Serial, serial)
	}
	return nil
}

// RecvFile drains the helper's file stream into the named local file,
// following a call whose procedure produces file output. "-" writes to
// stdout.
func (h *Handle) RecvFile(path string) (int64, error) {
	var w io.Writer
	var f *os.File
	switch path {
	case "-", "/dev/stdout":
		w = os.Stdout
	case "/dev/stderr":
		w = os.Stderr
	default:
		var err error
		f, err = os.Create(path)
		if err != nil {
			// The stream has already started; abort it so the
			// connection stays usable.
			if derr := h.cancelAndDrain(); derr != nil {
				return 0, derr
			}
			return 0, fmt.Errorf("creating %s: %w", path, err)
		}
		w = f
	}

	n, err := h.RecvFileTo(w)
	if f != nil {
		if cerr := f.Close(); cerr != nil && err == nil {
			return n, fmt.Errorf("close %s: %w", path, cerr)
		}
	}
	return n, err
}

// RecvFileTo drains the helper's file stream into an arbitrary sink and
// returns the number of payload bytes written. On user cancellation it
// notifies the helper and keeps draining chunks until the helper's own
// terminating chunk arrives, so the stream is never left mid-frame.
func (h *Handle) RecvFileTo(w io.Writer) (int64, error) {
	h.userCancel.Store(false)

	var written int64
	for {
		c, err := h.recvChunk()
		if err != nil {
			return written, err
		}
		if c.Cancel {
			if h.userCancel.Load() {
				return written, ErrCancelled
			}
			return written, ErrRejectedByPeer
		}
		if len(c.Data) == 0 { // end of transfer
			return written, nil
		}

		if _, werr := w.Write(c.Data); werr != nil {
			if derr := h.cancelAndDrain(); derr != nil {
				return written, derr
			}
			return written, fmt.Errorf("writing to sink: %w", werr)
		}
		written += int64(len(c.Data))

		if h.userCancel.Load() {
			if derr := h.cancelAndDrain(); derr != nil {
				return written, derr
			}
			return written, ErrCancelled
		}
	}
}

// recvChunk reads one frame and decodes it as a file chunk. Flags are a
// protocol violation in this context.
func (h *Handle) recvChunk() (protocol.Chunk, error) {
	prefix, payload, err := h.recvRaw()
	if err != nil {
		return protocol.Chunk{}, err
	}
	if prefix.Kind != protocol.PrefixLen {
		return protocol.Chunk{}, fmt.Errorf("%w: received %s flag while reading file chunks", ErrDesync, prefix.Kind)
	}
	c, err := protocol.DecodeChunk(payload)
	if err != nil {
		return protocol.Chunk{}, fmt.Errorf("%w: %v", ErrDesync, err)
	}
	return c, nil
}

// cancelAndDrain sends a cancel flag to the helper and then discards
// chunks until the helper terminates the stream from its side.
func (h *Handle) cancelAndDrain() error {
	if h.conn == nil {
		return ErrUnexpectedClose
	}
	h.log.Debugw("waiting for helper to acknowledge cancellation")

	pb := protocol.EncodePrefix(protocol.Prefix{Kind: protocol.PrefixCancel})
	if err := h.writeAll(pb[:]); err != nil {
		if isEOF(err) {
			return h.deadErr()
		}
		return fmt.Errorf("writing cancel flag: %w", err)
	}

	for {
		c, err := h.recvChunk()
		if err != nil {
			return err
		}
		if c.Cancel || len(c.Data) == 0 {
			return nil
		}
	}
}
