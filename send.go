package guestrpc

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/guestkit/guestrpc/protocol"
)

// peerStatus is the result of probing the read side of the connection
// before a write.
type peerStatus int

const (
	peerIdle      peerStatus = iota // nothing waiting, safe to write
	peerCancelled                   // helper sent a cancel flag
	peerClosed                      // helper exited
)

// Send serializes and transmits one call frame and returns the serial the
// caller can correlate the reply with. args is the pre-encoded argument
// body supplied by the action layer; nil for procedures without parameters.
func (h *Handle) Send(proc uint32, progressHint, optargs uint64, args []byte) (uint32, error) {
	if h.conn == nil {
		return 0, ErrUnexpectedClose
	}

	serial := h.serial
	h.serial++

	hdr := protocol.MessageHeader{
		Prog:           protocol.Program,
		Vers:           protocol.ProtocolVersion,
		Proc:           proc,
		Direction:      protocol.DirectionCall,
		Serial:         serial,
		Status:         protocol.StatusOK,
		ProgressHint:   progressHint,
		OptArgsBitmask: optargs,
	}

	payload := protocol.EncodeHeader(make([]byte, 0, protocol.HeaderSize+len(args)), hdr)
	payload = append(payload, args...)
	if len(payload) > protocol.MessageMax {
		return 0, fmt.Errorf("guestrpc: call to proc %d is %d bytes, exceeds maximum message size %d",
			proc, len(payload), protocol.MessageMax)
	}

	// Look for stray cancellation flags left over from an earlier call
	// and ignore them before committing this frame to the wire.
	status, err := h.checkHelperSocket()
	if err != nil {
		return 0, err
	}
	if status == peerClosed {
		return 0, h.deadErr()
	}

	frame := h.frameFor(payload)
	if err := h.writeAll(frame); err != nil {
		if isEOF(err) {
			return 0, h.deadErr()
		}
		return 0, fmt.Errorf("writing call frame: %w", err)
	}

	h.log.Debugw("sent call", "proc", proc, "serial", serial, "bytes", len(frame))
	return serial, nil
}

// SendFile streams the named local file to the helper in chunked encoding,
// following a call whose procedure takes file input. "-" streams stdin.
func (h *Handle) SendFile(path string) error {
	if path == "-" {
		return h.sendFileStream(os.Stdin, "stdin")
	}
	f, err := os.Open(path)
	if err != nil {
		// Send a cancel chunk so the helper does not hang waiting for
		// data that will never come.
		h.sendCancellation()
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return h.sendFileStream(f, path)
}

// SendFileFrom streams from an arbitrary reader instead of a named file.
func (h *Handle) SendFileFrom(r io.Reader) error {
	return h.sendFileStream(r, "reader")
}

func (h *Handle) sendFileStream(r io.Reader, name string) error {
	h.userCancel.Store(false)

	buf := make([]byte, protocol.MaxChunkSize)
	for {
		if h.userCancel.Load() {
			h.sendCancellation()
			return ErrCancelled
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := h.sendChunk(protocol.Chunk{Data: buf[:n]}); err != nil {
				if errors.Is(err, ErrRejectedByPeer) {
					h.sendCancellation()
				}
				return err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			h.sendCancellation()
			return fmt.Errorf("reading %s: %w", name, rerr)
		}
	}

	// Terminate the stream with exactly one zero-length chunk.
	if err := h.sendChunk(protocol.Chunk{}); err != nil {
		if errors.Is(err, ErrRejectedByPeer) {
			h.sendCancellation()
		}
		return err
	}
	return nil
}

// sendChunk encodes and writes one chunk frame. Before writing it probes
// the read side: if the helper already sent a cancel flag, nothing is
// written and ErrRejectedByPeer is returned, so the helper can abort an
// upload it has decided to reject without either side deadlocking. The
// caller must still receive the helper's error reply.
func (h *Handle) sendChunk(c protocol.Chunk) error {
	if h.conn == nil {
		return ErrUnexpectedClose
	}

	status, err := h.checkHelperSocket()
	if err != nil {
		return err
	}
	switch status {
	case peerCancelled:
		h.log.Debugw("helper cancelled transfer")
		return ErrRejectedByPeer
	case peerClosed:
		return h.deadErr()
	}

	frame := h.frameFor(protocol.EncodeChunk(c))
	if err := h.writeAll(frame); err != nil {
		if isEOF(err) {
			return h.deadErr()
		}
		return fmt.Errorf("writing chunk frame: %w", err)
	}
	return nil
}

// sendCancellation tells the helper the stream is aborted. Best effort:
// by the time we get here the transfer has already failed, so a second
// failure is only logged.
func (h *Handle) sendCancellation() {
	if h.conn == nil {
		return
	}
	if err := h.sendChunk(protocol.Chunk{Cancel: true}); err != nil {
		h.log.Debugw("sending cancel chunk", "err", err)
	}
}

// checkHelperSocket drains anything waiting on the read side without
// blocking: progress records are dispatched here, a cancel flag is reported
// to the caller, and EOF means the helper exited. Any payload frame showing
// up where only flags are expected is a desynchronization.
func (h *Handle) checkHelperSocket() (peerStatus, error) {
	for {
		ready, err := h.conn.CanRead()
		if err != nil {
			return peerIdle, fmt.Errorf("probing helper socket: %w", err)
		}
		if !ready {
			return peerIdle, nil
		}

		var pb [4]byte
		if _, err := io.ReadFull(h.conn, pb[:]); err != nil {
			if isEOF(err) {
				return peerClosed, nil
			}
			return peerIdle, fmt.Errorf("reading stray frame prefix: %w", err)
		}
		prefix, err := protocol.DecodePrefix(pb)
		if err != nil {
			return peerIdle, fmt.Errorf("%w: %v", ErrDesync, err)
		}

		switch prefix.Kind {
		case protocol.PrefixProgress:
			rec := make([]byte, protocol.ProgressMessageSize)
			if _, err := io.ReadFull(h.conn, rec); err != nil {
				if isEOF(err) {
					return peerClosed, nil
				}
				return peerIdle, fmt.Errorf("reading progress record: %w", err)
			}
			m, err := protocol.DecodeProgress(rec)
			if err != nil {
				return peerIdle, fmt.Errorf("%w: %v", ErrDesync, err)
			}
			h.fireProgress(m)
		case protocol.PrefixCancel:
			return peerCancelled, nil
		default:
			return peerIdle, fmt.Errorf("%w: read %s frame from helper, expected cancel flag", ErrDesync, prefix.Kind)
		}
	}
}

// frameFor prepends the length prefix to a payload.
func (h *Handle) frameFor(payload []byte) []byte {
	pb := protocol.EncodePrefix(protocol.Prefix{Kind: protocol.PrefixLen, Len: uint32(len(payload))})
	frame := make([]byte, 0, 4+len(payload))
	frame = append(frame, pb[:]...)
	return append(frame, payload...)
}

func (h *Handle) writeAll(b []byte) error {
	for len(b) > 0 {
		n, err := h.conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
