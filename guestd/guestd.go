// Package guestd is the helper-side serve loop: the counterpart that runs
// inside the appliance, announces readiness with the launch flag, decodes
// call frames, dispatches them to registered procedure handlers and carries
// file streams in both directions. Integration tests and the demo daemon
// binary use it to exercise both ends of the wire.
package guestd

import (
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/guestkit/guestrpc/conn"
	"github.com/guestkit/guestrpc/protocol"
)

// ErrClientCancelled means the control process aborted the file transfer
// in progress. The handler should reply with an error describing where the
// operation stopped.
var ErrClientCancelled = errors.New("guestd: transfer cancelled by client")

// Handler serves one procedure call. It must send exactly one reply via
// the session; if it returns an error without replying, the server sends
// an error reply on its behalf.
type Handler func(s *Session, hdr protocol.MessageHeader, body []byte) error

// Server dispatches decoded calls to procedure handlers.
type Server struct {
	Log *zap.SugaredLogger

	handlers map[uint32]Handler
}

// Handle registers the handler for a procedure number.
func (s *Server) Handle(proc uint32, h Handler) {
	if s.handlers == nil {
		s.handlers = make(map[uint32]Handler)
	}
	s.handlers[proc] = h
}

// Serve announces readiness on the connection and serves calls until the
// control process goes away. One connection serves one control process;
// calls arrive strictly one at a time.
func (s *Server) Serve(nc net.Conn) error {
	log := s.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := conn.New(nc)
	defer c.Close()

	sess := &Session{log: log, c: c}

	launch := protocol.EncodePrefix(protocol.Prefix{Kind: protocol.PrefixLaunch})
	if err := sess.writeAll(launch[:]); err != nil {
		return fmt.Errorf("announcing launch: %w", err)
	}

	for {
		prefix, payload, err := sess.readFrame()
		if err != nil {
			if isEOF(err) {
				log.Debugw("client disconnected")
				return nil
			}
			return err
		}

		switch prefix.Kind {
		case protocol.PrefixCancel:
			// Stray cancellation racing against the end of a
			// transfer; the next frame is the real call.
			continue
		case protocol.PrefixLaunch, protocol.PrefixProgress:
			return fmt.Errorf("%s flag received where a call was expected", prefix.Kind)
		}

		hdr, body, err := protocol.DecodeHeader(payload)
		if err != nil {
			return fmt.Errorf("parsing call header: %w", err)
		}
		if hdr.Direction != protocol.DirectionCall {
			return fmt.Errorf("message direction %d is not a call", hdr.Direction)
		}

		sess.hdr = hdr
		sess.replied = false

		handler, ok := s.handlers[hdr.Proc]
		if !ok {
			log.Debugw("unknown procedure", "proc", hdr.Proc)
			if err := sess.ReplyError("ENOENT", fmt.Sprintf("unknown procedure %d", hdr.Proc)); err != nil {
				return err
			}
			continue
		}

		if err := handler(sess, hdr, body); err != nil {
			log.Debugw("handler failed", "proc", hdr.Proc, "err", err)
			if !sess.replied {
				if rerr := sess.ReplyError("", err.Error()); rerr != nil {
					return rerr
				}
			}
		}
	}
}

// Session is the per-call context a handler replies through.
type Session struct {
	log     *zap.SugaredLogger
	c       *conn.SocketConn
	hdr     protocol.MessageHeader
	replied bool
}

// ReplyOK sends a success reply with the given encoded result body.
func (s *Session) ReplyOK(result []byte) error {
	return s.reply(protocol.StatusOK, result)
}

// ReplyError sends an error reply. errno is the symbolic errno name, or
// empty when there is none.
func (s *Session) ReplyError(errno, message string) error {
	return s.reply(protocol.StatusError, protocol.EncodeError(protocol.MessageError{
		Errno:   errno,
		Message: message,
	}))
}

func (s *Session) reply(status protocol.Status, body []byte) error {
	hdr := protocol.MessageHeader{
		Prog:      protocol.Program,
		Vers:      protocol.ProtocolVersion,
		Proc:      s.hdr.Proc,
		Direction: protocol.DirectionReply,
		Serial:    s.hdr.Serial,
		Status:    status,
	}
	payload := protocol.EncodeHeader(make([]byte, 0, protocol.HeaderSize+len(body)), hdr)
	payload = append(payload, body...)
	if err := s.writeFrame(payload); err != nil {
		return fmt.Errorf("writing reply: %w", err)
	}
	s.replied = true
	return nil
}

// SendProgress emits an out-of-band progress notification for the call
// being served.
func (s *Session) SendProgress(position, total uint64) error {
	pb := protocol.EncodePrefix(protocol.Prefix{Kind: protocol.PrefixProgress})
	rec := protocol.EncodeProgress(protocol.ProgressMessage{
		Proc:     uint64(s.hdr.Proc),
		Serial:   uint64(s.hdr.Serial),
		Position: position,
		Total:    total,
	})
	frame := append(pb[:], rec[:]...)
	return s.writeAll(frame)
}

// ReceiveFile drains the client's upload stream into w. On a local write
// error it cancels the transfer so the client does not hang, then keeps
// draining until the client terminates the stream.
func (s *Session) ReceiveFile(w io.Writer) error {
	for {
		c, err := s.readChunk()
		if err != nil {
			return err
		}
		if c.Cancel {
			return ErrClientCancelled
		}
		if len(c.Data) == 0 {
			return nil
		}
		if _, werr := w.Write(c.Data); werr != nil {
			if aerr := s.RejectTransfer(); aerr != nil {
				return aerr
			}
			return fmt.Errorf("writing upload data: %w", werr)
		}
	}
}

// RejectTransfer aborts an in-progress upload from the client: it sends
// the cancel flag, then discards incoming chunks until the client's
// terminating chunk arrives. The handler should reply with an error next.
func (s *Session) RejectTransfer() error {
	pb := protocol.EncodePrefix(protocol.Prefix{Kind: protocol.PrefixCancel})
	if err := s.writeAll(pb[:]); err != nil {
		return err
	}
	for {
		c, err := s.readChunk()
		if err != nil {
			return err
		}
		if c.Cancel || len(c.Data) == 0 {
			return nil
		}
	}
}

// SendFile streams r to the client in chunked encoding. Before each chunk
// it checks for a cancel flag from the client; on cancellation it
// terminates the stream with a cancel chunk and returns ErrClientCancelled.
func (s *Session) SendFile(r io.Reader) error {
	buf := make([]byte, protocol.MaxChunkSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := s.sendChunk(protocol.Chunk{Data: buf[:n]}); err != nil {
				if errors.Is(err, ErrClientCancelled) {
					_ = s.writeFrame(protocol.EncodeChunk(protocol.Chunk{Cancel: true}))
				}
				return err
			}
		}
		if rerr == io.EOF {
			return s.writeFrame(protocol.EncodeChunk(protocol.Chunk{}))
		}
		if rerr != nil {
			_ = s.writeFrame(protocol.EncodeChunk(protocol.Chunk{Cancel: true}))
			return fmt.Errorf("reading download data: %w", rerr)
		}
	}
}

func (s *Session) sendChunk(c protocol.Chunk) error {
	ready, err := s.c.CanRead()
	if err != nil {
		return fmt.Errorf("probing client socket: %w", err)
	}
	if ready {
		var pb [4]byte
		if _, err := io.ReadFull(s.c, pb[:]); err != nil {
			return err
		}
		prefix, err := protocol.DecodePrefix(pb)
		if err != nil {
			return err
		}
		if prefix.Kind != protocol.PrefixCancel {
			return fmt.Errorf("%s frame from client mid-download, expected cancel flag", prefix.Kind)
		}
		return ErrClientCancelled
	}
	return s.writeFrame(protocol.EncodeChunk(c))
}

func (s *Session) readChunk() (protocol.Chunk, error) {
	prefix, payload, err := s.readFrame()
	if err != nil {
		return protocol.Chunk{}, err
	}
	if prefix.Kind != protocol.PrefixLen {
		return protocol.Chunk{}, fmt.Errorf("%s flag received while reading file chunks", prefix.Kind)
	}
	return protocol.DecodeChunk(payload)
}

func (s *Session) readFrame() (protocol.Prefix, []byte, error) {
	var pb [4]byte
	if _, err := io.ReadFull(s.c, pb[:]); err != nil {
		return protocol.Prefix{}, nil, err
	}
	prefix, err := protocol.DecodePrefix(pb)
	if err != nil {
		return protocol.Prefix{}, nil, err
	}
	if prefix.Kind != protocol.PrefixLen {
		return prefix, nil, nil
	}
	payload := make([]byte, prefix.Len)
	if prefix.Len > 0 {
		if _, err := io.ReadFull(s.c, payload); err != nil {
			return protocol.Prefix{}, nil, err
		}
	}
	return prefix, payload, nil
}

func (s *Session) writeFrame(payload []byte) error {
	pb := protocol.EncodePrefix(protocol.Prefix{Kind: protocol.PrefixLen, Len: uint32(len(payload))})
	frame := make([]byte, 0, 4+len(payload))
	frame = append(frame, pb[:]...)
	frame = append(frame, payload...)
	return s.writeAll(frame)
}

func (s *Session) writeAll(b []byte) error {
	for len(b) > 0 {
		n, err := s.c.Write(b)
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
