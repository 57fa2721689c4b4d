package protocol

import (
	"encoding/binary"
	"fmt"
)

// The encoding is XDR-style: big-endian 4-byte words, 64-bit integers as
// two words, booleans as a full word, and opaque/string data length-prefixed
// and padded to a word boundary.

// EncodePrefix encodes a frame prefix into its 4-byte wire form.
func EncodePrefix(p Prefix) [4]byte {
	var b [4]byte
	var v uint32
	switch p.Kind {
	case PrefixLen:
		v = p.Len
	case PrefixLaunch:
		v = LaunchFlag
	case PrefixCancel:
		v = CancelFlag
	case PrefixProgress:
		v = ProgressFlag
	}
	binary.BigEndian.PutUint32(b[:], v)
	return b
}

// DecodePrefix decodes the 4-byte frame prefix. Values above MessageMax
// that are not sentinels are rejected with ErrFrameTooLarge before any
// allocation happens.
func DecodePrefix(b [4]byte) (Prefix, error) {
	v := binary.BigEndian.Uint32(b[:])
	switch v {
	case LaunchFlag:
		return Prefix{Kind: PrefixLaunch}, nil
	case CancelFlag:
		return Prefix{Kind: PrefixCancel}, nil
	case ProgressFlag:
		return Prefix{Kind: PrefixProgress}, nil
	}
	if v > MessageMax {
		return Prefix{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, v, MessageMax)
	}
	return Prefix{Kind: PrefixLen, Len: v}, nil
}

// EncodeHeader appends the encoded header to dst and returns the result.
func EncodeHeader(dst []byte, h MessageHeader) []byte {
	dst = appendUint32(dst, h.Prog)
	dst = appendUint32(dst, h.Vers)
	dst = appendUint32(dst, h.Proc)
	dst = appendUint32(dst, uint32(h.Direction))
	dst = appendUint32(dst, h.Serial)
	dst = appendUint32(dst, uint32(h.Status))
	dst = appendUint64(dst, h.ProgressHint)
	dst = appendUint64(dst, h.OptArgsBitmask)
	return dst
}

// DecodeHeader decodes a message header from the front of b and returns the
// remainder, which is the procedure-specific body.
func DecodeHeader(b []byte) (MessageHeader, []byte, error) {
	if len(b) < HeaderSize {
		return MessageHeader{}, nil, fmt.Errorf("message too short for header: %d bytes", len(b))
	}
	h := MessageHeader{
		Prog:           binary.BigEndian.Uint32(b[0:]),
		Vers:           binary.BigEndian.Uint32(b[4:]),
		Proc:           binary.BigEndian.Uint32(b[8:]),
		Direction:      Direction(binary.BigEndian.Uint32(b[12:])),
		Serial:         binary.BigEndian.Uint32(b[16:]),
		Status:         Status(binary.BigEndian.Uint32(b[20:])),
		ProgressHint:   binary.BigEndian.Uint64(b[24:]),
		OptArgsBitmask: binary.BigEndian.Uint64(b[32:]),
	}
	return h, b[HeaderSize:], nil
}

// EncodeChunk encodes a file chunk record.
func EncodeChunk(c Chunk) []byte {
	b := make([]byte, 0, 8+len(c.Data)+3)
	if c.Cancel {
		b = appendUint32(b, 1)
	} else {
		b = appendUint32(b, 0)
	}
	return appendOpaque(b, c.Data)
}

// DecodeChunk decodes a file chunk record. The data length is validated
// against MaxChunkSize.
func DecodeChunk(b []byte) (Chunk, error) {
	if len(b) < 8 {
		return Chunk{}, fmt.Errorf("chunk too short: %d bytes", len(b))
	}
	var c Chunk
	switch v := binary.BigEndian.Uint32(b[0:]); v {
	case 0:
	case 1:
		c.Cancel = true
	default:
		return Chunk{}, fmt.Errorf("chunk cancel field has invalid value %d", v)
	}
	n := binary.BigEndian.Uint32(b[4:])
	if n > MaxChunkSize {
		return Chunk{}, fmt.Errorf("chunk data length %d exceeds maximum %d", n, MaxChunkSize)
	}
	if uint32(len(b)-8) < n {
		return Chunk{}, fmt.Errorf("chunk truncated: have %d bytes, need %d", len(b)-8, n)
	}
	if n > 0 {
		c.Data = make([]byte, n)
		copy(c.Data, b[8:8+n])
	}
	return c, nil
}

// EncodeProgress encodes the fixed-size progress record.
func EncodeProgress(m ProgressMessage) [ProgressMessageSize]byte {
	var b [ProgressMessageSize]byte
	binary.BigEndian.PutUint64(b[0:], m.Proc)
	binary.BigEndian.PutUint64(b[8:], m.Serial)
	binary.BigEndian.PutUint64(b[16:], m.Position)
	binary.BigEndian.PutUint64(b[24:], m.Total)
	return b
}

// DecodeProgress decodes the fixed-size progress record.
func DecodeProgress(b []byte) (ProgressMessage, error) {
	if len(b) != ProgressMessageSize {
		return ProgressMessage{}, fmt.Errorf("progress record has %d bytes, want %d", len(b), ProgressMessageSize)
	}
	return ProgressMessage{
		Proc:     binary.BigEndian.Uint64(b[0:]),
		Serial:   binary.BigEndian.Uint64(b[8:]),
		Position: binary.BigEndian.Uint64(b[16:]),
		Total:    binary.BigEndian.Uint64(b[24:]),
	}, nil
}

// EncodeError encodes a reply-error body.
func EncodeError(e MessageError) []byte {
	b := make([]byte, 0, 8+len(e.Errno)+len(e.Message)+6)
	b = appendOpaque(b, []byte(e.Errno))
	b = appendOpaque(b, []byte(e.Message))
	return b
}

// DecodeError decodes a reply-error body.
func DecodeError(b []byte) (MessageError, error) {
	errno, rest, err := readOpaque(b)
	if err != nil {
		return MessageError{}, fmt.Errorf("error body errno: %w", err)
	}
	msg, _, err := readOpaque(rest)
	if err != nil {
		return MessageError{}, fmt.Errorf("error body message: %w", err)
	}
	return MessageError{Errno: string(errno), Message: string(msg)}, nil
}

// EncodeString appends a length-prefixed, word-padded string to dst.
// Procedure bodies are opaque to the transport; this helper exists for
// action layers composing simple string arguments.
func EncodeString(dst []byte, s string) []byte {
	return appendOpaque(dst, []byte(s))
}

// DecodeString reads a length-prefixed string from the front of b and
// returns the remainder.
func DecodeString(b []byte) (string, []byte, error) {
	data, rest, err := readOpaque(b)
	if err != nil {
		return "", nil, err
	}
	return string(data), rest, nil
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendUint64(b []byte, v uint64) []byte {
	b = appendUint32(b, uint32(v>>32))
	return appendUint32(b, uint32(v))
}

func appendOpaque(b, data []byte) []byte {
	b = appendUint32(b, uint32(len(data)))
	b = append(b, data...)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

func readOpaque(b []byte) (data, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("opaque field truncated: %d bytes", len(b))
	}
	n := binary.BigEndian.Uint32(b)
	// Bound the length before any arithmetic: values near 2^32 would wrap
	// the padding computation and the slice bounds below.
	if n > MessageMax {
		return nil, nil, fmt.Errorf("opaque field length %d exceeds maximum message size %d", n, MessageMax)
	}
	padded := (n + 3) &^ 3
	if uint32(len(b)-4) < padded {
		return nil, nil, fmt.Errorf("opaque field truncated: have %d bytes, need %d", len(b)-4, padded)
	}
	return b[4 : 4+n], b[4+padded:], nil
}
