// Package protocol implements the wire format spoken between a control
// process and the guest helper daemon: a 4-byte length-or-sentinel prefix,
// followed (for real messages) by a fixed-layout message header and a
// procedure-specific body. File data is carried as chunk records inside
// ordinary frames; progress notifications are fixed-size records announced
// by a sentinel prefix.
package protocol

import (
	"errors"
	"fmt"
)

const (
	// Program identifies this protocol in every message header.
	Program uint32 = 0x67727063

	// ProtocolVersion is bumped on incompatible header/body changes.
	ProtocolVersion uint32 = 1

	// MessageMax is the largest payload either side may send in a single
	// frame. A prefix above this value (that is not a sentinel) means the
	// two sides no longer agree on frame boundaries.
	MessageMax = 4 << 20

	// MaxChunkSize bounds the data carried by one file chunk. It also
	// bounds cooperative cancellation latency: the cancel flag is polled
	// between chunks, never mid-chunk.
	MaxChunkSize = 8 << 10

	// HeaderSize is the encoded size of MessageHeader.
	HeaderSize = 40

	// ProgressMessageSize is the encoded size of ProgressMessage. The
	// record is fixed-size so the receiver can read it without first
	// parsing a length.
	ProgressMessageSize = 32
)

// Sentinel values that occupy the position of a frame length. All of them
// are far above MessageMax so they can never be mistaken for a real length.
const (
	LaunchFlag   uint32 = 0xffff1111 // helper finished booting and is ready
	CancelFlag   uint32 = 0xffff2222 // abort the file transfer in progress
	ProgressFlag uint32 = 0xffff3333 // a ProgressMessage record follows
)

// Direction says whether a message is a call or a reply.
type Direction uint32

const (
	DirectionCall  Direction = 0
	DirectionReply Direction = 1
)

// Status is the reply status carried in the header.
type Status uint32

const (
	StatusOK    Status = 0
	StatusError Status = 1
)

// MessageHeader prefixes every call and reply body.
type MessageHeader struct {
	Prog           uint32
	Vers           uint32
	Proc           uint32
	Direction      Direction
	Serial         uint32
	Status         Status
	ProgressHint   uint64
	OptArgsBitmask uint64
}

// MessageError is the body of a reply whose status is StatusError.
type MessageError struct {
	Errno   string // symbolic errno name, may be empty
	Message string
}

// Chunk is one fragment of a file stream. A zero-length non-cancel chunk
// terminates the stream; a cancel chunk aborts it.
type Chunk struct {
	Cancel bool
	Data   []byte
}

// ProgressMessage is an out-of-band notification of long-running operation
// progress. It is not correlated to chunk boundaries and may arrive at any
// point while either side is reading.
type ProgressMessage struct {
	Proc     uint64
	Serial   uint64
	Position uint64
	Total    uint64
}

// PrefixKind discriminates the four meanings of the 4-byte frame prefix.
type PrefixKind int

const (
	PrefixLen PrefixKind = iota
	PrefixLaunch
	PrefixCancel
	PrefixProgress
)

func (k PrefixKind) String() string {
	switch k {
	case PrefixLen:
		return "length"
	case PrefixLaunch:
		return "launch"
	case PrefixCancel:
		return "cancel"
	case PrefixProgress:
		return "progress"
	}
	return fmt.Sprintf("PrefixKind(%d)", int(k))
}

// Prefix is the decoded form of the 4-byte frame prefix. Len is only
// meaningful when Kind is PrefixLen.
type Prefix struct {
	Kind PrefixKind
	Len  uint32
}

// ErrFrameTooLarge reports a length prefix above MessageMax that is not a
// recognized sentinel. The stream is desynchronized and cannot be repaired.
var ErrFrameTooLarge = errors.New("frame length exceeds maximum message size")
