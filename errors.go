package guestrpc

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedClose means the helper closed the connection while more
	// data was expected. The handle has been torn down and is back in
	// StateNotLaunched.
	ErrUnexpectedClose = errors.New("guestrpc: helper closed connection unexpectedly")

	// ErrDesync means the two sides no longer agree on frame boundaries.
	// The connection cannot be repaired and has to be discarded.
	ErrDesync = errors.New("guestrpc: lost protocol synchronization")

	// ErrCancelled means the local user cancelled the transfer in
	// progress. The peer was notified on a best-effort basis.
	ErrCancelled = errors.New("guestrpc: operation cancelled by user")

	// ErrRejectedByPeer means the helper cancelled the transfer, for
	// example because it ran out of space. The caller must still receive
	// the helper's error reply to learn why.
	ErrRejectedByPeer = errors.New("guestrpc: transfer rejected by helper")
)

// RemoteError is a well-formed error reply from the helper. It is the
// call's result, not a transport failure: the connection remains usable.
type RemoteError struct {
	Proc    uint32
	Errno   string // symbolic errno name reported by the helper, may be empty
	Message string
}

func (e *RemoteError) Error() string {
	if e.Errno != "" {
		return fmt.Sprintf("guestrpc: proc %d failed: %s (%s)", e.Proc, e.Message, e.Errno)
	}
	return fmt.Sprintf("guestrpc: proc %d failed: %s", e.Proc, e.Message)
}
