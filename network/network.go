// Package network wraps the kernel's rtnetlink channel behind a small
// connection type plus address and interface handles. It owns the protocol
// error taxonomy: callers can always tell a transport failure (the kernel
// did not answer, or answered with an errno) from a malformed reply, and a
// vanished device from either.
package network

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/vishvananda/netlink"
)

// ErrorKind distinguishes the two ways a netlink conversation can fail.
type ErrorKind int

const (
	// Transport covers socket-level failures and kernel errno replies.
	Transport ErrorKind = iota
	// Decode covers replies that arrived but could not be interpreted.
	Decode
)

func (k ErrorKind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Decode:
		return "decode"
	default:
		return "unknown"
	}
}

// ProtocolError is a failed netlink conversation, tagged with the operation
// that was in flight and whether the failure was transport or decode level.
type ProtocolError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("netlink %s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NotFoundError reports a device that does not exist, or existed when it
// was looked up and has since vanished.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.What)
}

// classify wraps a raw netlink error into the package taxonomy. Errno
// replies keep the platform code reachable through errors.As for
// diagnosis.
func classify(op, what string, err error) error {
	if err == nil {
		return nil
	}
	var linkNotFound netlink.LinkNotFoundError
	if errors.As(err, &linkNotFound) {
		return &NotFoundError{What: what}
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if errno == syscall.ENODEV || errno == syscall.ENXIO {
			return &NotFoundError{What: what}
		}
		return &ProtocolError{Op: op, Kind: Transport, Err: err}
	}
	return &ProtocolError{Op: op, Kind: Decode, Err: err}
}
