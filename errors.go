/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package rdma

import "fmt"

// Kind classifies the error taxonomy described by the endpoint's error
// handling design: state/event mismatches, connection-manager failures,
// verbs runtime failures, allocation failures, suspected spoofing, and the
// two non-fatal sentinels (would-block, graceful close).
type Kind int

const (
	// KindProtocol covers a state/event mismatch in the handshake driver.
	KindProtocol Kind = iota
	// KindCM covers a connection-manager transport failure.
	KindCM
	// KindRDMA covers a verbs runtime failure (post, poll, modify-QP, ...).
	KindRDMA
	// KindResource covers allocation or memory-registration failures.
	KindResource
	// KindPeerSpoofed covers a failed nonce/sid check on accept. It is
	// logged rate-limited and returned to the Listener's caller, never
	// passed to the host connection.
	KindPeerSpoofed
	// KindTransient covers EAGAIN-equivalent conditions the caller retries.
	KindTransient
	// KindGracefulClose covers a DISCONNECT CM event observed in ESTABLISHED
	// and the handshake's fallback to the plain byte stream.
	KindGracefulClose
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindCM:
		return "cm"
	case KindRDMA:
		return "rdma"
	case KindResource:
		return "resource"
	case KindPeerSpoofed:
		return "peer-spoofed"
	case KindTransient:
		return "transient"
	case KindGracefulClose:
		return "graceful-close"
	default:
		return "unknown"
	}
}

// Error is the error type returned across the rdma package boundary. It
// wraps an optional underlying cause and tags it with the Kind that drives
// how callers (chiefly the completion pump) must react.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func newError(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func wrapError(kind Kind, msg string, cause error) *Error {
	return &Error{kind: kind, msg: msg, err: cause}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("rdma: %s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("rdma: %s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Kind reports the error's taxonomy.
func (e *Error) Kind() Kind { return e.kind }

// NewVerbsError wraps a libibverbs/librdmacm failure message into a
// KindRDMA *Error, for use by package verbs (and any other out-of-tree
// collaborator implementation) without exposing the unexported
// constructors above.
func NewVerbsError(msg string) error { return newError(KindRDMA, msg) }

// NewCMError wraps a connection-manager transport failure into a KindCM
// *Error, for use by package verbs.
func NewCMError(msg string) error { return newError(KindCM, msg) }

// NewResourceError wraps an allocation or registration failure into a
// KindResource *Error, for use by package verbs.
func NewResourceError(msg string) error { return newError(KindResource, msg) }

// Sentinel errors compared with errors.Is. ErrWouldBlock and ErrEINTR are
// not failures: they tell the caller to retry (the former after a credit
// ACK, the latter on the next reactor dispatch). ErrGracefulClose signals
// a clean DISCONNECT observed in ESTABLISHED, and is also returned when the
// handshake ends with RDMA off (the server replied sid 0, or the client's
// hello had the wrong magic) and the connection stays on the byte stream.
var (
	ErrWouldBlock      = newError(KindTransient, "would block")
	ErrEINTR           = newError(KindTransient, "interrupted, redispatch")
	ErrGracefulClose   = newError(KindGracefulClose, "peer disconnected gracefully")
	ErrDuplicateAccept = newError(KindProtocol, "accept arrived for endpoint with an rcm already set")
	ErrPeerSpoofed     = newError(KindPeerSpoofed, "nonce or sid mismatch on accept")
)
