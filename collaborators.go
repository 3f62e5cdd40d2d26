/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package rdma

import "time"

// HostConn is the host byte-stream connection the Endpoint rides on top of.
// Package rdma never owns a socket; it reads and writes through this
// interface and lets the host connection own the fd's lifetime.
type HostConn interface {
	// FD returns the byte-stream socket descriptor.
	FD() int
	// ID returns the host connection's identifier, used as the RDMA sid.
	ID() uint64
	// RemoteSide returns the peer's address, used to decide RDMA eligibility.
	RemoteSide() string
	// ReadBuf returns the host's application-visible read buffer, to which
	// bytes delivered off the wire (plain or RDMA-received) are appended.
	ReadBuf() IOBufLike
	// SetRDMAState flips the connection's RDMA-on/off flag.
	SetRDMAState(on bool)
	// WakeAsEpollOut wakes any writer blocked on write-readiness, used
	// when the window transitions from 0 to positive or RDMA turns out
	// to be unsupported.
	WakeAsEpollOut()
	// SetFailed tears the host connection down with the given error.
	SetFailed(err error)
	// CreatedByConnect reports whether this connection originated the TCP
	// connect (client) as opposed to having accepted it (server).
	CreatedByConnect() bool
}

// CMEventType enumerates the connection-manager event tags the handshake
// driver reacts to.
type CMEventType int

const (
	CMEventNone CMEventType = iota
	CMEventAddrResolved
	CMEventRouteResolved
	CMEventConnectRequest
	CMEventEstablished
	CMEventDisconnect
	CMEventRejected
	CMEventError
)

// CMEvent is a single connection-manager event, optionally carrying the
// peer's private data (present on CMEventConnectRequest and CMEventEstablished).
type CMEvent struct {
	Type        CMEventType
	PrivateData []byte
}

// ConnManager wraps the verbs connection-manager used to bind an RDMA QP to
// the host connection's logical socket. Implemented concretely by
// rdma/verbs against librdmacm.
type ConnManager interface {
	Create() error
	FD() int
	PollEvent() (CMEvent, error)
	ResolveAddr(remote string) error
	ResolveRoute() error
	Connect(privateData []byte) error
	Accept(privateData []byte) error
	CreateQP(sqDepth, rqDepth int) (QueuePair, error)
	Close() error
}

// SendFlags mirrors the verbs send-flag bitmask the send engine computes
//: SIGNALED, SOLICITED, INLINE.
type SendFlags uint8

const (
	FlagSignaled SendFlags = 1 << iota
	FlagSolicited
	FlagInline
)

// SGE is a single scatter/gather element referencing pinned memory.
type SGE struct {
	Addr uintptr
	Len  uint32
	LKey uint32
}

// QueuePair is the verbs send/receive queue pair the endpoint drives.
type QueuePair interface {
	PostSendImm(sges []SGE, imm uint32, flags SendFlags) error
	PostRecv(addr uintptr, length uint32, lkey uint32, wrID uint64) error
	Destroy() error
}

// CompletionKind enumerates the work-completion opcodes HandleCompletion
// dispatches on.
type CompletionKind int

const (
	CompletionSend CompletionKind = iota
	CompletionWrite
	CompletionRecv
	CompletionRecvImm
	CompletionError
)

// Completion is a single work-completion record delivered by the CQ broker.
type Completion struct {
	Kind CompletionKind
	Imm  uint32
	Len  uint32
	WRID uint64
	Err  error
}

// CQBroker delivers completion records for this endpoint, possibly sharing
// one completion queue across many endpoints.
type CQBroker interface {
	// GetOne acquires a CQ handle sized for at least capacity entries.
	GetOne(capacity int) error
	IsShared() bool
	// Poll returns the next available completion, or ok=false if none.
	Poll() (c Completion, ok bool, err error)
	Release() error
}

// Dispatcher multiplexes descriptor readiness onto consumer identifiers.
// cmd/rdmaecho's epoll reactor provides a concrete implementation; the
// core only needs to register fds it did not open itself (the CM fd, the
// wakeup pipe's read end).
type Dispatcher interface {
	AddConsumer(consumerID uint64, fd int) error
	RemoveConsumer(consumerID uint64) error
}

// MemoryRegistry is the process-wide registered-memory table. GetLKey
// returning 0 means the address is not backed by a registered block.
type MemoryRegistry interface {
	GetLKey(addr uintptr) uint32
	Register(block []byte) (addr uintptr, lkey uint32, err error)
	Deregister(addr uintptr) error
	MaxSGE() int
}

// Framer is the message framer collaborator: it parses
// application messages out of the host's accumulated read buffer once the
// completion pump hands off newly-arrived bytes.
type Framer interface {
	OnDataAvailable(conn HostConn, arrival time.Time)
}
