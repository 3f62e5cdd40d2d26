/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package rdma

import (
	"sync"
	"sync/atomic"

	"github.com/dingdingforgt/brpc/rdmalog"
)

// Status is the handshake driver's state. Transitions are
// monotonic along the path below; Reset is the only regression, back to
// Uninitialized.
type Status int32

const (
	Uninitialized Status = iota
	HelloC
	HelloS
	AddrResolving
	RouteResolving
	Connecting
	Accepting
	Established
)

func (s Status) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case HelloC:
		return "HELLO_C"
	case HelloS:
		return "HELLO_S"
	case AddrResolving:
		return "ADDR_RESOLVING"
	case RouteResolving:
		return "ROUTE_RESOLVING"
	case Connecting:
		return "CONNECTING"
	case Accepting:
		return "ACCEPTING"
	case Established:
		return "ESTABLISHED"
	default:
		return "UNKNOWN"
	}
}

// sendSlot retains the buffer for an in-flight send until its ACK
// arrives.
type sendSlot struct {
	buf IOBufLike
}

func (s *sendSlot) empty() bool { return s.buf == nil }

// recvSlot is a posted receive block.
type recvSlot struct {
	block []byte
	addr  uintptr
	lkey  uint32
}

// Endpoint is the per-connection RDMA transport state machine.
type Endpoint struct {
	cfg       *Config
	conn      HostConn
	cm        ConnManager
	cmFactory func() ConnManager
	cq        CQBroker
	disp      Dispatcher
	mem       MemoryRegistry
	fr        Framer
	log       *rdmalog.Entry

	status atomic.Int32 // Status

	sqSize int
	rqSize int

	localWindowCapacity  int32
	remoteWindowCapacity int32

	win      window
	newRqWrs ackCounter

	sendMu    sync.Mutex
	sbuf      []sendSlot
	sqCurrent int
	sqSent    int

	recvMu     sync.Mutex
	rbuf       []recvSlot
	rqReceived int

	accumulatedAck int32
	unsolicited    int32
	sqUnsignaled   int32

	remoteSid uint64
	randStr   [RandomLength]byte

	pipeR, pipeW int
	hsBuf        []byte

	qp QueuePair

	pump *completionPump

	listener *Listener
}

// NewEndpoint wires an Endpoint to its host connection and collaborators.
// cmFactory creates a fresh ConnManager for the client-side handshake;
// it is never called on the server side, where the CM arrives pre-built
// via adoptAccept once the listener matches an incoming connect-request
// to this endpoint's sid. The returned Endpoint is Uninitialized; call
// StartHandshake (client) or wait for the host reactor to observe a hello
// (server) to begin negotiation.
func NewEndpoint(conn HostConn, cmFactory func() ConnManager, cq CQBroker, disp Dispatcher, mem MemoryRegistry, fr Framer, cfg *Config) *Endpoint {
	if cfg == nil {
		cfg = NewConfig()
	}
	ep := &Endpoint{
		cfg:       cfg,
		conn:      conn,
		cmFactory: cmFactory,
		cq:        cq,
		disp:      disp,
		mem:       mem,
		fr:        fr,
		log:       rdmalog.For("endpoint"),
	}
	ep.resetCounters()
	return ep
}

func (ep *Endpoint) resetCounters() {
	ep.status.Store(int32(Uninitialized))
	ep.sqSize = ep.cfg.sqSize()
	ep.rqSize = ep.cfg.rqSize()
	ep.localWindowCapacity = int32(ep.sqSize)
	ep.remoteWindowCapacity = int32(ep.rqSize)
	ep.win = window{}
	ep.newRqWrs = ackCounter{}
	ep.sqCurrent = 0
	ep.sqSent = 0
	ep.rqReceived = 0
	ep.accumulatedAck = 0
	ep.unsolicited = 0
	ep.sqUnsignaled = 0
	ep.remoteSid = 0
	ep.pipeR, ep.pipeW = -1, -1
	ep.hsBuf = nil
}

// SetListener attaches the shared Listener a server-side Endpoint registers
// its sid with once it replies to the client's hello. Client
// endpoints never call this: they have no sid of their own to be found by.
func (ep *Endpoint) SetListener(l *Listener) { ep.listener = l }

// Status returns the current handshake state.
func (ep *Endpoint) Status() Status { return Status(ep.status.Load()) }

func (ep *Endpoint) setStatus(s Status) { ep.status.Store(int32(s)) }

// casStatus transitions the endpoint from "from" to "to", returning false
// (and leaving status unchanged) if the current status is not "from" --
// keeping the state transition path monotonic.
func (ep *Endpoint) casStatus(from, to Status) bool {
	return ep.status.CompareAndSwap(int32(from), int32(to))
}

// Window reports the current outstanding-send credit count.
func (ep *Endpoint) Window() int32 { return ep.win.load() }

// LocalWindowCapacity reports the negotiated cap on outstanding sends.
func (ep *Endpoint) LocalWindowCapacity() int32 { return ep.localWindowCapacity }

// RemoteWindowCapacity reports the credit we grant the peer.
func (ep *Endpoint) RemoteWindowCapacity() int32 { return ep.remoteWindowCapacity }

// IsWritable reports whether at least one credit is available, letting
// the host reactor gate epoll-out registration on it.
func (ep *Endpoint) IsWritable() bool { return ep.win.load() > 0 }

// AllocateResources acquires the CQ, creates the QP, and prefills the
// RQ. Called once per handshake, after route resolution on the client
// and after the accept pipe wakeup on the server.
func (ep *Endpoint) AllocateResources() error {
	capacity := 2 * (ep.sqSize + ep.rqSize)
	if err := ep.cq.GetOne(capacity); err != nil {
		return wrapError(KindResource, "acquire completion queue", err)
	}
	if ep.cq.IsShared() {
		ep.pump = newSharedCompletionPump(ep, ep.cq)
	} else {
		ep.pump = newOwnedCompletionPump(ep, ep.cq)
	}
	if ep.cfg.inPthread {
		ep.pump.start()
	}

	qp, err := ep.cm.CreateQP(ep.sqSize+ReservedWRNum, ep.rqSize+ReservedWRNum)
	if err != nil {
		return wrapError(KindCM, "create queue pair", err)
	}
	ep.qp = qp

	ep.sendMu.Lock()
	ep.sbuf = make([]sendSlot, ep.sqSize)
	ep.sendMu.Unlock()

	ep.recvMu.Lock()
	ep.rbuf = make([]recvSlot, ep.rqSize+ReservedWRNum)
	ep.recvMu.Unlock()

	return ep.prefillRQ()
}

// DeallocateResources stops the completion pump (without joining: design
// note "the pump must not join on itself during teardown"), clears buffer
// arrays, destroys the CM, and releases the CQ handle.
func (ep *Endpoint) DeallocateResources() error {
	if ep.pump != nil {
		ep.pump.stopNoJoin()
		ep.pump = nil
	}

	ep.sendMu.Lock()
	ep.sbuf = nil
	ep.sendMu.Unlock()

	ep.recvMu.Lock()
	ep.rbuf = nil
	ep.recvMu.Unlock()

	var firstErr error
	if ep.cm != nil {
		if err := ep.cm.Close(); err != nil && firstErr == nil {
			firstErr = wrapError(KindCM, "close connection manager", err)
		}
	}
	if ep.qp != nil {
		if err := ep.qp.Destroy(); err != nil && firstErr == nil {
			firstErr = wrapError(KindRDMA, "destroy queue pair", err)
		}
		ep.qp = nil
	}
	if ep.cq != nil {
		if err := ep.cq.Release(); err != nil && firstErr == nil {
			firstErr = wrapError(KindResource, "release completion queue", err)
		}
	}
	return firstErr
}

// Reset releases every resource and returns the endpoint to
// Uninitialized.
func (ep *Endpoint) Reset() error {
	err := ep.DeallocateResources()
	ep.closePipe()
	if ep.listener != nil {
		ep.listener.Unregister(ep.conn.ID())
	}
	ep.resetCounters()
	return err
}
