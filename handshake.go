/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package rdma

import (
	"bytes"

	"golang.org/x/sys/unix"
)

// Handshake multiplexes the three event sources the handshake driver
// reacts to (byte-stream bytes, CM events, the accept-path wakeup pipe)
// and advances the state machine by exactly as many steps as complete
// synchronously, stopping at the first step that would suspend.
func (ep *Endpoint) Handshake() error {
	for {
		event, err := ep.nextEvent()
		if err == ErrEINTR {
			return nil // nothing readable yet, wait for the next dispatch
		}
		if err != nil {
			return err
		}

		var advanced bool
		if ep.conn.CreatedByConnect() {
			advanced, err = ep.stepClient(event)
		} else {
			advanced, err = ep.stepServer(event)
		}
		if err == ErrEINTR {
			return nil // wait for the next dispatch, not a failure
		}
		if err != nil {
			return err
		}
		if !advanced {
			return nil
		}
	}
}

// nextEvent reads whatever is immediately available from the byte stream,
// the CM, or the wakeup pipe, in that priority order.
func (ep *Endpoint) nextEvent() (CMEvent, error) {
	maxLen := HelloLength
	if SidLength > maxLen {
		maxLen = SidLength
	}
	if len(ep.hsBuf) < maxLen {
		buf := make([]byte, maxLen-len(ep.hsBuf))
		n, err := unix.Read(ep.conn.FD(), buf)
		if n > 0 {
			ep.hsBuf = append(ep.hsBuf, buf[:n]...)
		}
		if err != nil && err != unix.EAGAIN {
			return CMEvent{}, wrapError(KindProtocol, "read byte stream", err)
		}
		if n > 0 {
			return CMEvent{Type: CMEventNone}, nil
		}
	}

	if ep.cm != nil {
		event, err := ep.cm.PollEvent()
		if err != nil {
			return CMEvent{}, wrapError(KindCM, "poll cm event", err)
		}
		if event.Type != CMEventNone {
			return event, nil
		}
	}

	if ep.pipeR >= 0 {
		var tmp [1]byte
		n, err := unix.Read(ep.pipeR, tmp[:])
		if err != nil && err != unix.EAGAIN {
			return CMEvent{}, wrapError(KindProtocol, "read wakeup pipe", err)
		}
		if n == 1 {
			return CMEvent{Type: CMEventConnectRequest}, nil
		}
	}

	return CMEvent{Type: CMEventNone}, ErrEINTR
}

// StartHandshake is the client's entry point.
// It is the caller's responsibility to invoke this exactly once, before
// the reactor starts calling Handshake.
func (ep *Endpoint) StartHandshake() error {
	if ep.cfg.eligible != nil && !ep.cfg.eligible(ep.conn.RemoteSide()) {
		ep.conn.SetRDMAState(false)
		return nil
	}

	hello, err := NewHello()
	if err != nil {
		return err
	}
	ep.randStr = hello.Nonce

	ep.setStatus(HelloC)

	// Publish before writing the hello bytes: the client's own read of
	// UNINITIALIZED busy-waits on this value (acquire) to synchronize
	// against this release store.
	ep.win.publish(int32(ep.sqSize))

	return writeAll(ep.conn.FD(), hello.Serialize())
}

// stepClient processes exactly one status's transition for the client
// side. advanced reports whether the transition
// completed synchronously and the next status should be tried immediately.
func (ep *Endpoint) stepClient(event CMEvent) (advanced bool, err error) {
	if ep.Status() == Uninitialized {
		ep.win.waitNonZero() // StartHandshake always runs before Handshake
	}

	switch ep.Status() {
	case HelloC:
		if event.Type != CMEventNone {
			return false, newError(KindProtocol, "unexpected event in HELLO_C")
		}
		if len(ep.hsBuf) < SidLength {
			return false, ErrEINTR
		}
		sid, _ := DeserializeSid(ep.hsBuf[:SidLength])
		ep.hsBuf = ep.hsBuf[SidLength:]
		ep.remoteSid = sid
		if sid == 0 {
			ep.conn.SetRDMAState(false)
			ep.conn.WakeAsEpollOut()
			ep.setStatus(Established) // terminal: plain byte stream only
			return false, ErrGracefulClose
		}

		ep.cm = ep.cmFactory()
		if err := ep.cm.Create(); err != nil {
			return false, wrapError(KindCM, "create connection manager", err)
		}
		if err := ep.disp.AddConsumer(ep.conn.ID(), ep.cm.FD()); err != nil {
			return false, wrapError(KindResource, "add cm fd to dispatcher", err)
		}
		ep.setStatus(AddrResolving)
		if err := ep.cm.ResolveAddr(ep.conn.RemoteSide()); err != nil {
			if err != ErrEINTR {
				return false, wrapError(KindCM, "resolve addr", err)
			}
			return false, nil
		}
		return true, nil

	case AddrResolving:
		if event.Type != CMEventAddrResolved {
			return false, newError(KindProtocol, "expected ADDR_RESOLVED")
		}
		ep.setStatus(RouteResolving)
		if err := ep.cm.ResolveRoute(); err != nil {
			if err != ErrEINTR {
				return false, wrapError(KindCM, "resolve route", err)
			}
			return false, nil
		}
		return true, nil

	case RouteResolving:
		if event.Type != CMEventRouteResolved {
			return false, newError(KindProtocol, "expected ROUTE_RESOLVED")
		}
		if err := ep.AllocateResources(); err != nil {
			return false, err
		}
		req := ConnectRequest{
			Sid:    ep.remoteSid,
			Nonce:  ep.randStr,
			RQSize: uint32(ep.rqSize),
			SQSize: uint32(ep.sqSize),
		}
		ep.setStatus(Connecting)
		if err := ep.cm.Connect(req.Serialize()); err != nil {
			if err != ErrEINTR {
				return false, wrapError(KindCM, "connect", err)
			}
			return false, nil
		}
		return true, nil

	case Connecting:
		if event.Type != CMEventEstablished {
			return false, newError(KindProtocol, "expected ESTABLISHED")
		}
		res, err := DeserializeConnectResponse(event.PrivateData)
		if err != nil {
			return false, err
		}
		if int(res.RQSize) < ep.sqSize {
			ep.localWindowCapacity = int32(res.RQSize)
			ep.win.set(int32(res.RQSize))
		}
		if int(res.SQSize) < ep.rqSize {
			ep.remoteWindowCapacity = int32(res.SQSize)
		}
		ep.setStatus(Established)
		ep.conn.SetRDMAState(true)
		ep.conn.WakeAsEpollOut()
		ep.log.WithField("sid", ep.remoteSid).Debug("rdma established")
		return false, nil

	case Established:
		if event.Type != CMEventDisconnect {
			return false, newError(KindProtocol, "expected DISCONNECT")
		}
		return false, ErrGracefulClose

	default:
		return false, newError(KindProtocol, "invalid client handshake state")
	}
}

// stepServer processes exactly one status's transition for the server
// side.
func (ep *Endpoint) stepServer(event CMEvent) (advanced bool, err error) {
	switch ep.Status() {
	case Uninitialized:
		if event.Type != CMEventNone {
			return false, newError(KindProtocol, "unexpected event in UNINITIALIZED")
		}
		if len(ep.hsBuf) < HelloLength {
			return false, ErrEINTR
		}
		hello, ok := DeserializeHello(ep.hsBuf[:HelloLength])
		leftover := ep.hsBuf[HelloLength:]
		if !ok {
			ep.conn.ReadBuf().Append(append([]byte(nil), ep.hsBuf...))
			ep.hsBuf = nil
			ep.conn.SetRDMAState(false)
			return false, ErrGracefulClose
		}
		ep.hsBuf = leftover
		ep.randStr = hello.Nonce

		if err := ep.openPipe(); err != nil {
			return false, err
		}
		// Publish the default send window before registering with the
		// listener: adoptAccept may run concurrently with this goroutine
		// the moment Register returns, and it only lowers win further when
		// the peer negotiates a smaller RQSize.
		ep.win.publish(int32(ep.sqSize))
		if ep.listener != nil {
			ep.listener.Register(ep.conn.ID(), ep)
		}
		ep.setStatus(HelloS)
		return true, writeAll(ep.conn.FD(), SerializeSid(ep.conn.ID()))

	case HelloS:
		if event.Type != CMEventConnectRequest {
			return false, newError(KindProtocol, "expected ACCEPT")
		}
		if err := ep.AllocateResources(); err != nil {
			return false, err
		}
		if err := ep.disp.AddConsumer(ep.conn.ID(), ep.cm.FD()); err != nil {
			return false, wrapError(KindResource, "add cm fd to dispatcher", err)
		}
		res := ConnectResponse{RQSize: uint32(ep.rqSize), SQSize: uint32(ep.sqSize)}
		ep.setStatus(Accepting)
		if err := ep.cm.Accept(res.Serialize()); err != nil {
			if err != ErrEINTR {
				return false, wrapError(KindCM, "accept", err)
			}
			return false, nil
		}
		return true, nil

	case Accepting:
		if event.Type != CMEventEstablished {
			return false, newError(KindProtocol, "expected ESTABLISHED")
		}
		ep.setStatus(Established)
		ep.conn.SetRDMAState(true)
		ep.log.WithField("sid", ep.conn.ID()).Debug("rdma established")
		return false, nil

	case Established:
		if event.Type != CMEventDisconnect {
			return false, newError(KindProtocol, "expected DISCONNECT")
		}
		return false, ErrGracefulClose

	default:
		return false, newError(KindProtocol, "invalid server handshake state")
	}
}

// adoptAccept implements InitializeFromAccept's per-endpoint half:
// called once the listener has already looked the endpoint up by sid and
// verified there is one, it checks the nonce, adopts the CM, registers the
// wakeup pipe's read end with the event dispatcher, negotiates windows
// down, and wakes the handshake driver through the pipe. Any
// mismatch here must never fail the host connection (it may be an
// attacker probing sids).
func (ep *Endpoint) adoptAccept(cm ConnManager, req ConnectRequest) error {
	if !bytes.Equal(ep.randStr[:], req.Nonce[:]) {
		return ErrPeerSpoofed
	}
	if ep.cm != nil {
		return ErrDuplicateAccept
	}
	ep.cm = cm

	if err := ep.disp.AddConsumer(ep.conn.ID(), ep.pipeR); err != nil {
		ep.cm = nil
		return wrapError(KindResource, "add wakeup pipe to dispatcher", err)
	}

	if int(req.RQSize) < ep.sqSize {
		ep.localWindowCapacity = int32(req.RQSize)
		ep.win.set(int32(req.RQSize))
	}
	if int(req.SQSize) < ep.rqSize {
		ep.remoteWindowCapacity = int32(req.SQSize)
	}

	return writeAll(ep.pipeW, []byte{0}) // wake the Handshake
}

func (ep *Endpoint) openPipe() error {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return wrapError(KindResource, "open wakeup pipe", err)
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)
	ep.pipeR, ep.pipeW = fds[0], fds[1]
	return nil
}

func (ep *Endpoint) closePipe() {
	if ep.pipeR >= 0 {
		unix.Close(ep.pipeR)
	}
	if ep.pipeW >= 0 {
		unix.Close(ep.pipeW)
	}
	ep.pipeR, ep.pipeW = -1, -1
}

// writeAll writes the whole buffer to fd, tolerating EAGAIN: handshake
// frames are a few bytes, so one write suffices in practice.
func writeAll(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil && err != unix.EAGAIN {
			return wrapError(KindProtocol, "write byte stream", err)
		}
		if n > 0 {
			buf = buf[n:]
		}
	}
	return nil
}
