/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

// Command rdmaecho wires a plain TCP listener/dialer, the rdma/verbs
// collaborators, and a shared rdma.Listener
// into a working echo client/server, so the two sides of the handshake and
// the send/receive/credit loop can be exercised against real hardware (or
// soft-RoCE) without a full RPC framework around them.
package main

import (
	"flag"
	"log"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dingdingforgt/brpc"
	"github.com/dingdingforgt/brpc/verbs"
)

func main() {
	var (
		serverMode bool
		addr       string
	)
	fs := flag.NewFlagSet("rdmaecho", flag.ExitOnError)
	fs.BoolVar(&serverMode, "s", false, "run as server")
	fs.StringVar(&addr, "a", "127.0.0.1:18515", "address")
	if len(os.Args) > 1 {
		_ = fs.Parse(os.Args[1:])
	}

	dev, err := verbs.OpenDevice()
	if err != nil {
		log.Fatalf("open device: %v", err)
	}
	defer dev.Close()

	rt := newReactor(dev)
	if serverMode {
		rt.serve(addr)
	} else {
		rt.dial(addr)
	}
	rt.run()
}

// reactor is the minimal epoll-driven event loop every Endpoint in the
// program shares: the "I/O reactor" and "event dispatcher" collaborators
// the core treats as external. It owns one shared CQ broker
// and memory registry so every connection's QP lands on the same
// completion queue and registered-memory table, and one rdma.Listener so
// server endpoints can be matched back to an incoming CM connect-request
// by sid.
type reactor struct {
	epfd int
	dev  *verbs.Device
	cq   *verbs.CQBroker
	mem  *verbs.MemoryRegistry
	lst  *rdma.Listener
	cml  *verbs.CMListener // server mode only

	conns  map[int]*hostConn    // by TCP fd
	byID   map[uint64]*hostConn // by connection id
	consFD map[int]*hostConn    // by consumer fd handed to AddConsumer (CM channel, wakeup pipe)
}

func newReactor(dev *verbs.Device) *reactor {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		log.Fatalf("epoll_create1: %v", err)
	}
	return &reactor{
		epfd:   epfd,
		dev:    dev,
		cq:     verbs.NewSharedCQBroker(dev),
		mem:    verbs.NewMemoryRegistry(dev),
		lst:    rdma.NewListener(),
		conns:  make(map[int]*hostConn),
		byID:   make(map[uint64]*hostConn),
		consFD: make(map[int]*hostConn),
	}
}

// AddConsumer implements rdma.Dispatcher: Endpoint calls this once it has
// created its own CM fd (client) or learned the server's accept-path
// wakeup pipe, neither of which the reactor opened itself.
func (r *reactor) AddConsumer(consumerID uint64, fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	if hc, ok := r.byID[consumerID]; ok {
		r.consFD[fd] = hc
	}
	return nil
}

func (r *reactor) RemoveConsumer(consumerID uint64) error {
	hc, ok := r.byID[consumerID]
	if !ok {
		return nil
	}
	for fd, v := range r.consFD {
		if v == hc {
			unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			delete(r.consFD, fd)
		}
	}
	return nil
}

func (r *reactor) serve(addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	cml, err := verbs.ListenCM(r.dev, r.cq, addr)
	if err != nil {
		log.Fatalf("cm listen: %v", err)
	}
	r.cml = cml
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(cml.FD())}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, cml.FD(), &ev); err != nil {
		log.Fatalf("epoll_ctl cm listener: %v", err)
	}
	log.Printf("rdmaecho: listening on %s", addr)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				log.Printf("accept: %v", err)
				return
			}
			r.adopt(c, false)
		}
	}()
}

func (r *reactor) dial(addr string) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	hc := r.adopt(c, true)
	if err := hc.ep.StartHandshake(); err != nil {
		log.Fatalf("start handshake: %v", err)
	}
}

func (r *reactor) adopt(c net.Conn, connected bool) *hostConn {
	hc := newHostConn(c, connected)
	cmFactory := func() rdma.ConnManager { return verbs.NewConnManager(r.dev, r.cq) }
	fr := &echoFramer{}
	cfg := rdma.NewConfig().SetCompletionInPthread(false)
	ep := rdma.NewEndpoint(hc, cmFactory, r.cq, r, r.mem, fr, cfg)
	if !connected {
		ep.SetListener(r.lst)
	}
	hc.ep = ep
	r.conns[hc.fd] = hc
	r.byID[hc.id] = hc

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(hc.fd)}
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, hc.fd, &ev)
	return hc
}

func (r *reactor) run() {
	events := make([]unix.EpollEvent, 32)
	for {
		// A short timeout so established endpoints are pumped even when
		// no fd fires: completions on the shared CQ have no epoll
		// representation in this cooperative (inPthread=false) setup.
		n, err := unix.EpollWait(r.epfd, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Fatalf("epoll_wait: %v", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if r.cml != nil && fd == r.cml.FD() {
				r.acceptCM()
				continue
			}
			hc, ok := r.conns[fd]
			if !ok {
				hc, ok = r.consFD[fd]
			}
			if !ok {
				continue
			}
			if hc.ep.Status() != rdma.Established {
				if err := hc.ep.Handshake(); err != nil && err != rdma.ErrGracefulClose {
					log.Printf("handshake error on fd=%d: %v", fd, err)
				}
			}
		}
		for _, hc := range r.conns {
			if hc.ep.Status() == rdma.Established {
				hc.ep.PumpOnce()
				hc.drainPendingEcho()
			}
		}
	}
}

// acceptCM drains pending CM connect-requests and routes each one to the
// shared rdma.Listener, which matches it back to the server endpoint that
// issued the sid. Mismatches are already rate-limited-logged inside
// InitializeFromAccept and must not fail anyone's connection.
func (r *reactor) acceptCM() {
	for {
		cm, privateData, err := r.cml.PollRequest()
		if err != nil {
			log.Printf("cm poll request: %v", err)
			return
		}
		if cm == nil {
			return
		}
		if err := r.lst.InitializeFromAccept(cm, privateData); err != nil {
			cm.Close()
		}
	}
}

// hostConn implements rdma.HostConn over one plain TCP net.Conn, the
// host byte-stream connection the endpoint rides on.
type hostConn struct {
	conn      net.Conn
	fd        int
	id        uint64
	connected bool
	rdmaOn    bool
	readBuf   *rdma.IOBuf
	pending   []*rdma.IOBuf // one queued echo message per element
	ep        *rdma.Endpoint
}

var nextConnID uint64

func newHostConn(c net.Conn, connected bool) *hostConn {
	nextConnID++
	return &hostConn{
		conn:      c,
		fd:        fdOf(c),
		id:        nextConnID,
		connected: connected,
		readBuf:   rdma.NewIOBuf(nil),
	}
}

// drainPendingEcho hands the messages the framer queued on the last pump
// back to the send engine, one WR per call to CutFromIOBufList, stopping
// at the first credit exhaustion: the reactor simply tries again on its
// next pass over the established connections. The whole queue is passed on
// every call so the send engine sees each message's boundary; fully
// drained messages are dropped from the front afterwards.
func (h *hostConn) drainPendingEcho() {
	for {
		for len(h.pending) > 0 && h.pending[0].Len() == 0 {
			h.pending = h.pending[1:]
		}
		if len(h.pending) == 0 {
			return
		}
		bufs := make([]rdma.IOBufLike, len(h.pending))
		for i, b := range h.pending {
			bufs[i] = b
		}
		n, err := h.ep.CutFromIOBufList(bufs...)
		if err != nil {
			if err == rdma.ErrWouldBlock {
				return
			}
			h.SetFailed(err)
			return
		}
		if n == 0 {
			return
		}
	}
}

func (h *hostConn) FD() int                 { return h.fd }
func (h *hostConn) ID() uint64              { return h.id }
func (h *hostConn) RemoteSide() string      { return h.conn.RemoteAddr().String() }
func (h *hostConn) ReadBuf() rdma.IOBufLike { return h.readBuf }
func (h *hostConn) SetRDMAState(on bool)    { h.rdmaOn = on }
func (h *hostConn) WakeAsEpollOut()         {} // plain byte-stream writes are synchronous here
func (h *hostConn) CreatedByConnect() bool  { return h.connected }

func (h *hostConn) SetFailed(err error) {
	log.Printf("connection %d failed: %v", h.id, err)
	h.conn.Close()
}

// echoFramer is the message-framer collaborator: every time new
// bytes land in the host read buffer it queues them as one message for
// drainPendingEcho to send back, exercising CutFromIOBufList's credit
// accounting in both directions.
type echoFramer struct{}

func (f *echoFramer) OnDataAvailable(conn rdma.HostConn, arrival time.Time) {
	hc, ok := conn.(*hostConn)
	if !ok {
		return
	}
	buf := hc.readBuf
	if buf.Len() == 0 {
		return
	}
	echo := make([]byte, buf.Len())
	buf.CutN(echo, len(echo))
	msg := rdma.NewIOBuf(nil)
	msg.Append(echo)
	hc.pending = append(hc.pending, msg)
	log.Printf("queued %d bytes to echo back, received at %s", len(echo), arrival.Format(time.RFC3339Nano))
}

func fdOf(c net.Conn) int {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return -1
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return -1
	}
	var fd int
	raw.Control(func(s uintptr) { fd = int(s) })
	return fd
}
