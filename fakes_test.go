/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package rdma

import (
	"sync"
	"time"
)

// fakeHostConn is a HostConn recording every call the endpoint makes
// against it, standing in for a real TCP connection in unit tests.
type fakeHostConn struct {
	mu sync.Mutex

	fd         int
	id         uint64
	remote     string
	connect    bool
	rdmaOn     bool
	woken      int
	failedWith error
	read       *IOBuf
}

func newFakeHostConn(id uint64, connect bool) *fakeHostConn {
	return &fakeHostConn{fd: -1, id: id, remote: "10.0.0.1:18515", connect: connect, read: NewIOBuf(nil)}
}

func (f *fakeHostConn) FD() int             { return f.fd }
func (f *fakeHostConn) ID() uint64          { return f.id }
func (f *fakeHostConn) RemoteSide() string  { return f.remote }
func (f *fakeHostConn) ReadBuf() IOBufLike  { return f.read }
func (f *fakeHostConn) CreatedByConnect() bool { return f.connect }

func (f *fakeHostConn) SetRDMAState(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rdmaOn = on
}

func (f *fakeHostConn) WakeAsEpollOut() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.woken++
}

func (f *fakeHostConn) SetFailed(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedWith = err
}

// fakeQueuePair is a QueuePair recording posted work requests instead of
// touching real hardware.
type fakeQueuePair struct {
	mu sync.Mutex

	sendImms  []fakeSendImm
	recvs     []fakeRecv
	destroyed bool

	failNextSend bool
	failNextRecv bool
}

type fakeSendImm struct {
	sges  []SGE
	imm   uint32
	flags SendFlags
}

type fakeRecv struct {
	addr   uintptr
	length uint32
	lkey   uint32
	wrID   uint64
}

func (q *fakeQueuePair) PostSendImm(sges []SGE, imm uint32, flags SendFlags) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failNextSend {
		q.failNextSend = false
		return newError(KindRDMA, "simulated post-send failure")
	}
	cp := append([]SGE(nil), sges...)
	q.sendImms = append(q.sendImms, fakeSendImm{sges: cp, imm: imm, flags: flags})
	return nil
}

func (q *fakeQueuePair) PostRecv(addr uintptr, length uint32, lkey uint32, wrID uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failNextRecv {
		q.failNextRecv = false
		return newError(KindRDMA, "simulated post-recv failure")
	}
	q.recvs = append(q.recvs, fakeRecv{addr: addr, length: length, lkey: lkey, wrID: wrID})
	return nil
}

func (q *fakeQueuePair) Destroy() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.destroyed = true
	return nil
}

func (q *fakeQueuePair) sendCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sendImms)
}

// fakeCQBroker is a CQBroker whose Poll drains a caller-fed queue of
// completions instead of polling a real ibv_cq.
type fakeCQBroker struct {
	mu       sync.Mutex
	shared   bool
	pending  []Completion
	gotOne   bool
	released bool
}

func (b *fakeCQBroker) GetOne(capacity int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gotOne = true
	return nil
}

func (b *fakeCQBroker) IsShared() bool { return b.shared }

func (b *fakeCQBroker) Poll() (Completion, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return Completion{}, false, nil
	}
	c := b.pending[0]
	b.pending = b.pending[1:]
	return c, true, nil
}

func (b *fakeCQBroker) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = true
	return nil
}

func (b *fakeCQBroker) push(c Completion) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, c)
}

// fakeConnManager is a ConnManager driven by a scripted queue of CM events
// instead of a real rdma_cm_id/event channel.
type fakeConnManager struct {
	mu sync.Mutex

	fd     int
	events []CMEvent

	created                     bool
	closed                      bool
	resolvedAddr, resolvedRoute bool
	connectedWith, acceptedWith []byte

	qp *fakeQueuePair
}

func newFakeConnManager() *fakeConnManager {
	return &fakeConnManager{fd: -1, qp: &fakeQueuePair{}}
}

func (c *fakeConnManager) Create() error { c.created = true; return nil }
func (c *fakeConnManager) FD() int       { return c.fd }

func (c *fakeConnManager) PollEvent() (CMEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return CMEvent{Type: CMEventNone}, nil
	}
	e := c.events[0]
	c.events = c.events[1:]
	return e, nil
}

func (c *fakeConnManager) pushEvent(e CMEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *fakeConnManager) ResolveAddr(remote string) error { c.resolvedAddr = true; return nil }
func (c *fakeConnManager) ResolveRoute() error              { c.resolvedRoute = true; return nil }

func (c *fakeConnManager) Connect(privateData []byte) error {
	c.connectedWith = privateData
	return nil
}

func (c *fakeConnManager) Accept(privateData []byte) error {
	c.acceptedWith = privateData
	return nil
}

func (c *fakeConnManager) CreateQP(sqDepth, rqDepth int) (QueuePair, error) {
	return c.qp, nil
}

func (c *fakeConnManager) Close() error { c.closed = true; return nil }

// fakeDispatcher is a Dispatcher recording AddConsumer/RemoveConsumer calls.
type fakeDispatcher struct {
	mu    sync.Mutex
	added map[uint64]int
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{added: make(map[uint64]int)}
}

func (d *fakeDispatcher) AddConsumer(consumerID uint64, fd int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.added[consumerID] = fd
	return nil
}

func (d *fakeDispatcher) RemoveConsumer(consumerID uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.added, consumerID)
	return nil
}

// fakeFramer is a Framer recording how many times data arrived.
type fakeFramer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeFramer) OnDataAvailable(conn HostConn, arrival time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

func (f *fakeFramer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
