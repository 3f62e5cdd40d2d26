/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package rdma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newPipeHostConn returns a fakeHostConn whose FD is the write end of a
// real pipe, so code paths that unix.Write bytes to the "socket" (the
// server's sid reply, the client's hello) have somewhere real to land;
// the read end is returned so the test can assert on what was written.
func newPipeHostConn(t *testing.T, id uint64, connect bool) (*fakeHostConn, int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	t.Cleanup(func() { unix.Close(fds[0]); unix.Close(fds[1]) })

	conn := newFakeHostConn(id, connect)
	conn.fd = fds[1]
	return conn, fds[0]
}

func newClientHandshakeEndpoint(t *testing.T, conn *fakeHostConn, cm *fakeConnManager) *Endpoint {
	t.Helper()
	cq := &fakeCQBroker{}
	disp := newFakeDispatcher()
	mem := NewLocalRegistry(16)
	fr := &fakeFramer{}
	ep := NewEndpoint(conn, func() ConnManager { return cm }, cq, disp, mem, fr, NewConfig().SetCompletionInPthread(false))
	return ep
}

func TestStepClientHelloCWaitsForFullSid(t *testing.T) {
	conn, _ := newPipeHostConn(t, 1, true)
	cm := newFakeConnManager()
	ep := newClientHandshakeEndpoint(t, conn, cm)
	ep.win.publish(int32(ep.sqSize))
	ep.setStatus(HelloC)
	ep.hsBuf = SerializeSid(77)[:SidLength-1] // short by one byte

	advanced, err := ep.stepClient(CMEvent{})
	require.ErrorIs(t, err, ErrEINTR)
	assert.False(t, advanced)
	assert.Equal(t, HelloC, ep.Status())
}

func TestStepClientHelloCCreatesCMOnNonZeroSid(t *testing.T) {
	conn, _ := newPipeHostConn(t, 1, true)
	cm := newFakeConnManager()
	cm.fd = 123
	ep := newClientHandshakeEndpoint(t, conn, cm)
	ep.win.publish(int32(ep.sqSize))
	ep.setStatus(HelloC)
	ep.hsBuf = SerializeSid(77)

	advanced, err := ep.stepClient(CMEvent{})
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, AddrResolving, ep.Status())
	assert.Equal(t, uint64(77), ep.remoteSid)
	assert.True(t, cm.created)
	assert.True(t, cm.resolvedAddr)
}

func TestStepClientHelloCZeroSidFallsBackToByteStream(t *testing.T) {
	conn, _ := newPipeHostConn(t, 1, true)
	cm := newFakeConnManager()
	ep := newClientHandshakeEndpoint(t, conn, cm)
	ep.win.publish(int32(ep.sqSize))
	ep.setStatus(HelloC)
	ep.hsBuf = SerializeSid(0)

	_, err := ep.stepClient(CMEvent{})
	assert.ErrorIs(t, err, ErrGracefulClose)
	assert.Equal(t, Established, ep.Status())
	assert.False(t, conn.rdmaOn)
	assert.Equal(t, 1, conn.woken)
	assert.False(t, cm.created, "a non-RDMA peer must never get a connection manager")
}

func TestStepClientAddrResolvingRejectsWrongEvent(t *testing.T) {
	conn, _ := newPipeHostConn(t, 1, true)
	cm := newFakeConnManager()
	ep := newClientHandshakeEndpoint(t, conn, cm)
	ep.setStatus(AddrResolving)

	_, err := ep.stepClient(CMEvent{Type: CMEventRouteResolved})
	assert.Error(t, err)
	assert.Equal(t, AddrResolving, ep.Status())
}

func TestStepClientRouteResolvingAllocatesAndConnects(t *testing.T) {
	conn, _ := newPipeHostConn(t, 1, true)
	cm := newFakeConnManager()
	ep := newClientHandshakeEndpoint(t, conn, cm)
	ep.cm = cm
	ep.remoteSid = 55
	ep.setStatus(RouteResolving)

	advanced, err := ep.stepClient(CMEvent{Type: CMEventRouteResolved})
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, Connecting, ep.Status())
	require.NotNil(t, cm.connectedWith)

	req, err := DeserializeConnectRequest(cm.connectedWith)
	require.NoError(t, err)
	assert.Equal(t, uint64(55), req.Sid)
	assert.Equal(t, uint32(ep.rqSize), req.RQSize)
	assert.Equal(t, uint32(ep.sqSize), req.SQSize)
}

func TestStepClientConnectingNegotiatesWindowDown(t *testing.T) {
	conn, _ := newPipeHostConn(t, 1, true)
	cm := newFakeConnManager()
	ep := newClientHandshakeEndpoint(t, conn, cm)
	ep.cm = cm
	require.NoError(t, ep.AllocateResources())
	ep.win.publish(int32(ep.sqSize))
	ep.setStatus(Connecting)

	smallerRQ := uint32(ep.sqSize - 1)
	res := ConnectResponse{RQSize: smallerRQ, SQSize: uint32(ep.rqSize)}
	advanced, err := ep.stepClient(CMEvent{Type: CMEventEstablished, PrivateData: res.Serialize()})
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Equal(t, Established, ep.Status())
	assert.Equal(t, int32(smallerRQ), ep.LocalWindowCapacity())
	assert.Equal(t, int32(smallerRQ), ep.Window())
	assert.True(t, conn.rdmaOn)
	assert.Equal(t, 1, conn.woken)
}

func TestStepServerUninitializedRegistersAndRepliesWithSid(t *testing.T) {
	conn, readFD := newPipeHostConn(t, 99, false)
	cm := newFakeConnManager()
	ep := newClientHandshakeEndpoint(t, conn, cm)
	lst := NewListener()
	ep.SetListener(lst)

	hello, err := NewHello()
	require.NoError(t, err)
	ep.hsBuf = hello.Serialize()

	advanced, err := ep.stepServer(CMEvent{})
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, HelloS, ep.Status())
	assert.Equal(t, hello.Nonce, ep.randStr)
	assert.Equal(t, int32(ep.sqSize), ep.Window())

	lst.mu.Lock()
	_, registered := lst.byID[conn.ID()]
	lst.mu.Unlock()
	assert.True(t, registered)

	reply := make([]byte, SidLength)
	n, err := unix.Read(readFD, reply)
	require.NoError(t, err)
	require.Equal(t, SidLength, n)
	sid, ok := DeserializeSid(reply)
	require.True(t, ok)
	assert.Equal(t, conn.ID(), sid)
}

func TestStepServerUninitializedRejectsBadMagic(t *testing.T) {
	conn, _ := newPipeHostConn(t, 1, false)
	cm := newFakeConnManager()
	ep := newClientHandshakeEndpoint(t, conn, cm)
	ep.hsBuf = append([]byte("NOPE"), make([]byte, RandomLength)...)

	_, err := ep.stepServer(CMEvent{})
	assert.ErrorIs(t, err, ErrGracefulClose)
	assert.False(t, conn.rdmaOn)
	assert.Equal(t, Uninitialized, ep.Status())
}

func TestStepServerHelloSAcceptsOnConnectRequest(t *testing.T) {
	conn, _ := newPipeHostConn(t, 1, false)
	cm := newFakeConnManager()
	ep := newClientHandshakeEndpoint(t, conn, cm)
	ep.cm = cm
	ep.setStatus(HelloS)

	advanced, err := ep.stepServer(CMEvent{Type: CMEventConnectRequest})
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, Accepting, ep.Status())
	require.NotNil(t, cm.acceptedWith)

	res, err := DeserializeConnectResponse(cm.acceptedWith)
	require.NoError(t, err)
	assert.Equal(t, uint32(ep.rqSize), res.RQSize)
	assert.Equal(t, uint32(ep.sqSize), res.SQSize)
}

func TestStepServerAcceptingEstablishesOnEvent(t *testing.T) {
	conn, _ := newPipeHostConn(t, 1, false)
	cm := newFakeConnManager()
	ep := newClientHandshakeEndpoint(t, conn, cm)
	ep.setStatus(Accepting)

	advanced, err := ep.stepServer(CMEvent{Type: CMEventEstablished})
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Equal(t, Established, ep.Status())
	assert.True(t, conn.rdmaOn)
}

func TestStepEstablishedRequiresDisconnectEvent(t *testing.T) {
	conn, _ := newPipeHostConn(t, 1, true)
	cm := newFakeConnManager()
	ep := newClientHandshakeEndpoint(t, conn, cm)
	ep.setStatus(Established)

	_, err := ep.stepClient(CMEvent{Type: CMEventEstablished})
	assert.Error(t, err)

	_, err = ep.stepClient(CMEvent{Type: CMEventDisconnect})
	assert.ErrorIs(t, err, ErrGracefulClose)
}

func TestAdoptAcceptRejectsNonceMismatch(t *testing.T) {
	conn, _ := newPipeHostConn(t, 1, false)
	cm := newFakeConnManager()
	ep := newClientHandshakeEndpoint(t, conn, cm)
	require.NoError(t, ep.openPipe())
	ep.randStr = [RandomLength]byte{1, 2, 3}

	req := ConnectRequest{Sid: conn.ID(), Nonce: [RandomLength]byte{9, 9, 9}, RQSize: 16, SQSize: 16}
	err := ep.adoptAccept(cm, req)
	assert.ErrorIs(t, err, ErrPeerSpoofed)
}

func TestAdoptAcceptRejectsDuplicateAccept(t *testing.T) {
	conn, _ := newPipeHostConn(t, 1, false)
	cm := newFakeConnManager()
	ep := newClientHandshakeEndpoint(t, conn, cm)
	require.NoError(t, ep.openPipe())
	ep.randStr = [RandomLength]byte{7}
	ep.cm = cm // simulate an accept that already landed

	req := ConnectRequest{Sid: conn.ID(), Nonce: [RandomLength]byte{7}, RQSize: 16, SQSize: 16}
	err := ep.adoptAccept(newFakeConnManager(), req)
	assert.ErrorIs(t, err, ErrDuplicateAccept)
}

func TestAdoptAcceptNegotiatesRemoteWindowDown(t *testing.T) {
	conn, _ := newPipeHostConn(t, 1, false)
	cm := newFakeConnManager()
	ep := newClientHandshakeEndpoint(t, conn, cm)
	require.NoError(t, ep.openPipe())
	ep.randStr = [RandomLength]byte{4, 2}
	ep.win.publish(int32(ep.sqSize))

	smallerSQ := uint32(ep.rqSize - 3)
	req := ConnectRequest{Sid: conn.ID(), Nonce: ep.randStr, RQSize: uint32(ep.sqSize), SQSize: smallerSQ}
	require.NoError(t, ep.adoptAccept(newFakeConnManager(), req))

	assert.Equal(t, int32(smallerSQ), ep.RemoteWindowCapacity(), "a peer advertising a smaller SQ caps the credit we grant it")
	assert.Equal(t, int32(ep.sqSize), ep.LocalWindowCapacity())
	assert.Equal(t, int32(ep.sqSize), ep.Window(), "a peer RQ no smaller than our SQ leaves the send window untouched")
}
