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

func TestListenerInitializeFromAcceptUnknownSidIsRateLimitedNotFatal(t *testing.T) {
	l := NewListener()
	req := ConnectRequest{Sid: 999, Nonce: [RandomLength]byte{1}, RQSize: 16, SQSize: 16}

	err := l.InitializeFromAccept(newFakeConnManager(), req.Serialize())
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindPeerSpoofed, rerr.Kind())
}

func TestListenerInitializeFromAcceptAdoptsRegisteredEndpoint(t *testing.T) {
	conn, _ := newPipeHostConn(t, 42, false)
	cm := newFakeConnManager()
	ep := newClientHandshakeEndpoint(t, conn, cm)
	require.NoError(t, ep.openPipe())
	ep.randStr = [RandomLength]byte{5, 6, 7}

	l := NewListener()
	l.Register(conn.ID(), ep)

	acceptedCM := newFakeConnManager()
	req := ConnectRequest{Sid: conn.ID(), Nonce: ep.randStr, RQSize: 16, SQSize: 16}

	err := l.InitializeFromAccept(acceptedCM, req.Serialize())
	require.NoError(t, err)
	assert.Same(t, ConnManager(acceptedCM), ep.cm)

	var wake [1]byte
	n, rerr := unix.Read(ep.pipeR, wake[:])
	require.NoError(t, rerr)
	assert.Equal(t, 1, n, "a successful adopt must wake the handshake driver")
}

func TestListenerInitializeFromAcceptPropagatesNonceMismatch(t *testing.T) {
	conn, _ := newPipeHostConn(t, 7, false)
	cm := newFakeConnManager()
	ep := newClientHandshakeEndpoint(t, conn, cm)
	require.NoError(t, ep.openPipe())
	ep.randStr = [RandomLength]byte{1, 1, 1}

	l := NewListener()
	l.Register(conn.ID(), ep)

	req := ConnectRequest{Sid: conn.ID(), Nonce: [RandomLength]byte{2, 2, 2}, RQSize: 16, SQSize: 16}
	err := l.InitializeFromAccept(newFakeConnManager(), req.Serialize())
	assert.ErrorIs(t, err, ErrPeerSpoofed)
	assert.Nil(t, ep.cm, "a rejected accept must not adopt the spoofed connection manager")
}

func TestListenerUnregisterRemovesSidAndLimiter(t *testing.T) {
	conn, _ := newPipeHostConn(t, 3, false)
	cm := newFakeConnManager()
	ep := newClientHandshakeEndpoint(t, conn, cm)

	l := NewListener()
	l.Register(conn.ID(), ep)
	l.logRateLimited(conn.ID(), "probe")

	l.Unregister(conn.ID())

	l.mu.Lock()
	_, stillByID := l.byID[conn.ID()]
	l.mu.Unlock()
	assert.False(t, stillByID)

	_, stillLimited := l.limiters.Load(conn.ID())
	assert.False(t, stillLimited)
}

func TestListenerLogRateLimitedReusesOneLimiterPerSid(t *testing.T) {
	l := NewListener()
	l.logRateLimited(1, "a")
	l.logRateLimited(1, "b")
	l.logRateLimited(2, "c")

	count := 0
	l.limiters.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	assert.Equal(t, 2, count, "one limiter per distinct sid")
}
