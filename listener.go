/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package rdma

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dingdingforgt/brpc/rdmalog"
)

// Listener is the accept-path half of InitializeFromAccept: it maps
// a server-assigned sid back to the Endpoint that issued it, so an
// incoming CM connect-request can be matched to the host connection that
// is waiting on its wakeup pipe. One Listener is shared by every server
// Endpoint created by the same TCP listener.
type Listener struct {
	mu   sync.Mutex
	byID map[uint64]*Endpoint

	spoofLog *rdmalog.Entry
	limiters sync.Map // sid -> *rate.Limiter
}

// NewListener returns an empty Listener.
func NewListener() *Listener {
	return &Listener{
		byID:     make(map[uint64]*Endpoint),
		spoofLog: rdmalog.For("listener"),
	}
}

// Register associates sid (the endpoint's own host connection ID, handed to
// the client as the server-assigned sid in HELLO_S) with ep, so a later CM
// connect-request carrying that sid can be routed back to it. Called by the
// server endpoint just before it writes its sid reply to the client's Hello,
// so the mapping exists before the client can send a connect-request.
func (l *Listener) Register(sid uint64, ep *Endpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID[sid] = ep
}

// Unregister removes sid's mapping, called on Endpoint teardown so a stale
// sid cannot be matched against a dead endpoint.
func (l *Listener) Unregister(sid uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byID, sid)
	l.limiters.Delete(sid)
}

// InitializeFromAccept is the listener-side half of the accept path: it
// parses the CM connect-request's private data, looks the target
// endpoint up by sid, and delegates the nonce check and CM adoption to it. Any mismatch (unknown
// sid, wrong nonce, duplicate rcm) is logged at a rate of at most once per
// second per sid and returned to the caller as an error -- but the caller
// must never translate that error into conn.SetFailed on anyone's host
// connection; the victim endpoint (if any) is left exactly as it was.
func (l *Listener) InitializeFromAccept(rcm ConnManager, privateData []byte) error {
	req, err := DeserializeConnectRequest(privateData)
	if err != nil {
		return err
	}

	l.mu.Lock()
	ep, ok := l.byID[req.Sid]
	l.mu.Unlock()
	if !ok {
		l.logRateLimited(req.Sid, "connect-request for unknown sid")
		return newError(KindPeerSpoofed, "unknown sid")
	}

	if err := ep.adoptAccept(rcm, req); err != nil {
		l.logRateLimited(req.Sid, err.Error())
		return err
	}
	return nil
}

func (l *Listener) logRateLimited(sid uint64, reason string) {
	limiterAny, _ := l.limiters.LoadOrStore(sid, rate.NewLimiter(rate.Every(time.Second), 1))
	limiter := limiterAny.(*rate.Limiter)
	if limiter.Allow() {
		l.spoofLog.WithField("sid", sid).Warn(reason)
	}
}
