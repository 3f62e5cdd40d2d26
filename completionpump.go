/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package rdma

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dingdingforgt/brpc/rdmalog"
)

// completionPump is the serialized task draining completions for one
// endpoint, or for one shared CQ on behalf of many endpoints.
// It must never join on itself during Stop: the teardown path that stops
// the pump may itself be running on the pump's own goroutine in the shared
// case, and a Wait there would deadlock. stopNoJoin only signals; it trusts
// the worker goroutine to observe the signal and exit on its own.
type completionPump struct {
	ep     *Endpoint
	cq     CQBroker
	shared bool
	log    *rdmalog.Entry

	stopped atomic.Bool
	done    chan struct{}
}

func newOwnedCompletionPump(ep *Endpoint, cq CQBroker) *completionPump {
	return &completionPump{ep: ep, cq: cq, shared: false, log: rdmalog.For("completionpump"), done: make(chan struct{})}
}

func newSharedCompletionPump(ep *Endpoint, cq CQBroker) *completionPump {
	return &completionPump{ep: ep, cq: cq, shared: true, log: rdmalog.For("completionpump"), done: make(chan struct{})}
}

// start runs the pump on a dedicated goroutine, the
// SetCompletionInPthread(true) mode.
func (p *completionPump) start() {
	go p.loop()
}

func (p *completionPump) loop() {
	defer close(p.done)
	for !p.stopped.Load() {
		c, ok, err := p.cq.Poll()
		if err != nil {
			p.log.WithError(err).Warn("poll completion queue")
			p.ep.conn.SetFailed(wrapError(KindRDMA, "poll completion queue", err))
			return
		}
		if !ok {
			runtime.Gosched()
			continue
		}
		p.dispatch(c)
	}
}

// PumpOnce drains whatever completions are currently available without
// blocking, the usercode_in_pthread=false cooperative mode where the host
// reactor drives the pump itself.
func (ep *Endpoint) PumpOnce() {
	if ep.pump == nil {
		return
	}
	for {
		c, ok, err := ep.pump.cq.Poll()
		if err != nil {
			ep.conn.SetFailed(wrapError(KindRDMA, "poll completion queue", err))
			return
		}
		if !ok {
			return
		}
		ep.pump.dispatch(c)
	}
}

func (p *completionPump) dispatch(c Completion) {
	if p.stopped.Load() {
		return // a stopped pump drains completions without processing them
	}
	positive, err := p.ep.HandleCompletion(c)
	if err != nil {
		p.ep.conn.SetFailed(err)
		return
	}
	if positive {
		p.ep.fr.OnDataAvailable(p.ep.conn, time.Now())
	}
}

// stopNoJoin marks the pump stopped and returns immediately. The dedicated
// goroutine (if any) observes the flag on its next loop iteration and
// exits without anyone having to wait for it.
func (p *completionPump) stopNoJoin() {
	p.stopped.Store(true)
}
