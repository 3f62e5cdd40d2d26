/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package rdma

import "sync/atomic"

// window is the credit counter protecting the peer's receive queue. It
// is published once at handshake start and spun on by the client's
// HELLO_C transition before any other handshake field is read;
// atomic.Int32's Load/Store provide the necessary ordering on every
// architecture Go targets.
type window struct {
	v atomic.Int32
}

// publish sets the initial credit count, called once per handshake: from
// StartHandshake on the client before the hello bytes are written, and from
// the server's UNINITIALIZED step before it registers with the listener.
func (w *window) publish(n int32) {
	w.v.Store(n)
}

// waitNonZero busy-waits until the window has been published: a brief
// spin, never a blocking sleep. It is only ever called before the
// handshake has produced a QP, so the spin window is microseconds.
func (w *window) waitNonZero() int32 {
	for {
		if v := w.v.Load(); v != 0 {
			return v
		}
	}
}

// tryClaim attempts to claim one credit; returns false if none available
// (the send engine's "would block" precondition).
func (w *window) tryClaim() bool {
	for {
		cur := w.v.Load()
		if cur <= 0 {
			return false
		}
		if w.v.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// add returns n credits, reporting whether the window transitioned from
// 0 to positive; callers must wake a blocked writer when it did.
func (w *window) add(n int32) (becamePositive bool) {
	for {
		cur := w.v.Load()
		next := cur + n
		if w.v.CompareAndSwap(cur, next) {
			return cur == 0 && next > 0
		}
	}
}

// set forcibly sets the window, used only during negotiate-down: in the
// client's CONNECTING step and in the server's adoptAccept.
func (w *window) set(n int32) {
	w.v.Store(n)
}

func (w *window) load() int32 {
	return w.v.Load()
}

// ackCounter is the new_rq_wrs atomic counter: receive
// completions pending to be piggybacked as a credit ACK, exchanged to 0 at
// whichever of the two call sites (a data send, or the half-window
// threshold check in HandleCompletion) observes it non-zero first.
type ackCounter struct {
	v atomic.Int32
}

func (c *ackCounter) add(n int32) int32 {
	return c.v.Add(n)
}

// exchange atomically reads and resets the counter, returning the value
// observed. Exactly one of the two call sites reflects a given increment
// to the peer.
func (c *ackCounter) exchange() int32 {
	return c.v.Swap(0)
}

func (c *ackCounter) load() int32 {
	return c.v.Load()
}
