/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package rdma

// Config tunes an Endpoint's queue sizing and delivery policy. The zero
// value is not usable; build one with NewConfig and the fluent Set*
// methods.
type Config struct {
	sbufSize  int
	rbufSize  int
	zeroCopy  bool
	inPthread bool
	eligible  func(remoteSide string) bool
}

// NewConfig returns a Config with the defaults the endpoint uses when no
// knob has been overridden: sq/rq depths derived from DefaultPayload*MinQueueDepth,
// zero-copy receive delivery, and a dedicated completion goroutine rather
// than a cooperative task.
func NewConfig() *Config {
	return &Config{
		sbufSize:  DefaultPayload * MinQueueDepth,
		rbufSize:  DefaultPayload * MinQueueDepth,
		zeroCopy:  true,
		inPthread: true,
	}
}

// SetSendBufferSize sets rdma_sbuf_size: the nominal send buffer bytes used
// to derive sq_size.
func (c *Config) SetSendBufferSize(bytes int) *Config {
	c.sbufSize = bytes
	return c
}

// SetRecvBufferSize sets rdma_rbuf_size: the nominal receive buffer bytes
// used to derive rq_size.
func (c *Config) SetRecvBufferSize(bytes int) *Config {
	c.rbufSize = bytes
	return c
}

// SetZeroCopyReceive sets rdma_recv_zerocopy: when true, received blocks are
// delivered to the host read buffer by reference-cut rather than copy.
func (c *Config) SetZeroCopyReceive(zeroCopy bool) *Config {
	c.zeroCopy = zeroCopy
	return c
}

// SetCompletionInPthread sets usercode_in_pthread: when true the completion
// pump runs on a dedicated goroutine pinned conceptually to its own worker;
// when false it is expected to be driven cooperatively by the caller via
// (*Endpoint).PumpOnce.
func (c *Config) SetCompletionInPthread(inPthread bool) *Config {
	c.inPthread = inPthread
	return c
}

// SetEligibility installs the policy deciding whether a remote address is
// in the RDMA cluster. A nil policy (the default) allows RDMA to every remote.
func (c *Config) SetEligibility(fn func(remoteSide string) bool) *Config {
	c.eligible = fn
	return c
}

// sqSize derives sq_size from the configured send buffer size: at least
// MinQueueDepth, otherwise bytes/DefaultPayload + 1.
func (c *Config) sqSize() int {
	return queueDepth(c.sbufSize)
}

// rqSize derives rq_size from the configured receive buffer size.
func (c *Config) rqSize() int {
	return queueDepth(c.rbufSize)
}

func queueDepth(bufSize int) int {
	n := bufSize/DefaultPayload + 1
	if n < MinQueueDepth {
		return MinQueueDepth
	}
	return n
}
