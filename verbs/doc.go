/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

// Package verbs is the domain stack: concrete, cgo-backed implementations
// of every collaborator interface package rdma declares against
// libibverbs and librdmacm (rdma.ConnManager, rdma.QueuePair, rdma.CQBroker,
// rdma.MemoryRegistry). It is the production counterpart to the
// in-process stand-ins (rdma.LocalRegistry, and the fakes under
// rdma's own _test.go files) used to exercise the state machine without
// real hardware.
//
// Every exported constructor here returns a *rdma.Error on failure, using
// the same Kind taxonomy the core package defines, so a caller driving an
// rdma.Endpoint never needs a type switch on which package produced the
// error.
package verbs
