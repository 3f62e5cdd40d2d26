/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

// Package rdma implements the per-connection state machine that upgrades an
// already-connected TCP byte stream to an RDMA Reliable-Connection transport.
//
// An Endpoint negotiates a queue-pair alongside the host connection via a
// two-phase handshake (hello bytes on the byte stream, then connection-manager
// events), exchanges Send-With-Immediate work requests carrying both
// application data and piggyback credit ACKs, and exposes the result through
// CutFromIOBufList (send) and HandleCompletion (receive/completion dispatch).
//
// The package depends only on small collaborator interfaces for everything
// that is not the endpoint's own state: the host byte-stream connection, the
// connection manager, the completion-queue broker, the event dispatcher, and
// the registered-memory allocator. Package rdma/verbs supplies concrete,
// cgo-backed implementations of those collaborators against libibverbs and
// librdmacm.
package rdma
