/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package rdma

// Wire framing constants for the byte-stream handshake.
const (
	// MagicStr is the fixed prefix of the client's hello.
	MagicStr = "RDMA"
	// MagicLength is len(MagicStr).
	MagicLength = len(MagicStr)
	// RandomLength is the size in bytes of the connection nonce.
	RandomLength = 16
	// HelloLength is the total size of the client's hello message.
	HelloLength = MagicLength + RandomLength
	// SidLength is the size in bytes of the server-assigned socket id.
	SidLength = 8
)

// Queue sizing and payload constants.
const (
	// MinQueueDepth is the floor applied to both sq_size and rq_size.
	MinQueueDepth = 16
	// ReservedWRNum is the extra WR headroom reserved in both SQ and RQ
	// for pure-ACK traffic, so application traffic saturating the
	// negotiated window never starves credit return.
	ReservedWRNum = 3
	// DefaultPayload bounds the maximum bytes carried by a single WR and
	// the size of each registered receive block.
	DefaultPayload = 8192
	// InlineThreshold is the payload size at or below which a send WR is
	// marked INLINE.
	InlineThreshold = 64
)

// connectRequestLen is the wire size of ConnectRequest's CM private data:
// sid (8) + nonce (RandomLength) + rq_size (4) + sq_size (4).
const connectRequestLen = SidLength + RandomLength + 4 + 4

// connectResponseLen is the wire size of ConnectResponse's CM private data.
const connectResponseLen = 4 + 4
