/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package rdma

import (
	"crypto/rand"
	"encoding/binary"
)

// Hello is the client-to-server handshake message on the byte stream:
// MagicStr followed by a RandomLength nonce.
type Hello struct {
	Nonce [RandomLength]byte
}

// NewHello builds a Hello with a freshly drawn nonce.
func NewHello() (Hello, error) {
	var h Hello
	if _, err := rand.Read(h.Nonce[:]); err != nil {
		return Hello{}, wrapError(KindResource, "draw nonce", err)
	}
	return h, nil
}

// Serialize writes MagicStr followed by the nonce, HelloLength bytes total.
func (h Hello) Serialize() []byte {
	out := make([]byte, HelloLength)
	copy(out, MagicStr)
	copy(out[MagicLength:], h.Nonce[:])
	return out
}

// DeserializeHello parses a HelloLength-byte buffer. It returns ok=false
// (not an error) when the magic does not match, matching the handshake
// driver's "mark RDMA off, spill bytes" reaction to a non-RDMA peer.
func DeserializeHello(buf []byte) (h Hello, ok bool) {
	if len(buf) < HelloLength {
		return Hello{}, false
	}
	if string(buf[:MagicLength]) != MagicStr {
		return Hello{}, false
	}
	copy(h.Nonce[:], buf[MagicLength:HelloLength])
	return h, true
}

// SerializeSid writes sid as an 8-byte big-endian value, the server's reply
// to the client's Hello. sid == 0 means "not RDMA capable".
func SerializeSid(sid uint64) []byte {
	out := make([]byte, SidLength)
	binary.BigEndian.PutUint64(out, sid)
	return out
}

// DeserializeSid reads the 8-byte big-endian sid reply.
func DeserializeSid(buf []byte) (uint64, bool) {
	if len(buf) < SidLength {
		return 0, false
	}
	return binary.BigEndian.Uint64(buf), true
}

// ConnectRequest is the client's CM private data on Connect:
// sid (8B) | nonce (RandomLength) | rq_size (4B) | sq_size (4B), all
// big-endian.
type ConnectRequest struct {
	Sid    uint64
	Nonce  [RandomLength]byte
	RQSize uint32
	SQSize uint32
}

// Serialize encodes the request to its bit-exact wire form.
func (r ConnectRequest) Serialize() []byte {
	out := make([]byte, connectRequestLen)
	binary.BigEndian.PutUint64(out[0:8], r.Sid)
	copy(out[8:8+RandomLength], r.Nonce[:])
	off := 8 + RandomLength
	binary.BigEndian.PutUint32(out[off:off+4], r.RQSize)
	binary.BigEndian.PutUint32(out[off+4:off+8], r.SQSize)
	return out
}

// DeserializeConnectRequest parses a connect-request's private data.
func DeserializeConnectRequest(buf []byte) (ConnectRequest, error) {
	if len(buf) < connectRequestLen {
		return ConnectRequest{}, newError(KindProtocol, "connect request too short")
	}
	var r ConnectRequest
	r.Sid = binary.BigEndian.Uint64(buf[0:8])
	copy(r.Nonce[:], buf[8:8+RandomLength])
	off := 8 + RandomLength
	r.RQSize = binary.BigEndian.Uint32(buf[off : off+4])
	r.SQSize = binary.BigEndian.Uint32(buf[off+4 : off+8])
	return r, nil
}

// ConnectResponse is the server's CM private data on Accept:
// rq_size (4B) | sq_size (4B), big-endian.
type ConnectResponse struct {
	RQSize uint32
	SQSize uint32
}

// Serialize encodes the response to its bit-exact wire form.
func (r ConnectResponse) Serialize() []byte {
	out := make([]byte, connectResponseLen)
	binary.BigEndian.PutUint32(out[0:4], r.RQSize)
	binary.BigEndian.PutUint32(out[4:8], r.SQSize)
	return out
}

// DeserializeConnectResponse parses an accept's private data.
func DeserializeConnectResponse(buf []byte) (ConnectResponse, error) {
	if len(buf) < connectResponseLen {
		return ConnectResponse{}, newError(KindProtocol, "connect response too short")
	}
	var r ConnectResponse
	r.RQSize = binary.BigEndian.Uint32(buf[0:4])
	r.SQSize = binary.BigEndian.Uint32(buf[4:8])
	return r, nil
}
