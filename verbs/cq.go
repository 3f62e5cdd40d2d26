/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package verbs

// #cgo CFLAGS: -I/usr/include/infiniband
// #cgo LDFLAGS: -libverbs -lrdmacm
// #include <infiniband/verbs.h>
// #include <arpa/inet.h>
import "C"
import (
	"sync"
	"unsafe"

	"github.com/dingdingforgt/brpc"
	"github.com/dingdingforgt/brpc/rdmalog"
)

var cqLog = rdmalog.For("verbs.cq")

// immData extracts ibv_wc's anonymous imm_data/invalidated_rkey union
// (cgo exposes anonymous C unions as byte arrays named anon0, anon1, ...)
// and converts it from network byte order.
func immData(wc *C.struct_ibv_wc) uint32 {
	return uint32(C.ntohl(*(*C.uint32_t)(unsafe.Pointer(&wc.anon0[0]))))
}

// CQBroker implements rdma.CQBroker. A broker may be dedicated to one
// endpoint or shared across many: when shared, every endpoint on the same
// NewSharedCQBroker instance polls the same underlying ibv_cq and only
// the first GetOne call actually creates it, so one completion task per
// shared CQ suffices.
type CQBroker struct {
	dev    *Device
	shared bool

	mu  sync.Mutex
	cq  *C.struct_ibv_cq
	cap int
	rc  int // refcount, for shared release accounting
}

// NewExclusiveCQBroker returns a broker that allocates its own CQ on
// GetOne, released (not merely refcounted down) on Release.
func NewExclusiveCQBroker(dev *Device) *CQBroker {
	return &CQBroker{dev: dev, shared: false}
}

// NewSharedCQBroker returns a broker intended to be handed to multiple
// endpoints' rdma.NewEndpoint calls; the first GetOne allocates the CQ at
// that call's requested capacity and later callers share it. A later,
// larger request is logged but does not resize the CQ.
func NewSharedCQBroker(dev *Device) *CQBroker {
	return &CQBroker{dev: dev, shared: true}
}

func (b *CQBroker) IsShared() bool { return b.shared }

// GetOne acquires (or, if shared and already acquired, reuses) a CQ
// handle sized for at least capacity entries.
func (b *CQBroker) GetOne(capacity int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cq != nil {
		b.rc++
		if capacity > b.cap {
			// ibv_resize_cq could grow in place; this module simply notes
			// the larger ask was not honored rather than silently
			// under-provisioning callers of a shared CQ.
			cqLog.WithField("requested", capacity).WithField("actual", b.cap).
				Warn("shared CQ already sized smaller than a later request")
		}
		return nil
	}

	cq, err := C.ibv_create_cq(b.dev.ctx, C.int(capacity), nil, nil, 0)
	if cq == nil {
		return newErrorf(err, "ibv_create_cq failed")
	}
	b.cq = cq
	b.cap = capacity
	b.rc = 1
	return nil
}

// GetCQ exposes the raw CQ handle for CreateQP's init_attr.
func (b *CQBroker) GetCQ() *C.struct_ibv_cq {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cq
}

// Poll returns the next available completion without blocking, or
// ok=false if the CQ is currently empty.
func (b *CQBroker) Poll() (rdma.Completion, bool, error) {
	var wc C.struct_ibv_wc
	n, err := C.ibv_poll_cq(b.GetCQ(), 1, &wc)
	if n < 0 {
		return rdma.Completion{}, false, newErrorf(err, "ibv_poll_cq failed")
	}
	if n == 0 {
		return rdma.Completion{}, false, nil
	}

	c := rdma.Completion{WRID: uint64(wc.wr_id)}
	if wc.status != C.IBV_WC_SUCCESS {
		c.Kind = rdma.CompletionError
		c.Err = newErrorf(nil, "work completion error: status=%d", int(wc.status))
		return c, true, nil
	}

	switch wc.opcode {
	case C.IBV_WC_SEND:
		c.Kind = rdma.CompletionSend
	case C.IBV_WC_RDMA_WRITE:
		c.Kind = rdma.CompletionWrite
	case C.IBV_WC_RECV:
		c.Len = uint32(wc.byte_len)
		if wc.wc_flags&C.IBV_WC_WITH_IMM != 0 {
			c.Kind = rdma.CompletionRecvImm
			c.Imm = immData(&wc)
		} else {
			c.Kind = rdma.CompletionRecv
		}
	case C.IBV_WC_RECV_RDMA_WITH_IMM:
		c.Kind = rdma.CompletionRecvImm
		c.Len = uint32(wc.byte_len)
		c.Imm = immData(&wc)
	default:
		c.Kind = rdma.CompletionError
		c.Err = newErrorf(nil, "unexpected opcode=%d", int(wc.opcode))
	}
	return c, true, nil
}

// Release drops this broker's interest in the CQ, destroying it once the
// last interested endpoint has released a shared CQ (or always, for an
// exclusive one).
func (b *CQBroker) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cq == nil {
		return nil
	}
	if b.shared {
		b.rc--
		if b.rc > 0 {
			return nil
		}
	}
	if rc, err := C.ibv_destroy_cq(b.cq); rc != 0 {
		return newErrorf(err, "ibv_destroy_cq failed")
	}
	b.cq = nil
	return nil
}
