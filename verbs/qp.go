/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package verbs

// #cgo CFLAGS: -I/usr/include/infiniband
// #cgo LDFLAGS: -libverbs -lrdmacm
// #include <infiniband/verbs.h>
// #include <rdma/rdma_cma.h>
// #include <arpa/inet.h>
import "C"
import (
	"unsafe"

	"github.com/dingdingforgt/brpc"
)

// QueuePair implements rdma.QueuePair over one ibv_qp created through
// rdma_create_qp, so librdmacm associates it with the owning cm_id and
// drives its state transitions during connect/accept.
type QueuePair struct {
	id *C.struct_rdma_cm_id
	qp *C.struct_ibv_qp
}

// newQueuePair creates an RC queue pair on id's device/PD with the given
// depths (already inflated by rdma.ReservedWRNum), using cq for both the
// send and receive completion queue. Driving it through INIT->RTR->RTS is
// left to librdmacm's rdma_connect/rdma_accept handshake (rdma_create_qp
// performs the INIT transition as part of creation).
func newQueuePair(dev *Device, id *C.struct_rdma_cm_id, cq *C.struct_ibv_cq, sqDepth, rqDepth int) (*QueuePair, error) {
	if cq == nil {
		return nil, rdma.NewResourceError("CreateQP called before the CQ broker acquired a CQ")
	}

	var attr C.struct_ibv_qp_init_attr
	attr.send_cq = cq
	attr.recv_cq = cq
	attr.qp_type = C.IBV_QPT_RC
	attr.cap.max_send_wr = C.uint32_t(sqDepth)
	attr.cap.max_recv_wr = C.uint32_t(rqDepth)
	attr.cap.max_send_sge = C.uint32_t(16)
	attr.cap.max_recv_sge = 1
	attr.cap.max_inline_data = C.uint32_t(rdma.InlineThreshold)

	if rc, err := C.rdma_create_qp(id, dev.pd, &attr); rc != 0 {
		return nil, newErrorf(err, "rdma_create_qp failed")
	}
	return &QueuePair{id: id, qp: id.qp}, nil
}

// PostSendImm posts a Send-With-Immediate WR carrying sges and imm, or
// (when sges is empty, SendImm's pure-ACK case) a zero-length
// RDMA-Write-With-Immediate instead -- it still consumes one peer receive
// WR and carries the credit count, but touches no application data.
func (q *QueuePair) PostSendImm(sges []rdma.SGE, imm uint32, flags rdma.SendFlags) error {
	var wr C.struct_ibv_send_wr
	if len(sges) == 0 {
		wr.opcode = C.IBV_WR_RDMA_WRITE_WITH_IMM
	} else {
		wr.opcode = C.IBV_WR_SEND_WITH_IMM
	}
	wr.send_flags = C.uint32_t(sendFlagsToC(flags))
	setImm(&wr, imm)

	var cSGEs []C.struct_ibv_sge
	if len(sges) > 0 {
		cSGEs = make([]C.struct_ibv_sge, len(sges))
		for i, s := range sges {
			cSGEs[i] = C.struct_ibv_sge{
				addr:   C.uint64_t(s.Addr),
				length: C.uint32_t(s.Len),
				lkey:   C.uint32_t(s.LKey),
			}
		}
		wr.sg_list = &cSGEs[0]
		wr.num_sge = C.int(len(cSGEs))
	}

	var bad *C.struct_ibv_send_wr
	if rc, err := C.ibv_post_send(q.qp, &wr, &bad); rc != 0 {
		return newErrorf(err, "ibv_post_send failed")
	}
	return nil
}

// PostRecv posts one receive WR for the block at (addr, length, lkey),
// tagged with wrID so the completion can be matched back to its slot.
func (q *QueuePair) PostRecv(addr uintptr, length uint32, lkey uint32, wrID uint64) error {
	sge := C.struct_ibv_sge{
		addr:   C.uint64_t(addr),
		length: C.uint32_t(length),
		lkey:   C.uint32_t(lkey),
	}
	var wr C.struct_ibv_recv_wr
	wr.wr_id = C.uint64_t(wrID)
	wr.sg_list = &sge
	wr.num_sge = 1

	var bad *C.struct_ibv_recv_wr
	if rc, err := C.ibv_post_recv(q.qp, &wr, &bad); rc != 0 {
		return newErrorf(err, "ibv_post_recv failed")
	}
	return nil
}

// Destroy tears down the queue pair.
func (q *QueuePair) Destroy() error {
	if q.qp == nil {
		return nil
	}
	if rc, err := C.ibv_destroy_qp(q.qp); rc != 0 {
		return newErrorf(err, "ibv_destroy_qp failed")
	}
	q.qp = nil
	return nil
}

func sendFlagsToC(flags rdma.SendFlags) C.enum_ibv_send_flags {
	var out C.enum_ibv_send_flags
	if flags&rdma.FlagSignaled != 0 {
		out |= C.IBV_SEND_SIGNALED
	}
	if flags&rdma.FlagSolicited != 0 {
		out |= C.IBV_SEND_SOLICITED
	}
	if flags&rdma.FlagInline != 0 {
		out |= C.IBV_SEND_INLINE
	}
	return out
}

// setImm writes imm into ibv_send_wr's anonymous imm_data/invalidated_rkey
// union, which cgo exposes as a raw byte array (anon0) rather than as its
// named members.
func setImm(wr *C.struct_ibv_send_wr, imm uint32) {
	*(*C.uint32_t)(unsafe.Pointer(&wr.anon0[0])) = C.uint32_t(C.htonl(C.uint32_t(imm)))
}
