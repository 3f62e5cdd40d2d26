/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package verbs

// #cgo CFLAGS: -I/usr/include/infiniband
// #cgo LDFLAGS: -libverbs -lrdmacm
// #include <infiniband/verbs.h>
import "C"
import (
	"sync"
	"unsafe"

	"github.com/dingdingforgt/brpc"
)

// maxSGE is the scatter/gather limit this package advertises through
// MemoryRegistry.MaxSGE, matched to the max_send_sge newQueuePair requests
// on every QP it creates.
const maxSGE = 16

// MemoryRegistry implements rdma.MemoryRegistry against ibv_reg_mr /
// ibv_dereg_mr: a process-wide table whose GetLKey is read-mostly and
// safe to query concurrently, and whose entries are never evicted out
// from under an outstanding WR (Deregister is the caller's explicit,
// rare opt-in).
type MemoryRegistry struct {
	dev *Device

	mu    sync.RWMutex
	lkeys map[uintptr]uint32
	mrs   map[uintptr]*C.struct_ibv_mr
}

// NewMemoryRegistry returns an empty registry bound to dev's protection
// domain.
func NewMemoryRegistry(dev *Device) *MemoryRegistry {
	return &MemoryRegistry{
		dev:   dev,
		lkeys: make(map[uintptr]uint32),
		mrs:   make(map[uintptr]*C.struct_ibv_mr),
	}
}

// GetLKey returns addr's registered key, or 0 if its block was never
// registered through this table.
func (r *MemoryRegistry) GetLKey(addr uintptr) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lkeys[addr]
}

// Register pins block for local and remote read/write access and records
// its key, used both for the RQ prefill's fresh blocks and for copying an
// unregistered first block into registered memory mid-cut.
func (r *MemoryRegistry) Register(block []byte) (uintptr, uint32, error) {
	if len(block) == 0 {
		return 0, 0, rdma.NewResourceError("cannot register an empty block")
	}
	addr := unsafe.Pointer(&block[0])
	access := C.IBV_ACCESS_LOCAL_WRITE | C.IBV_ACCESS_REMOTE_WRITE | C.IBV_ACCESS_REMOTE_READ
	mr, err := C.ibv_reg_mr(r.dev.pd, addr, C.size_t(len(block)), C.int(access))
	if mr == nil {
		return 0, 0, newErrorf(err, "ibv_reg_mr failed")
	}

	key := uintptr(addr)
	r.mu.Lock()
	r.lkeys[key] = uint32(mr.lkey)
	r.mrs[key] = mr
	r.mu.Unlock()
	return key, uint32(mr.lkey), nil
}

// Deregister releases addr's memory region. Callers must guarantee no WR
// referencing it is still outstanding.
func (r *MemoryRegistry) Deregister(addr uintptr) error {
	r.mu.Lock()
	mr, ok := r.mrs[addr]
	delete(r.mrs, addr)
	delete(r.lkeys, addr)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if rc, err := C.ibv_dereg_mr(mr); rc != 0 {
		return newErrorf(err, "ibv_dereg_mr failed")
	}
	return nil
}

// MaxSGE reports the HW scatter/gather limit this package's QPs are
// created with.
func (r *MemoryRegistry) MaxSGE() int { return maxSGE }
