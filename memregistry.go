/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package rdma

import (
	"sync"
	"sync/atomic"
)

// LocalRegistry is a process-wide, in-memory MemoryRegistry suitable for
// tests and for callers that do not need real hardware registration
// (rdma/verbs.MemoryRegistry wraps ibv_reg_mr/ibv_dereg_mr for production
// use). Registration never evicts for the lifetime of an outstanding WR
// referencing a block; this implementation enforces that by never
// auto-evicting at all.
type LocalRegistry struct {
	mu      sync.RWMutex
	byAddr  map[uintptr]uint32
	counter uint32
	maxSGE  int
}

// NewLocalRegistry returns an empty registry. maxSGE is the HW scatter/
// gather limit MaxSGE reports.
func NewLocalRegistry(maxSGE int) *LocalRegistry {
	return &LocalRegistry{
		byAddr: make(map[uintptr]uint32),
		maxSGE: maxSGE,
	}
}

// GetLKey returns the registered key for addr, or 0 if unregistered.
func (r *LocalRegistry) GetLKey(addr uintptr) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byAddr[addr]
}

// Register records block's backing address as registered and returns a
// freshly minted, process-unique local key. Keys start at 1 so the zero
// value stays reserved for "unregistered".
func (r *LocalRegistry) Register(block []byte) (uintptr, uint32, error) {
	addr := sliceAddr(block)
	if addr == 0 {
		return 0, 0, newError(KindResource, "cannot register empty block")
	}
	key := atomic.AddUint32(&r.counter, 1)
	r.mu.Lock()
	r.byAddr[addr] = key
	r.mu.Unlock()
	return addr, key, nil
}

// Deregister removes addr from the table. Callers must ensure no WR is
// outstanding against the block referenced by addr before calling this.
func (r *LocalRegistry) Deregister(addr uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byAddr, addr)
	return nil
}

// MaxSGE reports the configured HW scatter/gather limit.
func (r *LocalRegistry) MaxSGE() int { return r.maxSGE }
