/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package rdma

// IOBufLike abstracts the host's chunked byte buffer down to the
// operations the send and receive engines need. The send engine cuts
// scatter/gather lists against this interface instead of a concrete
// buffer type, so any host buffer implementation can participate as long
// as it exposes these few operations.
type IOBufLike interface {
	// RefCount returns the number of backing blocks currently held.
	RefCount() int
	// RefAt returns the i'th backing block without removing it.
	RefAt(i int) []byte
	// BackingBlock returns the address and registered key (0 if
	// unregistered) of the i'th backing block, for SGE construction.
	BackingBlock(i int) (addr uintptr, lkey uint32)
	// CutN removes up to n bytes from the front of the buffer into dst,
	// returning the number of bytes actually moved.
	CutN(dst []byte, n int) int
	// Append adds src as a new backing block (by reference, not copy).
	Append(src []byte)
	// Len returns the total number of bytes currently held.
	Len() int
}

// IOBuf is a concrete chunked byte buffer: a deque of blocks, each of which
// may or may not reside in memory known to the process-wide MemoryRegistry.
// It is the default HostConn.ReadBuf implementation and the default
// retaining buffer for in-flight sends.
type IOBuf struct {
	blocks   [][]byte
	addrs    []uintptr
	lkeys    []uint32
	registry MemoryRegistry
}

// NewIOBuf returns an empty IOBuf. registry may be nil, in which case
// BackingBlock always reports lkey 0 (unregistered).
func NewIOBuf(registry MemoryRegistry) *IOBuf {
	return &IOBuf{registry: registry}
}

func (b *IOBuf) RefCount() int { return len(b.blocks) }

func (b *IOBuf) RefAt(i int) []byte { return b.blocks[i] }

func (b *IOBuf) BackingBlock(i int) (uintptr, uint32) {
	return b.addrs[i], b.lkeys[i]
}

func (b *IOBuf) Len() int {
	total := 0
	for _, blk := range b.blocks {
		total += len(blk)
	}
	return total
}

// Append adds src as a new backing block. If registry is set, the block's
// registration status is looked up immediately so later BackingBlock calls
// are O(1).
func (b *IOBuf) Append(src []byte) {
	b.blocks = append(b.blocks, src)
	addr := sliceAddr(src)
	b.addrs = append(b.addrs, addr)
	if b.registry != nil {
		b.lkeys = append(b.lkeys, b.registry.GetLKey(addr))
	} else {
		b.lkeys = append(b.lkeys, 0)
	}
}

// CutN removes up to n bytes from the front of the buffer into dst. Partial
// blocks are split in place; fully consumed blocks are dropped.
func (b *IOBuf) CutN(dst []byte, n int) int {
	moved := 0
	for n > 0 && len(b.blocks) > 0 {
		blk := b.blocks[0]
		take := n
		if take > len(blk) {
			take = len(blk)
		}
		if dst != nil {
			copy(dst[moved:], blk[:take])
		}
		moved += take
		n -= take
		if take == len(blk) {
			b.blocks = b.blocks[1:]
			b.addrs = b.addrs[1:]
			b.lkeys = b.lkeys[1:]
		} else {
			remainder := blk[take:]
			b.blocks[0] = remainder
			addr := sliceAddr(remainder)
			b.addrs[0] = addr
			if b.registry != nil {
				b.lkeys[0] = b.registry.GetLKey(addr)
			}
		}
	}
	return moved
}

// Reset discards all blocks, returning the buffer to empty.
func (b *IOBuf) Reset() {
	b.blocks = b.blocks[:0]
	b.addrs = b.addrs[:0]
	b.lkeys = b.lkeys[:0]
}
