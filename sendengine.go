/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package rdma

// CutFromIOBufList is the send engine's entry point. It claims one
// credit, drains bytes from the queued application-message buffers in
// dataList into the reserved sbuf slot, builds the corresponding SGE
// list, computes the send-flag policy, and posts a Send-With-Immediate
// WR. Each list element is one application message, so one call can pack
// several queued messages into a single WR. It returns ErrWouldBlock
// without side effects when no credit is available (window == 0).
func (ep *Endpoint) CutFromIOBufList(dataList ...IOBufLike) (bytesSent int, err error) {
	if !ep.win.tryClaim() {
		return 0, ErrWouldBlock
	}

	ep.sendMu.Lock()
	defer ep.sendMu.Unlock()

	slot := ep.sqCurrent
	if !ep.sbuf[slot].empty() {
		// A credit was claimed for a slot still in flight; that can
		// only happen if the window capacity was configured larger
		// than len(sbuf).
		ep.win.add(1)
		return 0, newError(KindProtocol, "send slot still occupied")
	}

	retain := NewIOBuf(ep.mem)
	sges, n, finishedMessage, err := ep.buildSGEs(dataList, retain)
	if err != nil {
		ep.win.add(1)
		return 0, err
	}
	if n == 0 {
		ep.win.add(1)
		return 0, nil
	}

	ep.sbuf[slot] = sendSlot{buf: retain}
	ep.sqCurrent = (ep.sqCurrent + 1) % ep.sqSize

	imm := uint32(ep.newRqWrs.exchange())
	flags := ep.sendFlagsLocked(n, finishedMessage, imm)

	if err := ep.qp.PostSendImm(sges, imm, flags); err != nil {
		// Send-post failure is always fatal: credit accounting already
		// guaranteed capacity, so this is never "queue full".
		return 0, wrapError(KindRDMA, "post send WR", err)
	}

	return n, nil
}

// buildSGEs drains bytes from the buffers in dataList, in order, into
// retain, building the SGE list for one WR. finishedMessage reports
// whether at least one list element was drained to empty, i.e. a whole
// queued application message completed inside this WR; the SOLICITED
// policy keys off it per message, not per backlog.
func (ep *Endpoint) buildSGEs(dataList []IOBufLike, retain *IOBuf) (sges []SGE, total int, finishedMessage bool, err error) {
	maxSGE := ep.mem.MaxSGE()
cut:
	for _, data := range dataList {
		for data.RefCount() > 0 {
			if total >= DefaultPayload || len(sges) >= maxSGE {
				break cut
			}
			block := data.RefAt(0)
			addr, lkey := data.BackingBlock(0)

			if lkey == 0 {
				if len(sges) > 0 {
					// A later block lost its registration; end this WR
					// here, the unregistered block starts the next one.
					break cut
				}
				// First block is unregistered (allocated before RDMA was
				// initialized): copy up to DefaultPayload bytes into a
				// freshly registered buffer and let the copy carry the key.
				take := minInt(DefaultPayload, data.Len())
				cp := make([]byte, take)
				moved := data.CutN(cp, take)
				cp = cp[:moved]
				cpAddr, cpLKey, rerr := ep.mem.Register(cp)
				if rerr != nil {
					return nil, 0, false, wrapError(KindResource, "register copy of unregistered block", rerr)
				}
				retain.Append(cp)
				sges = append(sges, SGE{Addr: cpAddr, Len: uint32(moved), LKey: cpLKey})
				total += moved
				continue
			}

			if len(sges) > 0 && sges[0].LKey != lkey {
				// A differing key terminates the cut; it forms the next WR.
				break cut
			}

			remaining := DefaultPayload - total
			if len(block) <= remaining {
				// Whole block fits: take it as-is, never fragment a block
				// that already fits to avoid splitting message boundaries
				// inside it.
				data.CutN(nil, len(block))
				retain.Append(block)
				sges = append(sges, SGE{Addr: addr, Len: uint32(len(block)), LKey: lkey})
				total += len(block)
				continue
			}

			if len(block) > DefaultPayload {
				// The block itself exceeds DefaultPayload: split it. The SGE
				// covers the block's own registered prefix; the remainder
				// stays in data for the next WR.
				piece := block[:remaining]
				data.CutN(nil, remaining)
				retain.Append(piece)
				sges = append(sges, SGE{Addr: addr, Len: uint32(remaining), LKey: lkey})
				total += remaining
				break cut
			}

			// Block fits within DefaultPayload on its own but not after
			// what is already accumulated: leave it whole for the next WR.
			break cut
		}
		if data.RefCount() == 0 {
			finishedMessage = true
		}
	}

	return sges, total, finishedMessage, nil
}

// sendFlagsLocked computes INLINE/SOLICITED/SIGNALED for a send of payload
// bytes that carried the piggyback ACK imm.
// finishedMessage reports whether this send finished a whole application
// message, which always forces SOLICITED. Caller holds sendMu.
func (ep *Endpoint) sendFlagsLocked(payload int, finishedMessage bool, imm uint32) SendFlags {
	var flags SendFlags

	if payload <= InlineThreshold {
		flags |= FlagInline
	}

	solicited := finishedMessage
	if !solicited {
		ep.unsolicited++
		ep.accumulatedAck += int32(imm)
		if ep.unsolicited > ep.localWindowCapacity/4 {
			solicited = true
		} else if ep.accumulatedAck > ep.remoteWindowCapacity/4 {
			solicited = true
		}
	}
	if solicited {
		flags |= FlagSolicited
		ep.unsolicited = 0
		ep.accumulatedAck = 0
	}

	ep.sqUnsignaled++
	if ep.sqUnsignaled >= ep.localWindowCapacity/4 {
		flags |= FlagSignaled
		ep.sqUnsignaled = 0
	}

	return flags
}

// SendImm posts a zero-length RDMA-Write-With-Immediate as a pure credit
// ACK, always SOLICITED and SIGNALED. Posting failure is fatal, the
// same as a data send.
func (ep *Endpoint) SendImm(imm uint32) error {
	if err := ep.qp.PostSendImm(nil, imm, FlagSolicited|FlagSignaled); err != nil {
		return wrapError(KindRDMA, "post pure-ack send", err)
	}
	return nil
}
