/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package rdma

// prefillRQ posts rq_size + ReservedWRNum receive WRs, each referencing a
// freshly registered DefaultPayload block.
func (ep *Endpoint) prefillRQ() error {
	ep.recvMu.Lock()
	defer ep.recvMu.Unlock()
	for i := range ep.rbuf {
		if err := ep.postNewRecvLocked(i); err != nil {
			return err
		}
	}
	return nil
}

// postNewRecvLocked allocates and registers a fresh block for rbuf[i], then
// posts it as a receive WR. Caller holds recvMu.
func (ep *Endpoint) postNewRecvLocked(i int) error {
	block := make([]byte, DefaultPayload)
	addr, lkey, err := ep.mem.Register(block)
	if err != nil {
		return wrapError(KindResource, "register receive block", err)
	}
	ep.rbuf[i] = recvSlot{block: block, addr: addr, lkey: lkey}
	if err := ep.qp.PostRecv(addr, DefaultPayload, lkey, uint64(i)); err != nil {
		return wrapError(KindRDMA, "post receive WR", err)
	}
	return nil
}

// HandleCompletion dispatches a single completion record. It
// returns dataAvailable=true when bytes were delivered to the host read
// buffer and the message framer should be invoked.
func (ep *Endpoint) HandleCompletion(c Completion) (dataAvailable bool, err error) {
	ep.conn.SetRDMAState(true) // covers completions racing the ESTABLISHED CM event

	switch c.Kind {
	case CompletionSend, CompletionWrite:
		return false, nil

	case CompletionError:
		return false, wrapError(KindRDMA, "work completion error", c.Err)

	case CompletionRecv, CompletionRecvImm:
		carriedData := c.Len > 0
		if carriedData {
			ep.deliverRecv(c.Len)
		} else {
			ep.recycleRecv()
		}
		if c.Kind == CompletionRecvImm {
			if err := ep.handleImm(c.Imm, carriedData); err != nil {
				return false, err
			}
		}
		return carriedData, nil

	default:
		return false, newError(KindProtocol, "unknown completion kind")
	}
}

// deliverRecv moves n bytes out of rbuf[rqReceived] into the host read
// buffer, either by reference-cut (zero-copy) or by copy, then reposts a
// fresh block at the same slot and advances rqReceived.
func (ep *Endpoint) deliverRecv(n uint32) {
	ep.recvMu.Lock()
	defer ep.recvMu.Unlock()

	slot := ep.rbuf[ep.rqReceived]
	if ep.cfg.zeroCopy {
		ep.conn.ReadBuf().Append(slot.block[:n])
	} else {
		cp := make([]byte, n)
		copy(cp, slot.block[:n])
		ep.conn.ReadBuf().Append(cp)
	}

	if err := ep.postNewRecvLocked(ep.rqReceived); err != nil {
		ep.conn.SetFailed(wrapError(KindRDMA, "repost receive WR", err))
		return
	}
	ep.rqReceived = (ep.rqReceived + 1) % len(ep.rbuf)
}

// recycleRecv reposts the receive WR consumed by a zero-length completion
// (a pure ACK). Nothing was delivered, so the slot's existing block is
// posted again as-is; every receive completion triggers exactly one
// repost to keep the RQ at rq_size + ReservedWRNum posted WRs.
func (ep *Endpoint) recycleRecv() {
	ep.recvMu.Lock()
	defer ep.recvMu.Unlock()

	slot := ep.rbuf[ep.rqReceived]
	if err := ep.qp.PostRecv(slot.addr, DefaultPayload, slot.lkey, uint64(ep.rqReceived)); err != nil {
		ep.conn.SetFailed(wrapError(KindRDMA, "repost receive WR", err))
		return
	}
	ep.rqReceived = (ep.rqReceived + 1) % len(ep.rbuf)
}

// handleImm processes the piggyback credit ACK carried by imm: clears that
// many sbuf slots, returns the credits to window, wakes a blocked writer on
// 0->positive, and may itself emit a pure ACK if carriedData pushed the
// pending-ACK counter (newRqWrs) over half the remote window.
func (ep *Endpoint) handleImm(imm uint32, carriedData bool) error {
	if imm > 0 {
		ep.clearSentSlots(int(imm))
		if becamePositive := ep.win.add(int32(imm)); becamePositive {
			ep.conn.WakeAsEpollOut()
		}
	}

	if !carriedData {
		return nil
	}

	pending := ep.newRqWrs.add(1)
	if pending*2 > ep.remoteWindowCapacity {
		snapshot := uint32(ep.newRqWrs.exchange())
		if err := ep.SendImm(snapshot); err != nil {
			return err
		}
	}
	return nil
}

// clearSentSlots advances sqSent by n, clearing the retaining buffer of
// each slot it passes. Advancement is driven solely by the peer's imm
// count, never by our own signaled send completions, which play no part
// in flow-control accounting.
func (ep *Endpoint) clearSentSlots(n int) {
	ep.sendMu.Lock()
	defer ep.sendMu.Unlock()
	for i := 0; i < n; i++ {
		ep.sbuf[ep.sqSent] = sendSlot{}
		ep.sqSent = (ep.sqSent + 1) % ep.sqSize
	}
}
