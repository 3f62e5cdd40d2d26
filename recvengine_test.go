/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package rdma

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleCompletionRecvDeliversDataAndReposts(t *testing.T) {
	ep, conn, cm, _, _ := newTestEndpoint(t, true)
	recvsBefore := len(cm.qp.recvs)

	dataAvailable, err := ep.HandleCompletion(Completion{Kind: CompletionRecv, Len: 64, WRID: 0})
	require.NoError(t, err)
	assert.True(t, dataAvailable)
	assert.Equal(t, 64, conn.read.Len())
	assert.Equal(t, 1, ep.rqReceived)
	assert.Len(t, cm.qp.recvs, recvsBefore+1, "delivering a slot must repost a fresh receive WR")
}

func TestHandleCompletionRecvZeroLengthCarriesNoData(t *testing.T) {
	ep, conn, _, _, _ := newTestEndpoint(t, true)

	dataAvailable, err := ep.HandleCompletion(Completion{Kind: CompletionRecv, Len: 0})
	require.NoError(t, err)
	assert.False(t, dataAvailable)
	assert.Equal(t, 0, conn.read.Len())
}

func TestHandleCompletionErrorIsFatal(t *testing.T) {
	ep, _, _, _, _ := newTestEndpoint(t, true)
	cause := errors.New("boom")

	_, err := ep.HandleCompletion(Completion{Kind: CompletionError, Err: cause})
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindRDMA, rerr.Kind())
}

func TestHandleCompletionRecvImmReturnsCreditsAndWakesWriter(t *testing.T) {
	ep, conn, _, _, _ := newTestEndpoint(t, true)
	ep.win.set(0)

	_, err := ep.HandleCompletion(Completion{Kind: CompletionRecvImm, Len: 0, Imm: 5})
	require.NoError(t, err)

	assert.Equal(t, int32(5), ep.Window())
	assert.Equal(t, 1, conn.woken, "0->positive window transition must wake a blocked writer")
}

func TestHandleCompletionRecvImmSendsPureAckOncePendingCrossesHalfWindow(t *testing.T) {
	ep, _, cm, _, _ := newTestEndpoint(t, true)
	require.Zero(t, cm.qp.sendCount())

	threshold := int(ep.remoteWindowCapacity)/2 + 1
	for i := 0; i < threshold; i++ {
		_, err := ep.HandleCompletion(Completion{Kind: CompletionRecvImm, Len: 8})
		require.NoError(t, err)
	}

	require.Equal(t, 1, cm.qp.sendCount(), "crossing half the remote window must emit exactly one pure ACK")
	posted := cm.qp.sendImms[0]
	assert.Empty(t, posted.sges)
	assert.Equal(t, uint32(threshold), posted.imm)
	assert.Equal(t, int32(0), ep.newRqWrs.load(), "the pending counter resets once the ACK is sent")
}
