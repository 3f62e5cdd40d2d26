/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package verbs

import (
	"fmt"

	"github.com/dingdingforgt/brpc"
)

// newErrorf wraps a failed verbs/rdmacm call into a *rdma.Error tagged
// KindRDMA, carrying the cgo-reported errno (cause, from the C call's
// second return value) in the message. cause may be nil when the failure
// is signaled only by a NULL return with no per-call errno (e.g.
// ibv_get_device_list finding zero devices).
func newErrorf(cause error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return rdma.NewVerbsError(msg)
}
