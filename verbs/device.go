/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package verbs

// #cgo CFLAGS: -I/usr/include/infiniband
// #cgo LDFLAGS: -libverbs -lrdmacm
// #include <infiniband/verbs.h>
// #include <stdlib.h>
import "C"
import (
	"unsafe"

	"github.com/dingdingforgt/brpc/rdmalog"
)

var deviceLog = rdmalog.For("verbs.device")

// Device owns a protection domain on the first ibverbs device found on
// the host, shared by every QueuePair and registered MemoryRegion created
// through this package. One device is all this module ever drives, so the
// context and PD live together.
type Device struct {
	ctx  *C.struct_ibv_context
	pd   *C.struct_ibv_pd
	port C.uint8_t
}

// OpenDevice opens the first RDMA device ibv_get_device_list reports and
// allocates a protection domain on it.
func OpenDevice() (*Device, error) {
	var n C.int
	list, err := C.ibv_get_device_list(&n)
	if list == nil || n == 0 {
		return nil, newErrorf(err, "no ibverbs devices found")
	}
	defer C.ibv_free_device_list(list)

	devices := unsafe.Slice(list, int(n))
	ctx, err := C.ibv_open_device(devices[0])
	if ctx == nil {
		return nil, newErrorf(err, "ibv_open_device failed")
	}

	pd, err := C.ibv_alloc_pd(ctx)
	if pd == nil {
		C.ibv_close_device(ctx)
		return nil, newErrorf(err, "ibv_alloc_pd failed")
	}

	deviceLog.WithField("device", C.GoString(&devices[0].name[0])).Info("opened ibverbs device")
	return &Device{ctx: ctx, pd: pd, port: 1}, nil
}

// Close releases the protection domain and closes the device context.
func (d *Device) Close() error {
	if d.pd != nil {
		if rc, err := C.ibv_dealloc_pd(d.pd); rc != 0 {
			return newErrorf(err, "ibv_dealloc_pd failed")
		}
		d.pd = nil
	}
	if d.ctx != nil {
		if rc, err := C.ibv_close_device(d.ctx); rc != 0 {
			return newErrorf(err, "ibv_close_device failed")
		}
		d.ctx = nil
	}
	return nil
}
