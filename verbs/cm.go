/*
 * Copyright (C) 2026, RDMA Endpoint Contributors. ALL RIGHTS RESERVED.
 * See file LICENSE for terms.
 */

package verbs

// #cgo CFLAGS: -I/usr/include/infiniband
// #cgo LDFLAGS: -libverbs -lrdmacm
// #include <rdma/rdma_cma.h>
// #include <arpa/inet.h>
// #include <stdlib.h>
// #include <string.h>
import "C"
import (
	"net"
	"strconv"
	"syscall"
	"unsafe"

	"github.com/dingdingforgt/brpc"
	"github.com/dingdingforgt/brpc/rdmalog"
)

// ConnManager wraps one rdma_cm_id and its event channel, implementing
// rdma.ConnManager against librdmacm: create an event channel and id,
// resolve address, resolve route, connect, all driven through
// rdma_get_cm_event on the same channel's fd so it can be handed to the
// host reactor's dispatcher.
type ConnManager struct {
	dev *Device
	cq  *CQBroker
	log *rdmalog.Entry

	ch *C.struct_rdma_event_channel
	id *C.struct_rdma_cm_id
}

// NewConnManager returns an unconnected ConnManager bound to dev, drawing
// the CQ its QP is built against from cq. Passed as the cmFactory argument to
// rdma.NewEndpoint for client-side endpoints.
func NewConnManager(dev *Device, cq *CQBroker) *ConnManager {
	return &ConnManager{dev: dev, cq: cq, log: rdmalog.For("verbs.cm")}
}

// Create opens the event channel and a QP-less rdma_cm_id.
func (c *ConnManager) Create() error {
	ch, err := C.rdma_create_event_channel()
	if ch == nil {
		return newErrorf(err, "rdma_create_event_channel failed")
	}
	c.ch = ch
	if rc, err := C.rdma_create_id(c.ch, &c.id, nil, C.RDMA_PS_TCP); rc != 0 {
		C.rdma_destroy_event_channel(c.ch)
		return newErrorf(err, "rdma_create_id failed")
	}
	makeNonblocking(int(c.ch.fd))
	return nil
}

// FD returns the event channel's pollable descriptor.
func (c *ConnManager) FD() int { return int(c.ch.fd) }

// ResolveAddr starts address resolution toward remote (host:port), the
// ADDR_RESOLVING step of the client handshake.
func (c *ConnManager) ResolveAddr(remote string) error {
	sa, err := sockaddrIn(remote)
	if err != nil {
		return err
	}
	defer C.free(unsafe.Pointer(sa))
	if rc, cerr := C.rdma_resolve_addr(c.id, nil, (*C.struct_sockaddr)(unsafe.Pointer(sa)), 2000); rc != 0 {
		return newErrorf(cerr, "rdma_resolve_addr failed")
	}
	return nil
}

// ResolveRoute starts route resolution, the ROUTE_RESOLVING step.
func (c *ConnManager) ResolveRoute() error {
	if rc, err := C.rdma_resolve_route(c.id, 2000); rc != 0 {
		return newErrorf(err, "rdma_resolve_route failed")
	}
	return nil
}

// Connect issues rdma_connect carrying privateData as the ConnectRequest
// payload.
func (c *ConnManager) Connect(privateData []byte) error {
	var params C.struct_rdma_conn_param
	setPrivateData(&params, privateData)
	if rc, err := C.rdma_connect(c.id, &params); rc != 0 {
		return newErrorf(err, "rdma_connect failed")
	}
	return nil
}

// Accept issues rdma_accept carrying privateData as the ConnectResponse
// payload.
func (c *ConnManager) Accept(privateData []byte) error {
	var params C.struct_rdma_conn_param
	setPrivateData(&params, privateData)
	if rc, err := C.rdma_accept(c.id, &params); rc != 0 {
		return newErrorf(err, "rdma_accept failed")
	}
	return nil
}

// CreateQP creates the RC queue pair on this CM id's protection domain with
// the given send/receive depths, already inflated by rdma.ReservedWRNum by
// the caller.
func (c *ConnManager) CreateQP(sqDepth, rqDepth int) (rdma.QueuePair, error) {
	return newQueuePair(c.dev, c.id, c.cq.GetCQ(), sqDepth, rqDepth)
}

// PollEvent drains the next available CM event without blocking, mapping
// librdmacm's event enum onto rdma.CMEvent. Create made the channel's fd
// non-blocking, so a drained channel reports EAGAIN rather than blocking
// the reactor.
func (c *ConnManager) PollEvent() (rdma.CMEvent, error) {
	var ev *C.struct_rdma_cm_event
	rc, cerr := C.rdma_get_cm_event(c.ch, &ev)
	if rc != 0 {
		if cerr == syscall.EAGAIN {
			return rdma.CMEvent{Type: rdma.CMEventNone}, nil
		}
		return rdma.CMEvent{}, newErrorf(cerr, "rdma_get_cm_event failed")
	}
	defer C.rdma_ack_cm_event(ev)

	return rdma.CMEvent{Type: mapEventType(ev.event), PrivateData: eventPrivateData(ev)}, nil
}

// eventPrivateData copies the conn-param private data out of a CM event.
// rdma_cm_event's param member is an anonymous C union, which cgo exposes
// as a raw byte array rather than as its conn/ud members, so the
// rdma_conn_param view has to be recovered by pointer cast (the same
// anonymous-union workaround this package's CQ poller uses for
// ibv_wc.imm_data).
func eventPrivateData(ev *C.struct_rdma_cm_event) []byte {
	conn := (*C.struct_rdma_conn_param)(unsafe.Pointer(&ev.param[0]))
	if conn.private_data == nil || conn.private_data_len == 0 {
		return nil
	}
	return C.GoBytes(conn.private_data, C.int(conn.private_data_len))
}

func mapEventType(t C.enum_rdma_cm_event_type) rdma.CMEventType {
	switch t {
	case C.RDMA_CM_EVENT_ADDR_RESOLVED:
		return rdma.CMEventAddrResolved
	case C.RDMA_CM_EVENT_ROUTE_RESOLVED:
		return rdma.CMEventRouteResolved
	case C.RDMA_CM_EVENT_CONNECT_REQUEST:
		return rdma.CMEventConnectRequest
	case C.RDMA_CM_EVENT_ESTABLISHED:
		return rdma.CMEventEstablished
	case C.RDMA_CM_EVENT_DISCONNECTED:
		return rdma.CMEventDisconnect
	case C.RDMA_CM_EVENT_REJECTED:
		return rdma.CMEventRejected
	default:
		return rdma.CMEventError
	}
}

// Close destroys the CM id and its event channel.
func (c *ConnManager) Close() error {
	if c.id != nil {
		C.rdma_destroy_id(c.id)
		c.id = nil
	}
	if c.ch != nil {
		C.rdma_destroy_event_channel(c.ch)
		c.ch = nil
	}
	return nil
}

// CMListener is the server-side CM accept path: one rdma_cm_id bound to a
// local address and put into listen mode, whose event channel surfaces
// RDMA_CM_EVENT_CONNECT_REQUEST events. Each request carries the client's
// ConnectRequest private data plus a freshly created child cm_id, which
// PollRequest migrates onto its own event channel and hands back wrapped
// in a ConnManager ready to be adopted through
// rdma.Listener.InitializeFromAccept.
type CMListener struct {
	dev *Device
	cq  *CQBroker
	log *rdmalog.Entry

	ch *C.struct_rdma_event_channel
	id *C.struct_rdma_cm_id
}

// ListenCM binds a CM id to addr (host:port; the RDMA_PS_TCP port space is
// independent of the kernel TCP port space, so the same port number the
// byte-stream listener uses is fine) and starts listening for connect
// requests.
func ListenCM(dev *Device, cq *CQBroker, addr string) (*CMListener, error) {
	l := &CMListener{dev: dev, cq: cq, log: rdmalog.For("verbs.cmlistener")}

	ch, err := C.rdma_create_event_channel()
	if ch == nil {
		return nil, newErrorf(err, "rdma_create_event_channel failed")
	}
	l.ch = ch
	if rc, err := C.rdma_create_id(l.ch, &l.id, nil, C.RDMA_PS_TCP); rc != 0 {
		C.rdma_destroy_event_channel(l.ch)
		return nil, newErrorf(err, "rdma_create_id failed")
	}

	sa, err := sockaddrIn(addr)
	if err != nil {
		l.Close()
		return nil, err
	}
	defer C.free(unsafe.Pointer(sa))
	if rc, cerr := C.rdma_bind_addr(l.id, (*C.struct_sockaddr)(unsafe.Pointer(sa))); rc != 0 {
		l.Close()
		return nil, newErrorf(cerr, "rdma_bind_addr failed")
	}
	if rc, cerr := C.rdma_listen(l.id, 16); rc != 0 {
		l.Close()
		return nil, newErrorf(cerr, "rdma_listen failed")
	}

	makeNonblocking(int(l.ch.fd))
	l.log.WithField("addr", addr).Info("listening for CM connect requests")
	return l, nil
}

// FD returns the listening event channel's pollable descriptor so the host
// reactor can wait on it alongside its TCP sockets.
func (l *CMListener) FD() int { return int(l.ch.fd) }

// PollRequest drains one connect-request without blocking. It returns
// (nil, nil, nil) when the channel has no event pending. The returned
// ConnManager wraps the child cm_id migrated onto its own event channel, so
// the owning endpoint's Handshake can poll it independently of this
// listener and of every other accepted connection.
func (l *CMListener) PollRequest() (*ConnManager, []byte, error) {
	var ev *C.struct_rdma_cm_event
	rc, cerr := C.rdma_get_cm_event(l.ch, &ev)
	if rc != 0 {
		if cerr == syscall.EAGAIN {
			return nil, nil, nil
		}
		return nil, nil, newErrorf(cerr, "rdma_get_cm_event failed")
	}

	if ev.event != C.RDMA_CM_EVENT_CONNECT_REQUEST {
		l.log.WithField("event", int(ev.event)).Warn("ignoring non-connect-request event on listener channel")
		C.rdma_ack_cm_event(ev)
		return nil, nil, nil
	}

	child := ev.id
	privateData := eventPrivateData(ev)
	C.rdma_ack_cm_event(ev)

	ch, cherr := C.rdma_create_event_channel()
	if ch == nil {
		C.rdma_destroy_id(child)
		return nil, nil, newErrorf(cherr, "rdma_create_event_channel failed for accepted id")
	}
	if rc, merr := C.rdma_migrate_id(child, ch); rc != 0 {
		C.rdma_destroy_id(child)
		C.rdma_destroy_event_channel(ch)
		return nil, nil, newErrorf(merr, "rdma_migrate_id failed")
	}
	makeNonblocking(int(ch.fd))

	cm := NewConnManager(l.dev, l.cq)
	cm.ch = ch
	cm.id = child
	return cm, privateData, nil
}

// Close tears the listening id and its event channel down.
func (l *CMListener) Close() error {
	if l.id != nil {
		C.rdma_destroy_id(l.id)
		l.id = nil
	}
	if l.ch != nil {
		C.rdma_destroy_event_channel(l.ch)
		l.ch = nil
	}
	return nil
}

func setPrivateData(params *C.struct_rdma_conn_param, data []byte) {
	params.retry_count = 6
	params.rnr_retry_count = 6
	if len(data) == 0 {
		return
	}
	params.private_data = unsafe.Pointer(&data[0])
	params.private_data_len = C.uint8_t(len(data))
}

// sockaddrIn resolves host:port into a malloc'd sockaddr_in the caller
// must free: anything librdmacm holds a pointer to past the call
// returning has to live in C-owned memory, not on the Go heap.
func sockaddrIn(remote string) (*C.struct_sockaddr_in, error) {
	host, portStr, err := net.SplitHostPort(remote)
	if err != nil {
		return nil, rdma.NewCMError("invalid remote address: " + err.Error())
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, rdma.NewCMError("invalid remote port: " + err.Error())
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		ips, err := net.LookupHost(host)
		if err != nil || len(ips) == 0 {
			return nil, rdma.NewCMError("cannot resolve host: " + host)
		}
		ip = net.ParseIP(ips[0]).To4()
	}

	sa := (*C.struct_sockaddr_in)(C.malloc(C.size_t(unsafe.Sizeof(C.struct_sockaddr_in{}))))
	sa.sin_family = C.AF_INET
	sa.sin_port = C.htons(C.uint16_t(port))
	addr := (*[4]byte)(unsafe.Pointer(&sa.sin_addr))
	copy(addr[:], ip)
	return sa, nil
}

func makeNonblocking(fd int) {
	_ = syscall.SetNonblock(fd, true)
}
