// Package emu is a device-side model of a virtio-GPU 2D device. It implements
// the driver-facing bus interface directly, with no hypervisor in between:
// queue notifications are processed synchronously inside Notify, so a driver
// polling the used ring sees its commands complete immediately.
//
// The model keeps host-side resources, a scanout table and a command trace,
// and supports per-command error injection for driver failure-path tests.
package emu

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/virtgpu/virtiogpu"
	"github.com/tinyrange/virtgpu/virtq"
)

const (
	queueCount  = 2
	queueNumMax = 256

	ctrlHdrSize  = 24
	memEntrySize = 16
	descSize     = 16
)

// Scanout is one display head the device advertises.
type Scanout struct {
	X      uint32
	Y      uint32
	Width  uint32
	Height uint32
}

type memEntry struct {
	addr   uint64
	length uint32
}

type resource2D struct {
	id      uint32
	format  uint32
	width   uint32
	height  uint32
	pixels  []byte
	backing []memEntry
}

type scanoutState struct {
	resourceID uint32
	enabled    bool
}

type queueState struct {
	size         uint16
	descAddr     uint64
	availAddr    uint64
	usedAddr     uint64
	lastAvailIdx uint16
	usedIdx      uint16
	ready        bool
}

// GPU models the device end of a two-queue virtio-GPU. All driver-visible
// state sits behind one mutex; Notify processes the whole backlog of the
// notified queue before returning.
type GPU struct {
	mem virtq.Memory

	mu             sync.Mutex
	status         uint8
	driverFeatures uint64
	scanouts       []Scanout
	resources      map[uint32]*resource2D
	scanoutState   [virtiogpu.VIRTIO_GPU_MAX_SCANOUTS]scanoutState
	queues         [queueCount]queueState
	vectors        []func(queue uint16)

	trace    []uint32
	failNext map[uint32]uint32

	// RejectFeatures makes the device refuse feature negotiation: reads of
	// the status register never show the features-OK bit.
	RejectFeatures bool

	// OnFlush, if set, is called for every resource-flush command with the
	// flushed rectangle and the resource's host-side pixels.
	OnFlush func(resourceID, x, y, w, h uint32, pixels []byte, stride uint32)
}

// New builds a GPU backed by mem and advertising the given scanouts at
// indices 0..len(scanouts)-1.
func New(mem virtq.Memory, scanouts []Scanout) *GPU {
	return &GPU{
		mem:       mem,
		scanouts:  scanouts,
		resources: make(map[uint32]*resource2D),
		failNext:  make(map[uint32]uint32),
	}
}

// DeviceFeatures implements virtq.Bus.
func (g *GPU) DeviceFeatures() uint64 {
	return 1 << virtiogpu.VIRTIO_GPU_F_VIRGL |
		1 << virtiogpu.VIRTIO_GPU_F_EDID |
		1 << 32 // VIRTIO_F_VERSION_1
}

// SetDriverFeatures implements virtq.Bus.
func (g *GPU) SetDriverFeatures(features uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.driverFeatures = features
}

// DriverFeatures returns the features the driver accepted.
func (g *GPU) DriverFeatures() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.driverFeatures
}

// DeviceStatus implements virtq.Bus.
func (g *GPU) DeviceStatus() uint8 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.RejectFeatures {
		return g.status &^ virtq.StatusFeaturesOK
	}
	return g.status
}

// SetDeviceStatus implements virtq.Bus. Writing zero resets the device's
// resource and scanout state. Queue programming and ring indices survive the
// reset: the driver this device is built against disables the device between
// mode switches and keeps driving the same rings afterwards.
func (g *GPU) SetDeviceStatus(status uint8) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = status
	if status == 0 {
		g.resources = make(map[uint32]*resource2D)
		for i := range g.scanoutState {
			g.scanoutState[i] = scanoutState{}
		}
	}
}

// MaxQueueSize implements virtq.Bus.
func (g *GPU) MaxQueueSize(queue uint16) uint16 {
	if queue >= queueCount {
		return 0
	}
	return queueNumMax
}

// ConfigureQueue implements virtq.Bus. Size zero disables the queue.
func (g *GPU) ConfigureQueue(queue, size uint16, descAddr, availAddr, usedAddr uint64) error {
	if queue >= queueCount {
		return fmt.Errorf("emu: queue %d does not exist", queue)
	}
	if size > queueNumMax {
		return fmt.Errorf("emu: queue %d size %d exceeds maximum %d", queue, size, queueNumMax)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if size == 0 {
		g.queues[queue] = queueState{}
		return nil
	}
	g.queues[queue] = queueState{
		size:      size,
		descAddr:  descAddr,
		availAddr: availAddr,
		usedAddr:  usedAddr,
		ready:     true,
	}
	return nil
}

// ConfigureVectors implements virtq.Bus: handlers[i] fires after queue i's
// used ring advances.
func (g *GPU) ConfigureVectors(handlers []func(queue uint16)) error {
	if len(handlers) > queueCount {
		return virtq.ErrVectorsUnsupported
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.vectors = handlers
	return nil
}

// Notify implements virtq.Bus: drain the queue's available ring, completing
// every pending chain before returning.
func (g *GPU) Notify(queue uint16) error {
	if queue >= queueCount {
		return fmt.Errorf("emu: notify for queue %d which does not exist", queue)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	q := &g.queues[queue]
	if !q.ready {
		return fmt.Errorf("emu: notify for queue %d before configuration", queue)
	}

	availIdx, err := g.readU16(q.availAddr + 2)
	if err != nil {
		return err
	}

	fired := false
	for q.lastAvailIdx != availIdx {
		head, err := g.readU16(q.availAddr + 4 + uint64(q.lastAvailIdx%q.size)*2)
		if err != nil {
			return err
		}

		var written uint32
		if queue == 0 {
			written, err = g.processControlCommand(q, head)
		} else {
			// Cursor commands are acknowledged without processing.
			written, err = 0, nil
		}
		if err != nil {
			slog.Error("emu: command failed", "queue", queue, "err", err)
		}

		if err := g.recordUsed(q, head, written); err != nil {
			return err
		}
		q.lastAvailIdx++
		fired = true
	}

	if fired && int(queue) < len(g.vectors) && g.vectors[queue] != nil {
		g.vectors[queue](queue)
	}
	return nil
}

// recordUsed appends a used element and publishes the new used index.
func (g *GPU) recordUsed(q *queueState, head uint16, written uint32) error {
	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], written)
	if err := g.writeMem(q.usedAddr+4+uint64(q.usedIdx%q.size)*8, elem[:]); err != nil {
		return err
	}

	q.usedIdx++
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], q.usedIdx)
	return g.writeMem(q.usedAddr+2, idx[:])
}

// processControlCommand walks head's descriptor chain, dispatches the command
// and writes the response into the chain's writable descriptor.
func (g *GPU) processControlCommand(q *queueState, head uint16) (uint32, error) {
	var cmdBuf []byte
	var respAddr uint64
	var respLen uint32
	haveResp := false

	index := head
	for i := uint16(0); i < q.size; i++ {
		addr, length, flags, next, err := g.readDesc(q, index)
		if err != nil {
			return 0, err
		}

		if flags&2 == 0 { // device-read-only: command bytes
			data := make([]byte, length)
			if err := g.readMem(addr, data); err != nil {
				return 0, err
			}
			cmdBuf = append(cmdBuf, data...)
		} else if !haveResp {
			respAddr, respLen = addr, length
			haveResp = true
		}

		if flags&1 == 0 { // no next
			break
		}
		index = next
	}

	if len(cmdBuf) < ctrlHdrSize {
		return 0, fmt.Errorf("emu: command buffer too small (%d bytes)", len(cmdBuf))
	}

	cmdType := binary.LittleEndian.Uint32(cmdBuf[0:4])
	g.trace = append(g.trace, cmdType)

	var resp []byte
	if code, ok := g.failNext[cmdType]; ok {
		delete(g.failNext, cmdType)
		resp = respNoData(code)
	} else {
		resp = g.dispatch(cmdType, cmdBuf)
	}

	written := uint32(0)
	if haveResp && len(resp) > 0 {
		if uint32(len(resp)) > respLen {
			resp = resp[:respLen]
		}
		if err := g.writeMem(respAddr, resp); err != nil {
			return 0, err
		}
		written = uint32(len(resp))
	}
	return written, nil
}

func (g *GPU) dispatch(cmdType uint32, cmdBuf []byte) []byte {
	switch cmdType {
	case virtiogpu.VIRTIO_GPU_CMD_GET_DISPLAY_INFO:
		return g.handleGetDisplayInfo()
	case virtiogpu.VIRTIO_GPU_CMD_RESOURCE_CREATE_2D:
		return g.handleResourceCreate2D(cmdBuf)
	case virtiogpu.VIRTIO_GPU_CMD_RESOURCE_UNREF:
		return g.handleResourceUnref(cmdBuf)
	case virtiogpu.VIRTIO_GPU_CMD_SET_SCANOUT:
		return g.handleSetScanout(cmdBuf)
	case virtiogpu.VIRTIO_GPU_CMD_RESOURCE_FLUSH:
		return g.handleResourceFlush(cmdBuf)
	case virtiogpu.VIRTIO_GPU_CMD_TRANSFER_TO_HOST_2D:
		return g.handleTransferToHost2D(cmdBuf)
	case virtiogpu.VIRTIO_GPU_CMD_RESOURCE_ATTACH_BACKING:
		return g.handleResourceAttachBacking(cmdBuf)
	case virtiogpu.VIRTIO_GPU_CMD_RESOURCE_DETACH_BACKING:
		return g.handleResourceDetachBacking(cmdBuf)
	default:
		slog.Warn("emu: unknown command", "type", fmt.Sprintf("%#x", cmdType))
		return respNoData(virtiogpu.VIRTIO_GPU_RESP_ERR_UNSPEC)
	}
}

func (g *GPU) handleGetDisplayInfo() []byte {
	resp := make([]byte, ctrlHdrSize+virtiogpu.VIRTIO_GPU_MAX_SCANOUTS*24)
	binary.LittleEndian.PutUint32(resp[0:4], virtiogpu.VIRTIO_GPU_RESP_OK_DISPLAY_INFO)
	for i, s := range g.scanouts {
		off := ctrlHdrSize + i*24
		binary.LittleEndian.PutUint32(resp[off:], s.X)
		binary.LittleEndian.PutUint32(resp[off+4:], s.Y)
		binary.LittleEndian.PutUint32(resp[off+8:], s.Width)
		binary.LittleEndian.PutUint32(resp[off+12:], s.Height)
		binary.LittleEndian.PutUint32(resp[off+16:], 1) // enabled
	}
	return resp
}

func (g *GPU) handleResourceCreate2D(cmdBuf []byte) []byte {
	if len(cmdBuf) < 40 {
		return respNoData(virtiogpu.VIRTIO_GPU_RESP_ERR_INVALID_PARAMETER)
	}
	id := binary.LittleEndian.Uint32(cmdBuf[24:28])
	format := binary.LittleEndian.Uint32(cmdBuf[28:32])
	width := binary.LittleEndian.Uint32(cmdBuf[32:36])
	height := binary.LittleEndian.Uint32(cmdBuf[36:40])

	if id == 0 {
		return respNoData(virtiogpu.VIRTIO_GPU_RESP_ERR_INVALID_RESOURCE_ID)
	}
	if _, exists := g.resources[id]; exists {
		return respNoData(virtiogpu.VIRTIO_GPU_RESP_ERR_INVALID_RESOURCE_ID)
	}

	g.resources[id] = &resource2D{
		id:     id,
		format: format,
		width:  width,
		height: height,
		pixels: make([]byte, width*height*4),
	}
	return respNoData(virtiogpu.VIRTIO_GPU_RESP_OK_NODATA)
}

func (g *GPU) handleResourceUnref(cmdBuf []byte) []byte {
	id := binary.LittleEndian.Uint32(cmdBuf[24:28])
	if _, exists := g.resources[id]; !exists {
		return respNoData(virtiogpu.VIRTIO_GPU_RESP_ERR_INVALID_RESOURCE_ID)
	}
	delete(g.resources, id)
	for i := range g.scanoutState {
		if g.scanoutState[i].resourceID == id {
			g.scanoutState[i] = scanoutState{}
		}
	}
	return respNoData(virtiogpu.VIRTIO_GPU_RESP_OK_NODATA)
}

func (g *GPU) handleSetScanout(cmdBuf []byte) []byte {
	scanoutID := binary.LittleEndian.Uint32(cmdBuf[40:44])
	resourceID := binary.LittleEndian.Uint32(cmdBuf[44:48])

	if scanoutID >= virtiogpu.VIRTIO_GPU_MAX_SCANOUTS {
		return respNoData(virtiogpu.VIRTIO_GPU_RESP_ERR_INVALID_SCANOUT_ID)
	}
	if resourceID == 0 {
		g.scanoutState[scanoutID] = scanoutState{}
		return respNoData(virtiogpu.VIRTIO_GPU_RESP_OK_NODATA)
	}
	if _, exists := g.resources[resourceID]; !exists {
		return respNoData(virtiogpu.VIRTIO_GPU_RESP_ERR_INVALID_RESOURCE_ID)
	}
	g.scanoutState[scanoutID] = scanoutState{resourceID: resourceID, enabled: true}
	return respNoData(virtiogpu.VIRTIO_GPU_RESP_OK_NODATA)
}

func (g *GPU) handleResourceFlush(cmdBuf []byte) []byte {
	x := binary.LittleEndian.Uint32(cmdBuf[24:28])
	y := binary.LittleEndian.Uint32(cmdBuf[28:32])
	w := binary.LittleEndian.Uint32(cmdBuf[32:36])
	h := binary.LittleEndian.Uint32(cmdBuf[36:40])
	id := binary.LittleEndian.Uint32(cmdBuf[40:44])

	res, exists := g.resources[id]
	if !exists {
		return respNoData(virtiogpu.VIRTIO_GPU_RESP_ERR_INVALID_RESOURCE_ID)
	}

	if g.OnFlush != nil {
		pixels := make([]byte, len(res.pixels))
		copy(pixels, res.pixels)
		g.OnFlush(id, x, y, w, h, pixels, res.width*4)
	}
	return respNoData(virtiogpu.VIRTIO_GPU_RESP_OK_NODATA)
}

func (g *GPU) handleTransferToHost2D(cmdBuf []byte) []byte {
	x := binary.LittleEndian.Uint32(cmdBuf[24:28])
	y := binary.LittleEndian.Uint32(cmdBuf[28:32])
	w := binary.LittleEndian.Uint32(cmdBuf[32:36])
	h := binary.LittleEndian.Uint32(cmdBuf[36:40])
	offset := binary.LittleEndian.Uint64(cmdBuf[40:48])
	id := binary.LittleEndian.Uint32(cmdBuf[48:52])

	res, exists := g.resources[id]
	if !exists {
		return respNoData(virtiogpu.VIRTIO_GPU_RESP_ERR_INVALID_RESOURCE_ID)
	}
	if len(res.backing) == 0 {
		return respNoData(virtiogpu.VIRTIO_GPU_RESP_ERR_UNSPEC)
	}

	// Flatten the backing list into one host-side view.
	var backing []byte
	for _, e := range res.backing {
		data := make([]byte, e.length)
		if err := g.readMem(e.addr, data); err != nil {
			slog.Error("emu: read backing memory", "err", err)
			return respNoData(virtiogpu.VIRTIO_GPU_RESP_ERR_UNSPEC)
		}
		backing = append(backing, data...)
	}

	stride := res.width * 4
	if x+w > res.width {
		w = res.width - x
	}
	if y+h > res.height {
		h = res.height - y
	}
	for row := uint32(0); row < h; row++ {
		src := offset + uint64(row)*uint64(stride) + uint64(x)*4
		dst := (y+row)*stride + x*4
		n := w * 4
		if src+uint64(n) > uint64(len(backing)) || dst+n > uint32(len(res.pixels)) {
			break
		}
		copy(res.pixels[dst:dst+n], backing[src:src+uint64(n)])
	}
	return respNoData(virtiogpu.VIRTIO_GPU_RESP_OK_NODATA)
}

func (g *GPU) handleResourceAttachBacking(cmdBuf []byte) []byte {
	id := binary.LittleEndian.Uint32(cmdBuf[24:28])
	nrEntries := binary.LittleEndian.Uint32(cmdBuf[28:32])

	res, exists := g.resources[id]
	if !exists {
		return respNoData(virtiogpu.VIRTIO_GPU_RESP_ERR_INVALID_RESOURCE_ID)
	}

	entries := make([]memEntry, 0, nrEntries)
	off := 32
	for i := uint32(0); i < nrEntries; i++ {
		if off+memEntrySize > len(cmdBuf) {
			return respNoData(virtiogpu.VIRTIO_GPU_RESP_ERR_INVALID_PARAMETER)
		}
		entries = append(entries, memEntry{
			addr:   binary.LittleEndian.Uint64(cmdBuf[off : off+8]),
			length: binary.LittleEndian.Uint32(cmdBuf[off+8 : off+12]),
		})
		off += memEntrySize
	}
	res.backing = entries
	return respNoData(virtiogpu.VIRTIO_GPU_RESP_OK_NODATA)
}

func (g *GPU) handleResourceDetachBacking(cmdBuf []byte) []byte {
	id := binary.LittleEndian.Uint32(cmdBuf[24:28])
	res, exists := g.resources[id]
	if !exists {
		return respNoData(virtiogpu.VIRTIO_GPU_RESP_ERR_INVALID_RESOURCE_ID)
	}
	res.backing = nil
	return respNoData(virtiogpu.VIRTIO_GPU_RESP_OK_NODATA)
}

func respNoData(code uint32) []byte {
	resp := make([]byte, ctrlHdrSize)
	binary.LittleEndian.PutUint32(resp[0:4], code)
	return resp
}

func (g *GPU) readDesc(q *queueState, index uint16) (addr uint64, length uint32, flags, next uint16, err error) {
	var buf [descSize]byte
	if err = g.readMem(q.descAddr+uint64(index)*descSize, buf[:]); err != nil {
		return
	}
	addr = binary.LittleEndian.Uint64(buf[0:8])
	length = binary.LittleEndian.Uint32(buf[8:12])
	flags = binary.LittleEndian.Uint16(buf[12:14])
	next = binary.LittleEndian.Uint16(buf[14:16])
	return
}

func (g *GPU) readMem(addr uint64, p []byte) error {
	n, err := g.mem.ReadAt(p, int64(addr))
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("emu: short read at %#x", addr)
	}
	return nil
}

func (g *GPU) writeMem(addr uint64, p []byte) error {
	n, err := g.mem.WriteAt(p, int64(addr))
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("emu: short write at %#x", addr)
	}
	return nil
}

func (g *GPU) readU16(addr uint64) (uint16, error) {
	var buf [2]byte
	if err := g.readMem(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}
