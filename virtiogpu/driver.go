// Package virtiogpu implements a driver for the virtio-GPU 2D device: mode
// discovery and switching over the control virtqueue, a framebuffer drawing
// engine with clipping and bit-blit, and flushing to a scanout.
package virtiogpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/virtgpu/dma"
	"github.com/tinyrange/virtgpu/gpudev"
	"github.com/tinyrange/virtgpu/textmode"
	"github.com/tinyrange/virtgpu/virtq"
)

const (
	// Fixed resource identifiers. Resource ID 0 means "none" on the wire, so
	// both of these must stay non-zero.
	screenResourceID = 42
	cursorResourceID = 23

	queueControl uint16 = 0
	queueCursor  uint16 = 1

	bytesPerPixel = 4

	textColumns = 80
	textRows    = 25
	textCells   = textColumns * textRows
)

// virtioFeatureVersion1 is the VIRTIO_F_VERSION_1 transport feature bit.
const virtioFeatureVersion1 = uint64(1) << 32

// devicePrefix is the name prefix devices register under.
const devicePrefix = "virtio-gpu"

// ProtocolError reports a response whose type code did not match the expected
// success code. Code carries the raw value from the response header.
type ProtocolError struct {
	Op   string
	Code uint32
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("virtiogpu: %s: unexpected response code %#x", e.Op, e.Code)
}

// ErrModeCapacity is returned by Modes when the caller's buffer cannot hold
// the minimum of two modes.
var ErrModeCapacity = errors.New("virtiogpu: mode buffer must hold at least two entries")

// ErrNoGraphicsMode is returned by drawing operations while the device is in
// text mode.
var ErrNoGraphicsMode = errors.New("virtiogpu: no graphics mode active")

// Config carries the collaborators a Device needs.
type Config struct {
	// Bus is the virtio transport for this device.
	Bus virtq.Bus
	// Arena supplies DMA-visible memory for rings, requests and the
	// framebuffer.
	Arena *dma.Arena
	// Registry receives the device registration. Optional.
	Registry *gpudev.Registry
	// Console is the text-mode screen used for snapshot capture and restore.
	// Defaults to an in-memory buffer console.
	Console textmode.Console
}

// Device is one virtio-GPU adapter. All exported methods serialize through an
// internal lock; only one transport transaction is in flight at a time.
type Device struct {
	bus      virtq.Bus
	arena    *dma.Arena
	registry *gpudev.Registry
	console  textmode.Console
	name     string

	interrupts atomic.Uint64

	mu      sync.Mutex
	control *virtq.Ring
	cursor  *virtq.Ring

	haveDisplayInfo bool
	displayInfo     [VIRTIO_GPU_MAX_SCANOUTS]displayOne

	// curMode is 0 in text mode, otherwise curMode-1 is the scanout index.
	// Invariant: curMode == 0 exactly when frameBuffer is nil.
	curMode     int
	frameBuffer *dma.Buffer
	frameBox    gpudev.Box
	clippingBox gpudev.Box

	cursorBuffer *dma.Buffer

	textSnapshot [textCells]uint16
}

// selectFeatures picks the features the driver accepts from what the device
// offers. VIRGL (3D) and EDID are deliberately declined.
func selectFeatures(offered uint64) uint64 {
	slog.Debug("virtiogpu: device features", "features", fmt.Sprintf("%#x", offered))
	if offered&(1<<VIRTIO_GPU_F_VIRGL) != 0 {
		slog.Debug("virtiogpu: device offers VIRGL, declining")
	}
	if offered&(1<<VIRTIO_GPU_F_EDID) != 0 {
		slog.Debug("virtiogpu: device offers EDID, declining")
	}
	return offered & virtioFeatureVersion1
}

// New initializes a device: feature negotiation, queue setup, interrupt
// vector configuration and registration. Every failure path releases whatever
// it acquired before returning.
func New(cfg Config) (*Device, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("virtiogpu: bus is nil")
	}
	if cfg.Arena == nil {
		return nil, fmt.Errorf("virtiogpu: arena is nil")
	}
	console := cfg.Console
	if console == nil {
		console = textmode.NewBufferConsole()
	}

	d := &Device{
		bus:      cfg.Bus,
		arena:    cfg.Arena,
		registry: cfg.Registry,
		console:  console,
	}

	bus := cfg.Bus
	bus.SetDeviceStatus(0)
	bus.SetDeviceStatus(virtq.StatusAcknowledge)
	bus.SetDeviceStatus(virtq.StatusAcknowledge | virtq.StatusDriver)

	accepted := selectFeatures(bus.DeviceFeatures())
	bus.SetDriverFeatures(accepted)

	status := virtq.StatusAcknowledge | virtq.StatusDriver | virtq.StatusFeaturesOK
	bus.SetDeviceStatus(status)
	if bus.DeviceStatus()&virtq.StatusFeaturesOK == 0 {
		bus.SetDeviceStatus(virtq.StatusFailed)
		return nil, fmt.Errorf("virtiogpu: device rejected feature selection %#x", accepted)
	}

	// The GPU has two queues: queue 0 for control commands, queue 1 reserved
	// for cursor commands.
	control, err := virtq.NewRing(bus, cfg.Arena, cfg.Arena, queueControl)
	if err != nil {
		bus.SetDeviceStatus(virtq.StatusFailed)
		return nil, fmt.Errorf("virtiogpu: initialize control queue: %w", err)
	}
	cursor, err := virtq.NewRing(bus, cfg.Arena, cfg.Arena, queueCursor)
	if err != nil {
		control.Close()
		bus.SetDeviceStatus(virtq.StatusFailed)
		return nil, fmt.Errorf("virtiogpu: initialize cursor queue: %w", err)
	}
	d.control = control
	d.cursor = cursor

	// One vector per queue. A bus that cannot do per-queue vectors fails the
	// whole initialization.
	handlers := []func(queue uint16){d.onInterrupt, d.onInterrupt}
	if err := bus.ConfigureVectors(handlers); err != nil {
		cursor.Close()
		control.Close()
		bus.SetDeviceStatus(virtq.StatusFailed)
		return nil, fmt.Errorf("virtiogpu: configure interrupt vectors: %w", err)
	}

	bus.SetDeviceStatus(status | virtq.StatusDriverOK)

	if cfg.Registry != nil {
		name, err := cfg.Registry.Register(devicePrefix, d)
		if err != nil {
			cursor.Close()
			control.Close()
			bus.SetDeviceStatus(virtq.StatusFailed)
			return nil, fmt.Errorf("virtiogpu: register device: %w", err)
		}
		d.name = name
	}

	slog.Debug("virtiogpu: device initialized", "name", d.name)
	return d, nil
}

// Name returns the registered device name, or empty if the device was built
// without a registry.
func (d *Device) Name() string {
	return d.name
}

// InterruptCount returns how many interrupts the device has delivered.
func (d *Device) InterruptCount() uint64 {
	return d.interrupts.Load()
}

// onInterrupt only acknowledges delivery. Completion is observed by polling
// the used ring, not here.
func (d *Device) onInterrupt(queue uint16) {
	d.interrupts.Add(1)
}

// Close deinitializes the queues and removes the device from the registry.
// Framebuffer and mode teardown is the caller's job (via SetMode to text).
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	if d.cursor != nil {
		if err := d.cursor.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		d.cursor = nil
	}
	if d.control != nil {
		if err := d.control.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		d.control = nil
	}
	if d.registry != nil && d.name != "" {
		d.registry.Unregister(d.name)
	}
	return firstErr
}

// transact runs one request/response round trip on the control queue: encode
// fills the zeroed request buffer, and the response header must carry the
// want code exactly.
func (d *Device) transact(op string, reqLen uint32, want uint32, encode func([]byte)) error {
	req, err := d.arena.Alloc(reqLen)
	if err != nil {
		return fmt.Errorf("virtiogpu: %s: allocate request: %w", op, err)
	}
	defer d.arena.Free(req)

	resp, err := d.arena.Alloc(ctrlHdrSize)
	if err != nil {
		return fmt.Errorf("virtiogpu: %s: allocate response: %w", op, err)
	}
	defer d.arena.Free(resp)

	encode(req.B)

	if err := d.control.SubmitRW(req, resp); err != nil {
		return fmt.Errorf("virtiogpu: %s: %w", op, err)
	}
	return checkResp(op, resp.B, want)
}

// checkResp verifies a response header against the exact expected success
// code. Anything else, well-formed or not, is a protocol failure.
func checkResp(op string, resp []byte, want uint32) error {
	hdr := parseCtrlHdr(resp)
	if hdr.Type != want {
		return &ProtocolError{Op: op, Code: hdr.Type}
	}
	return nil
}

var _ gpudev.Driver = (*Device)(nil)
