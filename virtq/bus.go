// Package virtq implements the driver side of virtio split virtqueues: ring
// setup in DMA-visible memory, descriptor chain management and synchronous
// request/response round trips against a device behind a Bus.
package virtq

import (
	"errors"
	"io"
)

// Device status register bits, as defined by the virtio specification.
const (
	StatusAcknowledge uint8 = 1
	StatusDriver      uint8 = 2
	StatusDriverOK    uint8 = 4
	StatusFeaturesOK  uint8 = 8
	StatusNeedsReset  uint8 = 64
	StatusFailed      uint8 = 128
)

// ErrNoDescriptors is returned when a queue has no free descriptors left for
// a chain allocation.
var ErrNoDescriptors = errors.New("virtq: no free descriptors")

// ErrVectorsUnsupported is returned by buses that cannot provide a dedicated
// interrupt vector per queue.
var ErrVectorsUnsupported = errors.New("virtq: per-queue interrupt vectors unsupported")

// Memory provides access to DMA-visible memory by guest address. The rings
// and every buffer referenced by a descriptor live behind this interface.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Bus is the transport a virtio driver programs: feature negotiation, the
// device status register, queue configuration and notification, and interrupt
// vector assignment. It abstracts the register-level transport (MMIO or PCI)
// the same way the device framework hands a driver its bus object.
type Bus interface {
	// DeviceFeatures returns the feature bits the device offers.
	DeviceFeatures() uint64

	// SetDriverFeatures writes back the features the driver accepts.
	SetDriverFeatures(features uint64)

	// DeviceStatus reads the device status register.
	DeviceStatus() uint8

	// SetDeviceStatus writes the device status register. Writing zero resets
	// the device.
	SetDeviceStatus(status uint8)

	// MaxQueueSize returns the largest ring size the device supports for the
	// queue, or zero if the queue does not exist.
	MaxQueueSize(queue uint16) uint16

	// ConfigureQueue programs the ring addresses and size for a queue and
	// marks it ready. A size of zero disables the queue.
	ConfigureQueue(queue uint16, size uint16, descAddr, availAddr, usedAddr uint64) error

	// Notify tells the device the queue's available ring has changed.
	Notify(queue uint16) error

	// ConfigureVectors assigns one interrupt vector per queue and installs
	// the given handlers. Buses without a per-queue vector mechanism return
	// ErrVectorsUnsupported.
	ConfigureVectors(handlers []func(queue uint16)) error
}
