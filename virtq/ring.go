package virtq

import (
	"encoding/binary"
	"fmt"
	"runtime"

	"github.com/tinyrange/virtgpu/dma"
)

// Descriptor flags from the virtio specification.
const (
	virtqDescFNext  uint16 = 1
	virtqDescFWrite uint16 = 2
)

const (
	descSize      = 16
	maxRingSize   = 256
	availHdrSize  = 4 // flags + idx
	usedHdrSize   = 4 // flags + idx
	usedElemSize  = 8
	availElemSize = 2
)

// Ring is one driver-owned split virtqueue. The descriptor table, available
// ring and used ring live in a single DMA buffer; the driver keeps a shadow
// free list so descriptor allocation never reads device-visible memory.
//
// A Ring supports one transaction at a time. Callers serialize through the
// owning device's lock.
type Ring struct {
	queue uint16
	size  uint16

	bus Bus
	mem Memory

	arena *dma.Arena
	buf   dma.Buffer

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	// Shadow state. availIdx mirrors the index the device sees; the free
	// list is driver-private.
	availIdx uint16
	freeList []uint16
}

// NewRing allocates ring memory from the arena, initializes the descriptor
// free list and programs the queue on the bus.
func NewRing(bus Bus, mem Memory, arena *dma.Arena, queue uint16) (*Ring, error) {
	size := bus.MaxQueueSize(queue)
	if size == 0 {
		return nil, fmt.Errorf("virtq: queue %d does not exist", queue)
	}
	if size > maxRingSize {
		size = maxRingSize
	}

	descBytes := uint32(size) * descSize
	availBytes := uint32(availHdrSize + int(size)*availElemSize)
	usedOff := align4(descBytes + availBytes)
	usedBytes := uint32(usedHdrSize + int(size)*usedElemSize)

	buf, err := arena.Alloc(usedOff + usedBytes)
	if err != nil {
		return nil, fmt.Errorf("virtq: allocate ring memory for queue %d: %w", queue, err)
	}

	r := &Ring{
		queue:     queue,
		size:      size,
		bus:       bus,
		mem:       mem,
		arena:     arena,
		buf:       buf,
		descAddr:  buf.Addr,
		availAddr: buf.Addr + uint64(descBytes),
		usedAddr:  buf.Addr + uint64(usedOff),
		freeList:  make([]uint16, 0, size),
	}
	for i := size; i > 0; i-- {
		r.freeList = append(r.freeList, i-1)
	}

	if err := bus.ConfigureQueue(queue, size, r.descAddr, r.availAddr, r.usedAddr); err != nil {
		arena.Free(buf)
		return nil, fmt.Errorf("virtq: configure queue %d: %w", queue, err)
	}
	return r, nil
}

// Close disables the queue on the bus and releases the ring memory.
func (r *Ring) Close() error {
	if err := r.bus.ConfigureQueue(r.queue, 0, 0, 0, 0); err != nil {
		return err
	}
	return r.arena.Free(r.buf)
}

// Size returns the ring size in descriptors.
func (r *Ring) Size() uint16 {
	return r.size
}

// Queue returns the queue index this ring is bound to.
func (r *Ring) Queue() uint16 {
	return r.queue
}

// FreeDescriptors returns how many descriptors are currently unallocated.
func (r *Ring) FreeDescriptors() int {
	return len(r.freeList)
}

// allocChain pops n descriptor indices off the free list.
func (r *Ring) allocChain(n int) ([]uint16, error) {
	if len(r.freeList) < n {
		return nil, ErrNoDescriptors
	}
	chain := make([]uint16, n)
	for i := 0; i < n; i++ {
		chain[i] = r.freeList[len(r.freeList)-1]
		r.freeList = r.freeList[:len(r.freeList)-1]
	}
	return chain, nil
}

// freeChain returns descriptor indices to the free list.
func (r *Ring) freeChain(chain []uint16) {
	r.freeList = append(r.freeList, chain...)
}

// writeDesc fills one descriptor table entry.
func (r *Ring) writeDesc(idx uint16, addr uint64, length uint32, flags, next uint16) error {
	var buf [descSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	return r.writeMem(r.descAddr+uint64(idx)*descSize, buf[:])
}

// submit pushes the chain head onto the available ring, notifies the device
// and busy-polls the used ring until the device has consumed the chain.
//
// The write of the ring entry, the write of the available index and the
// device's reads are each ordered by the Memory implementation (the dma arena
// lock); they stand in for the explicit memory barriers a hardware driver
// would issue. There is no timeout: a non-responding device hangs the caller,
// which is the documented contract of this transport.
func (r *Ring) submit(head uint16) error {
	slot := r.availAddr + availHdrSize + uint64(r.availIdx%r.size)*availElemSize
	if err := r.writeMemU16(slot, head); err != nil {
		return err
	}

	r.availIdx++
	waitIdx := r.availIdx
	if err := r.writeMemU16(r.availAddr+2, r.availIdx); err != nil {
		return err
	}

	if err := r.bus.Notify(r.queue); err != nil {
		return fmt.Errorf("virtq: notify queue %d: %w", r.queue, err)
	}

	for {
		usedIdx, err := r.readMemU16(r.usedAddr + 2)
		if err != nil {
			return err
		}
		if usedIdx == waitIdx {
			return nil
		}
		// Keep the scheduler live while spinning; the polling contract
		// itself is unchanged.
		runtime.Gosched()
	}
}

func (r *Ring) writeMem(addr uint64, p []byte) error {
	n, err := r.mem.WriteAt(p, int64(addr))
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("virtq: short memory write at %#x (want %d, got %d)", addr, len(p), n)
	}
	return nil
}

func (r *Ring) writeMemU16(addr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return r.writeMem(addr, buf[:])
}

func (r *Ring) readMemU16(addr uint64) (uint16, error) {
	var buf [2]byte
	n, err := r.mem.ReadAt(buf[:], int64(addr))
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("virtq: short memory read at %#x", addr)
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}
