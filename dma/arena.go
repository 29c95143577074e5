// Package dma provides a guest-memory arena for DMA-visible allocations.
//
// Virtqueue rings, request/response buffers and framebuffers all live inside
// one flat region that both the driver and the device address by the same
// numeric addresses. Buffers keep a stable address for their whole lifetime;
// a framebuffer that backs a GPU resource must never move while the backing
// is attached.
package dma

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// ErrOutOfMemory is returned when the arena cannot satisfy an allocation.
var ErrOutOfMemory = errors.New("dma: out of memory")

const allocAlign = 16

// Buffer is one allocation inside an arena. Addr is the guest address of the
// first byte; B aliases the arena's storage.
type Buffer struct {
	Addr uint64
	B    []byte
}

// Len returns the allocation size in bytes.
func (b Buffer) Len() uint32 {
	return uint32(len(b.B))
}

type extent struct {
	off  uint64
	size uint64
}

// Arena is a fixed-size memory region mapped at a base guest address.
//
// ReadAt and WriteAt address the region by guest address and serialize under
// an internal lock. That lock is what stands in for the hardware memory
// barriers of the virtio spec: a ring write completed before a notify is
// visible to any device-side read that happens after it.
type Arena struct {
	base uint64

	mu   sync.Mutex
	mem  []byte
	free []extent
	used map[uint64]uint64
}

// NewArena creates an arena of size bytes mapped at the given base address.
func NewArena(base uint64, size uint64) *Arena {
	return &Arena{
		base: base,
		mem:  make([]byte, size),
		free: []extent{{off: 0, size: size}},
		used: make(map[uint64]uint64),
	}
}

// Base returns the guest address of the first byte of the arena.
func (a *Arena) Base() uint64 {
	return a.base
}

// Size returns the arena size in bytes.
func (a *Arena) Size() uint64 {
	return uint64(len(a.mem))
}

// Alloc carves out a zeroed buffer of n bytes. First fit, 16-byte aligned.
func (a *Arena) Alloc(n uint32) (Buffer, error) {
	if n == 0 {
		return Buffer{}, fmt.Errorf("dma: zero-length allocation")
	}

	size := (uint64(n) + allocAlign - 1) &^ uint64(allocAlign-1)

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, ext := range a.free {
		if ext.size < size {
			continue
		}
		off := ext.off
		if ext.size == size {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = extent{off: ext.off + size, size: ext.size - size}
		}
		a.used[off] = size

		buf := a.mem[off : off+uint64(n) : off+size]
		clear(buf)
		return Buffer{Addr: a.base + off, B: buf}, nil
	}

	return Buffer{}, ErrOutOfMemory
}

// Free returns a buffer to the arena. Freeing a buffer that was not allocated
// from this arena is an error.
func (a *Arena) Free(b Buffer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	off := b.Addr - a.base
	size, ok := a.used[off]
	if !ok {
		return fmt.Errorf("dma: free of unallocated address %#x", b.Addr)
	}
	delete(a.used, off)

	a.free = append(a.free, extent{off: off, size: size})
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].off < a.free[j].off })

	// Coalesce adjacent extents.
	merged := a.free[:1]
	for _, ext := range a.free[1:] {
		last := &merged[len(merged)-1]
		if last.off+last.size == ext.off {
			last.size += ext.size
		} else {
			merged = append(merged, ext)
		}
	}
	a.free = merged
	return nil
}

// ReadAt implements io.ReaderAt over guest addresses.
func (a *Arena) ReadAt(p []byte, off int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rel, err := a.offset(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, a.mem[rel:]), nil
}

// WriteAt implements io.WriterAt over guest addresses.
func (a *Arena) WriteAt(p []byte, off int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rel, err := a.offset(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(a.mem[rel:], p), nil
}

func (a *Arena) offset(off int64, n int) (uint64, error) {
	addr := uint64(off)
	if addr < a.base || addr+uint64(n) > a.base+uint64(len(a.mem)) {
		return 0, fmt.Errorf("dma: access [%#x, %#x) outside arena: %w", addr, addr+uint64(n), io.ErrUnexpectedEOF)
	}
	return addr - a.base, nil
}
