// Package gpudev defines the generic GPU device abstraction: the value types
// shared between a GPU driver and its callers, the capability interface a
// backing driver implements, and a registry for discovered devices.
package gpudev

import "errors"

// ErrNotImplemented is returned by operations a driver declares but does not
// support. Callers must be able to tell this apart from a device failure.
var ErrNotImplemented = errors.New("gpudev: operation not implemented")

// Pixel is a 4-byte pixel. The channel order matches the resource format the
// driver negotiated; for virtio-GPU 2D this is R8G8B8A8.
type Pixel [4]uint8

// RGBA builds a pixel from individual channel values.
func RGBA(r, g, b, a uint8) Pixel {
	return Pixel{r, g, b, a}
}

// Raw returns the pixel as a single little-endian 32-bit value.
func (p Pixel) Raw() uint32 {
	return uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
}

// PixelFromRaw builds a pixel from a little-endian 32-bit value.
func PixelFromRaw(raw uint32) Pixel {
	return Pixel{uint8(raw), uint8(raw >> 8), uint8(raw >> 16), uint8(raw >> 24)}
}

// Coordinate is a position on the framebuffer.
type Coordinate struct {
	X uint32
	Y uint32
}

// Box is an axis-aligned rectangle. No rotation.
type Box struct {
	X      uint32
	Y      uint32
	Width  uint32
	Height uint32
}

// Contains reports whether c lies inside the box.
func (b Box) Contains(c Coordinate) bool {
	return c.X >= b.X && c.X < b.X+b.Width &&
		c.Y >= b.Y && c.Y < b.Y+b.Height
}

// Region is a clipping region made of multiple boxes. Declared for interface
// completeness; the virtio-GPU driver does not implement region clipping.
type Region struct {
	Boxes []Box
}

// Bitmap is a tightly packed rectangular pixel array used as a blit source.
// Its dimensions are independent of the framebuffer's.
type Bitmap struct {
	Width  uint32
	Height uint32
	Pixels []Pixel
}

// NewBitmap allocates a zeroed bitmap of the given size.
func NewBitmap(width, height uint32) *Bitmap {
	return &Bitmap{
		Width:  width,
		Height: height,
		Pixels: make([]Pixel, int(width)*int(height)),
	}
}

// At returns the pixel at (x, y). Out-of-range coordinates wrap onto the
// bitmap, which gives fill operations their tiling behavior. An empty bitmap
// reads as the zero pixel.
func (b *Bitmap) At(x, y uint32) Pixel {
	if b.Width == 0 || b.Height == 0 {
		return Pixel{}
	}
	return b.Pixels[(y%b.Height)*b.Width+(x%b.Width)]
}

// Set stores a pixel at (x, y). Out-of-range coordinates are ignored.
func (b *Bitmap) Set(x, y uint32, p Pixel) {
	if x >= b.Width || y >= b.Height {
		return
	}
	b.Pixels[y*b.Width+x] = p
}

// Char is one text-mode character cell: a codepoint byte plus a VGA-style
// attribute byte.
type Char struct {
	Value     uint8
	Attribute uint8
}

// BitBlitOp selects how a new pixel is combined with the existing framebuffer
// pixel: old = op(old, new).
type BitBlitOp int

const (
	BlitCopy BitBlitOp = iota
	BlitNot
	BlitAnd
	BlitOr
	BlitNand
	BlitNor
	BlitXor
	BlitXnor
	BlitPlus
	BlitMinus
	BlitMultiply
	BlitDivide
)

// ModeType distinguishes text modes from 2D graphics modes.
type ModeType int

const (
	ModeTypeText ModeType = iota
	ModeTypeGraphics2D
)

// VideoMode flags.
const (
	ModeHasMouseCursor uint32 = 1 << 0
)

// VideoMode describes one selectable display mode. ModeData is an opaque
// value the driver uses to recover its internal mode index; callers must pass
// it back unchanged to SetMode.
type VideoMode struct {
	Type              ModeType
	Width             uint32
	Height            uint32
	ChannelOffset     [4]int8
	Flags             uint32
	MouseCursorWidth  uint32
	MouseCursorHeight uint32
	ModeData          uint64
}

// Driver is the operation set a backing GPU driver exposes to the generic
// framework. Drawing operations are asynchronous: they mutate the driver's
// framebuffer immediately but are not guaranteed visible until Flush.
type Driver interface {
	// Modes fills buf with the available video modes and returns the count.
	// buf must have room for at least two entries.
	Modes(buf []VideoMode) (int, error)

	// CurrentMode returns the mode that is currently active.
	CurrentMode() (VideoMode, error)

	// SetMode switches the device to the given mode, tearing down whatever
	// mode was active first.
	SetMode(mode VideoMode) error

	// Flush makes all preceding drawing operations visible on the display.
	Flush() error

	TextSetChar(location Coordinate, ch Char) error
	TextSetCursor(location Coordinate, flags uint32) error

	// SetClippingBox confines drawing to box. A nil box resets clipping to
	// the full framebuffer.
	SetClippingBox(box *Box) error
	SetClippingRegion(region *Region) error

	DrawPixel(location Coordinate, pixel Pixel) error
	DrawLine(start, end Coordinate, pixel Pixel) error
	DrawPoly(points []Coordinate, pixel Pixel) error
	FillBox(box Box, pixel Pixel, op BitBlitOp) error
	FillBoxWithBitmap(box Box, bitmap *Bitmap, op BitBlitOp) error
	CopyBox(source, dest Box, op BitBlitOp) error
	DrawText(location Coordinate, text string) error

	SetCursorBitmap(bitmap *Bitmap) error
	SetCursor(location Coordinate) error
}
