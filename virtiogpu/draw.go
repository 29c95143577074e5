package virtiogpu

import (
	"github.com/tinyrange/virtgpu/gpudev"
)

// pixelAt returns the 4-byte framebuffer slice for (x, y). Caller holds d.mu
// and has verified a graphics mode is active and the coordinate is in frame.
func (d *Device) pixelAt(x, y uint32) []byte {
	off := (y*d.frameBox.Width + x) * bytesPerPixel
	return d.frameBuffer.B[off : off+bytesPerPixel]
}

// drawPixelLocked draws one pixel through the clipping box. Out-of-clip
// pixels are silently dropped; partial shapes clip rather than fail.
func (d *Device) drawPixelLocked(x, y uint32, pixel gpudev.Pixel, op gpudev.BitBlitOp) {
	if !d.clippingBox.Contains(gpudev.Coordinate{X: x, Y: y}) {
		return
	}
	applyBlit(d.pixelAt(x, y), pixel, op)
}

// SetClippingBox implements gpudev.Driver. The effective clip is box
// intersected with the framebuffer; nil restores the full framebuffer.
func (d *Device) SetClippingBox(box *gpudev.Box) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.curMode == 0 {
		return ErrNoGraphicsMode
	}
	if box == nil {
		d.clippingBox = d.frameBox
		return nil
	}
	d.clippingBox = intersectBox(*box, d.frameBox)
	return nil
}

// SetClippingRegion implements gpudev.Driver. Multi-box regions are not
// supported by this driver.
func (d *Device) SetClippingRegion(region *gpudev.Region) error {
	return gpudev.ErrNotImplemented
}

func intersectBox(a, b gpudev.Box) gpudev.Box {
	x0 := max(a.X, b.X)
	y0 := max(a.Y, b.Y)
	x1 := min(a.X+a.Width, b.X+b.Width)
	y1 := min(a.Y+a.Height, b.Y+b.Height)
	if x1 <= x0 || y1 <= y0 {
		return gpudev.Box{}
	}
	return gpudev.Box{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// DrawPixel implements gpudev.Driver.
func (d *Device) DrawPixel(location gpudev.Coordinate, pixel gpudev.Pixel) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.curMode == 0 {
		return ErrNoGraphicsMode
	}
	d.drawPixelLocked(location.X, location.Y, pixel, gpudev.BlitCopy)
	return nil
}

// DrawLine implements gpudev.Driver. Bresenham, clipped per pixel.
func (d *Device) DrawLine(start, end gpudev.Coordinate, pixel gpudev.Pixel) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.curMode == 0 {
		return ErrNoGraphicsMode
	}
	d.drawLineLocked(start, end, pixel)
	return nil
}

func (d *Device) drawLineLocked(start, end gpudev.Coordinate, pixel gpudev.Pixel) {
	x0, y0 := int(start.X), int(start.Y)
	x1, y1 := int(end.X), int(end.Y)

	dx := x1 - x0
	if dx < 0 {
		dx = -dx
	}
	sx := 1
	if x0 > x1 {
		sx = -1
	}
	dy := y1 - y0
	if dy > 0 {
		dy = -dy
	}
	sy := 1
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy

	for {
		if x0 >= 0 && y0 >= 0 {
			d.drawPixelLocked(uint32(x0), uint32(y0), pixel, gpudev.BlitCopy)
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

// DrawPoly implements gpudev.Driver: a closed polygon outline. The final
// point connects back to the first.
func (d *Device) DrawPoly(points []gpudev.Coordinate, pixel gpudev.Pixel) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.curMode == 0 {
		return ErrNoGraphicsMode
	}
	if len(points) == 0 {
		return nil
	}
	for i := range points {
		d.drawLineLocked(points[i], points[(i+1)%len(points)], pixel)
	}
	return nil
}

// FillBox implements gpudev.Driver.
func (d *Device) FillBox(box gpudev.Box, pixel gpudev.Pixel, op gpudev.BitBlitOp) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.curMode == 0 {
		return ErrNoGraphicsMode
	}
	for y := box.Y; y < box.Y+box.Height; y++ {
		for x := box.X; x < box.X+box.Width; x++ {
			d.drawPixelLocked(x, y, pixel, op)
		}
	}
	return nil
}

// FillBoxWithBitmap implements gpudev.Driver. A bitmap smaller than the box
// tiles across it.
func (d *Device) FillBoxWithBitmap(box gpudev.Box, bitmap *gpudev.Bitmap, op gpudev.BitBlitOp) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.curMode == 0 {
		return ErrNoGraphicsMode
	}
	for y := box.Y; y < box.Y+box.Height; y++ {
		for x := box.X; x < box.X+box.Width; x++ {
			d.drawPixelLocked(x, y, bitmap.At(x-box.X, y-box.Y), op)
		}
	}
	return nil
}

// CopyBox implements gpudev.Driver: combine source pixels into dest, pixel by
// pixel. Only the destination is clipped; a source smaller than dest repeats.
// Overlapping boxes read whatever preceding writes left behind.
func (d *Device) CopyBox(source, dest gpudev.Box, op gpudev.BitBlitOp) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.curMode == 0 {
		return ErrNoGraphicsMode
	}
	if source.Width == 0 || source.Height == 0 {
		return nil
	}
	for y := uint32(0); y < dest.Height; y++ {
		for x := uint32(0); x < dest.Width; x++ {
			sx := source.X + x%source.Width
			sy := source.Y + y%source.Height
			if !d.frameBox.Contains(gpudev.Coordinate{X: sx, Y: sy}) {
				continue
			}
			var src gpudev.Pixel
			copy(src[:], d.pixelAt(sx, sy))
			d.drawPixelLocked(dest.X+x, dest.Y+y, src, op)
		}
	}
	return nil
}

// Flush implements gpudev.Driver: transfer the framebuffer to the host
// resource, then flush the resource to the scanout. No-op in text mode,
// where the console owns the display.
func (d *Device) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked()
}

func (d *Device) flushLocked() error {
	if d.curMode == 0 {
		return nil
	}

	full := rect{Width: d.frameBox.Width, Height: d.frameBox.Height}

	if err := d.transact("transfer to host", transferToHost2DSize, VIRTIO_GPU_RESP_OK_NODATA, func(b []byte) {
		encodeTransferToHost2D(b, full, 0, screenResourceID)
	}); err != nil {
		return err
	}

	return d.transact("resource flush", resourceFlushSize, VIRTIO_GPU_RESP_OK_NODATA, func(b []byte) {
		encodeResourceFlush(b, full, screenResourceID)
	})
}

// TextSetChar implements gpudev.Driver. Text cells are written through the
// console, not the device.
func (d *Device) TextSetChar(location gpudev.Coordinate, ch gpudev.Char) error {
	return gpudev.ErrNotImplemented
}

// TextSetCursor implements gpudev.Driver.
func (d *Device) TextSetCursor(location gpudev.Coordinate, flags uint32) error {
	return gpudev.ErrNotImplemented
}

// DrawText implements gpudev.Driver. Font rendering is left to callers with
// a glyph bitmap and FillBoxWithBitmap.
func (d *Device) DrawText(location gpudev.Coordinate, text string) error {
	return gpudev.ErrNotImplemented
}

// SetCursorBitmap implements gpudev.Driver.
func (d *Device) SetCursorBitmap(bitmap *gpudev.Bitmap) error {
	return gpudev.ErrNotImplemented
}

// SetCursor implements gpudev.Driver.
func (d *Device) SetCursor(location gpudev.Coordinate) error {
	return gpudev.ErrNotImplemented
}
