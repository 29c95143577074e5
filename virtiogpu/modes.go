package virtiogpu

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/virtgpu/dma"
	"github.com/tinyrange/virtgpu/gpudev"
)

// refreshDisplayInfo fetches and caches the scanout table. Idempotent: once
// the cache is populated further calls are no-ops. Caller holds d.mu.
func (d *Device) refreshDisplayInfo() error {
	if d.haveDisplayInfo {
		return nil
	}

	req, err := d.arena.Alloc(ctrlHdrSize)
	if err != nil {
		return fmt.Errorf("virtiogpu: get display info: allocate request: %w", err)
	}
	defer d.arena.Free(req)

	resp, err := d.arena.Alloc(respDisplayInfoSize)
	if err != nil {
		return fmt.Errorf("virtiogpu: get display info: allocate response: %w", err)
	}
	defer d.arena.Free(resp)

	encodeGetDisplayInfo(req.B)

	if err := d.control.SubmitRW(req, resp); err != nil {
		return fmt.Errorf("virtiogpu: get display info: %w", err)
	}
	if err := checkResp("get display info", resp.B, VIRTIO_GPU_RESP_OK_DISPLAY_INFO); err != nil {
		return err
	}

	d.displayInfo = parseDisplayInfo(resp.B)
	d.haveDisplayInfo = true

	for i, pm := range d.displayInfo {
		if pm.Enabled != 0 {
			slog.Debug("virtiogpu: scanout",
				"index", i, "x", pm.R.X, "y", pm.R.Y,
				"width", pm.R.Width, "height", pm.R.Height, "flags", pm.Flags)
		}
	}
	return nil
}

// fillMode builds the mode descriptor for an internal mode number: 0 is the
// 80x25 text mode, N>0 is scanout N-1. Caller holds d.mu and, for graphics
// modes, guarantees the display-info cache is populated.
func (d *Device) fillMode(modeNum int) gpudev.VideoMode {
	if modeNum == 0 {
		return gpudev.VideoMode{
			Type:          gpudev.ModeTypeText,
			Width:         textColumns,
			Height:        textRows,
			ChannelOffset: [4]int8{0, 1, -1, -1},
			ModeData:      0,
		}
	}
	pm := &d.displayInfo[modeNum-1]
	return gpudev.VideoMode{
		Type:              gpudev.ModeTypeGraphics2D,
		Width:             pm.R.Width,
		Height:            pm.R.Height,
		ChannelOffset:     [4]int8{0, 1, 2, 3}, // RGBA
		Flags:             gpudev.ModeHasMouseCursor,
		MouseCursorWidth:  64,
		MouseCursorHeight: 64,
		ModeData:          uint64(modeNum),
	}
}

// Modes implements gpudev.Driver. The text mode is always first, followed by
// one graphics mode per enabled scanout in ascending scanout order, until buf
// is full.
func (d *Device) Modes(buf []gpudev.VideoMode) (int, error) {
	if len(buf) < 2 {
		return 0, ErrModeCapacity
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.refreshDisplayInfo(); err != nil {
		return 0, err
	}

	cur := 0
	buf[cur] = d.fillMode(0)
	cur++

	for i := 0; i < VIRTIO_GPU_MAX_SCANOUTS && cur < len(buf); i++ {
		if d.displayInfo[i].Enabled != 0 {
			buf[cur] = d.fillMode(i + 1)
			cur++
		}
	}
	return cur, nil
}

// CurrentMode implements gpudev.Driver. Answered purely from cached state.
func (d *Device) CurrentMode() (gpudev.VideoMode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fillMode(d.curMode), nil
}

// SetMode implements gpudev.Driver: tear down whatever mode is active, then
// bring up the target.
func (d *Device) SetMode(mode gpudev.VideoMode) error {
	modeNum := int(mode.ModeData)

	d.mu.Lock()
	defer d.mu.Unlock()

	if modeNum < 0 || modeNum > VIRTIO_GPU_MAX_SCANOUTS {
		return fmt.Errorf("virtiogpu: invalid mode %d", modeNum)
	}

	if d.curMode == 0 {
		// Leaving text mode: capture the screen contents so they can be
		// restored when the caller switches back.
		if err := d.console.CopyOut(d.textSnapshot[:]); err != nil {
			return fmt.Errorf("virtiogpu: capture text screen: %w", err)
		}
	}

	if err := d.reset(); err != nil {
		return err
	}

	if modeNum == 0 {
		if err := d.console.CopyIn(d.textSnapshot[:]); err != nil {
			return fmt.Errorf("virtiogpu: restore text screen: %w", err)
		}
		return nil
	}

	if err := d.refreshDisplayInfo(); err != nil {
		return err
	}
	pm := &d.displayInfo[modeNum-1]
	if pm.Enabled == 0 {
		return fmt.Errorf("virtiogpu: scanout %d is not enabled", modeNum-1)
	}

	if err := d.transact("create 2d resource", resourceCreate2DSize, VIRTIO_GPU_RESP_OK_NODATA, func(b []byte) {
		encodeResourceCreate2D(b, screenResourceID, VIRTIO_GPU_FORMAT_R8G8B8A8_UNORM, pm.R.Width, pm.R.Height)
	}); err != nil {
		return err
	}

	fbLen := pm.R.Width * pm.R.Height * bytesPerPixel
	fb, err := d.arena.Alloc(fbLen)
	if err != nil {
		d.rollbackScreenResource(false)
		return fmt.Errorf("virtiogpu: allocate %d byte framebuffer: %w", fbLen, err)
	}

	if err := d.attachBacking(screenResourceID, fb); err != nil {
		d.rollbackScreenResource(false)
		d.arena.Free(fb)
		return err
	}

	if err := d.transact("set scanout", setScanoutSize, VIRTIO_GPU_RESP_OK_NODATA, func(b []byte) {
		encodeSetScanout(b, pm.R, uint32(modeNum-1), screenResourceID)
	}); err != nil {
		d.rollbackScreenResource(true)
		d.arena.Free(fb)
		return err
	}

	d.curMode = modeNum
	d.frameBuffer = &fb
	d.frameBox = gpudev.Box{Width: pm.R.Width, Height: pm.R.Height}
	d.clippingBox = d.frameBox

	// Push the blank framebuffer out so the switch is immediately visible.
	if err := d.flushLocked(); err != nil {
		resetErr := d.reset()
		if resetErr != nil {
			slog.Error("virtiogpu: reset after failed initial flush", "err", resetErr)
		}
		return err
	}
	return nil
}

// attachBacking attaches buf as the single backing region of a resource.
// Caller holds d.mu.
func (d *Device) attachBacking(resourceID uint32, backing dma.Buffer) error {
	req, err := d.arena.Alloc(attachBackingSize)
	if err != nil {
		return fmt.Errorf("virtiogpu: attach backing: allocate request: %w", err)
	}
	defer d.arena.Free(req)

	entry, err := d.arena.Alloc(memEntrySize)
	if err != nil {
		return fmt.Errorf("virtiogpu: attach backing: allocate entry: %w", err)
	}
	defer d.arena.Free(entry)

	resp, err := d.arena.Alloc(ctrlHdrSize)
	if err != nil {
		return fmt.Errorf("virtiogpu: attach backing: allocate response: %w", err)
	}
	defer d.arena.Free(resp)

	encodeAttachBacking(req.B, resourceID, 1)
	encodeMemEntry(entry.B, backing.Addr, backing.Len())

	if err := d.control.SubmitRRW(req, entry, resp); err != nil {
		return fmt.Errorf("virtiogpu: attach backing: %w", err)
	}
	return checkResp("attach backing", resp.B, VIRTIO_GPU_RESP_OK_NODATA)
}

// rollbackScreenResource undoes a partially built graphics pipeline after a
// failed mode switch so the device stays in a clean text state. Secondary
// failures are logged, not propagated; the primary error wins.
func (d *Device) rollbackScreenResource(backingAttached bool) {
	if backingAttached {
		if err := d.transact("detach backing", resourceIDSize, VIRTIO_GPU_RESP_OK_NODATA, func(b []byte) {
			encodeResourceID(b, VIRTIO_GPU_CMD_RESOURCE_DETACH_BACKING, screenResourceID)
		}); err != nil {
			slog.Error("virtiogpu: rollback detach backing", "err", err)
		}
	}
	if err := d.transact("unref resource", resourceIDSize, VIRTIO_GPU_RESP_OK_NODATA, func(b []byte) {
		encodeResourceID(b, VIRTIO_GPU_CMD_RESOURCE_UNREF, screenResourceID)
	}); err != nil {
		slog.Error("virtiogpu: rollback unref resource", "err", err)
	}
}

// reset tears the active graphics pipeline down and returns the device to a
// resource-free text state: detach backing, unref the screen resource, free
// the framebuffer, mark the device disabled. No-op in text mode.
//
// On a transport or protocol failure the device state is left untouched so a
// caller's retry is meaningful.
func (d *Device) reset() error {
	if d.curMode == 0 {
		return nil
	}

	if err := d.transact("detach backing", resourceIDSize, VIRTIO_GPU_RESP_OK_NODATA, func(b []byte) {
		encodeResourceID(b, VIRTIO_GPU_CMD_RESOURCE_DETACH_BACKING, screenResourceID)
	}); err != nil {
		return err
	}

	if err := d.transact("unref resource", resourceIDSize, VIRTIO_GPU_RESP_OK_NODATA, func(b []byte) {
		encodeResourceID(b, VIRTIO_GPU_CMD_RESOURCE_UNREF, screenResourceID)
	}); err != nil {
		return err
	}

	if d.frameBuffer != nil {
		if err := d.arena.Free(*d.frameBuffer); err != nil {
			slog.Error("virtiogpu: free framebuffer", "err", err)
		}
		d.frameBuffer = nil
	}

	if d.cursorBuffer != nil {
		if err := d.arena.Free(*d.cursorBuffer); err != nil {
			slog.Error("virtiogpu: free cursor buffer", "err", err)
		}
		d.cursorBuffer = nil
	}

	// Disable the device at the status register; scanouts fall back to
	// whatever the platform shows for a disabled GPU.
	d.bus.SetDeviceStatus(0)
	d.curMode = 0
	d.frameBox = gpudev.Box{}
	d.clippingBox = gpudev.Box{}
	return nil
}
