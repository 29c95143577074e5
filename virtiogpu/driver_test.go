package virtiogpu_test

import (
	"errors"
	"testing"

	"github.com/tinyrange/virtgpu/dma"
	"github.com/tinyrange/virtgpu/emu"
	"github.com/tinyrange/virtgpu/gpudev"
	"github.com/tinyrange/virtgpu/textmode"
	"github.com/tinyrange/virtgpu/virtiogpu"
	"github.com/tinyrange/virtgpu/virtq"
)

func newTestDevice(t *testing.T, scanouts []emu.Scanout) (*virtiogpu.Device, *emu.GPU, *textmode.BufferConsole) {
	t.Helper()

	arena := dma.NewArena(0x100000, 8*1024*1024)
	gpu := emu.New(arena, scanouts)
	console := textmode.NewBufferConsole()

	dev, err := virtiogpu.New(virtiogpu.Config{
		Bus:     gpu,
		Arena:   arena,
		Console: console,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	return dev, gpu, console
}

// graphicsMode returns the first graphics mode the device advertises.
func graphicsMode(t *testing.T, dev *virtiogpu.Device) gpudev.VideoMode {
	t.Helper()
	var modes [17]gpudev.VideoMode
	n, err := dev.Modes(modes[:])
	if err != nil {
		t.Fatalf("Modes failed: %v", err)
	}
	for _, m := range modes[:n] {
		if m.Type == gpudev.ModeTypeGraphics2D {
			return m
		}
	}
	t.Fatalf("device advertises no graphics mode")
	return gpudev.VideoMode{}
}

func TestDeviceInit(t *testing.T) {
	t.Run("StatusSequence", func(t *testing.T) {
		_, gpu, _ := newTestDevice(t, []emu.Scanout{{Width: 640, Height: 480}})

		want := virtq.StatusAcknowledge | virtq.StatusDriver | virtq.StatusFeaturesOK | virtq.StatusDriverOK
		if got := gpu.DeviceStatus(); got != want {
			t.Fatalf("expected status %#x, got %#x", want, got)
		}
	})

	t.Run("DeclinesVirglAndEdid", func(t *testing.T) {
		_, gpu, _ := newTestDevice(t, []emu.Scanout{{Width: 640, Height: 480}})

		if got := gpu.DriverFeatures(); got != 1<<32 {
			t.Fatalf("expected only VERSION_1 accepted, got %#x", got)
		}
	})

	t.Run("FeatureNegotiationFailure", func(t *testing.T) {
		arena := dma.NewArena(0x100000, 1024*1024)
		gpu := emu.New(arena, []emu.Scanout{{Width: 640, Height: 480}})
		gpu.RejectFeatures = true

		if _, err := virtiogpu.New(virtiogpu.Config{Bus: gpu, Arena: arena}); err == nil {
			t.Fatalf("expected error when device rejects features")
		}
	})

	t.Run("RegistryNaming", func(t *testing.T) {
		arena := dma.NewArena(0x100000, 1024*1024)
		registry := gpudev.NewRegistry()

		dev, err := virtiogpu.New(virtiogpu.Config{
			Bus:      emu.New(arena, []emu.Scanout{{Width: 640, Height: 480}}),
			Arena:    arena,
			Registry: registry,
		})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer dev.Close()

		if dev.Name() != "virtio-gpu0" {
			t.Fatalf("expected name virtio-gpu0, got %q", dev.Name())
		}
		if _, ok := registry.Lookup("virtio-gpu0"); !ok {
			t.Fatalf("device not registered")
		}
	})

	t.Run("VectorConfigurationFailure", func(t *testing.T) {
		arena := dma.NewArena(0x100000, 1024*1024)
		registry := gpudev.NewRegistry()
		bus := &noVectorBus{
			GPU:        emu.New(arena, []emu.Scanout{{Width: 640, Height: 480}}),
			queueSizes: make(map[uint16]uint16),
		}

		_, err := virtiogpu.New(virtiogpu.Config{
			Bus:      bus,
			Arena:    arena,
			Registry: registry,
		})
		if !errors.Is(err, virtq.ErrVectorsUnsupported) {
			t.Fatalf("expected ErrVectorsUnsupported, got %v", err)
		}

		// Both queues were programmed during init and must be disabled again.
		for _, queue := range []uint16{0, 1} {
			size, ok := bus.queueSizes[queue]
			if !ok {
				t.Fatalf("queue %d was never programmed", queue)
			}
			if size != 0 {
				t.Fatalf("queue %d left enabled with size %d", queue, size)
			}
		}
		if bus.DeviceStatus()&virtq.StatusFailed == 0 {
			t.Fatalf("expected FAILED status, got %#x", bus.DeviceStatus())
		}
		if len(registry.Names()) != 0 {
			t.Fatalf("failed device was registered: %v", registry.Names())
		}
	})
}

// noVectorBus is a device without per-queue interrupt vectors. It also keeps
// the last programmed size per queue so tests can see queues being disabled.
type noVectorBus struct {
	*emu.GPU
	queueSizes map[uint16]uint16
}

func (b *noVectorBus) ConfigureQueue(queue, size uint16, descAddr, availAddr, usedAddr uint64) error {
	b.queueSizes[queue] = size
	return b.GPU.ConfigureQueue(queue, size, descAddr, availAddr, usedAddr)
}

func (b *noVectorBus) ConfigureVectors(handlers []func(queue uint16)) error {
	return virtq.ErrVectorsUnsupported
}

func TestModes(t *testing.T) {
	scanouts := []emu.Scanout{
		{Width: 800, Height: 600},
		{Width: 1024, Height: 768},
		{Width: 1920, Height: 1080},
	}

	t.Run("CapacityTooSmall", func(t *testing.T) {
		dev, _, _ := newTestDevice(t, scanouts)
		var modes [1]gpudev.VideoMode
		if _, err := dev.Modes(modes[:]); !errors.Is(err, virtiogpu.ErrModeCapacity) {
			t.Fatalf("expected ErrModeCapacity, got %v", err)
		}
	})

	t.Run("CapacityTwoWithThreeScanouts", func(t *testing.T) {
		dev, _, _ := newTestDevice(t, scanouts)
		var modes [2]gpudev.VideoMode
		n, err := dev.Modes(modes[:])
		if err != nil {
			t.Fatalf("Modes failed: %v", err)
		}
		if n != 2 {
			t.Fatalf("expected 2 modes, got %d", n)
		}
		if modes[0].Type != gpudev.ModeTypeText {
			t.Fatalf("mode 0 is not the text mode")
		}
		if modes[0].Width != 80 || modes[0].Height != 25 {
			t.Fatalf("text mode is %dx%d, expected 80x25", modes[0].Width, modes[0].Height)
		}
		if modes[1].Type != gpudev.ModeTypeGraphics2D || modes[1].Width != 800 || modes[1].Height != 600 {
			t.Fatalf("mode 1 is not the first graphics mode: %+v", modes[1])
		}
	})

	t.Run("AllScanouts", func(t *testing.T) {
		dev, _, _ := newTestDevice(t, scanouts)
		var modes [17]gpudev.VideoMode
		n, err := dev.Modes(modes[:])
		if err != nil {
			t.Fatalf("Modes failed: %v", err)
		}
		if n != 4 {
			t.Fatalf("expected 4 modes (text + 3 scanouts), got %d", n)
		}
		if modes[2].Width != 1024 || modes[3].Width != 1920 {
			t.Fatalf("graphics modes out of order: %+v", modes[1:n])
		}
	})

	t.Run("ChannelLayout", func(t *testing.T) {
		dev, _, _ := newTestDevice(t, scanouts)
		var modes [2]gpudev.VideoMode
		if _, err := dev.Modes(modes[:]); err != nil {
			t.Fatalf("Modes failed: %v", err)
		}
		if modes[0].ChannelOffset != [4]int8{0, 1, -1, -1} {
			t.Fatalf("text channel offsets: %v", modes[0].ChannelOffset)
		}
		if modes[1].ChannelOffset != [4]int8{0, 1, 2, 3} {
			t.Fatalf("graphics channel offsets: %v", modes[1].ChannelOffset)
		}
		if modes[1].Flags&gpudev.ModeHasMouseCursor == 0 {
			t.Fatalf("graphics mode does not advertise a cursor")
		}
	})
}

func TestSwitchMode(t *testing.T) {
	t.Run("EndToEnd800x600", func(t *testing.T) {
		dev, gpu, _ := newTestDevice(t, []emu.Scanout{{Width: 800, Height: 600}})

		gpu.ResetTrace()
		if err := dev.SetMode(graphicsMode(t, dev)); err != nil {
			t.Fatalf("SetMode failed: %v", err)
		}

		trace := gpu.Trace()
		wantPrefix := []uint32{
			virtiogpu.VIRTIO_GPU_CMD_RESOURCE_CREATE_2D,
			virtiogpu.VIRTIO_GPU_CMD_RESOURCE_ATTACH_BACKING,
			virtiogpu.VIRTIO_GPU_CMD_SET_SCANOUT,
			virtiogpu.VIRTIO_GPU_CMD_TRANSFER_TO_HOST_2D,
			virtiogpu.VIRTIO_GPU_CMD_RESOURCE_FLUSH,
		}
		// Drop the display-info refresh the mode lookup performs.
		var got []uint32
		for _, c := range trace {
			if c != virtiogpu.VIRTIO_GPU_CMD_GET_DISPLAY_INFO {
				got = append(got, c)
			}
		}
		if len(got) != len(wantPrefix) {
			t.Fatalf("expected %d commands, got %v", len(wantPrefix), got)
		}
		for i, c := range wantPrefix {
			if got[i] != c {
				t.Fatalf("command %d: expected %#x, got %#x", i, c, got[i])
			}
		}

		mode, err := dev.CurrentMode()
		if err != nil {
			t.Fatalf("CurrentMode failed: %v", err)
		}
		if mode.Type != gpudev.ModeTypeGraphics2D || mode.Width != 800 || mode.Height != 600 {
			t.Fatalf("unexpected current mode: %+v", mode)
		}

		if gpu.ScanoutResource(0) == 0 {
			t.Fatalf("scanout 0 not bound after mode switch")
		}
	})

	t.Run("DrawAndFlush", func(t *testing.T) {
		dev, gpu, _ := newTestDevice(t, []emu.Scanout{{Width: 800, Height: 600}})
		if err := dev.SetMode(graphicsMode(t, dev)); err != nil {
			t.Fatalf("SetMode failed: %v", err)
		}

		if err := dev.DrawPixel(gpudev.Coordinate{X: 10, Y: 10}, gpudev.PixelFromRaw(0xFFFFFFFF)); err != nil {
			t.Fatalf("DrawPixel failed: %v", err)
		}

		gpu.ResetTrace()
		if err := dev.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		trace := gpu.Trace()
		if len(trace) != 2 ||
			trace[0] != virtiogpu.VIRTIO_GPU_CMD_TRANSFER_TO_HOST_2D ||
			trace[1] != virtiogpu.VIRTIO_GPU_CMD_RESOURCE_FLUSH {
			t.Fatalf("unexpected flush trace: %#x", trace)
		}

		pixels, width, _, ok := gpu.Framebuffer(0)
		if !ok {
			t.Fatalf("no framebuffer on scanout 0")
		}
		off := (10*width + 10) * 4
		for i := 0; i < 4; i++ {
			if pixels[off+uint32(i)] != 0xff {
				t.Fatalf("pixel byte %d: expected 0xff, got %#x", i, pixels[off+uint32(i)])
			}
		}
	})

	t.Run("BackToTextRestoresSnapshot", func(t *testing.T) {
		dev, gpu, console := newTestDevice(t, []emu.Scanout{{Width: 800, Height: 600}})

		var screen [textmode.Cells]uint16
		for i := range screen {
			screen[i] = textmode.Pack(' ', 0x07)
		}
		msg := "hello"
		for i := 0; i < len(msg); i++ {
			screen[i] = textmode.Pack(msg[i], 0x1f)
		}
		if err := console.CopyIn(screen[:]); err != nil {
			t.Fatalf("CopyIn failed: %v", err)
		}

		if err := dev.SetMode(graphicsMode(t, dev)); err != nil {
			t.Fatalf("SetMode to graphics failed: %v", err)
		}
		// Scribble over the console while graphics mode is active.
		var blank [textmode.Cells]uint16
		if err := console.CopyIn(blank[:]); err != nil {
			t.Fatalf("CopyIn failed: %v", err)
		}

		var textModes [2]gpudev.VideoMode
		if _, err := dev.Modes(textModes[:]); err != nil {
			t.Fatalf("Modes failed: %v", err)
		}
		if err := dev.SetMode(textModes[0]); err != nil {
			t.Fatalf("SetMode to text failed: %v", err)
		}

		mode, err := dev.CurrentMode()
		if err != nil {
			t.Fatalf("CurrentMode failed: %v", err)
		}
		if mode.Type != gpudev.ModeTypeText {
			t.Fatalf("expected text mode, got %+v", mode)
		}
		for i := 0; i < len(msg); i++ {
			if got := console.Cell(i, 0); got != textmode.Pack(msg[i], 0x1f) {
				t.Fatalf("cell %d: expected %#x, got %#x", i, textmode.Pack(msg[i], 0x1f), got)
			}
		}

		// The graphics pipeline is fully torn down.
		if gpu.ResourceCount() != 0 {
			t.Fatalf("resources leaked after return to text: %d", gpu.ResourceCount())
		}
		if gpu.ScanoutResource(0) != 0 {
			t.Fatalf("scanout still bound after return to text")
		}
	})

	t.Run("FailedScanoutBindRollsBack", func(t *testing.T) {
		dev, gpu, _ := newTestDevice(t, []emu.Scanout{{Width: 800, Height: 600}})
		mode := graphicsMode(t, dev)

		gpu.FailNext(virtiogpu.VIRTIO_GPU_CMD_SET_SCANOUT, virtiogpu.VIRTIO_GPU_RESP_ERR_INVALID_SCANOUT_ID)

		err := dev.SetMode(mode)
		if err == nil {
			t.Fatalf("expected SetMode to fail")
		}
		var perr *virtiogpu.ProtocolError
		if !errors.As(err, &perr) {
			t.Fatalf("expected a ProtocolError, got %v", err)
		}
		if perr.Code != virtiogpu.VIRTIO_GPU_RESP_ERR_INVALID_SCANOUT_ID {
			t.Fatalf("expected code %#x, got %#x", virtiogpu.VIRTIO_GPU_RESP_ERR_INVALID_SCANOUT_ID, perr.Code)
		}

		cur, err := dev.CurrentMode()
		if err != nil {
			t.Fatalf("CurrentMode failed: %v", err)
		}
		if cur.Type != gpudev.ModeTypeText {
			t.Fatalf("device left in %+v after failed switch", cur)
		}
		if gpu.ResourceCount() != 0 {
			t.Fatalf("resources leaked by failed switch: %d", gpu.ResourceCount())
		}

		// The device is still usable: a retry succeeds.
		if err := dev.SetMode(mode); err != nil {
			t.Fatalf("retry after failed switch: %v", err)
		}
	})
}

func TestDrawing(t *testing.T) {
	setup := func(t *testing.T) (*virtiogpu.Device, *emu.GPU) {
		dev, gpu, _ := newTestDevice(t, []emu.Scanout{{Width: 64, Height: 64}})
		if err := dev.SetMode(graphicsMode(t, dev)); err != nil {
			t.Fatalf("SetMode failed: %v", err)
		}
		return dev, gpu
	}

	// litPixels flushes and returns the set of framebuffer coordinates whose
	// raw value is non-zero.
	litPixels := func(t *testing.T, dev *virtiogpu.Device, gpu *emu.GPU) map[[2]uint32]bool {
		t.Helper()
		if err := dev.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		pixels, width, height, ok := gpu.Framebuffer(0)
		if !ok {
			t.Fatalf("no framebuffer")
		}
		lit := make(map[[2]uint32]bool)
		for y := uint32(0); y < height; y++ {
			for x := uint32(0); x < width; x++ {
				off := (y*width + x) * 4
				if pixels[off] != 0 || pixels[off+1] != 0 || pixels[off+2] != 0 || pixels[off+3] != 0 {
					lit[[2]uint32{x, y}] = true
				}
			}
		}
		return lit
	}

	white := gpudev.PixelFromRaw(0xFFFFFFFF)

	t.Run("HorizontalLineTouchesExactlySixPixels", func(t *testing.T) {
		dev, gpu := setup(t)
		if err := dev.DrawLine(gpudev.Coordinate{X: 0, Y: 0}, gpudev.Coordinate{X: 5, Y: 0}, white); err != nil {
			t.Fatalf("DrawLine failed: %v", err)
		}
		lit := litPixels(t, dev, gpu)
		if len(lit) != 6 {
			t.Fatalf("expected 6 lit pixels, got %d", len(lit))
		}
		for x := uint32(0); x <= 5; x++ {
			if !lit[[2]uint32{x, 0}] {
				t.Fatalf("pixel (%d,0) not drawn", x)
			}
		}
	})

	t.Run("ClippingBoxDropsOutsidePixels", func(t *testing.T) {
		dev, gpu := setup(t)
		clip := gpudev.Box{X: 10, Y: 10, Width: 4, Height: 4}
		if err := dev.SetClippingBox(&clip); err != nil {
			t.Fatalf("SetClippingBox failed: %v", err)
		}
		if err := dev.DrawPixel(gpudev.Coordinate{X: 0, Y: 0}, white); err != nil {
			t.Fatalf("DrawPixel failed: %v", err)
		}
		if err := dev.DrawPixel(gpudev.Coordinate{X: 11, Y: 11}, white); err != nil {
			t.Fatalf("DrawPixel failed: %v", err)
		}
		lit := litPixels(t, dev, gpu)
		if len(lit) != 1 || !lit[[2]uint32{11, 11}] {
			t.Fatalf("clipping not applied: lit=%v", lit)
		}
	})

	t.Run("NilClippingBoxRestoresFullFrame", func(t *testing.T) {
		dev, gpu := setup(t)
		clip := gpudev.Box{X: 10, Y: 10, Width: 4, Height: 4}
		if err := dev.SetClippingBox(&clip); err != nil {
			t.Fatalf("SetClippingBox failed: %v", err)
		}
		if err := dev.SetClippingBox(nil); err != nil {
			t.Fatalf("SetClippingBox(nil) failed: %v", err)
		}
		if err := dev.DrawPixel(gpudev.Coordinate{X: 0, Y: 0}, white); err != nil {
			t.Fatalf("DrawPixel failed: %v", err)
		}
		lit := litPixels(t, dev, gpu)
		if !lit[[2]uint32{0, 0}] {
			t.Fatalf("pixel dropped after clipping reset")
		}
	})

	t.Run("FillBoxWithXorIsReversible", func(t *testing.T) {
		dev, gpu := setup(t)
		box := gpudev.Box{X: 2, Y: 2, Width: 8, Height: 8}
		if err := dev.FillBox(box, white, gpudev.BlitXor); err != nil {
			t.Fatalf("FillBox failed: %v", err)
		}
		if err := dev.FillBox(box, white, gpudev.BlitXor); err != nil {
			t.Fatalf("FillBox failed: %v", err)
		}
		if lit := litPixels(t, dev, gpu); len(lit) != 0 {
			t.Fatalf("double xor fill left %d pixels lit", len(lit))
		}
	})

	t.Run("CopyBoxTilesSmallSource", func(t *testing.T) {
		dev, gpu := setup(t)
		// Paint a 2x2 source block, then copy it over a 4x4 area.
		src := gpudev.Box{X: 0, Y: 0, Width: 2, Height: 2}
		if err := dev.FillBox(src, white, gpudev.BlitCopy); err != nil {
			t.Fatalf("FillBox failed: %v", err)
		}
		dst := gpudev.Box{X: 20, Y: 20, Width: 4, Height: 4}
		if err := dev.CopyBox(src, dst, gpudev.BlitCopy); err != nil {
			t.Fatalf("CopyBox failed: %v", err)
		}
		lit := litPixels(t, dev, gpu)
		for y := uint32(20); y < 24; y++ {
			for x := uint32(20); x < 24; x++ {
				if !lit[[2]uint32{x, y}] {
					t.Fatalf("pixel (%d,%d) not copied", x, y)
				}
			}
		}
	})

	t.Run("PolygonClosesItself", func(t *testing.T) {
		dev, gpu := setup(t)
		tri := []gpudev.Coordinate{{X: 5, Y: 5}, {X: 15, Y: 5}, {X: 5, Y: 15}}
		if err := dev.DrawPoly(tri, white); err != nil {
			t.Fatalf("DrawPoly failed: %v", err)
		}
		lit := litPixels(t, dev, gpu)
		// The closing edge from (5,15) back to (5,5) must be present.
		for y := uint32(5); y <= 15; y++ {
			if !lit[[2]uint32{5, y}] {
				t.Fatalf("closing edge pixel (5,%d) missing", y)
			}
		}
	})
}

func TestTextModeErrors(t *testing.T) {
	dev, _, _ := newTestDevice(t, []emu.Scanout{{Width: 640, Height: 480}})

	t.Run("DrawingNeedsGraphicsMode", func(t *testing.T) {
		err := dev.DrawPixel(gpudev.Coordinate{X: 0, Y: 0}, gpudev.RGBA(1, 2, 3, 4))
		if !errors.Is(err, virtiogpu.ErrNoGraphicsMode) {
			t.Fatalf("expected ErrNoGraphicsMode, got %v", err)
		}
	})

	t.Run("FlushInTextModeIsANoop", func(t *testing.T) {
		if err := dev.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
	})

	t.Run("UnimplementedOperations", func(t *testing.T) {
		if err := dev.TextSetChar(gpudev.Coordinate{}, gpudev.Char{Value: 'x'}); !errors.Is(err, gpudev.ErrNotImplemented) {
			t.Fatalf("TextSetChar: expected ErrNotImplemented, got %v", err)
		}
		if err := dev.SetCursor(gpudev.Coordinate{}); !errors.Is(err, gpudev.ErrNotImplemented) {
			t.Fatalf("SetCursor: expected ErrNotImplemented, got %v", err)
		}
		if err := dev.SetClippingRegion(&gpudev.Region{}); !errors.Is(err, gpudev.ErrNotImplemented) {
			t.Fatalf("SetClippingRegion: expected ErrNotImplemented, got %v", err)
		}
	})
}
