// Command vgpusim brings a virtio-GPU driver up against the in-process device
// model, runs a small drawing script and writes the resulting framebuffer out
// as a PNG.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/virtgpu/dma"
	"github.com/tinyrange/virtgpu/emu"
	"github.com/tinyrange/virtgpu/gpudev"
	"github.com/tinyrange/virtgpu/textmode"
	"github.com/tinyrange/virtgpu/virtiogpu"
)

type scanoutConfig struct {
	Width  uint32 `yaml:"width"`
	Height uint32 `yaml:"height"`
}

type simConfig struct {
	Scanouts []scanoutConfig `yaml:"scanouts"`
	ArenaMB  uint64          `yaml:"arenaMB,omitempty"`
	Image    string          `yaml:"image,omitempty"`
	Output   string          `yaml:"output,omitempty"`
}

func (c *simConfig) normalize() {
	if len(c.Scanouts) == 0 {
		c.Scanouts = []scanoutConfig{{Width: 800, Height: 600}}
	}
	if c.ArenaMB == 0 {
		c.ArenaMB = 16
	}
	if c.Output == "" {
		c.Output = "framebuffer.png"
	}
}

func loadConfig(path string) (*simConfig, error) {
	cfg := &simConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.normalize()
	return cfg, nil
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "YAML configuration file")
	imagePath := fs.String("image", "", "Image to blit onto the framebuffer")
	outPath := fs.String("out", "", "Output PNG path (default framebuffer.png)")
	verbose := fs.Bool("verbose", false, "Enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vgpusim: %v\n", err)
		os.Exit(1)
	}
	if *imagePath != "" {
		cfg.Image = *imagePath
	}
	if *outPath != "" {
		cfg.Output = *outPath
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "vgpusim: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *simConfig) error {
	arena := dma.NewArena(0x100000, cfg.ArenaMB*1024*1024)

	scanouts := make([]emu.Scanout, len(cfg.Scanouts))
	for i, s := range cfg.Scanouts {
		scanouts[i] = emu.Scanout{Width: s.Width, Height: s.Height}
	}
	gpu := emu.New(arena, scanouts)

	registry := gpudev.NewRegistry()
	dev, err := virtiogpu.New(virtiogpu.Config{
		Bus:      gpu,
		Arena:    arena,
		Registry: registry,
		Console:  textmode.NewVTConsole(nil),
	})
	if err != nil {
		return err
	}
	defer dev.Close()

	var modes [1 + virtiogpu.VIRTIO_GPU_MAX_SCANOUTS]gpudev.VideoMode
	n, err := dev.Modes(modes[:])
	if err != nil {
		return err
	}
	for _, m := range modes[:n] {
		slog.Info("mode", "type", m.Type, "width", m.Width, "height", m.Height)
	}

	target := modes[1]
	if err := dev.SetMode(target); err != nil {
		return err
	}
	slog.Info("switched mode", "device", dev.Name(), "width", target.Width, "height", target.Height)

	if err := drawScene(dev, target, cfg.Image); err != nil {
		return err
	}
	if err := dev.Flush(); err != nil {
		return err
	}

	return writePNG(gpu, cfg.Output)
}

func drawScene(dev *virtiogpu.Device, mode gpudev.VideoMode, imagePath string) error {
	w, h := mode.Width, mode.Height

	// Dark blue background.
	if err := dev.FillBox(gpudev.Box{Width: w, Height: h}, gpudev.RGBA(16, 24, 64, 255), gpudev.BlitCopy); err != nil {
		return err
	}

	// Diagonals corner to corner.
	white := gpudev.RGBA(255, 255, 255, 255)
	if err := dev.DrawLine(gpudev.Coordinate{}, gpudev.Coordinate{X: w - 1, Y: h - 1}, white); err != nil {
		return err
	}
	if err := dev.DrawLine(gpudev.Coordinate{Y: h - 1}, gpudev.Coordinate{X: w - 1}, white); err != nil {
		return err
	}

	// Centered brightened square.
	box := gpudev.Box{X: w / 4, Y: h / 4, Width: w / 2, Height: h / 2}
	if err := dev.FillBox(box, gpudev.RGBA(64, 64, 64, 0), gpudev.BlitPlus); err != nil {
		return err
	}

	// Outline it.
	outline := []gpudev.Coordinate{
		{X: box.X, Y: box.Y},
		{X: box.X + box.Width - 1, Y: box.Y},
		{X: box.X + box.Width - 1, Y: box.Y + box.Height - 1},
		{X: box.X, Y: box.Y + box.Height - 1},
	}
	if err := dev.DrawPoly(outline, gpudev.RGBA(255, 200, 0, 255)); err != nil {
		return err
	}

	if imagePath == "" {
		return nil
	}

	f, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}

	bm := gpudev.ScaledBitmapFromImage(img, box.Width, box.Height)
	return dev.FillBoxWithBitmap(box, bm, gpudev.BlitCopy)
}

func writePNG(gpu *emu.GPU, path string) error {
	pixels, width, height, ok := gpu.Framebuffer(0)
	if !ok {
		return fmt.Errorf("scanout 0 has no framebuffer")
	}

	img := image.NewRGBA(image.Rect(0, 0, int(width), int(height)))
	for y := uint32(0); y < height; y++ {
		for x := uint32(0); x < width; x++ {
			off := (y*width + x) * 4
			img.SetRGBA(int(x), int(y), color.RGBA{
				R: pixels[off],
				G: pixels[off+1],
				B: pixels[off+2],
				A: 255,
			})
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	slog.Info("wrote framebuffer", "path", path, "width", width, "height", height)
	return nil
}
