package textmode

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// vgaPalette maps the 4-bit VGA color index to the matching ANSI color.
var vgaPalette = [16]ansi.BasicColor{
	ansi.Black,
	ansi.Blue,
	ansi.Green,
	ansi.Cyan,
	ansi.Red,
	ansi.Magenta,
	ansi.Yellow, // VGA brown
	ansi.White,  // VGA light gray
	ansi.BrightBlack,
	ansi.BrightBlue,
	ansi.BrightGreen,
	ansi.BrightCyan,
	ansi.BrightRed,
	ansi.BrightMagenta,
	ansi.BrightYellow,
	ansi.BrightWhite,
}

// VTConsole is a Console rendered onto a VT emulator, optionally mirrored as
// escape sequences to an output writer (e.g. a real terminal). The packed
// cell array is the source of truth; the emulator is the display surface.
type VTConsole struct {
	mu    sync.Mutex
	cells [Cells]uint16
	emu   *vt.SafeEmulator
	out   io.Writer
}

// NewVTConsole builds a VT-backed console. out may be nil to render into the
// emulator only.
func NewVTConsole(out io.Writer) *VTConsole {
	c := &VTConsole{
		emu: vt.NewSafeEmulator(Columns, Rows),
		out: out,
	}
	for i := range c.cells {
		c.cells[i] = Pack(' ', 0x07)
	}
	return c
}

// CopyOut implements Console.
func (c *VTConsole) CopyOut(buf []uint16) error {
	if err := checkSize(buf); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(buf, c.cells[:])
	return nil
}

// CopyIn implements Console: store the cells and repaint the emulator (and
// mirror, if any) with cursor-positioning and SGR sequences.
func (c *VTConsole) CopyIn(buf []uint16) error {
	if err := checkSize(buf); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	copy(c.cells[:], buf)

	var b strings.Builder
	for y := 0; y < Rows; y++ {
		b.WriteString(ansi.CursorPosition(1, y+1))
		lastAttr := -1
		for x := 0; x < Columns; x++ {
			ch, attr := Unpack(c.cells[y*Columns+x])
			if int(attr) != lastAttr {
				b.WriteString(attrStyle(attr))
				lastAttr = int(attr)
			}
			if ch < 0x20 || ch > 0x7e {
				ch = ' '
			}
			b.WriteByte(ch)
		}
	}
	b.WriteString(ansi.ResetStyle)

	seq := b.String()
	if _, err := io.WriteString(c.emu, seq); err != nil {
		return err
	}
	if c.out != nil {
		if _, err := io.WriteString(c.out, seq); err != nil {
			return err
		}
	}
	return nil
}

// CellContent returns the rendered character at (x, y) as the emulator sees
// it, for inspection and tests.
func (c *VTConsole) CellContent(x, y int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	cell := c.emu.CellAt(x, y)
	if cell == nil {
		return ""
	}
	return cell.Content
}

// attrStyle translates a VGA attribute byte into an SGR sequence. The blink
// bit shares storage with the bright-background bit; we read it as bright
// background, which is what most emulators show anyway.
func attrStyle(attr uint8) string {
	fg := vgaPalette[attr&0x0f]
	bg := vgaPalette[attr>>4]
	return ansi.Style{}.ForegroundColor(fg).BackgroundColor(bg).String()
}
