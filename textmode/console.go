// Package textmode models the 80x25 VGA-style text screen a GPU driver hands
// the display back to when no graphics mode is active. Cells are packed the
// way VGA text memory packs them: low byte is the character, high byte is the
// attribute.
package textmode

import "fmt"

const (
	Columns = 80
	Rows    = 25
	Cells   = Columns * Rows
)

// Console is a text screen the driver can snapshot and restore around mode
// switches. Both calls operate on a full screen of packed cells.
type Console interface {
	// CopyOut reads the current screen contents into buf.
	CopyOut(buf []uint16) error

	// CopyIn replaces the screen contents with buf.
	CopyIn(buf []uint16) error
}

// Pack builds a cell from a character byte and a VGA attribute byte.
func Pack(ch, attr uint8) uint16 {
	return uint16(ch) | uint16(attr)<<8
}

// Unpack splits a cell into its character and attribute bytes.
func Unpack(cell uint16) (ch, attr uint8) {
	return uint8(cell), uint8(cell >> 8)
}

func checkSize(buf []uint16) error {
	if len(buf) != Cells {
		return fmt.Errorf("textmode: buffer holds %d cells, want %d", len(buf), Cells)
	}
	return nil
}
