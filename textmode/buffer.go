package textmode

import "sync"

// BufferConsole is an in-memory Console with no display attached. It is the
// default console for headless use and tests.
type BufferConsole struct {
	mu    sync.Mutex
	cells [Cells]uint16
}

// NewBufferConsole returns a console showing a blank screen: spaces with the
// standard light-gray-on-black attribute.
func NewBufferConsole() *BufferConsole {
	c := &BufferConsole{}
	for i := range c.cells {
		c.cells[i] = Pack(' ', 0x07)
	}
	return c
}

// CopyOut implements Console.
func (c *BufferConsole) CopyOut(buf []uint16) error {
	if err := checkSize(buf); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(buf, c.cells[:])
	return nil
}

// CopyIn implements Console.
func (c *BufferConsole) CopyIn(buf []uint16) error {
	if err := checkSize(buf); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.cells[:], buf)
	return nil
}

// Cell returns the cell at (x, y) for inspection.
func (c *BufferConsole) Cell(x, y int) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cells[y*Columns+x]
}
