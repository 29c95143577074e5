package emu

// FailNext arranges for the next command of the given type to fail with the
// given response code instead of being processed. One-shot.
func (g *GPU) FailNext(cmdType, respCode uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext[cmdType] = respCode
}

// Trace returns the types of every control command processed so far, in
// order.
func (g *GPU) Trace() []uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]uint32, len(g.trace))
	copy(out, g.trace)
	return out
}

// ResetTrace discards the recorded command trace.
func (g *GPU) ResetTrace() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trace = nil
}

// ResourceCount returns how many host-side resources currently exist.
func (g *GPU) ResourceCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.resources)
}

// ScanoutResource returns the resource bound to a scanout, or 0 if the
// scanout is disabled.
func (g *GPU) ScanoutResource(scanoutID int) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if scanoutID < 0 || scanoutID >= len(g.scanoutState) {
		return 0
	}
	if !g.scanoutState[scanoutID].enabled {
		return 0
	}
	return g.scanoutState[scanoutID].resourceID
}

// Framebuffer returns a copy of the host-side pixels of the resource bound to
// the given scanout, with its width and height. ok is false when the scanout
// is disabled.
func (g *GPU) Framebuffer(scanoutID int) (pixels []byte, width, height uint32, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if scanoutID < 0 || scanoutID >= len(g.scanoutState) || !g.scanoutState[scanoutID].enabled {
		return nil, 0, 0, false
	}
	res, exists := g.resources[g.scanoutState[scanoutID].resourceID]
	if !exists {
		return nil, 0, 0, false
	}
	pixels = make([]byte, len(res.pixels))
	copy(pixels, res.pixels)
	return pixels, res.width, res.height, true
}

// HasBacking reports whether the given resource currently has guest backing
// attached.
func (g *GPU) HasBacking(resourceID uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	res, exists := g.resources[resourceID]
	return exists && len(res.backing) > 0
}
