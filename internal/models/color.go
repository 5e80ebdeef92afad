package models

import "image/color"

// ARGB is a packed 32-bit color with alpha in the high byte.
type ARGB uint32

// Transparent is fully transparent black.
const Transparent ARGB = 0

// NewARGB packs four 8-bit channels.
func NewARGB(a, r, g, b uint8) ARGB {
	return ARGB(uint32(a)<<24 | uint32(r)<<16 | uint32(g)<<8 | uint32(b))
}

func (c ARGB) A() uint8 { return uint8(c >> 24) }
func (c ARGB) R() uint8 { return uint8(c >> 16) }
func (c ARGB) G() uint8 { return uint8(c >> 8) }
func (c ARGB) B() uint8 { return uint8(c) }

// NRGBA converts to the non-premultiplied color used by image.NRGBA.
func (c ARGB) NRGBA() color.NRGBA {
	return color.NRGBA{R: c.R(), G: c.G(), B: c.B(), A: c.A()}
}

// VolatileARGB is a color sample that may not have been computed yet.
type VolatileARGB struct {
	Value ARGB
	Valid bool
}

// VolatileLabel is a label sample that may not have been computed yet.
type VolatileLabel struct {
	Value uint16
	Valid bool
}
