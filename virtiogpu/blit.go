package virtiogpu

import (
	"encoding/binary"

	"github.com/tinyrange/virtgpu/gpudev"
)

func saturatingAdd8(a, b uint8) uint8 {
	s := uint16(a) + uint16(b)
	if s > 0xff {
		return 0xff
	}
	return uint8(s)
}

func saturatingSub8(a, b uint8) uint8 {
	if b > a {
		return 0
	}
	return a - b
}

func saturatingMul8(a, b uint8) uint8 {
	p := uint16(a) * uint16(b)
	if p > 0xff {
		return 0xff
	}
	return uint8(p)
}

// saturatingDiv8 treats division by zero as overflow.
func saturatingDiv8(a, b uint8) uint8 {
	if b == 0 {
		return 0xff
	}
	return a / b
}

// applyBlit combines src into the 4-byte framebuffer pixel at dst:
// dst = op(dst, src). Logical ops work on the raw 32-bit value, arithmetic
// ops saturate per channel. Unknown ops behave like BlitCopy.
func applyBlit(dst []byte, src gpudev.Pixel, op gpudev.BitBlitOp) {
	old := binary.LittleEndian.Uint32(dst)
	new_ := src.Raw()

	switch op {
	case gpudev.BlitNot:
		// Complement of the existing pixel; the source is ignored.
		binary.LittleEndian.PutUint32(dst, ^old)
	case gpudev.BlitAnd:
		binary.LittleEndian.PutUint32(dst, old&new_)
	case gpudev.BlitOr:
		binary.LittleEndian.PutUint32(dst, old|new_)
	case gpudev.BlitNand:
		binary.LittleEndian.PutUint32(dst, ^(old & new_))
	case gpudev.BlitNor:
		binary.LittleEndian.PutUint32(dst, ^(old | new_))
	case gpudev.BlitXor:
		binary.LittleEndian.PutUint32(dst, old^new_)
	case gpudev.BlitXnor:
		binary.LittleEndian.PutUint32(dst, ^(old ^ new_))
	case gpudev.BlitPlus:
		for i := 0; i < 4; i++ {
			dst[i] = saturatingAdd8(dst[i], src[i])
		}
	case gpudev.BlitMinus:
		for i := 0; i < 4; i++ {
			dst[i] = saturatingSub8(dst[i], src[i])
		}
	case gpudev.BlitMultiply:
		for i := 0; i < 4; i++ {
			dst[i] = saturatingMul8(dst[i], src[i])
		}
	case gpudev.BlitDivide:
		for i := 0; i < 4; i++ {
			dst[i] = saturatingDiv8(dst[i], src[i])
		}
	default:
		binary.LittleEndian.PutUint32(dst, new_)
	}
}
