package checkpoint

import (
	"math"

	"github.com/x448/float16"
)

func float16Bits(v float32) uint16 {
	return float16.Fromfloat32(v).Bits()
}

func float16Value(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}

// bfloat16ToFloat32 widens a bfloat16, which is the top half of a float32.
func bfloat16ToFloat32(bf16 uint16) float32 {
	return math.Float32frombits(uint32(bf16) << 16)
}
