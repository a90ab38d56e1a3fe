package dtype_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fusilli-go/fusilli/dtype"
)

func TestFloat16RoundTrip(t *testing.T) {
	cases := []float32{0, 1, -1, 0.5, 2, 65504, -65504, 1.0 / 3.0}
	for _, f := range cases {
		h := dtype.Float32ToFloat16(f)
		got := dtype.Float16ToFloat32(h)
		require.InDelta(t, float64(f), float64(got), 0.01, "value %v", f)
	}
}

func TestFloat16ZeroAndSign(t *testing.T) {
	require.Equal(t, float32(0), dtype.Float16ToFloat32(dtype.Float32ToFloat16(0)))
	neg := dtype.Float32ToFloat16(float32(math.Copysign(0, -1)))
	require.Equal(t, uint16(0x8000), neg)
}

func TestBFloat16RoundTrip(t *testing.T) {
	cases := []float32{0, 1, -1, 100.5, -0.125}
	for _, f := range cases {
		b := dtype.Float32ToBFloat16(f)
		got := dtype.BFloat16ToFloat32(b)
		require.InDelta(t, float64(f), float64(got), 0.5, "value %v", f)
	}
}

func TestTorchMLIRType(t *testing.T) {
	require.Equal(t, "f32", dtype.Float.TorchMLIRType())
	require.Equal(t, "bf16", dtype.BFloat16.TorchMLIRType())
	require.Equal(t, "i1", dtype.Boolean.TorchMLIRType())
}

func TestElementSize(t *testing.T) {
	require.Equal(t, 4, dtype.Float.ElementSize())
	require.Equal(t, 2, dtype.Half.ElementSize())
	require.Equal(t, 8, dtype.Double.ElementSize())
	require.Equal(t, 0, dtype.NotSet.ElementSize())
}
