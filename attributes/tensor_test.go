package attributes_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fusilli-go/fusilli/attributes"
	"github.com/fusilli-go/fusilli/dtype"
)

func TestContiguousStrides(t *testing.T) {
	strides := attributes.ContiguousStrides([]int64{4, 8, 8, 8})
	require.Equal(t, []int64{512, 64, 8, 1}, strides)
}

func TestIsContiguous(t *testing.T) {
	ta := attributes.NewTensorAttr().SetDim([]int64{2, 3, 4}).SetStride([]int64{12, 4, 1})
	require.True(t, ta.IsContiguous())

	ta2 := attributes.NewTensorAttr().SetDim([]int64{2, 3, 4}).SetStride([]int64{1, 2, 6})
	require.False(t, ta2.IsContiguous())
}

func TestChannelsLastStridesAndDetection(t *testing.T) {
	strides, err := attributes.ChannelsLastStrides([]int64{4, 8, 8, 8})
	require.NoError(t, err)
	// channel axis (1) has unit stride
	require.Equal(t, int64(1), strides[1])

	ta := attributes.NewTensorAttr().SetDim([]int64{4, 8, 8, 8}).SetStride(strides)
	require.True(t, ta.IsChannelsLast())
	require.False(t, ta.IsContiguous())
}

func TestGetPhysicalDimAndVolume(t *testing.T) {
	strides, err := attributes.ChannelsLastStrides([]int64{4, 8, 8, 8})
	require.NoError(t, err)
	ta := attributes.NewTensorAttr().SetDim([]int64{4, 8, 8, 8}).SetStride(strides)
	phys := ta.GetPhysicalDim()
	require.Len(t, phys, 4)
	require.Equal(t, int64(4*8*8*8), ta.GetVolume())
}

func TestValidateZeroDim(t *testing.T) {
	ta := attributes.NewTensorAttr().SetName("x").SetDim([]int64{0, 2}).SetStride([]int64{2, 1})
	err := ta.Validate()
	require.Error(t, err)
}

func TestValidateOutputAndVirtualConflict(t *testing.T) {
	ta := attributes.NewTensorAttr().SetName("y").SetDim([]int64{2}).SetStride([]int64{1}).SetOutput(true).SetIsVirtual(true)
	require.Error(t, ta.Validate())
}

func TestValidateNonVirtualRequiresName(t *testing.T) {
	ta := attributes.NewTensorAttr().SetDim([]int64{2}).SetStride([]int64{1})
	require.Error(t, ta.Validate())
}

func TestFillFromContext(t *testing.T) {
	ctx := attributes.NewContext().SetIODataType(dtype.Float).SetIntermediateDataType(dtype.Half)

	input := attributes.NewTensorAttr().SetName("x").SetDim([]int64{1}).SetStride([]int64{1})
	input.FillFromContext(ctx)
	require.Equal(t, dtype.Float, input.DataType)

	virt := attributes.NewTensorAttr().SetIsVirtual(true).SetDim([]int64{1}).SetStride([]int64{1})
	virt.FillFromContext(ctx)
	require.Equal(t, dtype.Half, virt.DataType)
}

func TestNewScalarTensorAttr(t *testing.T) {
	s := attributes.NewScalarTensorAttr(3.14, dtype.Float)
	require.True(t, s.IsScalar)
	require.Equal(t, []int64{1}, s.Dim)
	// The constructor leaves the scalar non-virtual, which Validate rejects.
	require.Error(t, s.Validate())
}
