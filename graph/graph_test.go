package graph

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fusilli-go/fusilli/attributes"
	"github.com/fusilli-go/fusilli/dtype"
	"github.com/fusilli-go/fusilli/runtime"
)

func newTestContext() *attributes.Context {
	return attributes.NewContext().
		SetIODataType(dtype.Float).
		SetIntermediateDataType(dtype.Float).
		SetComputeDataType(dtype.Float)
}

// TestConvFPropOnesEmission exercises the 1x1-all-ones forward
// convolution scenario: a 1x1 filter (a single spatial position), unit
// stride, no padding/dilation, so the output dim formula collapses to
// the input dim, and emission produces a torch.aten.conv2d call.
func TestConvFPropOnesEmission(t *testing.T) {
	g := New("conv_fprop_ones")
	*g.Context() = *newTestContext()

	x := g.Tensor(attributes.NewTensorAttr().SetName("X").
		SetDim([]int64{1, 1, 4, 4}).SetStride(attributes.ContiguousStrides([]int64{1, 1, 4, 4})).SetDataType(dtype.Float))
	w := g.Tensor(attributes.NewTensorAttr().SetName("W").
		SetDim([]int64{1, 1, 1, 1}).SetStride(attributes.ContiguousStrides([]int64{1, 1, 1, 1})).SetDataType(dtype.Float))

	conv := attributes.NewConvAttr().SetPadding([]int64{0, 0}).SetStride([]int64{1, 1}).SetDilation([]int64{1, 1})
	y := g.ConvFProp(conv, x, w)
	g.MarkOutput(y)

	require.NoError(t, g.Validate())
	require.Equal(t, []int64{1, 1, 4, 4}, y.Dim)

	asm := g.EmitASM()
	require.Contains(t, asm, "torch.aten.conv2d")
	require.Contains(t, asm, "torch.overwrite.tensor.contents")
	require.Contains(t, asm, "func.func @main(")
}

// TestConvWGradWithBiasGraph exercises a filter-gradient node feeding a
// pointwise bias-add, confirming cross-node topological ordering and
// SSA wiring between two nodes.
func TestConvWGradWithBiasGraph(t *testing.T) {
	g := New("conv_wgrad_bias")
	*g.Context() = *newTestContext()

	dy := g.Tensor(attributes.NewTensorAttr().SetName("DY").
		SetDim([]int64{1, 1, 4, 4}).SetStride(attributes.ContiguousStrides([]int64{1, 1, 4, 4})).SetDataType(dtype.Float))
	x := g.Tensor(attributes.NewTensorAttr().SetName("X").
		SetDim([]int64{1, 1, 4, 4}).SetStride(attributes.ContiguousStrides([]int64{1, 1, 4, 4})).SetDataType(dtype.Float))

	conv := attributes.NewConvAttr().SetPadding([]int64{0, 0}).SetStride([]int64{1, 1}).SetDilation([]int64{1, 1})
	dw := g.ConvWGrad(conv, dy, x)

	bias := g.Tensor(attributes.NewTensorAttr().SetName("bias").
		SetDim([]int64{1, 1, 4, 4}).SetStride(attributes.ContiguousStrides([]int64{1, 1, 4, 4})).SetDataType(dtype.Float))
	out := g.Pointwise(attributes.NewPointwiseAttr().SetMode(attributes.PointwiseAdd), dw, bias)
	g.MarkOutput(out)

	require.NoError(t, g.Validate())
	require.Len(t, g.nodes, 2)
	require.IsType(t, &ConvWGradNode{}, g.nodes[0])
	require.IsType(t, &PointwiseNode{}, g.nodes[1])

	asm := g.EmitASM()
	require.Contains(t, asm, "torch.aten.convolution_backward")
	require.Contains(t, asm, "torch.aten.add.Tensor")
}

// TestMatmulBatchedWithBias exercises a batched matmul feeding a
// pointwise add, grounded on the batched-matmul-with-bias scenario.
func TestMatmulBatchedWithBias(t *testing.T) {
	g := New("matmul_bias")
	*g.Context() = *newTestContext()

	a := g.Tensor(attributes.NewTensorAttr().SetName("A").
		SetDim([]int64{2, 3, 4}).SetStride(attributes.ContiguousStrides([]int64{2, 3, 4})).SetDataType(dtype.Float))
	b := g.Tensor(attributes.NewTensorAttr().SetName("B").
		SetDim([]int64{2, 4, 5}).SetStride(attributes.ContiguousStrides([]int64{2, 4, 5})).SetDataType(dtype.Float))
	bias := g.Tensor(attributes.NewTensorAttr().SetName("bias").
		SetDim([]int64{5}).SetStride([]int64{1}).SetDataType(dtype.Float))

	c := g.Matmul(attributes.NewMatmulAttr(), a, b)
	out := g.Pointwise(attributes.NewPointwiseAttr().SetMode(attributes.PointwiseAdd), c, bias)
	g.MarkOutput(out)

	require.NoError(t, g.Validate())
	require.Equal(t, []int64{2, 3, 5}, c.Dim)

	asm := g.EmitASM()
	require.Contains(t, asm, "torch.aten.matmul")
}

// TestMatmulTransposedOperandEmitsPermute exercises TransposeA realized
// via stride swap, which forces a permute wrapper at emission time.
func TestMatmulTransposedOperandEmitsPermute(t *testing.T) {
	g := New("matmul_transposed")
	*g.Context() = *newTestContext()

	a := g.Tensor(attributes.NewTensorAttr().SetName("A").
		SetDim([]int64{3, 4}).SetStride(attributes.ContiguousStrides([]int64{4, 3})).SetDataType(dtype.Float))
	b := g.Tensor(attributes.NewTensorAttr().SetName("B").
		SetDim([]int64{4, 5}).SetStride(attributes.ContiguousStrides([]int64{4, 5})).SetDataType(dtype.Float))

	mm := attributes.NewMatmulAttr().SetTransposeA(true)
	c := g.Matmul(mm, a, b)
	g.MarkOutput(c)

	require.NoError(t, g.Validate())

	asm := g.EmitASM()
	require.Contains(t, asm, "torch.aten.permute")
	require.Contains(t, asm, "_perm")
}

// TestLayerNormTraining2D exercises the training-phase node on a rank-2
// X, which must produce Y, Mean, and InvVariance outputs.
func TestLayerNormTraining2D(t *testing.T) {
	g := New("layernorm_training")
	*g.Context() = *newTestContext()

	x := g.Tensor(attributes.NewTensorAttr().SetName("X").
		SetDim([]int64{2, 8}).SetStride(attributes.ContiguousStrides([]int64{2, 8})).SetDataType(dtype.Float))
	scale := g.Tensor(attributes.NewTensorAttr().SetName("scale").
		SetDim([]int64{8}).SetStride([]int64{1}).SetDataType(dtype.Float))
	bias := g.Tensor(attributes.NewTensorAttr().SetName("bias").
		SetDim([]int64{8}).SetStride([]int64{1}).SetDataType(dtype.Float))

	attr := attributes.NewLayerNormAttr().SetPhase(attributes.LayerNormTraining).SetEpsilon(1e-5)
	y, mean, invVar := g.LayerNorm(attr, x, scale, bias)
	require.NotNil(t, mean)
	require.NotNil(t, invVar)
	g.MarkOutput(y)
	g.MarkOutput(mean)
	g.MarkOutput(invVar)

	require.NoError(t, g.Validate())

	asm := g.EmitASM()
	require.Contains(t, asm, "torch.aten.native_layer_norm")
	require.Contains(t, asm, "torch.constant.float")
}

// TestLayerNormTrainingChannelsLastOutputPermute exercises a
// channels-last (NHWC) X/Y pair: the declared module-signature type must
// use the physical (channels-last) shape while the op body computes in
// logical order, and the non-contiguous Y output must get an inverse
// (forward logical-to-physical) permute wrapper before its overwrite,
// mirroring original_source's
// test_layernorm_train_asm_emitter_scale_bias_nhwc.cpp lit test.
func TestLayerNormTrainingChannelsLastOutputPermute(t *testing.T) {
	g := New("layernorm_nhwc")
	*g.Context() = *newTestContext()

	dim := []int64{2, 3, 4, 5}
	stride, err := attributes.ChannelsLastStrides(dim)
	require.NoError(t, err)

	x := g.Tensor(attributes.NewTensorAttr().SetName("X").
		SetDim(dim).SetStride(stride).SetDataType(dtype.Float))
	scale := g.Tensor(attributes.NewTensorAttr().SetName("scale").
		SetDim([]int64{3}).SetStride([]int64{1}).SetDataType(dtype.Float))
	bias := g.Tensor(attributes.NewTensorAttr().SetName("bias").
		SetDim([]int64{3}).SetStride([]int64{1}).SetDataType(dtype.Float))

	attr := attributes.NewLayerNormAttr().SetPhase(attributes.LayerNormTraining).SetEpsilon(1e-5)
	y, mean, invVar := g.LayerNorm(attr, x, scale, bias)
	g.MarkOutput(y)
	g.MarkOutput(mean)
	g.MarkOutput(invVar)

	require.NoError(t, g.Validate())
	require.True(t, y.IsChannelsLast())

	asm := g.EmitASM()
	// Signature arguments declare the physical (channels-last) shape.
	require.Contains(t, asm, "%X: !torch.vtensor<[2,4,5,3],f32>")
	require.Contains(t, asm, fmt.Sprintf("%s: !torch.tensor<[2,4,5,3],f32>", "%"+y.Name))
	// X is permuted into logical order before native_layer_norm consumes it.
	require.Contains(t, asm, "_perm")
	// Y is permuted back into physical order before its overwrite.
	require.Contains(t, asm, "_outperm")
	require.Contains(t, asm, "torch.aten.native_layer_norm")
}

// TestDuplicateSSANameRejected confirms two distinct tensors sharing a
// name fail validation.
func TestDuplicateSSANameRejected(t *testing.T) {
	g := New("dup_names")
	*g.Context() = *newTestContext()

	x := g.Tensor(attributes.NewTensorAttr().SetName("dup").
		SetDim([]int64{2}).SetStride([]int64{1}).SetDataType(dtype.Float))
	y := g.Tensor(attributes.NewTensorAttr().SetName("dup").
		SetDim([]int64{2}).SetStride([]int64{1}).SetDataType(dtype.Float))

	out := g.Pointwise(attributes.NewPointwiseAttr().SetMode(attributes.PointwiseAdd), x, y)
	g.MarkOutput(out)

	err := g.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate SSA name")
}

// TestReductionRequiresOutDimPreset confirms the caller must pre-set
// Out's shape to indicate which axes are reduced.
func TestReductionRequiresOutDimPreset(t *testing.T) {
	g := New("reduction_missing_dim")
	*g.Context() = *newTestContext()

	x := g.Tensor(attributes.NewTensorAttr().SetName("X").
		SetDim([]int64{2, 4}).SetStride(attributes.ContiguousStrides([]int64{2, 4})).SetDataType(dtype.Float))
	out := g.Reduction(attributes.NewReductionAttr().SetMode(attributes.ReductionSum), x, nil)
	g.MarkOutput(out)

	err := g.Validate()
	require.Error(t, err)
}

func TestReductionSumEmission(t *testing.T) {
	g := New("reduction_sum")
	*g.Context() = *newTestContext()

	x := g.Tensor(attributes.NewTensorAttr().SetName("X").
		SetDim([]int64{2, 4}).SetStride(attributes.ContiguousStrides([]int64{2, 4})).SetDataType(dtype.Float))
	out := g.Reduction(attributes.NewReductionAttr().SetMode(attributes.ReductionSum), x, []int64{2, 1})
	g.MarkOutput(out)

	require.NoError(t, g.Validate())
	asm := g.EmitASM()
	require.Contains(t, asm, "torch.aten.sum.dim_IntList")
}

func TestCustomOpTemplateSubstitution(t *testing.T) {
	g := New("custom_op")
	*g.Context() = *newTestContext()

	x := g.Tensor(attributes.NewTensorAttr().SetName("X").
		SetDim([]int64{4}).SetStride([]int64{1}).SetDataType(dtype.Float))

	attr := attributes.NewCustomOpAttr().
		SetMLIRTemplate("func.func private @{FUNC_NAME}(%a: tensor<{IN0_DTYPE}>) -> tensor<{OUT0_DTYPE}>").
		SetOutputCount(1)
	outs := g.CustomOp(attr, []*attributes.TensorAttr{x})
	require.Len(t, outs, 1)
	g.MarkOutput(outs[0])

	require.NoError(t, g.Validate())
	asm := g.EmitASM()
	require.Contains(t, asm, "custom_op_")
	require.NotContains(t, asm, "{FUNC_NAME}")
}

// TestExecuteOrdersBuffersAndWorkspace white-box-tests Execute's ABI
// wiring against a fake VMContext, bypassing Compile (which requires a
// real IREE compiler/runtime, out of scope for this module).
func TestExecuteOrdersBuffersAndWorkspace(t *testing.T) {
	g := New("execute_order")
	*g.Context() = *newTestContext()

	x := g.Tensor(attributes.NewTensorAttr().SetName("X").
		SetDim([]int64{2}).SetStride([]int64{1}).SetDataType(dtype.Float))
	out := g.Pointwise(attributes.NewPointwiseAttr().SetMode(attributes.PointwiseReluFwd), x, nil)
	g.MarkOutput(out)
	require.NoError(t, g.Validate())

	size := uint64(256)
	fake := &fakeVMContext{}
	g.vmContext = fake
	g.entryFunc = "main"
	g.workspaceSize = &size
	g.compiled = true

	runtime.SetDefaultRuntime(&fakeNativeRuntime{})
	h := runtime.Handle{Backend: runtime.CPU}
	outBuf, err := runtime.Allocate(h, []float32{0, 0})
	require.NoError(t, err)
	inBuf, err := runtime.Allocate(h, []float32{1, 2})
	require.NoError(t, err)
	wsBuf, err := runtime.AllocateRaw(h, 256)
	require.NoError(t, err)

	pack := VariantPack{out.Name: outBuf, x.Name: inBuf}
	require.NoError(t, g.Execute(h, pack, wsBuf))
	require.Len(t, fake.buffers, 2)
	require.Same(t, outBuf, fake.buffers[0])
	require.Same(t, inBuf, fake.buffers[1])
	require.Same(t, wsBuf, fake.workspace)
	require.True(t, fake.invoked)
}

func TestExecuteRequiresCompiled(t *testing.T) {
	g := New("not_compiled")
	err := g.Execute(runtime.Handle{}, VariantPack{}, nil)
	require.Error(t, err)
}

func TestGetWorkspaceSizeRequiresCompiled(t *testing.T) {
	g := New("not_compiled_ws")
	_, err := g.GetWorkspaceSize()
	require.Error(t, err)
}

func TestCompileRequiresValidated(t *testing.T) {
	g := New("not_validated")
	err := g.Compile(runtime.Handle{}, true)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "NotValidated") || strings.Contains(err.Error(), "validated"))
}

type fakeVMContext struct {
	buffers   []*runtime.Buffer
	workspace *runtime.Buffer
	invoked   bool
}

func (f *fakeVMContext) HasFunction(name string) bool { return name == "main" }
func (f *fakeVMContext) FunctionAttr(funcName, attrName string) (string, bool) {
	return "", false
}
func (f *fakeVMContext) Invoke(funcName string, inputs []*runtime.Buffer, workspace *runtime.Buffer, async bool) error {
	f.invoked = true
	f.buffers = inputs
	f.workspace = workspace
	return nil
}
func (f *fakeVMContext) Close() error { return nil }

// fakeNativeRuntime/fakeNativeInstance/fakeNativeDevice/fakeNativeBuffer
// stand in for the out-of-scope IREE runtime library so Execute's buffer
// plumbing can be exercised, mirroring runtime/handle_test.go's own
// fakeRuntime family in the separate runtime package test binary.
type fakeNativeBuffer struct{ data []byte }

func (b *fakeNativeBuffer) Read(out []byte) error { copy(out, b.data); return nil }
func (b *fakeNativeBuffer) Close() error           { return nil }
func (b *fakeNativeBuffer) Write(in []byte) error  { b.data = append([]byte(nil), in...); return nil }

type fakeNativeDevice struct{}

func (d *fakeNativeDevice) Close() error { return nil }
func (d *fakeNativeDevice) AllocateBuffer(sizeBytes int) (runtime.NativeBuffer, error) {
	return &fakeNativeBuffer{data: make([]byte, sizeBytes)}, nil
}
func (d *fakeNativeDevice) ImportBuffer(view []byte) (runtime.NativeBuffer, error) {
	return &fakeNativeBuffer{data: view}, nil
}

type fakeNativeInstance struct{}

func (i *fakeNativeInstance) CreateDevice(halDriver string, deviceID int) (runtime.NativeDevice, error) {
	return &fakeNativeDevice{}, nil
}
func (i *fakeNativeInstance) Close() error { return nil }

type fakeNativeRuntime struct{}

func (r *fakeNativeRuntime) CreateInstance() (runtime.NativeInstance, error) {
	return &fakeNativeInstance{}, nil
}
