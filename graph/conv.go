package graph

import (
	"fmt"
	"strings"

	"github.com/fusilli-go/fusilli/attributes"
	"github.com/fusilli-go/fusilli/emit"
	ferrors "github.com/fusilli-go/fusilli/errors"
)

// convOutputDim computes one spatial output dimension (spec.md §4.4
// ConvFProp "Inference"): floor((in + 2*pad - dilation*(filt-1) - 1) /
// stride) + 1.
func convOutputDim(in, pad, dilation, filt, stride int64) int64 {
	return (in+2*pad-dilation*(filt-1)-1)/stride + 1
}

// checkSymmetricPadding rejects asymmetric padding (DESIGN.md Open
// Question 3): the core's ConvAttr cannot represent it, so it is a hard
// validation error rather than a silent truncation.
func checkSymmetricPadding(nodeName string, a *attributes.ConvAttr) error {
	for i := range a.Padding {
		if a.Padding[i] != a.PostPadding[i] {
			return ferrors.New(ferrors.InvalidAttribute, "%s: asymmetric padding is not supported (padding[%d]=%d, post_padding[%d]=%d)", nodeName, i, a.Padding[i], i, a.PostPadding[i])
		}
	}
	return nil
}

// ConvFPropNode implements forward convolution (spec.md §4.4
// "ConvFProp").
type ConvFPropNode struct {
	Attr   *attributes.ConvAttr
	X, W   *attributes.TensorAttr
	Y      *attributes.TensorAttr
	ctx    *attributes.Context
}

func (n *ConvFPropNode) Name() string { return n.Attr.Name }

func (n *ConvFPropNode) PreValidate() error {
	if err := requireSet(n.Name(), map[string]*attributes.TensorAttr{"X": n.X, "W": n.W, "Y": n.Y}); err != nil {
		return err
	}
	if len(n.Attr.Padding) == 0 || len(n.Attr.Stride) == 0 || len(n.Attr.Dilation) == 0 {
		return ferrors.New(ferrors.AttributeNotSet, "%s: padding/stride/dilation must be set", n.Name())
	}
	return nil
}

func (n *ConvFPropNode) InferProperties() error {
	if n.Y.DataType == 0 {
		n.Y.FillFromContext(n.ctx)
	}
	if len(n.Y.Dim) > 0 {
		return nil
	}
	rank := len(n.X.Dim)
	spatial := rank - 2
	dim := make([]int64, rank)
	dim[0] = n.X.Dim[0]
	dim[1] = n.W.Dim[0]
	for i := 0; i < spatial; i++ {
		dim[2+i] = convOutputDim(n.X.Dim[2+i], n.Attr.Padding[i], n.Attr.Dilation[i], n.W.Dim[2+i], n.Attr.Stride[i])
	}
	n.Y.SetDim(dim)
	if len(n.Y.Stride) == 0 {
		n.Y.SetStride(attributes.ContiguousStrides(dim))
	}
	return nil
}

func (n *ConvFPropNode) PostValidate() error {
	if err := checkSymmetricPadding(n.Name(), n.Attr); err != nil {
		return err
	}
	rank := len(n.X.Dim)
	if rank != 4 && rank != 5 {
		return ferrors.New(ferrors.InvalidAttribute, "%s: expected rank 4 (2D) or 5 (3D), got %d", n.Name(), rank)
	}
	if !ranksMatch(rank, n.W, n.Y) {
		return ferrors.New(ferrors.InvalidAttribute, "%s: X/W/Y ranks must match", n.Name())
	}
	groups := n.X.Dim[1] / n.W.Dim[1]
	if groups == 0 || n.X.Dim[1]%n.W.Dim[1] != 0 {
		return ferrors.New(ferrors.InvalidAttribute, "%s: X.channels must be a positive multiple of W.channels", n.Name())
	}
	if n.W.Dim[0]%groups != 0 {
		return ferrors.New(ferrors.InvalidAttribute, "%s: W.out_channels incompatible with groups", n.Name())
	}
	return nil
}

func (n *ConvFPropNode) EmitModuleScopeASM(graphName string) string { return "" }

func (n *ConvFPropNode) EmitPreASM(graphName string) string {
	var b strings.Builder
	for _, t := range []*attributes.TensorAttr{n.X, n.W} {
		if emit.NeedsPermutation(t) {
			b.WriteString(emit.EmitPermute(t, n.Name()))
		}
	}
	return b.String()
}

func (n *ConvFPropNode) EmitPostASM(graphName string) string {
	resultName := fmt.Sprintf("%%%s_result", n.Name())
	var b strings.Builder
	fmt.Fprintf(&b, "    %s = torch.aten.conv2d %s, %s, %s, %s, %s, %s, %s : %s, %s, !torch.none, !torch.list<int>, !torch.list<int>, !torch.list<int>, !torch.int -> %s\n",
		resultName, emit.OperandName(n.X, n.Name(), graphName), emit.OperandName(n.W, n.Name(), graphName),
		intList(n.Attr.Stride), intList(n.Attr.Padding), intList(n.Attr.Dilation), "1",
		emit.LogicalVTensorType(n.X), emit.LogicalVTensorType(n.W), emit.LogicalVTensorType(n.Y))
	emitOverwriteOutput(&b, n.Y, n.Name(), resultName)
	return b.String()
}

func (n *ConvFPropNode) InputTensors() []*attributes.TensorAttr  { return []*attributes.TensorAttr{n.X, n.W} }
func (n *ConvFPropNode) OutputTensors() []*attributes.TensorAttr { return []*attributes.TensorAttr{n.Y} }

func intList(vals []int64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ConvWGradNode implements the weight-gradient convolution (spec.md
// §4.4 "ConvWGrad"): DY, X -> DW, via convolution_backward selecting
// only the filter-gradient output.
type ConvWGradNode struct {
	Attr    *attributes.ConvAttr
	DY, X   *attributes.TensorAttr
	DW      *attributes.TensorAttr
	ctx     *attributes.Context
}

func (n *ConvWGradNode) Name() string { return n.Attr.Name }

func (n *ConvWGradNode) PreValidate() error {
	return requireSet(n.Name(), map[string]*attributes.TensorAttr{"DY": n.DY, "X": n.X, "DW": n.DW})
}

func (n *ConvWGradNode) InferProperties() error {
	if n.DW.DataType == 0 {
		n.DW.FillFromContext(n.ctx)
	}
	if len(n.DW.Dim) == 0 {
		rank := len(n.X.Dim)
		dim := make([]int64, rank)
		dim[0] = n.DY.Dim[1]
		dim[1] = n.X.Dim[1]
		spatial := rank - 2
		for i := 0; i < spatial; i++ {
			dim[2+i] = n.X.Dim[2+i] - n.DY.Dim[2+i] + 1
		}
		n.DW.SetDim(dim)
		n.DW.SetStride(attributes.ContiguousStrides(dim))
	}
	return nil
}

func (n *ConvWGradNode) PostValidate() error {
	if err := checkSymmetricPadding(n.Name(), n.Attr); err != nil {
		return err
	}
	rank := len(n.X.Dim)
	if rank != 4 && rank != 5 {
		return ferrors.New(ferrors.InvalidAttribute, "%s: expected rank 4 or 5, got %d", n.Name(), rank)
	}
	return nil
}

func (n *ConvWGradNode) EmitModuleScopeASM(graphName string) string { return "" }

func (n *ConvWGradNode) EmitPreASM(graphName string) string {
	var b strings.Builder
	for _, t := range []*attributes.TensorAttr{n.DY, n.X} {
		if emit.NeedsPermutation(t) {
			b.WriteString(emit.EmitPermute(t, n.Name()))
		}
	}
	return b.String()
}

func (n *ConvWGradNode) EmitPostASM(graphName string) string {
	resultName := fmt.Sprintf("%%%s_result", n.Name())
	var b strings.Builder
	fmt.Fprintf(&b, "    %s = torch.aten.convolution_backward %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s : %s, %s -> !torch.none, %s, !torch.none\n",
		resultName, emit.OperandName(n.DY, n.Name(), graphName), emit.OperandName(n.X, n.Name(), graphName), "!torch.none",
		intList(n.Attr.Stride), intList(n.Attr.Padding), intList(n.Attr.Dilation), "false", intList([]int64{0, 0}), "1",
		"[false,true,false]", emit.LogicalVTensorType(n.DY), emit.LogicalVTensorType(n.X), emit.LogicalVTensorType(n.DW))
	emitOverwriteOutput(&b, n.DW, n.Name(), resultName)
	return b.String()
}

func (n *ConvWGradNode) InputTensors() []*attributes.TensorAttr {
	return []*attributes.TensorAttr{n.DY, n.X}
}
func (n *ConvWGradNode) OutputTensors() []*attributes.TensorAttr {
	return []*attributes.TensorAttr{n.DW}
}

// ConvDGradNode implements the data-gradient convolution (spec.md §4.4
// "ConvDGrad"): DY, W -> DX.
type ConvDGradNode struct {
	Attr    *attributes.ConvAttr
	DY, W   *attributes.TensorAttr
	DX      *attributes.TensorAttr
	ctx     *attributes.Context
}

func (n *ConvDGradNode) Name() string { return n.Attr.Name }

func (n *ConvDGradNode) PreValidate() error {
	return requireSet(n.Name(), map[string]*attributes.TensorAttr{"DY": n.DY, "W": n.W, "DX": n.DX})
}

func (n *ConvDGradNode) InferProperties() error {
	if n.DX.DataType == 0 {
		n.DX.FillFromContext(n.ctx)
	}
	if len(n.DX.Dim) == 0 {
		rank := len(n.DY.Dim)
		dim := make([]int64, rank)
		dim[0] = n.DY.Dim[0]
		dim[1] = n.W.Dim[1]
		spatial := rank - 2
		for i := 0; i < spatial; i++ {
			dim[2+i] = (n.DY.Dim[2+i]-1)*n.Attr.Stride[i] - 2*n.Attr.Padding[i] + n.Attr.Dilation[i]*(n.W.Dim[2+i]-1) + 1
		}
		n.DX.SetDim(dim)
		n.DX.SetStride(attributes.ContiguousStrides(dim))
	}
	return nil
}

func (n *ConvDGradNode) PostValidate() error {
	if err := checkSymmetricPadding(n.Name(), n.Attr); err != nil {
		return err
	}
	rank := len(n.DY.Dim)
	if rank != 4 && rank != 5 {
		return ferrors.New(ferrors.InvalidAttribute, "%s: expected rank 4 or 5, got %d", n.Name(), rank)
	}
	return nil
}

func (n *ConvDGradNode) EmitModuleScopeASM(graphName string) string { return "" }

func (n *ConvDGradNode) EmitPreASM(graphName string) string {
	var b strings.Builder
	for _, t := range []*attributes.TensorAttr{n.DY, n.W} {
		if emit.NeedsPermutation(t) {
			b.WriteString(emit.EmitPermute(t, n.Name()))
		}
	}
	return b.String()
}

func (n *ConvDGradNode) EmitPostASM(graphName string) string {
	resultName := fmt.Sprintf("%%%s_result", n.Name())
	var b strings.Builder
	fmt.Fprintf(&b, "    %s = torch.aten.convolution_backward %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s : %s, %s -> %s, !torch.none, !torch.none\n",
		resultName, emit.OperandName(n.DY, n.Name(), graphName), "!torch.none", emit.OperandName(n.W, n.Name(), graphName),
		intList(n.Attr.Stride), intList(n.Attr.Padding), intList(n.Attr.Dilation), "false", intList([]int64{0, 0}), "1",
		"[true,false,false]", emit.LogicalVTensorType(n.DY), emit.LogicalVTensorType(n.W), emit.LogicalVTensorType(n.DX))
	emitOverwriteOutput(&b, n.DX, n.Name(), resultName)
	return b.String()
}

func (n *ConvDGradNode) InputTensors() []*attributes.TensorAttr {
	return []*attributes.TensorAttr{n.DY, n.W}
}
func (n *ConvDGradNode) OutputTensors() []*attributes.TensorAttr {
	return []*attributes.TensorAttr{n.DX}
}
