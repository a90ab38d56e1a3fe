package graph

import (
	"fmt"
	"strings"

	"github.com/fusilli-go/fusilli/attributes"
	"github.com/fusilli-go/fusilli/emit"
	ferrors "github.com/fusilli-go/fusilli/errors"
)

// LayerNormNode implements layer normalization, training or inference
// (spec.md §4.4 "LayerNorm"). Training additionally produces Mean and
// InvVariance outputs with shape [B,1,1,...] (one entry per leading
// dim, rest collapsed to 1).
type LayerNormNode struct {
	Attr               *attributes.LayerNormAttr
	X, Scale, Bias     *attributes.TensorAttr
	Y                  *attributes.TensorAttr
	Mean, InvVariance  *attributes.TensorAttr
	ctx                *attributes.Context
}

func (n *LayerNormNode) Name() string { return n.Attr.Name }

func (n *LayerNormNode) PreValidate() error {
	if err := requireSet(n.Name(), map[string]*attributes.TensorAttr{"X": n.X, "Scale": n.Scale, "Bias": n.Bias, "Y": n.Y}); err != nil {
		return err
	}
	if n.Attr.Phase == attributes.LayerNormTraining {
		if n.Mean == nil || n.InvVariance == nil {
			return ferrors.New(ferrors.AttributeNotSet, "%s: training phase requires Mean and InvVariance outputs", n.Name())
		}
	} else if n.Mean != nil || n.InvVariance != nil {
		return ferrors.New(ferrors.InvalidAttribute, "%s: inference phase forbids Mean/InvVariance outputs", n.Name())
	}
	return nil
}

func (n *LayerNormNode) InferProperties() error {
	if n.Y.DataType == 0 {
		n.Y.FillFromContext(n.ctx)
	}
	if len(n.Y.Dim) == 0 {
		n.Y.SetDim(n.X.Dim)
		n.Y.SetStride(n.X.Stride)
	}
	if n.Attr.Phase == attributes.LayerNormTraining {
		statDim := make([]int64, len(n.X.Dim))
		statDim[0] = n.X.Dim[0]
		for i := 1; i < len(statDim); i++ {
			statDim[i] = 1
		}
		if n.Mean.DataType == 0 {
			n.Mean.FillFromContext(n.ctx)
		}
		if n.InvVariance.DataType == 0 {
			n.InvVariance.FillFromContext(n.ctx)
		}
		if len(n.Mean.Dim) == 0 {
			n.Mean.SetDim(statDim).SetStride(attributes.ContiguousStrides(statDim))
		}
		if len(n.InvVariance.Dim) == 0 {
			n.InvVariance.SetDim(statDim).SetStride(attributes.ContiguousStrides(statDim))
		}
	}
	return nil
}

func (n *LayerNormNode) PostValidate() error {
	rank := len(n.X.Dim)
	if rank < 2 {
		return ferrors.New(ferrors.InvalidAttribute, "%s: X must have rank >= 2, got %d", n.Name(), rank)
	}
	if !n.X.IsContiguous() && !n.X.IsChannelsLast() {
		return ferrors.New(ferrors.NotImplemented, "%s: X must be contiguous or channels-last", n.Name())
	}
	if n.Attr.Epsilon == 0 {
		return ferrors.New(ferrors.AttributeNotSet, "%s: epsilon must be set", n.Name())
	}
	return nil
}

func (n *LayerNormNode) EmitModuleScopeASM(graphName string) string { return "" }

func (n *LayerNormNode) EmitPreASM(graphName string) string {
	var b strings.Builder
	for _, t := range []*attributes.TensorAttr{n.X, n.Scale, n.Bias} {
		if emit.NeedsPermutation(t) {
			b.WriteString(emit.EmitPermute(t, n.Name()))
		}
	}
	return b.String()
}

func (n *LayerNormNode) normalizedShapeList() string {
	dims := n.X.Dim[1:]
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (n *LayerNormNode) EmitPostASM(graphName string) string {
	var b strings.Builder
	resultName := fmt.Sprintf("%%%s_result", n.Name())
	epsConst := fmt.Sprintf("%%%s_eps", n.Name())
	fmt.Fprintf(&b, "    %s = torch.constant.float %v\n", epsConst, n.Attr.Epsilon)

	if n.Attr.Phase == attributes.LayerNormInference {
		fmt.Fprintf(&b, "    %s = torch.aten.layer_norm %s, %s, %s, %s, %s, %s : %s, !torch.list<int>, %s, %s, !torch.float, !torch.bool -> %s\n",
			resultName, emit.OperandName(n.X, n.Name(), graphName), n.normalizedShapeList(), emit.OperandName(n.Scale, n.Name(), graphName), emit.OperandName(n.Bias, n.Name(), graphName), epsConst, "false",
			emit.LogicalVTensorType(n.X), emit.LogicalVTensorType(n.Scale), emit.LogicalVTensorType(n.Bias), emit.LogicalVTensorType(n.Y))
		emitOverwriteOutput(&b, n.Y, n.Name(), resultName)
		return b.String()
	}

	meanName := fmt.Sprintf("%%%s_mean", n.Name())
	rstdName := fmt.Sprintf("%%%s_rstd", n.Name())
	fmt.Fprintf(&b, "    %s, %s, %s = torch.aten.native_layer_norm %s, %s, %s, %s, %s : %s, !torch.list<int>, %s, %s, !torch.float -> %s, %s, %s\n",
		resultName, meanName, rstdName, emit.OperandName(n.X, n.Name(), graphName), n.normalizedShapeList(), emit.OperandName(n.Scale, n.Name(), graphName), emit.OperandName(n.Bias, n.Name(), graphName), epsConst,
		emit.LogicalVTensorType(n.X), emit.LogicalVTensorType(n.Scale), emit.LogicalVTensorType(n.Bias),
		emit.LogicalVTensorType(n.Y), emit.LogicalVTensorType(n.Mean), emit.LogicalVTensorType(n.InvVariance))
	emitOverwriteOutput(&b, n.Y, n.Name(), resultName)
	emitOverwriteOutput(&b, n.Mean, n.Name(), meanName)
	emitOverwriteOutput(&b, n.InvVariance, n.Name(), rstdName)
	return b.String()
}

func (n *LayerNormNode) InputTensors() []*attributes.TensorAttr {
	return []*attributes.TensorAttr{n.X, n.Scale, n.Bias}
}

func (n *LayerNormNode) OutputTensors() []*attributes.TensorAttr {
	if n.Attr.Phase == attributes.LayerNormTraining {
		return []*attributes.TensorAttr{n.Y, n.Mean, n.InvVariance}
	}
	return []*attributes.TensorAttr{n.Y}
}
