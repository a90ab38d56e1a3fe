package graph

import (
	"fmt"
	"strings"

	"github.com/fusilli-go/fusilli/attributes"
	"github.com/fusilli-go/fusilli/dtype"
	"github.com/fusilli-go/fusilli/emit"
	ferrors "github.com/fusilli-go/fusilli/errors"
)

// PointwiseNode implements unary/binary elementwise operations (spec.md
// §4.4 "Pointwise"), including the comparison variants that force a
// Boolean output regardless of the input dtype.
type PointwiseNode struct {
	Attr   *attributes.PointwiseAttr
	X, Y   *attributes.TensorAttr // Y is nil for arity-1 modes
	Out    *attributes.TensorAttr
	ctx    *attributes.Context
}

func (n *PointwiseNode) Name() string { return n.Attr.Name }

func (n *PointwiseNode) PreValidate() error {
	required := map[string]*attributes.TensorAttr{"X": n.X, "Out": n.Out}
	if n.Attr.Mode.Arity() == 2 {
		required["Y"] = n.Y
	} else if n.Y != nil {
		return ferrors.New(ferrors.InvalidAttribute, "%s: unary mode must not set a second operand", n.Name())
	}
	return requireSet(n.Name(), required)
}

func (n *PointwiseNode) InferProperties() error {
	if n.Attr.Mode.IsComparison() {
		n.Out.SetDataType(dtype.Boolean)
	} else if n.Out.DataType == 0 {
		n.Out.FillFromContext(n.ctx)
	}
	if len(n.Out.Dim) > 0 {
		return nil
	}
	dim := broadcastShape(n.X, n.Y)
	n.Out.SetDim(dim)
	n.Out.SetStride(attributes.ContiguousStrides(dim))
	return nil
}

// broadcastShape computes the broadcast output shape of x (and
// optionally y) following standard trailing-dimension alignment.
func broadcastShape(x, y *attributes.TensorAttr) []int64 {
	if y == nil {
		return append([]int64(nil), x.Dim...)
	}
	rank := len(x.Dim)
	if len(y.Dim) > rank {
		rank = len(y.Dim)
	}
	dim := make([]int64, rank)
	for i := 0; i < rank; i++ {
		dx, dy := int64(1), int64(1)
		if j := len(x.Dim) - rank + i; j >= 0 {
			dx = x.Dim[j]
		}
		if j := len(y.Dim) - rank + i; j >= 0 {
			dy = y.Dim[j]
		}
		if dx == 1 {
			dim[i] = dy
		} else {
			dim[i] = dx
		}
	}
	return dim
}

func (n *PointwiseNode) PostValidate() error {
	if n.Attr.Mode.Arity() == 2 {
		rankX, rankY := len(n.X.Dim), len(n.Y.Dim)
		nmin := rankX
		if rankY < nmin {
			nmin = rankY
		}
		for i := 0; i < nmin; i++ {
			a := n.X.Dim[rankX-1-i]
			b := n.Y.Dim[rankY-1-i]
			if a != b && a != 1 && b != 1 {
				return ferrors.New(ferrors.InvalidAttribute, "%s: operands are not broadcast-compatible", n.Name())
			}
		}
	}
	return nil
}

func (n *PointwiseNode) EmitModuleScopeASM(graphName string) string { return "" }

func (n *PointwiseNode) EmitPreASM(graphName string) string {
	var b strings.Builder
	operands := []*attributes.TensorAttr{n.X}
	if n.Y != nil {
		operands = append(operands, n.Y)
	}
	for _, t := range operands {
		if emit.NeedsPermutation(t) {
			b.WriteString(emit.EmitPermute(t, n.Name()))
		}
	}
	return b.String()
}

func (n *PointwiseNode) EmitPostASM(graphName string) string {
	resultName := fmt.Sprintf("%%%s_result", n.Name())
	var b strings.Builder
	op := n.Attr.Mode.TorchOp()
	if n.Attr.Mode.Arity() == 1 {
		fmt.Fprintf(&b, "    %s = %s %s : %s -> %s\n", resultName, op, emit.OperandName(n.X, n.Name(), graphName), emit.LogicalVTensorType(n.X), emit.LogicalVTensorType(n.Out))
	} else {
		fmt.Fprintf(&b, "    %s = %s %s, %s : %s, %s -> %s\n",
			resultName, op, emit.OperandName(n.X, n.Name(), graphName), emit.OperandName(n.Y, n.Name(), graphName), emit.LogicalVTensorType(n.X), emit.LogicalVTensorType(n.Y), emit.LogicalVTensorType(n.Out))
	}
	emitOverwriteOutput(&b, n.Out, n.Name(), resultName)
	return b.String()
}

func (n *PointwiseNode) InputTensors() []*attributes.TensorAttr {
	if n.Y != nil {
		return []*attributes.TensorAttr{n.X, n.Y}
	}
	return []*attributes.TensorAttr{n.X}
}

func (n *PointwiseNode) OutputTensors() []*attributes.TensorAttr {
	return []*attributes.TensorAttr{n.Out}
}
