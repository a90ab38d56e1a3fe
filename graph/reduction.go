package graph

import (
	"fmt"
	"strings"

	"github.com/fusilli-go/fusilli/attributes"
	"github.com/fusilli-go/fusilli/emit"
	ferrors "github.com/fusilli-go/fusilli/errors"
)

// ReductionNode implements sum/min/max reduction along the user-set
// output shape's singleton axes (spec.md §4.4 "Reduction"): the caller
// communicates which axes to reduce by setting Out's Dim with a 1 in
// each reduced position before validation.
type ReductionNode struct {
	Attr *attributes.ReductionAttr
	X    *attributes.TensorAttr
	Out  *attributes.TensorAttr
	ctx  *attributes.Context
}

func (n *ReductionNode) Name() string { return n.Attr.Name }

func (n *ReductionNode) PreValidate() error {
	if err := requireSet(n.Name(), map[string]*attributes.TensorAttr{"X": n.X, "Out": n.Out}); err != nil {
		return err
	}
	if len(n.Out.Dim) == 0 {
		return ferrors.New(ferrors.AttributeNotSet, "%s: Out.Dim must be set to the desired reduced shape", n.Name())
	}
	return nil
}

func (n *ReductionNode) InferProperties() error {
	if n.Out.DataType == 0 {
		n.Out.FillFromContext(n.ctx)
	}
	if len(n.Out.Stride) == 0 {
		n.Out.SetStride(attributes.ContiguousStrides(n.Out.Dim))
	}
	return nil
}

// reducedAxes returns the indices where Out.Dim is 1 but X.Dim is not.
func (n *ReductionNode) reducedAxes() []int {
	var axes []int
	for i := range n.X.Dim {
		if n.Out.Dim[i] == 1 && n.X.Dim[i] != 1 {
			axes = append(axes, i)
		}
	}
	return axes
}

func (n *ReductionNode) PostValidate() error {
	if !ranksMatch(len(n.X.Dim), n.Out) {
		return ferrors.New(ferrors.InvalidAttribute, "%s: X and Out ranks must match", n.Name())
	}
	for i := range n.X.Dim {
		if n.Out.Dim[i] != 1 && n.Out.Dim[i] != n.X.Dim[i] {
			return ferrors.New(ferrors.InvalidAttribute, "%s: Out.Dim[%d]=%d incompatible with X.Dim[%d]=%d", n.Name(), i, n.Out.Dim[i], i, n.X.Dim[i])
		}
	}
	return nil
}

func (n *ReductionNode) EmitModuleScopeASM(graphName string) string { return "" }

func (n *ReductionNode) EmitPreASM(graphName string) string {
	if emit.NeedsPermutation(n.X) {
		return emit.EmitPermute(n.X, n.Name())
	}
	return ""
}

func (n *ReductionNode) dimsListASM(resultName string, axes []int) (string, string) {
	listName := fmt.Sprintf("%%%s_dims", n.Name())
	var b strings.Builder
	consts := make([]string, len(axes))
	for i, a := range axes {
		cName := fmt.Sprintf("%s_%d", listName, i)
		fmt.Fprintf(&b, "    %s = torch.constant.int %d\n", cName, a)
		consts[i] = cName
	}
	typelist := strings.Repeat("!torch.int, ", len(axes))
	if len(typelist) > 0 {
		typelist = typelist[:len(typelist)-2]
	}
	fmt.Fprintf(&b, "    %s = torch.prim.ListConstruct %s : (%s) -> !torch.list<int>\n", listName, strings.Join(consts, ", "), typelist)
	return b.String(), listName
}

func (n *ReductionNode) EmitPostASM(graphName string) string {
	axes := n.reducedAxes()
	preamble, listName := n.dimsListASM("", axes)
	resultName := fmt.Sprintf("%%%s_result", n.Name())
	var b strings.Builder
	b.WriteString(preamble)
	keepdimName := fmt.Sprintf("%%%s_keepdim", n.Name())
	fmt.Fprintf(&b, "    %s = torch.constant.bool true\n", keepdimName)
	fmt.Fprintf(&b, "    %s = %s %s, %s, %s : %s, !torch.list<int>, !torch.bool -> %s\n",
		resultName, n.Attr.Mode.TorchOp(), emit.OperandName(n.X, n.Name(), graphName), listName, keepdimName, emit.LogicalVTensorType(n.X), emit.LogicalVTensorType(n.Out))
	emitOverwriteOutput(&b, n.Out, n.Name(), resultName)
	return b.String()
}

func (n *ReductionNode) InputTensors() []*attributes.TensorAttr  { return []*attributes.TensorAttr{n.X} }
func (n *ReductionNode) OutputTensors() []*attributes.TensorAttr { return []*attributes.TensorAttr{n.Out} }
