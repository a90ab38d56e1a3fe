package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fusilli-go/fusilli/attributes"
	"github.com/fusilli-go/fusilli/emit"
	ferrors "github.com/fusilli-go/fusilli/errors"
)

// CustomOpNode splices a user-supplied MLIR function template into the
// module (spec.md §4.4 "CustomOp") after substituting a fixed set of
// placeholders: {FUNC_NAME}, {IN<i>_DTYPE}, {OUT<i>_DTYPE}. No other
// validation of the template's syntax is performed (DESIGN.md Open
// Question 4): malformed MLIR surfaces only as a compile failure.
type CustomOpNode struct {
	Attr    *attributes.CustomOpAttr
	Inputs  []*attributes.TensorAttr
	Outputs []*attributes.TensorAttr
	ctx     *attributes.Context
}

func (n *CustomOpNode) Name() string { return n.Attr.Name }

func (n *CustomOpNode) PreValidate() error {
	if n.Attr.MLIRTemplate == "" {
		return ferrors.New(ferrors.AttributeNotSet, "%s: MLIR template must not be empty", n.Name())
	}
	if len(n.Inputs) == 0 {
		return ferrors.New(ferrors.AttributeNotSet, "%s: CustomOp requires at least one input", n.Name())
	}
	if len(n.Outputs) != n.Attr.OutputCount {
		return ferrors.New(ferrors.InvalidAttribute, "%s: expected %d outputs, got %d", n.Name(), n.Attr.OutputCount, len(n.Outputs))
	}
	for i, t := range n.Inputs {
		if t == nil || t.IsScalar {
			return ferrors.New(ferrors.InvalidAttribute, "%s: input %d must be a non-scalar tensor", n.Name(), i)
		}
	}
	for i, t := range n.Outputs {
		if t == nil || t.IsScalar {
			return ferrors.New(ferrors.InvalidAttribute, "%s: output %d must be a non-scalar tensor", n.Name(), i)
		}
	}
	return nil
}

func (n *CustomOpNode) InferProperties() error {
	for _, t := range n.Outputs {
		if t.DataType == 0 {
			t.FillFromContext(n.ctx)
		}
	}
	return nil
}

func (n *CustomOpNode) PostValidate() error { return nil }

func (n *CustomOpNode) funcName() string {
	return fmt.Sprintf("custom_op_%s", n.Name())
}

func (n *CustomOpNode) resolvedTemplate() string {
	tmpl := strings.ReplaceAll(n.Attr.MLIRTemplate, "{FUNC_NAME}", n.funcName())
	for i, t := range n.Inputs {
		tmpl = strings.ReplaceAll(tmpl, "{IN"+strconv.Itoa(i)+"_DTYPE}", t.DataType.TorchMLIRType())
	}
	for i, t := range n.Outputs {
		tmpl = strings.ReplaceAll(tmpl, "{OUT"+strconv.Itoa(i)+"_DTYPE}", t.DataType.TorchMLIRType())
	}
	return tmpl
}

func (n *CustomOpNode) EmitModuleScopeASM(graphName string) string {
	return n.resolvedTemplate() + "\n"
}

func (n *CustomOpNode) EmitPreASM(graphName string) string {
	var b strings.Builder
	for _, t := range n.Inputs {
		if emit.NeedsPermutation(t) {
			b.WriteString(emit.EmitPermute(t, n.Name()))
		}
	}
	return b.String()
}

func (n *CustomOpNode) EmitPostASM(graphName string) string {
	var b strings.Builder
	operands := make([]string, len(n.Inputs))
	inTypes := make([]string, len(n.Inputs))
	for i, t := range n.Inputs {
		operands[i] = emit.OperandName(t, n.Name(), graphName)
		inTypes[i] = emit.LogicalVTensorType(t)
	}
	outTypes := make([]string, len(n.Outputs))
	resultNames := make([]string, len(n.Outputs))
	for i, t := range n.Outputs {
		outTypes[i] = emit.LogicalVTensorType(t)
		resultNames[i] = fmt.Sprintf("%%%s_result_%d", n.Name(), i)
	}
	fmt.Fprintf(&b, "    %s = func.call @%s(%s) : (%s) -> (%s)\n",
		strings.Join(resultNames, ", "), n.funcName(), strings.Join(operands, ", "),
		strings.Join(inTypes, ", "), strings.Join(outTypes, ", "))
	for i, t := range n.Outputs {
		emitOverwriteOutput(&b, t, n.Name(), resultNames[i])
	}
	return b.String()
}

func (n *CustomOpNode) InputTensors() []*attributes.TensorAttr  { return n.Inputs }
func (n *CustomOpNode) OutputTensors() []*attributes.TensorAttr { return n.Outputs }
