// Package emit implements the MLIR emitter helpers of spec.md §4.6:
// layout permutation sequences, contiguous-stride derivation (delegated
// to attributes.ContiguousStrides), dtype -> textual-type mapping
// (delegated to dtype.Type.TorchMLIRType), and scalar-constant emission.
//
// This package has no dependency on graph.Graph/Node: it is a leaf of
// textual-assembly helpers that both the node implementations in
// package graph and Graph's own top-level orchestration call into,
// mirroring the teacher's separation between compiler/compiler.go's
// binaryWriter helpers and the higher-level pipeline that drives them.
package emit

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fusilli-go/fusilli/attributes"
)

// VTensorType renders the immutable value-tensor MLIR type of tensor t
// as it is actually declared/stored: !torch.vtensor<[d0,...,dn], dtype>
// over t's PHYSICAL shape (spec.md §4.6 point 3). Use this for module
// signature arguments and for the pre-permute ("from") operand of a
// layout permute -- anywhere the type describes the tensor's raw,
// declared memory layout rather than an in-flight, logically-ordered
// value. For the latter, use LogicalVTensorType.
func VTensorType(t *attributes.TensorAttr) string {
	return fmt.Sprintf("!torch.vtensor<%s, %s>", dimsList(t.GetPhysicalDim()), t.DataType.TorchMLIRType())
}

// TensorType renders the mutable tensor MLIR type used for graph output
// arguments: !torch.tensor<[d0,...,dn], dtype> over t's PHYSICAL shape
// (spec.md §4.6 point 3), matching VTensorType's physical/declared
// convention.
func TensorType(t *attributes.TensorAttr) string {
	return fmt.Sprintf("!torch.tensor<%s, %s>", dimsList(t.GetPhysicalDim()), t.DataType.TorchMLIRType())
}

// LogicalVTensorType renders the value-tensor MLIR type of tensor t in
// its LOGICAL (canonical row-major) shape: !torch.vtensor<[d0,...,dn],
// dtype> over t.Dim directly. Every op body computes in logical order
// once permutation has resolved an operand's true in-flight value, so
// node emitters use this -- never VTensorType -- to type operands and
// results inside an op instruction (spec.md §4.6 point 5).
func LogicalVTensorType(t *attributes.TensorAttr) string {
	return fmt.Sprintf("!torch.vtensor<%s, %s>", dimsList(t.Dim), t.DataType.TorchMLIRType())
}

func dimsList(dim []int64) string {
	parts := make([]string, len(dim))
	for i, d := range dim {
		parts[i] = strconv.FormatInt(d, 10)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// SSAName returns a legal MLIR SSA value name for a tensor ("%" prefix),
// reusing the tensor's own Name field since SSA-name uniqueness is
// enforced graph-wide during validation (spec.md §4.3).
func SSAName(t *attributes.TensorAttr) string {
	return "%" + t.Name
}

// PermutedName returns the renamed SSA value for an operand that needed
// a layout permutation wrapper: "<name>_<nodename>_perm" (spec.md §4.6
// point 5).
func PermutedName(t *attributes.TensorAttr, nodeName string) string {
	return fmt.Sprintf("%%%s_%s_perm", t.Name, nodeName)
}

// NeedsPermutation reports whether the tensor's stride order differs
// from the canonical logical (row-major / contiguous) order, i.e.
// whether the emitter must insert a permute wrapper for this operand
// (spec.md §4.6 point 5).
func NeedsPermutation(t *attributes.TensorAttr) bool {
	if t.IsContiguous() {
		return false
	}
	perm := t.LogicalToPhysicalPermutation()
	for i, p := range perm {
		if i != p {
			return true
		}
	}
	return false
}

// InversePermutation returns perm^-1 such that result[perm[i]] == i.
func InversePermutation(perm []int) []int {
	inv := make([]int, len(perm))
	for i, p := range perm {
		inv[p] = i
	}
	return inv
}

// EmitPermute renders a torch.aten.permute call for operand t, producing
// PermutedName(t, nodeName) from SSAName(t), using the inverse of t's
// logical-to-physical permutation as the permute-dims list (spec.md
// §4.6 point 5: "a torch.prim.ListConstruct of the inverse permutation
// indices").
func EmitPermute(t *attributes.TensorAttr, nodeName string) string {
	perm := t.LogicalToPhysicalPermutation()
	inv := InversePermutation(perm)
	listName := PermutedName(t, nodeName) + "_dims"
	var b strings.Builder
	intConsts := make([]string, len(inv))
	for i, d := range inv {
		cName := fmt.Sprintf("%s_%d", listName, i)
		fmt.Fprintf(&b, "    %s = torch.constant.int %d\n", cName, d)
		intConsts[i] = cName
	}
	fmt.Fprintf(&b, "    %s = torch.prim.ListConstruct %s : (%s) -> !torch.list<int>\n",
		listName, strings.Join(intConsts, ", "), strings.Repeat("!torch.int, ", len(inv)-1)+"!torch.int")
	permutedDim := permuteDims(t.GetPhysicalDim(), inv)
	fmt.Fprintf(&b, "    %s = torch.aten.permute %s, %s : %s, !torch.list<int> -> !torch.vtensor<%s, %s>\n",
		PermutedName(t, nodeName), SSAName(t), listName, VTensorType(t), dimsList(permutedDim), t.DataType.TorchMLIRType())
	return b.String()
}

// OutputPermutedName returns the renamed SSA value for a node result
// that needs a layout permute back into its output tensor's declared
// physical shape before the overwrite: "<name>_<nodename>_outperm"
// (spec.md §4.6 point 5, mirroring PermutedName for the output side).
func OutputPermutedName(t *attributes.TensorAttr, nodeName string) string {
	return fmt.Sprintf("%%%s_%s_outperm", t.Name, nodeName)
}

// EmitOutputPermute renders a torch.aten.permute call converting valueSSA
// -- a logically-ordered node result bound to output tensor t -- back
// into t's declared physical layout, producing OutputPermutedName(t,
// nodeName). It uses the forward logical-to-physical permutation as the
// permute-dims list, the mirror image of EmitPermute's input-side
// inverse permutation (spec.md §4.6 point 5, step "Emit the inverse
// permutation on each output, writing back into the declared output
// name").
func EmitOutputPermute(t *attributes.TensorAttr, nodeName, valueSSA string) string {
	perm := t.LogicalToPhysicalPermutation()
	listName := OutputPermutedName(t, nodeName) + "_dims"
	var b strings.Builder
	intConsts := make([]string, len(perm))
	for i, d := range perm {
		cName := fmt.Sprintf("%s_%d", listName, i)
		fmt.Fprintf(&b, "    %s = torch.constant.int %d\n", cName, d)
		intConsts[i] = cName
	}
	fmt.Fprintf(&b, "    %s = torch.prim.ListConstruct %s : (%s) -> !torch.list<int>\n",
		listName, strings.Join(intConsts, ", "), strings.Repeat("!torch.int, ", len(perm)-1)+"!torch.int")
	fmt.Fprintf(&b, "    %s = torch.aten.permute %s, %s : %s, !torch.list<int> -> %s\n",
		OutputPermutedName(t, nodeName), valueSSA, listName, LogicalVTensorType(t), VTensorType(t))
	return b.String()
}

func permuteDims(dim []int64, perm []int) []int64 {
	out := make([]int64, len(perm))
	for i, p := range perm {
		out[i] = dim[p]
	}
	return out
}

// ScalarConstant renders a graph-level dense literal constant for a
// scalar input tensor, named "<graphname>_<tensorname>" (spec.md §4.6
// point 4).
func ScalarConstant(graphName string, t *attributes.TensorAttr) string {
	return fmt.Sprintf("  %s = torch.vtensor.literal(dense<%v> : tensor<%s>) : %s\n",
		ScalarSSAName(graphName, t), t.ScalarValue, t.DataType.TorchMLIRType(), VTensorType(t))
}

// ScalarSSAName returns the SSA name of a graph-level scalar constant,
// matching the name ScalarConstant declares (spec.md §4.6 point 4).
func ScalarSSAName(graphName string, t *attributes.TensorAttr) string {
	return fmt.Sprintf("%%%s_%s", graphName, t.Name)
}

// OperandName resolves the SSA name a node should reference for operand
// t: the graph-level scalar-constant name if t is a scalar constant,
// the permuted name if its stride order needs a layout-permute wrapper,
// or its own SSA name otherwise (spec.md §4.6 points 4-5).
func OperandName(t *attributes.TensorAttr, nodeName, graphName string) string {
	if t.IsScalar {
		return ScalarSSAName(graphName, t)
	}
	if NeedsPermutation(t) {
		return PermutedName(t, nodeName)
	}
	return SSAName(t)
}

// Overwrite renders the torch.overwrite.tensor.contents call writing a
// final SSA value into a mutable output argument (spec.md §4.6 point 6).
func Overwrite(valueSSA, outputArgSSA string) string {
	return fmt.Sprintf("  torch.overwrite.tensor.contents %s overwrites %s : !torch.vtensor, !torch.tensor\n",
		valueSSA, outputArgSSA)
}
