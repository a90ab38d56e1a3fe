// Package graph implements Fusilli's operator-graph IR: the Node
// contract and its eight concrete operation kinds (spec.md §4.3, §4.4),
// and the Graph root composite that owns tensors, sub-nodes, the
// validation pipeline, MLIR emission, and the compile/execute lifecycle
// (spec.md §4.5, §4.6, §4.11).
//
// Node dispatch is a plain Go interface rather than the tagged-union
// "sum type" spec.md §9 Design Notes suggests for a systems language
// without inheritance hierarchies baked in -- an interface with eight
// small concrete implementations is the idiomatic Go rendition of that
// same "avoid inheritance, dispatch by match" intent, mirroring how the
// teacher's model.Node favors a flat data layout over a class hierarchy.
package graph

import (
	"fmt"
	"strings"

	"github.com/fusilli-go/fusilli/attributes"
	"github.com/fusilli-go/fusilli/emit"
	ferrors "github.com/fusilli-go/fusilli/errors"
)

// Node is the three-phase-validation + MLIR-emission contract every
// operation kind implements (spec.md §4.3).
type Node interface {
	// Name identifies the node for default tensor naming and SSA-name
	// collision detection.
	Name() string

	// PreValidate checks attribute presence and local structural
	// correctness before any inference runs.
	PreValidate() error

	// InferProperties assigns missing dim/stride/dtype on the node's
	// outputs (and sometimes inputs) from its inputs and context.
	InferProperties() error

	// PostValidate re-checks shapes and strides after inference
	// completes.
	PostValidate() error

	// EmitModuleScopeASM returns textual content placed at module scope
	// (e.g. function declarations for custom ops); empty for most nodes.
	EmitModuleScopeASM(graphName string) string

	// EmitPreASM returns textual content emitted before the node's own
	// operation (operand layout permutations).
	EmitPreASM(graphName string) string

	// EmitPostASM returns textual content for the node's own operation
	// plus output-permutation writeback.
	EmitPostASM(graphName string) string

	// InputTensors and OutputTensors expose the node's operands for
	// SSA-name collection and topology bookkeeping.
	InputTensors() []*attributes.TensorAttr
	OutputTensors() []*attributes.TensorAttr
}

// defaultName synthesizes "<op>_<index>_<role>" when the caller left a
// tensor or node unnamed (spec.md §4.5 "synthesizes default names if
// absent").
func defaultName(op string, index int, role string) string {
	return fmt.Sprintf("%s_%d_%s", op, index, role)
}

// requireSet returns AttributeNotSet if any of the given tensors is nil.
func requireSet(node string, tensors map[string]*attributes.TensorAttr) error {
	for role, t := range tensors {
		if t == nil {
			return ferrors.New(ferrors.AttributeNotSet, "%s: required tensor %q not set", node, role)
		}
	}
	return nil
}

// ranksMatch reports whether every tensor in ts has the given rank.
func ranksMatch(rank int, ts ...*attributes.TensorAttr) bool {
	for _, t := range ts {
		if len(t.Dim) != rank {
			return false
		}
	}
	return true
}

// emitOverwriteOutput writes valueSSA -- a node result in t's logical
// order -- into t's declared output argument, inserting the inverse
// layout permute first when t's declared layout is non-contiguous
// (spec.md §4.6 point 5, step "Emit the inverse permutation on each
// output, writing back into the declared output name").
func emitOverwriteOutput(b *strings.Builder, t *attributes.TensorAttr, nodeName, valueSSA string) {
	if emit.NeedsPermutation(t) {
		b.WriteString(emit.EmitOutputPermute(t, nodeName, valueSSA))
		valueSSA = emit.OutputPermutedName(t, nodeName)
	}
	b.WriteString(emit.Overwrite(valueSSA, emit.SSAName(t)))
}
