package graph

import (
	"fmt"
	"strings"

	"github.com/fusilli-go/fusilli/attributes"
	"github.com/fusilli-go/fusilli/emit"
	ferrors "github.com/fusilli-go/fusilli/errors"
)

// MatmulNode implements batched matrix multiplication (spec.md §4.4
// "Matmul"). TransposeA/TransposeB are realized by swapping the last
// two entries of the operand's stride (not by inserting an explicit
// transpose op), so emission always permutes through NeedsPermutation
// the same way any other non-canonical layout does.
type MatmulNode struct {
	Attr *attributes.MatmulAttr
	A, B *attributes.TensorAttr
	C    *attributes.TensorAttr
	ctx  *attributes.Context
}

func (n *MatmulNode) Name() string { return n.Attr.Name }

func (n *MatmulNode) PreValidate() error {
	return requireSet(n.Name(), map[string]*attributes.TensorAttr{"A": n.A, "B": n.B, "C": n.C})
}

// transposedStride returns t's stride with the last two axes swapped,
// which is how TransposeA/TransposeB are realized (spec.md §4.4).
func transposedStride(t *attributes.TensorAttr) []int64 {
	s := append([]int64(nil), t.Stride...)
	n := len(s)
	if n >= 2 {
		s[n-1], s[n-2] = s[n-2], s[n-1]
	}
	return s
}

func (n *MatmulNode) InferProperties() error {
	if n.Attr.TransposeA && len(n.A.Stride) > 0 {
		n.A.SetStride(transposedStride(n.A))
	}
	if n.Attr.TransposeB && len(n.B.Stride) > 0 {
		n.B.SetStride(transposedStride(n.B))
	}
	if n.C.DataType == 0 {
		n.C.FillFromContext(n.ctx)
	}
	if len(n.C.Dim) > 0 {
		return nil
	}
	rankA, rankB := len(n.A.Dim), len(n.B.Dim)
	rank := rankA
	if rankB > rank {
		rank = rankB
	}
	dim := make([]int64, rank)
	for i := 0; i < rank-2; i++ {
		da, db := int64(1), int64(1)
		if i < rankA-2 {
			da = n.A.Dim[i]
		}
		if i < rankB-2 {
			db = n.B.Dim[i]
		}
		dim[i] = da
		if db > dim[i] {
			dim[i] = db
		}
	}
	dim[rank-2] = n.A.Dim[rankA-2]
	dim[rank-1] = n.B.Dim[rankB-1]
	n.C.SetDim(dim)
	n.C.SetStride(attributes.ContiguousStrides(dim))
	return nil
}

func (n *MatmulNode) PostValidate() error {
	rankA, rankB := len(n.A.Dim), len(n.B.Dim)
	if rankA < 2 || rankB < 2 {
		return ferrors.New(ferrors.InvalidAttribute, "%s: A/B must have rank >= 2", n.Name())
	}
	if n.A.Dim[rankA-1] != n.B.Dim[rankB-2] {
		return ferrors.New(ferrors.InvalidAttribute, "%s: inner dims mismatch (A: %d, B: %d)", n.Name(), n.A.Dim[rankA-1], n.B.Dim[rankB-2])
	}
	batchA, batchB := n.A.Dim[:rankA-2], n.B.Dim[:rankB-2]
	na, nb := len(batchA), len(batchB)
	nmin := na
	if nb < nmin {
		nmin = nb
	}
	for i := 0; i < nmin; i++ {
		a := batchA[na-1-i]
		b := batchB[nb-1-i]
		if a != b && a != 1 && b != 1 {
			return ferrors.New(ferrors.InvalidAttribute, "%s: batch dims must broadcast (one must divide the other)", n.Name())
		}
	}
	if (n.A.DataType != n.B.DataType) && rankA == 3 && rankB == 3 && (na > 1 || nb > 1) {
		return ferrors.New(ferrors.NotImplemented, "%s: mixed-precision matmul restricted to a single batch dim", n.Name())
	}
	return nil
}

func (n *MatmulNode) EmitModuleScopeASM(graphName string) string { return "" }

func (n *MatmulNode) EmitPreASM(graphName string) string {
	var b strings.Builder
	for _, t := range []*attributes.TensorAttr{n.A, n.B} {
		if emit.NeedsPermutation(t) {
			b.WriteString(emit.EmitPermute(t, n.Name()))
		}
	}
	return b.String()
}

func (n *MatmulNode) EmitPostASM(graphName string) string {
	resultName := fmt.Sprintf("%%%s_result", n.Name())
	var b strings.Builder
	fmt.Fprintf(&b, "    %s = torch.aten.matmul %s, %s : %s, %s -> %s\n",
		resultName, emit.OperandName(n.A, n.Name(), graphName), emit.OperandName(n.B, n.Name(), graphName), emit.LogicalVTensorType(n.A), emit.LogicalVTensorType(n.B), emit.LogicalVTensorType(n.C))
	emitOverwriteOutput(&b, n.C, n.Name(), resultName)
	return b.String()
}

func (n *MatmulNode) InputTensors() []*attributes.TensorAttr  { return []*attributes.TensorAttr{n.A, n.B} }
func (n *MatmulNode) OutputTensors() []*attributes.TensorAttr { return []*attributes.TensorAttr{n.C} }
