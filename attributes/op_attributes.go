package attributes

// ConvAttr carries per-spatial-dim padding/stride/dilation for
// ConvFProp/ConvWGrad/ConvDGrad (spec.md §4.4).
//
// Padding and PostPadding are carried as separate vectors because the
// underlying translation can in principle produce asymmetric padding;
// Fusilli's core validates that they are equal and rejects the
// asymmetric case (DESIGN.md Open Question 3) rather than silently
// ignoring PostPadding.
type ConvAttr struct {
	Name        string
	Padding     []int64
	PostPadding []int64
	Stride      []int64
	Dilation    []int64
}

func NewConvAttr() *ConvAttr { return &ConvAttr{} }

func (a *ConvAttr) SetName(name string) *ConvAttr { a.Name = name; return a }
func (a *ConvAttr) SetPadding(p []int64) *ConvAttr {
	a.Padding = append([]int64(nil), p...)
	if a.PostPadding == nil {
		a.PostPadding = append([]int64(nil), p...)
	}
	return a
}
func (a *ConvAttr) SetPostPadding(p []int64) *ConvAttr {
	a.PostPadding = append([]int64(nil), p...)
	return a
}
func (a *ConvAttr) SetStride(s []int64) *ConvAttr   { a.Stride = append([]int64(nil), s...); return a }
func (a *ConvAttr) SetDilation(d []int64) *ConvAttr { a.Dilation = append([]int64(nil), d...); return a }

// LayerNormPhase distinguishes training (emits mean/inv-variance) from
// inference (spec.md §4.4).
type LayerNormPhase int

const (
	LayerNormInference LayerNormPhase = iota
	LayerNormTraining
)

// LayerNormAttr carries the forward phase and scalar epsilon for
// LayerNorm (spec.md §4.4).
type LayerNormAttr struct {
	Name    string
	Phase   LayerNormPhase
	Epsilon float64
}

func NewLayerNormAttr() *LayerNormAttr { return &LayerNormAttr{} }

func (a *LayerNormAttr) SetName(name string) *LayerNormAttr { a.Name = name; return a }
func (a *LayerNormAttr) SetPhase(p LayerNormPhase) *LayerNormAttr {
	a.Phase = p
	return a
}
func (a *LayerNormAttr) SetEpsilon(eps float64) *LayerNormAttr {
	a.Epsilon = eps
	return a
}

// MatmulAttr carries the transpose flags realized via stride
// manipulation, not an explicit node (spec.md §4.4).
type MatmulAttr struct {
	Name        string
	TransposeA  bool
	TransposeB  bool
}

func NewMatmulAttr() *MatmulAttr { return &MatmulAttr{} }

func (a *MatmulAttr) SetName(name string) *MatmulAttr        { a.Name = name; return a }
func (a *MatmulAttr) SetTransposeA(v bool) *MatmulAttr       { a.TransposeA = v; return a }
func (a *MatmulAttr) SetTransposeB(v bool) *MatmulAttr       { a.TransposeB = v; return a }

// PointwiseMode enumerates the pointwise operation modes (spec.md §4.4).
type PointwiseMode int

const (
	PointwiseAdd PointwiseMode = iota
	PointwiseSub
	PointwiseMul
	PointwiseDiv
	PointwiseCeil
	PointwiseCmpEQ
	PointwiseCmpNE
	PointwiseCmpLT
	PointwiseCmpLE
	PointwiseCmpGT
	PointwiseCmpGE
	PointwiseReluFwd
	PointwiseSigmoidFwd
	PointwiseTanhFwd
)

// Arity returns the input arity (1 or 2) of the mode (spec.md §4.4).
func (m PointwiseMode) Arity() int {
	switch m {
	case PointwiseCeil, PointwiseReluFwd, PointwiseSigmoidFwd, PointwiseTanhFwd:
		return 1
	default:
		return 2
	}
}

// IsComparison reports whether the mode produces a Boolean output.
func (m PointwiseMode) IsComparison() bool {
	switch m {
	case PointwiseCmpEQ, PointwiseCmpNE, PointwiseCmpLT, PointwiseCmpLE, PointwiseCmpGT, PointwiseCmpGE:
		return true
	default:
		return false
	}
}

// TorchOp returns the torch-dialect op name this mode dispatches to
// (spec.md §4.4 "Emission").
func (m PointwiseMode) TorchOp() string {
	switch m {
	case PointwiseAdd:
		return "torch.aten.add.Tensor"
	case PointwiseSub:
		return "torch.aten.sub.Tensor"
	case PointwiseMul:
		return "torch.aten.mul.Tensor"
	case PointwiseDiv:
		return "torch.aten.div.Tensor"
	case PointwiseCeil:
		return "torch.aten.ceil"
	case PointwiseCmpEQ:
		return "torch.aten.eq.Tensor"
	case PointwiseCmpNE:
		return "torch.aten.ne.Tensor"
	case PointwiseCmpLT:
		return "torch.aten.lt.Tensor"
	case PointwiseCmpLE:
		return "torch.aten.le.Tensor"
	case PointwiseCmpGT:
		return "torch.aten.gt.Tensor"
	case PointwiseCmpGE:
		return "torch.aten.ge.Tensor"
	case PointwiseReluFwd:
		return "torch.aten.relu"
	case PointwiseSigmoidFwd:
		return "torch.aten.sigmoid"
	case PointwiseTanhFwd:
		return "torch.aten.tanh"
	default:
		return "torch.aten.unknown"
	}
}

// PointwiseAttr carries the operation mode for Pointwise (spec.md §4.4).
type PointwiseAttr struct {
	Name string
	Mode PointwiseMode
}

func NewPointwiseAttr() *PointwiseAttr { return &PointwiseAttr{} }

func (a *PointwiseAttr) SetName(name string) *PointwiseAttr   { a.Name = name; return a }
func (a *PointwiseAttr) SetMode(m PointwiseMode) *PointwiseAttr { a.Mode = m; return a }

// ReductionMode enumerates the reduction operation modes (spec.md §4.4).
type ReductionMode int

const (
	ReductionSum ReductionMode = iota
	ReductionMin
	ReductionMax
)

func (m ReductionMode) TorchOp() string {
	switch m {
	case ReductionSum:
		return "torch.aten.sum.dim_IntList"
	case ReductionMin:
		return "torch.aten.amin"
	case ReductionMax:
		return "torch.aten.amax"
	default:
		return "torch.aten.unknown"
	}
}

// ReductionAttr carries the operation mode for Reduction (spec.md §4.4).
type ReductionAttr struct {
	Name string
	Mode ReductionMode
}

func NewReductionAttr() *ReductionAttr { return &ReductionAttr{} }

func (a *ReductionAttr) SetName(name string) *ReductionAttr   { a.Name = name; return a }
func (a *ReductionAttr) SetMode(m ReductionMode) *ReductionAttr { a.Mode = m; return a }

// CustomOpAttr carries a user-supplied MLIR function template, the
// number of outputs the template produces, and a name (spec.md §4.4).
//
// MLIRTemplate is inserted verbatim after placeholder replacement; there
// is no validation of the template's MLIR syntax beyond substring
// replacement (DESIGN.md Open Question 4) -- syntactic errors surface
// only at compile time, matching the original implementation.
type CustomOpAttr struct {
	Name         string
	MLIRTemplate string
	OutputCount  int
}

func NewCustomOpAttr() *CustomOpAttr { return &CustomOpAttr{} }

func (a *CustomOpAttr) SetName(name string) *CustomOpAttr             { a.Name = name; return a }
func (a *CustomOpAttr) SetMLIRTemplate(tmpl string) *CustomOpAttr     { a.MLIRTemplate = tmpl; return a }
func (a *CustomOpAttr) SetOutputCount(n int) *CustomOpAttr            { a.OutputCount = n; return a }
