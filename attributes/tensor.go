// Package attributes implements TensorAttr, Context, and the per-operation
// attribute records of spec.md §3-§4.2/§4.4. TensorAttr is a semantic
// descriptor, not storage: it carries shape, layout, dtype, and role
// flags for a tensor participating in a Graph.
package attributes

import (
	"fmt"
	"sort"

	ferrors "github.com/fusilli-go/fusilli/errors"
	"github.com/fusilli-go/fusilli/dtype"
)

// TensorAttr is the semantic descriptor of a tensor (spec.md §3).
// Builder methods are chainable, mirroring the teacher's pointer-receiver
// chaining style in core/sublate.go.
type TensorAttr struct {
	Name     string
	Dim      []int64
	Stride   []int64
	DataType dtype.Type

	IsVirtual bool
	IsOutput  bool
	IsScalar  bool

	// ScalarValue holds the single-element constant payload when
	// IsScalar is set; emitted as a dense literal constant (spec.md §3).
	ScalarValue float64
}

// NewTensorAttr returns an empty TensorAttr.
func NewTensorAttr() *TensorAttr {
	return &TensorAttr{DataType: dtype.NotSet}
}

// NewScalarTensorAttr constructs a TensorAttr from a scalar value: sets
// IsScalar, rank-1 dim [1], unit stride, and records the payload
// (spec.md §4.2 "Construction").
func NewScalarTensorAttr(value float64, dt dtype.Type) *TensorAttr {
	return &TensorAttr{
		Dim:         []int64{1},
		Stride:      []int64{1},
		DataType:    dt,
		IsScalar:    true,
		ScalarValue: value,
	}
}

func (t *TensorAttr) SetName(name string) *TensorAttr { t.Name = name; return t }
func (t *TensorAttr) SetDim(dim []int64) *TensorAttr {
	t.Dim = append([]int64(nil), dim...)
	return t
}
func (t *TensorAttr) SetStride(stride []int64) *TensorAttr {
	t.Stride = append([]int64(nil), stride...)
	return t
}
func (t *TensorAttr) SetDataType(dt dtype.Type) *TensorAttr { t.DataType = dt; return t }
func (t *TensorAttr) SetOutput(v bool) *TensorAttr          { t.IsOutput = v; return t }
func (t *TensorAttr) SetIsScalar(v bool) *TensorAttr        { t.IsScalar = v; return t }
func (t *TensorAttr) SetIsVirtual(v bool) *TensorAttr       { t.IsVirtual = v; return t }

// GetVolume returns the product of Dim (spec.md §4.2).
func (t *TensorAttr) GetVolume() int64 {
	vol := int64(1)
	for _, d := range t.Dim {
		vol *= d
	}
	return vol
}

// LogicalToPhysicalPermutation sorts axis indices by (descending stride,
// descending dim) -- the permutation the emitter applies so downstream
// kernels see canonical row-major layout (spec.md §3 "Derived layout
// concepts").
func (t *TensorAttr) LogicalToPhysicalPermutation() []int {
	n := len(t.Dim)
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(i, j int) bool {
		a, b := perm[i], perm[j]
		if t.Stride[a] != t.Stride[b] {
			return t.Stride[a] > t.Stride[b]
		}
		return t.Dim[a] > t.Dim[b]
	})
	return perm
}

// GetPhysicalDim returns Dim permuted by the logical-to-physical order
// (spec.md §4.2).
func (t *TensorAttr) GetPhysicalDim() []int64 {
	perm := t.LogicalToPhysicalPermutation()
	out := make([]int64, len(perm))
	for i, p := range perm {
		out[i] = t.Dim[p]
	}
	return out
}

// IsContiguous reports whether Stride is the row-major sequence
// derived from Dim (spec.md §3).
func (t *TensorAttr) IsContiguous() bool {
	if len(t.Dim) != len(t.Stride) {
		return false
	}
	expected := ContiguousStrides(t.Dim)
	for i := range expected {
		if expected[i] != t.Stride[i] {
			return false
		}
	}
	return true
}

// IsChannelsLast reports whether Stride matches the channels-last
// pattern for a 4D/5D tensor: channel axis (position 1) has unit
// stride, remaining axes row-major after the logical permutation
// [0, 2, 3, (4,) 1] (spec.md §3).
func (t *TensorAttr) IsChannelsLast() bool {
	n := len(t.Dim)
	if n != 4 && n != 5 {
		return false
	}
	expected, err := ChannelsLastStrides(t.Dim)
	if err != nil {
		return false
	}
	for i := 0; i < n; i++ {
		if t.Stride[i] != expected[i] {
			return false
		}
	}
	return true
}

// ContiguousStrides computes the row-major stride sequence for dim:
// stride[i] = prod(dim[i+1:]) (spec.md §3 "Contiguous").
func ContiguousStrides(dim []int64) []int64 {
	n := len(dim)
	strides := make([]int64, n)
	acc := int64(1)
	for i := n - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= dim[i]
	}
	return strides
}

// ChannelsLastStrides computes the channels-last stride sequence for a
// 4D/5D dim list: channel axis (position 1) gets stride 1, remaining
// axes get row-major strides computed as if channel were moved last,
// then scaled by the channel count (spec.md §3).
func ChannelsLastStrides(dim []int64) ([]int64, error) {
	n := len(dim)
	if n != 4 && n != 5 {
		return nil, ferrors.New(ferrors.InvalidAttribute,
			"channels-last layout requires rank 4 or 5, got %d", n)
	}
	strides := make([]int64, n)
	strides[1] = 1
	channels := dim[1]
	acc := channels
	for i := n - 1; i >= 2; i-- {
		strides[i] = acc
		acc *= dim[i]
	}
	strides[0] = acc
	return strides, nil
}

// FillFromContext assigns default dtype for unset tensors: inputs and
// outputs get the context's IO dtype, intermediates (virtual tensors)
// get the intermediate dtype (spec.md §4.2).
func (t *TensorAttr) FillFromContext(ctx *Context) *TensorAttr {
	if t.DataType != dtype.NotSet {
		return t
	}
	if t.IsVirtual {
		t.DataType = ctx.IntermediateDataType
	} else {
		t.DataType = ctx.IODataType
	}
	return t
}

// Validate checks rank consistency, no zero dims, stride/dim length
// match, non-virtual scalar constants forbidden (a scalar constant is
// inherently a compile-time value, never a module argument so it cannot
// also be a named non-virtual IO tensor), and named-tensor requirement
// for non-virtual tensors (spec.md §4.2).
func (t *TensorAttr) Validate() error {
	if len(t.Dim) != len(t.Stride) {
		return ferrors.New(ferrors.InvalidAttribute,
			"tensor %q: dim length %d != stride length %d", t.Name, len(t.Dim), len(t.Stride))
	}
	for i, d := range t.Dim {
		if d == 0 {
			return ferrors.New(ferrors.InvalidAttribute,
				"tensor %q: dim[%d] is zero", t.Name, i)
		}
	}
	if t.IsScalar {
		if len(t.Dim) > 1 {
			return ferrors.New(ferrors.InvalidAttribute,
				"tensor %q: scalar tensor must have rank <= 1, got %d", t.Name, len(t.Dim))
		}
	}
	if t.IsOutput && t.IsVirtual {
		return ferrors.New(ferrors.InvalidAttribute,
			"tensor %q: cannot be both output and virtual", t.Name)
	}
	if t.IsScalar && !t.IsVirtual {
		return ferrors.New(ferrors.InvalidAttribute,
			"tensor %q: scalar constant must be virtual, not a module argument", t.Name)
	}
	if !t.IsVirtual && t.Name == "" {
		return ferrors.New(ferrors.AttributeNotSet,
			"non-virtual tensor requires a name")
	}
	return nil
}

func (t *TensorAttr) String() string {
	return fmt.Sprintf("TensorAttr{name=%q dim=%v stride=%v dtype=%s}", t.Name, t.Dim, t.Stride, t.DataType)
}
