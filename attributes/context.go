package attributes

import "github.com/fusilli-go/fusilli/dtype"

// Context carries graph-wide default dtypes for IO, intermediate, and
// compute types; nodes inherit from it when their tensors have a NotSet
// dtype (spec.md §3).
type Context struct {
	IODataType           dtype.Type
	IntermediateDataType dtype.Type
	ComputeDataType      dtype.Type
}

// NewContext returns a Context with all dtypes NotSet.
func NewContext() *Context {
	return &Context{}
}

func (c *Context) SetIODataType(dt dtype.Type) *Context {
	c.IODataType = dt
	return c
}

func (c *Context) SetIntermediateDataType(dt dtype.Type) *Context {
	c.IntermediateDataType = dt
	return c
}

func (c *Context) SetComputeDataType(dt dtype.Type) *Context {
	c.ComputeDataType = dt
	return c
}
