package runtime

import (
	ferrors "github.com/fusilli-go/fusilli/errors"
)

// ModuleLoader is the subset of NativeDevice capable of loading a
// compiled bytecode module into a VM context (spec.md §4.11
// "Graph::compile... creates a per-graph VM context via the runtime,
// loads the bytecode module from file"). Split out from NativeDevice
// the same way BufferAllocator is, so a fake device used only for
// buffer tests need not implement it.
type ModuleLoader interface {
	NativeDevice
	LoadModule(bytecodePath string) (VMContext, error)
}

// VMContext is a per-graph loaded module (spec.md §4.11). FunctionAttr
// looks up a string-valued reflection attribute on a function (used to
// read the workspace-size contract's two possible attribute names).
type VMContext interface {
	HasFunction(name string) bool
	FunctionAttr(funcName, attrName string) (string, bool)
	Invoke(funcName string, inputs []*Buffer, workspace *Buffer, async bool) error
	Close() error
}

// LoadModule resolves the ModuleLoader for h and loads the bytecode
// module at bytecodePath, the runtime-layering half of Graph.Compile
// (spec.md §4.11).
func LoadModule(h Handle, bytecodePath string) (VMContext, error) {
	_, dev, err := h.Resolve(nil)
	if err != nil {
		return nil, err
	}
	loader, ok := dev.(ModuleLoader)
	if !ok {
		return nil, ferrors.New(ferrors.InternalError, "device does not support module loading")
	}
	ctx, err := loader.LoadModule(bytecodePath)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.RuntimeFailure, err, "failed to load compiled module %s", bytecodePath)
	}
	return ctx, nil
}

// WorkspaceSizeAttrConstant and WorkspaceSizeAttrDynamic name the two
// reflection attributes Graph.Compile checks on the resolved entry
// function to determine the workspace-size contract (spec.md §4.11,
// DESIGN.md Open Question 5): taken from
// original_source/include/fusilli/backend/runtime.h since spec.md only
// describes the algorithm, not the literal attribute names.
const (
	WorkspaceSizeAttrConstant = "iree.abi.transients.size.constant"
	WorkspaceSizeAttrDynamic  = "iree.abi.transients.size"
)

// EntryFunctionName returns the resolved entry point name for backend:
// "main" when synchronous, "main$async" otherwise (spec.md §4.10,
// §4.11).
func EntryFunctionName(backend Backend) string {
	if ExecuteAsync[backend] {
		return "main$async"
	}
	return "main"
}
