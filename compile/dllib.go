package compile

import (
	"github.com/ebitengine/purego"

	ferrors "github.com/fusilli-go/fusilli/errors"
)

// dynLib wraps a purego-loaded shared library handle, the Go analogue of
// original_source's DynamicLibrary helper used by CompileContext::load
// (compile_session.cc). purego.Dlopen works uniformly across
// Linux/macOS/Windows (via an internal LoadLibraryEx shim on Windows),
// so unlike the original there is no separate dlmopen/LoadLibraryEx
// branch to maintain here.
type dynLib struct {
	handle uintptr
	loaded bool
}

// loadLibrary opens path for symbol resolution. RTLD_NOW is used (rather
// than RTLD_LAZY) so a missing required symbol fails fast at load time.
func loadLibrary(path string) (*dynLib, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.CompileFailure, err, "failed to load shared library %s", path)
	}
	return &dynLib{handle: h, loaded: true}, nil
}

// close unloads the library. Symmetric with original_source's
// DynamicLibrary::close(), but CompileContext deliberately never calls
// this in production (see the comment on Context.Close).
func (l *dynLib) close() error {
	if !l.loaded {
		return nil
	}
	l.loaded = false
	if err := purego.Dlclose(l.handle); err != nil {
		return ferrors.Wrap(ferrors.CompileFailure, err, "failed to close shared library")
	}
	return nil
}

// mustRegister resolves symbolName in the library into fnPtr (a pointer
// to a Go func variable), analogous to CompileContext::loadSymbols'
// LOAD_SYMBOL macro and its call to lib_.getSymbol<...>(name).
func (l *dynLib) mustRegister(fnPtr any, symbolName string) (err error) {
	defer func() {
		// purego.RegisterLibFunc panics (rather than returning an error)
		// when a symbol is missing; recover and fold it into the
		// ErrorObject-style return every other Fusilli operation uses.
		if r := recover(); r != nil {
			err = ferrors.New(ferrors.CompileFailure, "missing required symbol %s: %v", symbolName, r)
		}
	}()
	purego.RegisterLibFunc(fnPtr, l.handle, symbolName)
	return nil
}
