package compile

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fusilli-go/fusilli/cache"
	ferrors "github.com/fusilli-go/fusilli/errors"
	"github.com/fusilli-go/fusilli/platform"
	"github.com/fusilli-go/fusilli/runtime"
)

// ireePipelineStd matches IREE_COMPILER_PIPELINE_STD from the IREE C API
// (compile_session.cc), the only pipeline Fusilli drives.
const ireePipelineStd = 0

// compilerAPI holds the subset of the IREE compiler C API's function
// pointers CompileSession needs, loaded once per process via purego
// (spec.md §4.9), mirroring CompileContext's private function-pointer
// members in compile_session.h.
type compilerAPI struct {
	globalInitialize func()
	getAPIVersion    func() int32
	getRevision      func() string

	sessionCreate   func() uintptr
	sessionDestroy  func(uintptr)
	sessionSetFlags func(uintptr, int32, []string) uintptr

	invocationCreate                     func(uintptr) uintptr
	invocationDestroy                    func(uintptr)
	invocationEnableConsoleDiagnostics   func(uintptr)
	invocationParseSource                func(uintptr, uintptr) bool
	invocationPipeline                   func(uintptr, int32) bool
	invocationOutputVMBytecode           func(uintptr, uintptr) uintptr

	sourceOpenFile  func(uintptr, string, *uintptr) uintptr
	sourceDestroy   func(uintptr)

	outputOpenFile func(string, *uintptr) uintptr
	outputKeep     func(uintptr)
	outputDestroy  func(uintptr)

	errorGetMessage func(uintptr) string
	errorDestroy    func(uintptr)
}

// Context manages the IREE compiler shared library and global state,
// loaded once per process (spec.md §4.9), grounded on
// original_source/src/fusilli/backend/compile_session.cc's
// CompileContext::create.
type Context struct {
	lib *dynLib
	api compilerAPI
}

var (
	contextOnce sync.Once
	contextInst *Context
	contextErr  error
)

// GlobalContext returns the process-wide Context, loading and
// initializing the IREE compiler library on first call (spec.md §4.9
// "singleton behavior").
func GlobalContext() (*Context, error) {
	contextOnce.Do(func() {
		contextInst, contextErr = newContext()
	})
	return contextInst, contextErr
}

func newContext() (*Context, error) {
	libPath, err := platform.IreeCompilerLibPath()
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", libPath).Msg("loading IREE compiler library")

	lib, err := loadLibrary(libPath)
	if err != nil {
		return nil, err
	}

	ctx := &Context{lib: lib}
	if err := ctx.loadSymbols(); err != nil {
		lib.close()
		return nil, err
	}

	ctx.api.globalInitialize()
	return ctx, nil
}

func (c *Context) loadSymbols() error {
	type binding struct {
		fn     any
		symbol string
	}
	bindings := []binding{
		{&c.api.globalInitialize, "ireeCompilerGlobalInitialize"},
		{&c.api.getAPIVersion, "ireeCompilerGetAPIVersion"},
		{&c.api.getRevision, "ireeCompilerGetRevision"},
		{&c.api.sessionCreate, "ireeCompilerSessionCreate"},
		{&c.api.sessionDestroy, "ireeCompilerSessionDestroy"},
		{&c.api.sessionSetFlags, "ireeCompilerSessionSetFlags"},
		{&c.api.invocationCreate, "ireeCompilerInvocationCreate"},
		{&c.api.invocationDestroy, "ireeCompilerInvocationDestroy"},
		{&c.api.invocationEnableConsoleDiagnostics, "ireeCompilerInvocationEnableConsoleDiagnostics"},
		{&c.api.invocationParseSource, "ireeCompilerInvocationParseSource"},
		{&c.api.invocationPipeline, "ireeCompilerInvocationPipeline"},
		{&c.api.invocationOutputVMBytecode, "ireeCompilerInvocationOutputVMBytecode"},
		{&c.api.sourceOpenFile, "ireeCompilerSourceOpenFile"},
		{&c.api.sourceDestroy, "ireeCompilerSourceDestroy"},
		{&c.api.outputOpenFile, "ireeCompilerOutputOpenFile"},
		{&c.api.outputKeep, "ireeCompilerOutputKeep"},
		{&c.api.outputDestroy, "ireeCompilerOutputDestroy"},
		{&c.api.errorGetMessage, "ireeCompilerErrorGetMessage"},
		{&c.api.errorDestroy, "ireeCompilerErrorDestroy"},
	}
	for _, b := range bindings {
		if err := c.lib.mustRegister(b.fn, b.symbol); err != nil {
			return err
		}
	}
	return nil
}

// Close is intentionally never called on the process-wide GlobalContext
// in production. The IREE compiler API permanently disables itself after
// a shutdown call, so this binding skips ireeCompilerGlobalShutdown
// entirely and never closes the library handle, matching
// original_source's ~CompileContext comment: plugin hosts may want to
// reinitialize within the same process, and shutdown would make that
// impossible. Exposed only so tests that construct a private Context
// (not via GlobalContext) can release the library handle.
func (c *Context) Close() error {
	return c.lib.close()
}

// APIVersion returns the loaded compiler's API version.
func (c *Context) APIVersion() int32 { return c.api.getAPIVersion() }

// Revision returns the loaded compiler's revision string.
func (c *Context) Revision() string { return c.api.getRevision() }

// Session is a single IREE compiler session: a set of flags plus the
// means to run one compilation (spec.md §4.9), grounded on
// original_source's CompileSession.
type Session struct {
	ctx     *Context
	handle  uintptr
	backend runtime.Backend
	flags   []string
}

// BuildSession constructs a Session for handle with the backend flag set
// already applied (spec.md §4.9 "build"). Unlike BuildCommand it takes no
// input or output file; those are passed to Compile instead.
func BuildSession(handle runtime.Handle, statsFile *cache.File) (*Session, error) {
	ctx, err := GlobalContext()
	if err != nil {
		return nil, err
	}

	rocmTarget := ""
	if handle.Backend == runtime.AMDGPU {
		rocmTarget, err = runtime.IreeROCmTargetForAMDGPU()
		if err != nil {
			return nil, err
		}
	}
	flags := runtime.BackendFlags(handle.Backend, rocmTarget)
	flags = append(flags,
		"--iree-scheduling-dump-statistics-format=json",
		"--iree-scheduling-dump-statistics-file="+statsFile.Path,
	)

	sessionHandle := ctx.api.sessionCreate()
	if sessionHandle == 0 {
		return nil, ferrors.New(ferrors.CompileFailure, "ireeCompilerSessionCreate returned null")
	}
	s := &Session{ctx: ctx, handle: sessionHandle, backend: handle.Backend}
	if err := s.addFlags(flags); err != nil {
		ctx.api.sessionDestroy(sessionHandle)
		return nil, err
	}
	s.flags = flags
	return s, nil
}

func (s *Session) addFlags(flags []string) error {
	if len(flags) == 0 {
		return nil
	}
	// purego marshals a []string argument into a null-terminated C argv
	// array for a bound function taking const char *const*.
	errPtr := s.ctx.api.sessionSetFlags(s.handle, int32(len(flags)), flags)
	if errPtr != 0 {
		defer s.ctx.api.errorDestroy(errPtr)
		return ferrors.New(ferrors.CompileFailure, "failed to set session flags: %s", s.ctx.api.errorGetMessage(errPtr))
	}
	return nil
}

// Compile parses inputPath and runs the standard compilation pipeline,
// writing VM bytecode to outputPath (spec.md §4.9 "compile"), grounded
// on CompileSession::compile in compile_session.cc.
func (s *Session) Compile(inputPath, outputPath string) error {
	log.Info().Str("input", inputPath).Str("output", outputPath).Msg("compiling via IREE compiler FFI session")

	invocation := s.ctx.api.invocationCreate(s.handle)
	if invocation == 0 {
		return ferrors.New(ferrors.CompileFailure, "ireeCompilerInvocationCreate returned null")
	}
	defer s.ctx.api.invocationDestroy(invocation)
	s.ctx.api.invocationEnableConsoleDiagnostics(invocation)

	var source uintptr
	if errPtr := s.ctx.api.sourceOpenFile(s.handle, inputPath, &source); errPtr != 0 {
		defer s.ctx.api.errorDestroy(errPtr)
		return ferrors.New(ferrors.CompileFailure, "failed to open source %s: %s", inputPath, s.ctx.api.errorGetMessage(errPtr))
	}
	defer s.ctx.api.sourceDestroy(source)

	if ok := s.ctx.api.invocationParseSource(invocation, source); !ok {
		return ferrors.New(ferrors.CompileFailure, "failed to parse source %s", inputPath)
	}
	if ok := s.ctx.api.invocationPipeline(invocation, ireePipelineStd); !ok {
		return ferrors.New(ferrors.CompileFailure, "compilation pipeline failed for %s", inputPath)
	}

	var output uintptr
	if errPtr := s.ctx.api.outputOpenFile(outputPath, &output); errPtr != 0 {
		defer s.ctx.api.errorDestroy(errPtr)
		return ferrors.New(ferrors.CompileFailure, "failed to open output %s: %s", outputPath, s.ctx.api.errorGetMessage(errPtr))
	}
	defer s.ctx.api.outputDestroy(output)

	if errPtr := s.ctx.api.invocationOutputVMBytecode(invocation, output); errPtr != 0 {
		defer s.ctx.api.errorDestroy(errPtr)
		return ferrors.New(ferrors.CompileFailure, "failed to emit VM bytecode: %s", s.ctx.api.errorGetMessage(errPtr))
	}
	s.ctx.api.outputKeep(output)
	return nil
}

// String serializes the session's flags with the same escaping and
// newline terminator as Command.String (spec.md §4.9 "serialize"). It
// holds only the flags: no compiler path, input path or "-o" output, so
// its text is not the same as a Command's for the same compilation.
func (s *Session) String() string {
	escaped := make([]string, len(s.flags))
	for i, f := range s.flags {
		escaped[i] = EscapeArgument(f)
	}
	return strings.Join(escaped, " ") + "\n"
}

// WriteTo writes the session's serialized flags to f.
func (s *Session) WriteTo(f *cache.File) error {
	return f.Write(s.String())
}

// Execute compiles input -> output using statsFile's paths recorded at
// BuildSession time (spec.md §4.9 "execute"), the FFI-driver analogue of
// Command.Execute.
func (s *Session) Execute(inputPath, outputPath string) error {
	return s.Compile(inputPath, outputPath)
}

// Close releases the session's IREE compiler session handle.
func (s *Session) Close() error {
	if s.handle == 0 {
		return nil
	}
	s.ctx.api.sessionDestroy(s.handle)
	s.handle = 0
	return nil
}
