// Package compile implements Fusilli's two interchangeable compile
// drivers (spec.md §4.8, §4.9): Command, a CLI subprocess driver
// grounded on original_source/include/fusilli/backend/compile_command.h,
// and Session/Context, an in-process FFI driver loaded via
// purego and grounded on
// original_source/include/fusilli/backend/compile_session.h.
package compile

import (
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fusilli-go/fusilli/cache"
	ferrors "github.com/fusilli-go/fusilli/errors"
	"github.com/fusilli-go/fusilli/platform"
	"github.com/fusilli-go/fusilli/runtime"
)

// EscapeArgument double-quotes arg and backslash-escapes any embedded
// double quote, backslash, dollar sign, or backtick, matching
// original_source's escapeArgument (used when serializing a command for
// shell-safe caching/logging, not when exec.Command invokes it directly
// -- exec.Command never goes through a shell, so this escaping only
// matters for Command.String()'s cached/logged text).
func EscapeArgument(arg string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, c := range arg {
		switch c {
		case '"', '\\', '$', '`':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteByte('"')
	return b.String()
}

// Command is the CLI subprocess compile driver: it shells out to
// iree-compile (spec.md §4.8).
type Command struct {
	args []string
}

// BuildCommand constructs the iree-compile invocation for handle,
// compiling input to output with statistics dumped to statsFile (spec.md
// §4.8 "build").
func BuildCommand(handle runtime.Handle, input, output, statsFile *cache.File) (*Command, error) {
	compilerPath, err := platform.IreeCompilePath()
	if err != nil {
		return nil, err
	}

	args := []string{compilerPath, input.Path}

	rocmTarget := ""
	if handle.Backend == runtime.AMDGPU {
		rocmTarget, err = runtime.IreeROCmTargetForAMDGPU()
		if err != nil {
			return nil, err
		}
	}
	args = append(args, runtime.BackendFlags(handle.Backend, rocmTarget)...)

	// Statistics are always dumped, as JSON, to statsFile.
	args = append(args,
		"--iree-scheduling-dump-statistics-format=json",
		"--iree-scheduling-dump-statistics-file="+statsFile.Path,
		"-o", output.Path,
	)

	return &Command{args: args}, nil
}

// String serializes the command as space-separated, shell-escaped
// arguments with a trailing newline, the same format original_source's
// toString() uses for cache storage and logging (spec.md §4.8
// "serialize"). This is a textual representation only; Execute below
// never parses it through a shell.
func (c *Command) String() string {
	escaped := make([]string, len(c.args))
	for i, a := range c.args {
		escaped[i] = EscapeArgument(a)
	}
	return strings.Join(escaped, " ") + "\n"
}

// WriteTo writes the command's serialized form to f.
func (c *Command) WriteTo(f *cache.File) error {
	log.Info().Str("path", f.Path).Msg("writing compile command to cache")
	return f.Write(c.String())
}

// Args returns the command's argument list, primarily for tests.
func (c *Command) Args() []string { return append([]string(nil), c.args...) }

// Execute runs the compile command as a subprocess (spec.md §4.8
// "execute"). Unlike original_source's std::system(toString()), Execute
// uses exec.Command with an explicit argv so arguments are never
// re-parsed by a shell; EscapeArgument's quoting therefore only affects
// String()'s cached/logged text, not actual process invocation.
func (c *Command) Execute() error {
	log.Info().Strs("args", c.args).Msg("executing compile command")
	if len(c.args) == 0 {
		return ferrors.New(ferrors.CompileFailure, "empty compile command")
	}
	cmd := exec.Command(c.args[0], c.args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return ferrors.Wrap(ferrors.CompileFailure, err, "iree-compile command failed: %s", strings.TrimSpace(string(out)))
	}
	return nil
}
