package compile_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fusilli-go/fusilli/cache"
	"github.com/fusilli-go/fusilli/compile"
	"github.com/fusilli-go/fusilli/platform"
	"github.com/fusilli-go/fusilli/runtime"
)

func TestEscapeArgument(t *testing.T) {
	require.Equal(t, "\"plain\"", compile.EscapeArgument("plain"))
	require.Equal(t, "\"has \\\"quote\\\"\"", compile.EscapeArgument(`has "quote"`))
	require.Equal(t, "\"a\\$b\\`c\"", compile.EscapeArgument("a$b`c"))
}

func TestBuildCommandCPU(t *testing.T) {
	t.Setenv(cache.RootEnvVar, t.TempDir())
	t.Setenv(platform.IreeCompilePathEnvVar, "/usr/bin/iree-compile")

	input, err := cache.Create("g", "input", true)
	require.NoError(t, err)
	output, err := cache.Create("g", "output", true)
	require.NoError(t, err)
	stats, err := cache.Create("g", "statistics", true)
	require.NoError(t, err)

	cmd, err := compile.BuildCommand(runtime.Handle{Backend: runtime.CPU}, input, output, stats)
	require.NoError(t, err)

	args := cmd.Args()
	require.Equal(t, "/usr/bin/iree-compile", args[0])
	require.Equal(t, input.Path, args[1])
	require.Contains(t, args, "--iree-hal-target-backends=llvm-cpu")
	require.Contains(t, args, "-o")

	serialized := cmd.String()
	require.Contains(t, serialized, `"--iree-hal-target-backends=llvm-cpu"`)
}
