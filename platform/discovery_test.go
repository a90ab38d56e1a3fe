package platform_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fusilli-go/fusilli/platform"
)

func TestIreeCompilePathEnvOverride(t *testing.T) {
	t.Setenv(platform.IreeCompilePathEnvVar, "/opt/iree/bin/iree-compile")
	path, err := platform.IreeCompilePath()
	require.NoError(t, err)
	require.Equal(t, "/opt/iree/bin/iree-compile", path)
}

func TestCompilerLibraryNamePerOS(t *testing.T) {
	name := platform.CompilerLibraryName()
	require.NotEmpty(t, name)
}

func TestIreeCompilerLibPathEnvOverride(t *testing.T) {
	t.Setenv(platform.IreeCompilerLibPathEnvVar, "/opt/iree/lib/libIREECompiler.so")
	path, err := platform.IreeCompilerLibPath()
	require.NoError(t, err)
	require.Equal(t, "/opt/iree/lib/libIREECompiler.so", path)
}
