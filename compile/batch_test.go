package compile_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fusilli-go/fusilli/cache"
	"github.com/fusilli-go/fusilli/compile"
	"github.com/fusilli-go/fusilli/platform"
	"github.com/fusilli-go/fusilli/runtime"
)

func TestBatchEmpty(t *testing.T) {
	results := compile.Batch(runtime.Handle{Backend: runtime.CPU}, nil, 4, true)
	require.Empty(t, results)
}

// stubCompiler writes a tiny shell script standing in for iree-compile:
// it locates the "-o" flag and touches that path, the minimum needed to
// exercise Batch's concurrent dispatch without a real IREE toolchain.
func stubCompiler(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "iree-compile")
	script := "#!/bin/sh\nwhile [ \"$#\" -gt 0 ]; do\n  if [ \"$1\" = \"-o\" ]; then shift; touch \"$1\"; fi\n  shift\ndone\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestBatchRunsAllJobsConcurrently(t *testing.T) {
	t.Setenv(cache.RootEnvVar, t.TempDir())
	t.Setenv(platform.IreeCompilePathEnvVar, stubCompiler(t))
	t.Setenv("FUSILLI_COMPILE_BACKEND_USE_CLI", "1")

	jobs := make([]compile.Job, 6)
	for i := range jobs {
		jobs[i] = compile.Job{GraphName: fmt.Sprintf("batch_graph_%d", i), ASM: "module {}"}
	}

	results := compile.Batch(runtime.Handle{Backend: runtime.CPU}, jobs, 2, false)
	require.Len(t, results, len(jobs))
	for i, r := range results {
		require.NoError(t, r.Err)
		require.Equal(t, jobs[i].GraphName, r.GraphName)
		require.FileExists(t, r.OutputPath)
	}
}
