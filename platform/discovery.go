// Package platform locates the external tools and shared libraries
// Fusilli shells out to or dynamically loads: the iree-compile
// executable (spec.md §4.8) and the IREE compiler shared library
// (spec.md §4.9), grounded on original_source's (unindexed)
// support/external_tools.h, whose getIreeCompilePath()/getIreeCompilerLibPath()
// are referenced from compile_command.cc and compile_session.cc.
package platform

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	ferrors "github.com/fusilli-go/fusilli/errors"
)

// IreeCompilePathEnvVar overrides the iree-compile executable location.
const IreeCompilePathEnvVar = "FUSILLI_IREE_COMPILE_PATH"

// IreeCompilerLibPathEnvVar overrides the IREE compiler shared library
// location used by the in-process FFI compile driver.
const IreeCompilerLibPathEnvVar = "FUSILLI_IREE_COMPILER_LIB_PATH"

// IreeCompilePath resolves the iree-compile executable: an explicit
// override via FUSILLI_IREE_COMPILE_PATH takes precedence over a PATH
// lookup (spec.md §4.8 "build" step 1).
func IreeCompilePath() (string, error) {
	if p := os.Getenv(IreeCompilePathEnvVar); p != "" {
		return p, nil
	}
	path, err := exec.LookPath("iree-compile")
	if err != nil {
		return "", ferrors.Wrap(ferrors.FileSystemFailure, err, "iree-compile not found on PATH; set %s", IreeCompilePathEnvVar)
	}
	return path, nil
}

// CompilerLibraryName returns the platform-appropriate shared library
// filename for the IREE compiler, before any directory search is
// applied (spec.md §4.9 "dynamic library loader").
func CompilerLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "IREECompiler.dll"
	case "darwin":
		return "libIREECompiler.dylib"
	default:
		return "libIREECompiler.so"
	}
}

// IreeCompilerLibPath resolves the IREE compiler shared library path: an
// explicit override via FUSILLI_IREE_COMPILER_LIB_PATH takes precedence;
// otherwise the platform-named library is looked for next to the
// iree-compile executable resolved by IreeCompilePath, mirroring how the
// CLI and FFI drivers are expected to ship side by side.
func IreeCompilerLibPath() (string, error) {
	if p := os.Getenv(IreeCompilerLibPathEnvVar); p != "" {
		return p, nil
	}
	compilePath, err := IreeCompilePath()
	if err != nil {
		return "", err
	}
	candidate := filepath.Join(filepath.Dir(compilePath), CompilerLibraryName())
	if _, err := os.Stat(candidate); err != nil {
		return "", ferrors.Wrap(ferrors.FileSystemFailure, err, "IREE compiler library not found at %s; set %s", candidate, IreeCompilerLibPathEnvVar)
	}
	return candidate, nil
}

// AMDSMIPath resolves the amd-smi executable used for GPU SKU detection
// (spec.md §4.10 step 1).
func AMDSMIPath() (string, error) {
	path, err := exec.LookPath("amd-smi")
	if err != nil {
		return "", ferrors.Wrap(ferrors.FileSystemFailure, err, "amd-smi not found on PATH")
	}
	return path, nil
}

// ROCmAgentEnumeratorPath resolves the rocm_agent_enumerator executable
// used as the GPU architecture fallback (spec.md §4.10 step 3).
func ROCmAgentEnumeratorPath() (string, error) {
	path, err := exec.LookPath("rocm_agent_enumerator")
	if err != nil {
		return "", ferrors.Wrap(ferrors.FileSystemFailure, err, "rocm_agent_enumerator not found on PATH")
	}
	return path, nil
}
