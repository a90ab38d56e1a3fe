// Package runtime implements Fusilli's backend policy (spec.md §4.10)
// and the IREE-style runtime layering: Handle (process-wide instance +
// per-configuration device, spec.md §4.11) and Buffer (spec.md §4.12).
package runtime

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"

	ferrors "github.com/fusilli-go/fusilli/errors"
)

// Backend enumerates the execution backends (spec.md §4.10).
type Backend int

const (
	CPU Backend = iota
	AMDGPU
)

func (b Backend) String() string {
	switch b {
	case CPU:
		return "cpu"
	case AMDGPU:
		return "amdgpu"
	default:
		return "unknown"
	}
}

// HALDriver maps a Backend to its IREE HAL driver name (spec.md §4.10).
var HALDriver = map[Backend]string{
	CPU:    "local-task",
	AMDGPU: "hip",
}

// ExecuteAsync reports whether a backend's compiled module entry point
// is "main$async" (true) or "main" (false), per spec.md §4.10.
var ExecuteAsync = map[Backend]bool{
	CPU:    false,
	AMDGPU: true,
}

// gpuSkuTable maps a case-insensitive marketing-name substring to an
// IREE ROCm SKU identifier, carried verbatim from
// original_source/src/fusilli/backend/backend.cc's
// getGpuSkuFromMarketingName (SPEC_FULL.md §5 "Backend policy
// supplement") since spec.md §4.10 only gestures at "a closed table".
var gpuSkuTable = []struct {
	substr string
	sku    string
}{
	{"mi355x", "mi355x"},
	{"mi350x", "mi350x"},
	{"mi325x", "mi325x"},
	{"mi308x", "mi308x"},
	{"mi300x", "mi300x"},
	{"mi300a", "mi300a"},
	{"mi250x", "mi250x"},
	{"mi250", "mi250"},
	{"mi210", "mi210"},
	{"mi100", "mi100"},
	{"w7900", "w7900"},
	{"w7800", "w7800"},
	{"w7700", "w7700"},
	{"v710", "v710"},
	{"rx 7900 xtx", "rx7900xtx"},
	{"rx 7900 xt", "rx7900xt"},
	{"rx 7800 xt", "rx7800xt"},
	{"rx 7700 xt", "rx7700xt"},
	{"rx 9070 xt", "rx9070xt"},
	{"rx 9070", "rx9070"},
	{"rx 9060 xt", "rx9060xt"},
	{"r9700", "r9700"},
}

// GPUSkuFromMarketingName maps a marketing name (e.g. "AMD Instinct
// MI300X") to an IREE SKU identifier via case-insensitive substring
// match through the closed table above. Longer/more specific entries
// are listed first so e.g. "mi350x" is matched before a hypothetical
// "mi35" prefix would be.
func GPUSkuFromMarketingName(marketingName string) (string, bool) {
	lower := strings.ToLower(marketingName)
	for _, e := range gpuSkuTable {
		if strings.Contains(lower, e.substr) {
			return e.sku, true
		}
	}
	return "", false
}

// amdSMIStatic is the shape of the fields Fusilli reads from
// `amd-smi static --gpu 0 --json`. The original C++ implementation
// hand-parses the "market_name" substring out of the raw JSON text
// because it has no JSON library available; the Go port uses
// encoding/json properly instead, per SPEC_FULL.md §5's note that this
// was a workaround in the original, not an idiom to imitate.
type amdSMIStatic struct {
	Asic struct {
		MarketName string `json:"market_name"`
	} `json:"asic"`
}

// GPUMarketingNameFromAMDSMI runs `amd-smi static --gpu 0 --json` and
// extracts the market_name field (spec.md §4.10 step 1).
func GPUMarketingNameFromAMDSMI() (string, error) {
	out, err := exec.Command("amd-smi", "static", "--gpu", "0", "--json").Output()
	if err != nil {
		return "", ferrors.Wrap(ferrors.RuntimeFailure, err, "amd-smi invocation failed")
	}
	var parsed []amdSMIStatic
	if err := json.Unmarshal(out, &parsed); err != nil {
		// Some amd-smi versions emit a single object rather than an
		// array; retry as a single object before giving up.
		var single amdSMIStatic
		if err2 := json.Unmarshal(out, &single); err2 != nil {
			return "", ferrors.Wrap(ferrors.RuntimeFailure, err, "failed to parse amd-smi JSON output")
		}
		return single.Asic.MarketName, nil
	}
	if len(parsed) == 0 {
		return "", ferrors.New(ferrors.RuntimeFailure, "amd-smi returned no GPU entries")
	}
	return parsed[0].Asic.MarketName, nil
}

// ArchFromROCmAgentEnumerator runs `rocm_agent_enumerator` and returns
// the first non-"gfx000" line (spec.md §4.10 step 3).
func ArchFromROCmAgentEnumerator() (string, error) {
	out, err := exec.Command("rocm_agent_enumerator").Output()
	if err != nil {
		return "", ferrors.Wrap(ferrors.RuntimeFailure, err, "rocm_agent_enumerator invocation failed")
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "gfx000" {
			continue
		}
		return line, nil
	}
	return "", ferrors.New(ferrors.RuntimeFailure, "rocm_agent_enumerator produced no usable architecture")
}

// IreeROCmTargetForAMDGPU resolves the --iree-rocm-target value: try the
// SKU table first via the vendor SMI tool, fall back to the architecture
// name from the agent enumerator (spec.md §4.10 steps 1-4). When neither
// external tool is available (e.g. no AMD GPU present, as in this
// module's own test environment), it logs the host CPU model (read via
// gopsutil) at Warn level and returns a RuntimeFailure error; no target
// string is produced in that case.
func IreeROCmTargetForAMDGPU() (string, error) {
	if name, err := GPUMarketingNameFromAMDSMI(); err == nil {
		if sku, ok := GPUSkuFromMarketingName(name); ok {
			return sku, nil
		}
	}
	if arch, err := ArchFromROCmAgentEnumerator(); err == nil {
		return arch, nil
	}
	info, err := cpu.Info()
	if err != nil || len(info) == 0 {
		return "", ferrors.New(ferrors.RuntimeFailure, "unable to detect AMDGPU target and no CPU fallback info available")
	}
	log.Warn().Str("cpu_model", info[0].ModelName).Msg("no AMD GPU detected; falling back to host CPU info for logging only")
	return "", ferrors.New(ferrors.RuntimeFailure, "no AMD GPU detected via amd-smi or rocm_agent_enumerator")
}

var (
	extraFlagsOnce sync.Once
	extraFlags     []string
)

// ParseExtraCompilerFlags tokenizes $FUSILLI_EXTRA_COMPILER_FLAGS,
// honoring double-quoted tokens with embedded spaces; single quotes are
// literal characters, matching std::quoted semantics in
// original_source/src/fusilli/backend/backend.cc (SPEC_FULL.md §5).
// Memoized via sync.Once since the environment is read once at
// backend-flag-table initialization (spec.md §4.8).
func ParseExtraCompilerFlags() []string {
	extraFlagsOnce.Do(func() {
		extraFlags = tokenizeQuoted(os.Getenv("FUSILLI_EXTRA_COMPILER_FLAGS"))
	})
	return extraFlags
}

// tokenizeQuoted splits s on whitespace, treating a double-quoted
// substring as a single token (quotes stripped, backslash-escapes
// honored inside), the way std::quoted parses a stream.
func tokenizeQuoted(s string) []string {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	escaped := false
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && inQuotes:
			escaped = true
		case r == '"':
			inQuotes = !inQuotes
		case r == ' ' || r == '\t':
			if inQuotes {
				cur.WriteRune(r)
			} else {
				flush()
			}
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// BackendFlags returns the per-backend iree-compile flag list (spec.md
// §4.8), including the extra flags from FUSILLI_EXTRA_COMPILER_FLAGS
// appended once. rocmTarget is required (and ignored) for CPU.
func BackendFlags(backend Backend, rocmTarget string) []string {
	var flags []string
	switch backend {
	case CPU:
		flags = []string{
			"--iree-hal-target-backends=llvm-cpu",
			"--iree-llvmcpu-target-cpu=host",
			"--iree-torch-externalize-transients",
		}
	case AMDGPU:
		flags = []string{
			"--iree-hal-target-backends=rocm",
			"--iree-rocm-target=" + rocmTarget,
			"--iree-opt-level=O3",
			"--iree-preprocessing-pass-pipeline=builtin.module(util.func(iree-preprocessing-convert-conv-filter-to-channels-last))",
			"--iree-flow-enable-pad-handling",
			"--iree-global-opt-propagate-transposes-through-conv",
			"--iree-global-opt-enable-sink-transpose-through-pad",
			"--iree-dispatch-creation-enable-fuse-padding-into-linalg-consumer-ops",
			"--iree-dispatch-creation-enable-aggressive-reshape-movement",
			"--iree-dispatch-creation-enable-split-reduction",
			"--iree-torch-externalize-transients",
		}
	}
	return append(flags, ParseExtraCompilerFlags()...)
}

// UseCLIDriver reports whether FUSILLI_COMPILE_BACKEND_USE_CLI selects
// the subprocess compile driver (set and not "0"); FFI is default
// (spec.md §4.8 "Selection").
func UseCLIDriver() bool {
	v := os.Getenv("FUSILLI_COMPILE_BACKEND_USE_CLI")
	return v != "" && v != "0"
}
