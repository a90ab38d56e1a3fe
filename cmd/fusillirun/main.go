// Command fusillirun loads a previously compiled Fusilli VM bytecode
// module and invokes its entry function against caller-supplied input
// buffers, the standalone counterpart to graph.Graph.Execute for a
// module compiled outside the current process (spec.md §1 "thin glue
// around the core"). It requires a runtime.NativeRuntime binding for the
// real IREE runtime library to have been wired in via
// runtime.SetDefaultRuntime before use; no such binding ships in this
// module, since the real IREE runtime is out of scope (spec.md §1).
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	ferrors "github.com/fusilli-go/fusilli/errors"
	"github.com/fusilli-go/fusilli/runtime"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "fusillirun",
		Short:        "Execute a compiled Fusilli VM bytecode module",
		SilenceUsage: true,
	}
	viper.SetEnvPrefix("fusilli")
	viper.AutomaticEnv()

	root.AddCommand(newExecCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print fusillirun's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "fusillirun %s\n", version)
			return nil
		},
	})
	return root
}

func newExecCmd() *cobra.Command {
	var backendName string
	var deviceID int
	var inputs []string
	var outputSizes []string
	var outputFiles []string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "exec <module.vmfb>",
		Short: "Load a compiled module and invoke its entry function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(outputSizes) != len(outputFiles) {
				return fmt.Errorf("--output-size and --output-file must be given the same number of times")
			}
			backend, err := parseBackend(backendName)
			if err != nil {
				return err
			}
			handle := runtime.Handle{Backend: backend, DeviceID: deviceID}

			return runModule(handle, args[0], inputs, outputSizes, outputFiles, verbose)
		},
	}
	cmd.Flags().StringVar(&backendName, "backend", "cpu", "target backend: cpu or amdgpu")
	cmd.Flags().IntVar(&deviceID, "device", 0, "device ordinal")
	cmd.Flags().StringSliceVar(&inputs, "input", nil, "raw input buffer file, one per --input, in entry-function input order")
	cmd.Flags().StringSliceVar(&outputSizes, "output-size", nil, "output buffer size in bytes, one per --output-size, in entry-function output order")
	cmd.Flags().StringSliceVar(&outputFiles, "output-file", nil, "destination file for the matching --output-size entry")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "print entry function and workspace size before invoking")
	return cmd
}

func parseBackend(name string) (runtime.Backend, error) {
	switch name {
	case "cpu":
		return runtime.CPU, nil
	case "amdgpu":
		return runtime.AMDGPU, nil
	default:
		return 0, fmt.Errorf("unknown backend %q (want cpu or amdgpu)", name)
	}
}

// runModule reproduces graph.Graph.finalizeCompile/Execute's ABI wiring
// (outputs bound first, then inputs, spec.md §4.11) for a module loaded
// independently of the graph.Graph that produced it.
func runModule(handle runtime.Handle, modulePath string, inputPaths, outputSizes, outputFiles []string, verbose bool) error {
	ctx, err := runtime.LoadModule(handle, modulePath)
	if err != nil {
		return fmt.Errorf("loading %s: %w", modulePath, err)
	}
	defer ctx.Close()

	entryFunc := runtime.EntryFunctionName(handle.Backend)
	if !ctx.HasFunction(entryFunc) {
		return fmt.Errorf("module has no %q entry function", entryFunc)
	}

	workspaceSize, err := workspaceSizeOf(ctx, entryFunc)
	if err != nil {
		return err
	}
	if verbose {
		fmt.Printf("entry function: %s\nworkspace size: %d bytes\n", entryFunc, workspaceSize)
	}

	var buffers []*runtime.Buffer
	var outBufs []*runtime.Buffer
	for _, sizeStr := range outputSizes {
		size, err := strconv.Atoi(sizeStr)
		if err != nil {
			return fmt.Errorf("invalid --output-size %q: %w", sizeStr, err)
		}
		buf, err := runtime.AllocateRaw(handle, size)
		if err != nil {
			return err
		}
		buffers = append(buffers, buf)
		outBufs = append(outBufs, buf)
	}
	for _, path := range inputPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading input %s: %w", path, err)
		}
		buf, err := runtime.Import(handle, data)
		if err != nil {
			return err
		}
		buffers = append(buffers, buf)
	}

	var workspace *runtime.Buffer
	if workspaceSize > 0 {
		workspace, err = runtime.AllocateRaw(handle, int(workspaceSize))
		if err != nil {
			return err
		}
		defer workspace.Close()
	}

	if err := ctx.Invoke(entryFunc, buffers, workspace, runtime.ExecuteAsync[handle.Backend]); err != nil {
		return fmt.Errorf("invoking %s: %w", entryFunc, err)
	}

	for i, buf := range outBufs {
		out := make([]byte, buf.Len())
		if err := buf.Read(out); err != nil {
			return err
		}
		if err := os.WriteFile(outputFiles[i], out, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", outputFiles[i], err)
		}
	}
	return nil
}

// workspaceSizeOf resolves the workspace-size contract the same way
// graph.Graph.finalizeCompile does (DESIGN.md Open Question 5).
func workspaceSizeOf(ctx runtime.VMContext, entryFunc string) (uint64, error) {
	if _, ok := ctx.FunctionAttr(entryFunc, runtime.WorkspaceSizeAttrDynamic); ok {
		return 0, ferrors.New(ferrors.NotImplemented, "dynamic workspace size is not supported")
	}
	if v, ok := ctx.FunctionAttr(entryFunc, runtime.WorkspaceSizeAttrConstant); ok {
		size, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, ferrors.Wrap(ferrors.InternalError, err, "malformed workspace size attribute %q", v)
		}
		return size, nil
	}
	return 0, nil
}
