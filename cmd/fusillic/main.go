// Command fusillic compiles an already-emitted Fusilli MLIR module (the
// text graph.Graph.EmitASM produces, or any torch-dialect module an
// embedding application dumped to disk) into the on-disk compile cache,
// the thin standalone counterpart to calling Graph.Compile from Go
// (spec.md §1 "thin glue around the core").
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fusilli-go/fusilli/cache"
	"github.com/fusilli-go/fusilli/compile"
	"github.com/fusilli-go/fusilli/runtime"
)

// version is overridden at link time via -ldflags, matching sublc's
// hardcoded version string but made injectable instead of baked in.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "fusillic",
		Short:        "Compile a Fusilli MLIR module into the compile cache",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("cache-dir", "", "override "+cache.RootEnvVar)
	root.PersistentFlags().Bool("use-cli", false, "force the subprocess compile driver instead of the FFI session")
	_ = viper.BindPFlag("cache_dir", root.PersistentFlags().Lookup("cache-dir"))
	_ = viper.BindPFlag("use_cli", root.PersistentFlags().Lookup("use-cli"))
	viper.SetEnvPrefix("fusilli")
	viper.AutomaticEnv()

	root.AddCommand(newCompileCmd())
	root.AddCommand(newWarmCmd())
	root.AddCommand(newVersionCmd(root))
	return root
}

func newVersionCmd(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print fusillic's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(root.OutOrStdout(), "fusillic %s\n", version)
			return nil
		},
	}
}

func newCompileCmd() *cobra.Command {
	var backendName string
	var deviceID int
	var keepCache bool

	cmd := &cobra.Command{
		Use:   "compile <graph-name> <input.mlir>",
		Short: "Compile an MLIR module and report the cached VM bytecode path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir := viper.GetString("cache_dir"); dir != "" {
				os.Setenv(cache.RootEnvVar, dir)
			}
			if viper.GetBool("use_cli") {
				os.Setenv("FUSILLI_COMPILE_BACKEND_USE_CLI", "1")
			}

			graphName, inputPath := args[0], args[1]
			asm, err := os.ReadFile(inputPath)
			if err != nil {
				return fmt.Errorf("reading %s: %w", inputPath, err)
			}

			backend, err := parseBackend(backendName)
			if err != nil {
				return err
			}
			handle := runtime.Handle{Backend: backend, DeviceID: deviceID}

			outputPath, err := compileModule(handle, graphName, string(asm), !keepCache)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compiled %s -> %s\n", inputPath, outputPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&backendName, "backend", "cpu", "target backend: cpu or amdgpu")
	cmd.Flags().IntVar(&deviceID, "device", 0, "device ordinal")
	cmd.Flags().BoolVar(&keepCache, "keep-cache", false, "keep the cache bundle's files instead of removing them on Close")
	return cmd
}

// newWarmCmd compiles a batch of independent modules concurrently,
// capped at --concurrency in-flight compiles (compile.Batch), the
// bulk-priming counterpart to "compile" for warming the cache across
// many models at once.
func newWarmCmd() *cobra.Command {
	var backendName string
	var deviceID int
	var concurrency int
	var keepCache bool
	var modules []string

	cmd := &cobra.Command{
		Use:   "warm --module <name>=<input.mlir> [--module ...]",
		Short: "Compile several MLIR modules concurrently into the compile cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(modules) == 0 {
				return fmt.Errorf("at least one --module name=path is required")
			}
			if dir := viper.GetString("cache_dir"); dir != "" {
				os.Setenv(cache.RootEnvVar, dir)
			}
			if viper.GetBool("use_cli") {
				os.Setenv("FUSILLI_COMPILE_BACKEND_USE_CLI", "1")
			}

			backend, err := parseBackend(backendName)
			if err != nil {
				return err
			}
			handle := runtime.Handle{Backend: backend, DeviceID: deviceID}

			jobs := make([]compile.Job, 0, len(modules))
			for _, m := range modules {
				name, path, ok := strings.Cut(m, "=")
				if !ok {
					return fmt.Errorf("--module %q must be name=path", m)
				}
				asm, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading %s: %w", path, err)
				}
				jobs = append(jobs, compile.Job{GraphName: name, ASM: string(asm)})
			}

			results := compile.Batch(handle, jobs, concurrency, !keepCache)
			var failed int
			for _, r := range results {
				if r.Err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", r.GraphName, r.Err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "compiled %s -> %s\n", r.GraphName, r.OutputPath)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d modules failed to compile", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&backendName, "backend", "cpu", "target backend: cpu or amdgpu")
	cmd.Flags().IntVar(&deviceID, "device", 0, "device ordinal")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "maximum number of modules compiled at once")
	cmd.Flags().BoolVar(&keepCache, "keep-cache", false, "keep the cache bundle's files instead of removing them on Close")
	cmd.Flags().StringArrayVar(&modules, "module", nil, "name=path pair, repeatable")
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

// compileModule mirrors graph.Graph.Compile's cache-miss path for
// caller-supplied MLIR text rather than text produced by graph.EmitASM:
// fusillic's whole job is compiling a module that already exists on
// disk, so it skips the in-memory cache.Assets reuse check a live Graph
// performs across repeated Compile calls within one process.
func compileModule(handle runtime.Handle, graphName, asm string, remove bool) (string, error) {
	inputFile, err := cache.Create(graphName, "input.mlir", remove)
	if err != nil {
		return "", err
	}
	if err := inputFile.Write(asm); err != nil {
		return "", err
	}
	outputFile, err := cache.Create(graphName, "output.vmfb", remove)
	if err != nil {
		return "", err
	}
	commandFile, err := cache.Create(graphName, "command.txt", remove)
	if err != nil {
		return "", err
	}
	statsFile, err := cache.Create(graphName, "statistics.json", remove)
	if err != nil {
		return "", err
	}

	if runtime.UseCLIDriver() {
		cmd, err := compile.BuildCommand(handle, inputFile, outputFile, statsFile)
		if err != nil {
			return "", err
		}
		if err := cmd.WriteTo(commandFile); err != nil {
			return "", err
		}
		if err := cmd.Execute(); err != nil {
			return "", err
		}
		return outputFile.Path, nil
	}

	sess, err := compile.BuildSession(handle, statsFile)
	if err != nil {
		return "", err
	}
	defer sess.Close()
	if err := sess.WriteTo(commandFile); err != nil {
		return "", err
	}
	if err := sess.Execute(inputFile.Path, outputFile.Path); err != nil {
		return "", err
	}
	return outputFile.Path, nil
}
