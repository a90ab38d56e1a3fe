// Command fusilliperf benchmarks the pure-Go portions of the Fusilli
// pipeline -- graph construction, three-phase validation, and MLIR
// emission -- across the op kinds original_source/samples/*.cpp cover
// (convolution, layernorm, matmul, pointwise), the adapted counterpart
// to cmd/sublperf's kernel microbenchmarks (spec.md §1 "thin glue
// around the core"; SPEC_FULL.md §10 "CLI benchmark driver analogue").
// It never invokes the real compile/runtime drivers: those require the
// out-of-scope IREE toolchain (spec.md §1), so only the parts of the
// pipeline fully implemented in this module are timed.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/fusilli-go/fusilli/attributes"
	"github.com/fusilli-go/fusilli/dtype"
	"github.com/fusilli-go/fusilli/graph"
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
		Use:          "fusilliperf",
		Short:        "Benchmark Fusilli graph construction, validation, and MLIR emission",
		SilenceUsage: true,
	}
	root.AddCommand(newBenchCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print fusilliperf's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "fusilliperf %s\n", version)
			return nil
		},
	})
	return root
}

type scenario struct {
	name  string
	build func(size int64) *graph.Graph
}

var scenarios = []scenario{
	{"convolution", buildConvScenario},
	{"layernorm", buildLayerNormScenario},
	{"matmul", buildMatmulScenario},
	{"pointwise", buildPointwiseScenario},
}

func newBenchCmd() *cobra.Command {
	var testType string
	var size int64
	var iter int
	var verbose bool

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run the op-kind benchmarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Fusilli Performance Analysis Tool")
			fmt.Fprintln(out, "=================================")
			fmt.Fprintf(out, "Test Size: %d\n", size)
			fmt.Fprintf(out, "Iterations: %d\n\n", iter)

			var picked []scenario
			if testType == "all" {
				picked = scenarios
			} else {
				for _, s := range scenarios {
					if s.name == testType {
						picked = append(picked, s)
					}
				}
				if len(picked) == 0 {
					return fmt.Errorf("unknown test type %q", testType)
				}
			}

			t := table.NewWriter()
			t.SetOutputMirror(out)
			t.SetTitle("Graph Pipeline Throughput")
			t.AppendHeader(table.Row{"Scenario", "Build+Validate", "EmitASM", "Graphs/s"})
			for _, s := range picked {
				buildTime, emitTime := runScenario(s, size, iter, verbose)
				throughput := float64(iter) / (buildTime + emitTime).Seconds()
				t.AppendRow(table.Row{s.name, buildTime, emitTime, fmt.Sprintf("%.2f", throughput)})
			}
			fmt.Fprintln(out, t.Render())
			return nil
		},
	}
	cmd.Flags().StringVar(&testType, "test", "all", "scenario to run: all, convolution, layernorm, matmul, pointwise")
	cmd.Flags().Int64Var(&size, "size", 64, "spatial/feature size driving each scenario's tensor shapes")
	cmd.Flags().IntVar(&iter, "iter", 1000, "number of graph build+validate+emit iterations")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "print each scenario's emitted MLIR on the first iteration")
	return cmd
}

func runScenario(s scenario, size int64, iter int, verbose bool) (buildTime, emitTime time.Duration) {
	for i := 0; i < iter; i++ {
		start := time.Now()
		g := s.build(size)
		if err := g.Validate(); err != nil {
			continue
		}
		buildTime += time.Since(start)

		start = time.Now()
		asm := g.EmitASM()
		emitTime += time.Since(start)

		if verbose && i == 0 {
			fmt.Println(asm)
		}
	}
	return buildTime, emitTime
}

func newContext() *attributes.Context {
	return attributes.NewContext().
		SetIODataType(dtype.Float).
		SetIntermediateDataType(dtype.Float).
		SetComputeDataType(dtype.Float)
}

// buildConvScenario builds a 1x1-kernel forward convolution over a
// size x size spatial grid, the shape family samples/convolution/*.cpp
// exercises (SPEC_FULL.md §10).
func buildConvScenario(size int64) *graph.Graph {
	g := graph.New("perf_conv")
	*g.Context() = *newContext()

	x := g.Tensor(attributes.NewTensorAttr().SetName("X").
		SetDim([]int64{1, 3, size, size}).
		SetStride(attributes.ContiguousStrides([]int64{1, 3, size, size})).SetDataType(dtype.Float))
	w := g.Tensor(attributes.NewTensorAttr().SetName("W").
		SetDim([]int64{8, 3, 1, 1}).
		SetStride(attributes.ContiguousStrides([]int64{8, 3, 1, 1})).SetDataType(dtype.Float))

	conv := attributes.NewConvAttr().SetPadding([]int64{0, 0}).SetStride([]int64{1, 1}).SetDilation([]int64{1, 1})
	y := g.ConvFProp(conv, x, w)
	g.MarkOutput(y)
	return g
}

// buildLayerNormScenario builds a training-phase layer norm over
// [size, size] activations, the shape family samples/layernorm/*.cpp
// exercises.
func buildLayerNormScenario(size int64) *graph.Graph {
	g := graph.New("perf_layernorm")
	*g.Context() = *newContext()

	x := g.Tensor(attributes.NewTensorAttr().SetName("X").
		SetDim([]int64{size, size}).SetStride(attributes.ContiguousStrides([]int64{size, size})).SetDataType(dtype.Float))
	scale := g.Tensor(attributes.NewTensorAttr().SetName("scale").
		SetDim([]int64{size}).SetStride([]int64{1}).SetDataType(dtype.Float))
	bias := g.Tensor(attributes.NewTensorAttr().SetName("bias").
		SetDim([]int64{size}).SetStride([]int64{1}).SetDataType(dtype.Float))

	attr := attributes.NewLayerNormAttr().SetPhase(attributes.LayerNormTraining).SetEpsilon(1e-5)
	y, mean, invVar := g.LayerNorm(attr, x, scale, bias)
	g.MarkOutput(y)
	g.MarkOutput(mean)
	g.MarkOutput(invVar)
	return g
}

// buildMatmulScenario builds a single-batch [size,size]x[size,size]
// matmul, the shape family samples/matmul/*.cpp exercises.
func buildMatmulScenario(size int64) *graph.Graph {
	g := graph.New("perf_matmul")
	*g.Context() = *newContext()

	a := g.Tensor(attributes.NewTensorAttr().SetName("A").
		SetDim([]int64{size, size}).SetStride(attributes.ContiguousStrides([]int64{size, size})).SetDataType(dtype.Float))
	b := g.Tensor(attributes.NewTensorAttr().SetName("B").
		SetDim([]int64{size, size}).SetStride(attributes.ContiguousStrides([]int64{size, size})).SetDataType(dtype.Float))

	c := g.Matmul(attributes.NewMatmulAttr(), a, b)
	g.MarkOutput(c)
	return g
}

// buildPointwiseScenario builds a ReLU over a flat size-length vector,
// the shape family samples/pointwise/*.cpp exercises.
func buildPointwiseScenario(size int64) *graph.Graph {
	g := graph.New("perf_pointwise")
	*g.Context() = *newContext()

	x := g.Tensor(attributes.NewTensorAttr().SetName("X").
		SetDim([]int64{size}).SetStride([]int64{1}).SetDataType(dtype.Float))
	out := g.Pointwise(attributes.NewPointwiseAttr().SetMode(attributes.PointwiseReluFwd), x, nil)
	g.MarkOutput(out)
	return g
}
