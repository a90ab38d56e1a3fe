// Package fusilli implements a Go frontend for building, validating, and
// compiling deep-learning operator graphs against the IREE compiler and
// runtime.
//
// A graph.Graph is built from TensorAttr-described tensors connected by
// typed nodes (convolution, matmul, pointwise, reduction, layer norm,
// custom ops, ...). Each node carries a three-phase validation contract
// (pre_validate, infer_properties, post_validate) that infers missing
// tensor properties and rejects invalid attribute combinations before
// any MLIR is emitted.
//
// # Architecture Overview
//
// The frontend is organized around the pipeline a graph passes through
// on the way to an executable module:
//
//   - attributes: tensor and per-op attribute types, the graph's typed vocabulary
//   - graph: node definitions, graph construction, and three-phase validation
//   - emit: textual torch-dialect MLIR assembly from a validated graph
//   - compile: the two interchangeable compile drivers (CLI subprocess, in-process FFI)
//   - cache: the on-disk, content-addressed compile-artifact cache
//   - runtime: backend policy, device/buffer/VM-context layering for invoking a compiled module
//   - platform: external tool and library discovery
//
// # Basic Usage
//
//	g := graph.New("example")
//	x := g.Tensor(attributes.NewTensorAttr().SetName("x").SetDim([]int64{1, 3, 8, 8}).
//		SetStride(attributes.ContiguousStrides([]int64{1, 3, 8, 8})))
//	y := g.Pointwise(attributes.NewPointwiseAttr().SetMode(attributes.PointwiseReluFwd), x, nil)
//	g.MarkOutput(y)
//	if err := g.Validate(); err != nil {
//		log.Fatal(err)
//	}
//	asm := g.EmitASM()
//
// # Package Structure
//
//   - attributes: TensorAttr, Context, and per-op attribute builders
//   - dtype: the portable Dtype enum and byte-encoding helpers
//   - errors: the Code/Error model shared across every package
//   - graph: Node implementations, Graph construction and validation
//   - emit: MLIR assembly emission
//   - cache: compile-artifact cache bundles
//   - compile: Command (CLI) and Session (FFI) drivers
//   - platform: iree-compile / IREE compiler library discovery
//   - runtime: Backend policy, Handle, Buffer, VMContext
//   - cmd: command-line tools (fusillic, fusillirun, fusilliperf)
package fusilli
