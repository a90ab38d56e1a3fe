package graph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fusilli-go/fusilli/attributes"
	"github.com/fusilli-go/fusilli/cache"
	"github.com/fusilli-go/fusilli/compile"
	"github.com/fusilli-go/fusilli/emit"
	ferrors "github.com/fusilli-go/fusilli/errors"
	"github.com/fusilli-go/fusilli/runtime"
)

// VariantPack maps a non-virtual, non-scalar tensor's name to the
// device buffer Execute should bind it to (spec.md §4.11 "variant
// pack").
type VariantPack map[string]*runtime.Buffer

// Graph is the root composite: tensors, sub-nodes, the validation
// pipeline, MLIR emission, and the compile/execute lifecycle (spec.md
// §4.5, §4.6, §4.11), modeled on the teacher's model.Graph lifecycle
// (build -> Validate -> topologicalSort-ordered traversal) but with the
// teacher's binary wire format replaced by textual MLIR emission and a
// compile/runtime boundary the teacher's pure-data Graph never had.
type Graph struct {
	Name string
	ctx  *attributes.Context

	inputs  []*attributes.TensorAttr
	outputs []*attributes.TensorAttr
	nodes   []Node

	validated    bool
	generatedASM string

	// Populated by Compile; required by Execute.
	handle        runtime.Handle
	assets        *cache.Assets
	vmContext     runtime.VMContext
	entryFunc     string
	workspaceSize *uint64
	compiled      bool
}

// New returns an empty Graph with the given name (sanitized for cache
// paths at compile time, not here) and a fresh dtype Context.
func New(name string) *Graph {
	return &Graph{Name: name, ctx: attributes.NewContext()}
}

// Context returns the graph-wide default-dtype context builders should
// set before constructing tensors/nodes (spec.md §3).
func (g *Graph) Context() *attributes.Context { return g.ctx }

// Tensor registers a graph input tensor, synthesizing a default name if
// the caller left it unset (spec.md §4.5).
func (g *Graph) Tensor(t *attributes.TensorAttr) *attributes.TensorAttr {
	if t.Name == "" {
		t.SetName(defaultName("tensor", len(g.inputs), "input"))
	}
	g.inputs = append(g.inputs, t)
	return t
}

// MarkOutput promotes a (typically virtual) sub-node output to a
// real graph output: clears IsVirtual, sets IsOutput, synthesizes a
// default name if absent, and registers it for signature/ABI purposes.
func (g *Graph) MarkOutput(t *attributes.TensorAttr) *attributes.TensorAttr {
	t.SetIsVirtual(false)
	t.SetOutput(true)
	if t.Name == "" {
		t.SetName(defaultName("tensor", len(g.outputs), "output"))
	}
	g.outputs = append(g.outputs, t)
	return t
}

func virtualOutput(op string, idx int, role string, ctx *attributes.Context) *attributes.TensorAttr {
	return attributes.NewTensorAttr().SetIsVirtual(true).SetName(defaultName(op, idx, role))
}

// ConvFProp appends a forward-convolution node and returns its virtual
// output Y (spec.md §4.4, §4.5).
func (g *Graph) ConvFProp(attr *attributes.ConvAttr, x, w *attributes.TensorAttr) *attributes.TensorAttr {
	idx := len(g.nodes)
	if attr.Name == "" {
		attr.SetName(defaultName("conv_fprop", idx, "node"))
	}
	y := virtualOutput("conv_fprop", idx, "Y", g.ctx)
	g.nodes = append(g.nodes, &ConvFPropNode{Attr: attr, X: x, W: w, Y: y, ctx: g.ctx})
	return y
}

// ConvWGrad appends a filter-gradient node and returns its virtual
// output DW.
func (g *Graph) ConvWGrad(attr *attributes.ConvAttr, dy, x *attributes.TensorAttr) *attributes.TensorAttr {
	idx := len(g.nodes)
	if attr.Name == "" {
		attr.SetName(defaultName("conv_wgrad", idx, "node"))
	}
	dw := virtualOutput("conv_wgrad", idx, "DW", g.ctx)
	g.nodes = append(g.nodes, &ConvWGradNode{Attr: attr, DY: dy, X: x, DW: dw, ctx: g.ctx})
	return dw
}

// ConvDGrad appends a data-gradient node and returns its virtual output
// DX.
func (g *Graph) ConvDGrad(attr *attributes.ConvAttr, dy, w *attributes.TensorAttr) *attributes.TensorAttr {
	idx := len(g.nodes)
	if attr.Name == "" {
		attr.SetName(defaultName("conv_dgrad", idx, "node"))
	}
	dx := virtualOutput("conv_dgrad", idx, "DX", g.ctx)
	g.nodes = append(g.nodes, &ConvDGradNode{Attr: attr, DY: dy, W: w, DX: dx, ctx: g.ctx})
	return dx
}

// Matmul appends a batched-matmul node and returns its virtual output C.
func (g *Graph) Matmul(attr *attributes.MatmulAttr, a, b *attributes.TensorAttr) *attributes.TensorAttr {
	idx := len(g.nodes)
	if attr.Name == "" {
		attr.SetName(defaultName("matmul", idx, "node"))
	}
	c := virtualOutput("matmul", idx, "C", g.ctx)
	g.nodes = append(g.nodes, &MatmulNode{Attr: attr, A: a, B: b, C: c, ctx: g.ctx})
	return c
}

// LayerNorm appends a layer-normalization node. mean/invVariance are
// non-nil only when attr.Phase is LayerNormTraining (spec.md §4.4).
func (g *Graph) LayerNorm(attr *attributes.LayerNormAttr, x, scale, bias *attributes.TensorAttr) (y, mean, invVariance *attributes.TensorAttr) {
	idx := len(g.nodes)
	if attr.Name == "" {
		attr.SetName(defaultName("layernorm", idx, "node"))
	}
	y = virtualOutput("layernorm", idx, "Y", g.ctx)
	n := &LayerNormNode{Attr: attr, X: x, Scale: scale, Bias: bias, Y: y, ctx: g.ctx}
	if attr.Phase == attributes.LayerNormTraining {
		mean = virtualOutput("layernorm", idx, "mean", g.ctx)
		invVariance = virtualOutput("layernorm", idx, "invvar", g.ctx)
		n.Mean, n.InvVariance = mean, invVariance
	}
	g.nodes = append(g.nodes, n)
	return y, mean, invVariance
}

// Pointwise appends an elementwise node. y is nil for arity-1 modes.
func (g *Graph) Pointwise(attr *attributes.PointwiseAttr, x, y *attributes.TensorAttr) *attributes.TensorAttr {
	idx := len(g.nodes)
	if attr.Name == "" {
		attr.SetName(defaultName("pointwise", idx, "node"))
	}
	out := virtualOutput("pointwise", idx, "out", g.ctx)
	g.nodes = append(g.nodes, &PointwiseNode{Attr: attr, X: x, Y: y, Out: out, ctx: g.ctx})
	return out
}

// Reduction appends a reduction node. outDim is the desired output
// shape with 1s marking the axes to reduce (spec.md §4.4).
func (g *Graph) Reduction(attr *attributes.ReductionAttr, x *attributes.TensorAttr, outDim []int64) *attributes.TensorAttr {
	idx := len(g.nodes)
	if attr.Name == "" {
		attr.SetName(defaultName("reduction", idx, "node"))
	}
	out := virtualOutput("reduction", idx, "out", g.ctx)
	out.SetDim(outDim)
	g.nodes = append(g.nodes, &ReductionNode{Attr: attr, X: x, Out: out, ctx: g.ctx})
	return out
}

// CustomOp appends a custom-op node and returns attr.OutputCount fresh
// virtual outputs (spec.md §4.4).
func (g *Graph) CustomOp(attr *attributes.CustomOpAttr, inputs []*attributes.TensorAttr) []*attributes.TensorAttr {
	idx := len(g.nodes)
	if attr.Name == "" {
		attr.SetName(defaultName("custom_op", idx, "node"))
	}
	outputs := make([]*attributes.TensorAttr, attr.OutputCount)
	for i := range outputs {
		outputs[i] = virtualOutput("custom_op", idx, fmt.Sprintf("out%d", i), g.ctx)
	}
	g.nodes = append(g.nodes, &CustomOpNode{Attr: attr, Inputs: inputs, Outputs: outputs, ctx: g.ctx})
	return outputs
}

// checkSSANames enforces graph-wide SSA-name uniqueness across graph
// inputs/outputs and every sub-node's operands (spec.md §4.3): the same
// *attributes.TensorAttr may legitimately appear under one name at
// several use sites, but two distinct tensors must never share a name.
func (g *Graph) checkSSANames() error {
	seen := map[string]*attributes.TensorAttr{}
	check := func(t *attributes.TensorAttr) error {
		if t == nil {
			return nil
		}
		if existing, ok := seen[t.Name]; ok {
			if existing != t {
				return ferrors.New(ferrors.InvalidAttribute, "duplicate SSA name %q", t.Name)
			}
			return nil
		}
		seen[t.Name] = t
		return nil
	}
	for _, t := range g.inputs {
		if err := check(t); err != nil {
			return err
		}
	}
	for _, t := range g.outputs {
		if err := check(t); err != nil {
			return err
		}
	}
	for _, n := range g.nodes {
		for _, t := range n.InputTensors() {
			if err := check(t); err != nil {
				return err
			}
		}
		for _, t := range n.OutputTensors() {
			if err := check(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// topologicalOrder returns the sub-nodes ordered so each node follows
// every node that produces one of its inputs, via Kahn's algorithm over
// the tensor producer/consumer edges -- the same algorithm the
// teacher's model.Graph.topologicalSort uses over its own node/edge
// representation.
func (g *Graph) topologicalOrder() ([]Node, error) {
	producer := map[string]int{}
	for i, n := range g.nodes {
		for _, t := range n.OutputTensors() {
			producer[t.Name] = i
		}
	}
	indegree := make([]int, len(g.nodes))
	adj := make([][]int, len(g.nodes))
	for i, n := range g.nodes {
		for _, t := range n.InputTensors() {
			if pi, ok := producer[t.Name]; ok && pi != i {
				adj[pi] = append(adj[pi], i)
				indegree[i]++
			}
		}
	}
	queue := make([]int, 0, len(g.nodes))
	for i := range g.nodes {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	order := make([]Node, 0, len(g.nodes))
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		order = append(order, g.nodes[idx])
		for _, nb := range adj[idx] {
			indegree[nb]--
			if indegree[nb] == 0 {
				queue = append(queue, nb)
			}
		}
	}
	if len(order) != len(g.nodes) {
		return nil, ferrors.New(ferrors.InvalidAttribute, "graph %q contains a cycle among sub-nodes", g.Name)
	}
	return order, nil
}

// Validate checks SSA-name uniqueness, then runs the three-phase
// validation pipeline: pre-validate every node, infer properties
// bottom-up in topological order, post-validate every node, then checks
// graph-level input/output tensors (spec.md §4.3, §4.5).
func (g *Graph) Validate() error {
	if err := g.checkSSANames(); err != nil {
		return err
	}
	order, err := g.topologicalOrder()
	if err != nil {
		return err
	}
	for _, n := range order {
		if err := n.PreValidate(); err != nil {
			return err
		}
	}
	for _, n := range order {
		if err := n.InferProperties(); err != nil {
			return err
		}
	}
	for _, n := range order {
		if err := n.PostValidate(); err != nil {
			return err
		}
	}
	for _, t := range g.inputs {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	for _, t := range g.outputs {
		if err := t.Validate(); err != nil {
			return err
		}
		if !t.IsOutput {
			return ferrors.New(ferrors.InvalidAttribute, "tensor %q registered as graph output but IsOutput is unset", t.Name)
		}
	}
	g.nodes = order
	g.validated = true
	log.Debug().Str("graph", g.Name).Int("nodes", len(g.nodes)).Msg("graph validated")
	return nil
}

func sortedByName(ts []*attributes.TensorAttr) []*attributes.TensorAttr {
	out := append([]*attributes.TensorAttr(nil), ts...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// collectScalars returns every distinct scalar tensor referenced as a
// node operand, in first-seen order, for graph-level constant emission
// (spec.md §4.6 point 4).
func (g *Graph) collectScalars() []*attributes.TensorAttr {
	var scalars []*attributes.TensorAttr
	seen := map[*attributes.TensorAttr]bool{}
	for _, n := range g.nodes {
		for _, t := range n.InputTensors() {
			if t != nil && t.IsScalar && !seen[t] {
				seen[t] = true
				scalars = append(scalars, t)
			}
		}
	}
	return scalars
}

// EmitASM renders the graph's MLIR module text (spec.md §4.6). Requires
// Validate to have run.
func (g *Graph) EmitASM() string {
	sortedOutputs := sortedByName(g.outputs)
	sortedInputs := sortedByName(g.inputs)

	var moduleScope strings.Builder
	for _, n := range g.nodes {
		if s := n.EmitModuleScopeASM(g.Name); s != "" {
			moduleScope.WriteString(s)
		}
	}

	args := make([]string, 0, len(sortedOutputs)+len(sortedInputs))
	for _, t := range sortedOutputs {
		args = append(args, fmt.Sprintf("%s: %s", emit.SSAName(t), emit.TensorType(t)))
	}
	for _, t := range sortedInputs {
		if t.IsScalar {
			continue
		}
		args = append(args, fmt.Sprintf("%s: %s", emit.SSAName(t), emit.VTensorType(t)))
	}

	var body strings.Builder
	for _, t := range g.collectScalars() {
		body.WriteString(emit.ScalarConstant(g.Name, t))
	}
	for _, n := range g.nodes {
		body.WriteString(n.EmitPreASM(g.Name))
		body.WriteString(n.EmitPostASM(g.Name))
	}
	body.WriteString("  return\n")

	var out strings.Builder
	out.WriteString("module {\n")
	out.WriteString(moduleScope.String())
	fmt.Fprintf(&out, "  func.func @main(%s) attributes {torch.assume_strict_symbolic_shapes} {\n", strings.Join(args, ", "))
	out.WriteString(body.String())
	out.WriteString("  }\n")
	out.WriteString("}\n")
	return out.String()
}

// compileDriver unifies compile.Command and compile.Session behind the
// shared toString/write/run shape spec.md §4.8 describes, so Graph.Compile
// can pick between them without caring which is active.
type compileDriver interface {
	String() string
	WriteTo(f *cache.File) error
	Run(inputPath, outputPath string) error
	Close() error
}

type commandDriver struct{ cmd *compile.Command }

func (d commandDriver) String() string             { return d.cmd.String() }
func (d commandDriver) WriteTo(f *cache.File) error { return d.cmd.WriteTo(f) }
func (d commandDriver) Run(_, _ string) error       { return d.cmd.Execute() }
func (d commandDriver) Close() error                { return nil }

type sessionDriver struct{ sess *compile.Session }

func (d sessionDriver) String() string             { return d.sess.String() }
func (d sessionDriver) WriteTo(f *cache.File) error { return d.sess.WriteTo(f) }
func (d sessionDriver) Run(inputPath, outputPath string) error {
	return d.sess.Execute(inputPath, outputPath)
}
func (d sessionDriver) Close() error { return d.sess.Close() }

func (g *Graph) buildDriver(handle runtime.Handle, input, output, stats *cache.File) (string, compileDriver, error) {
	if runtime.UseCLIDriver() {
		cmd, err := compile.BuildCommand(handle, input, output, stats)
		if err != nil {
			return "", nil, err
		}
		return cmd.String(), commandDriver{cmd}, nil
	}
	sess, err := compile.BuildSession(handle, stats)
	if err != nil {
		return "", nil, err
	}
	return sess.String(), sessionDriver{sess}, nil
}

// Compile requires Validate to have run. It produces generated_asm,
// consults the on-disk cache, invokes the configured compile driver on
// a miss, loads the resulting module into a VM context, and resolves
// the workspace-size contract (spec.md §4.11).
func (g *Graph) Compile(handle runtime.Handle, remove bool) error {
	if !g.validated {
		return ferrors.New(ferrors.NotValidated, "graph %q must be validated before compile", g.Name)
	}

	g.generatedASM = g.EmitASM()
	g.handle = handle

	inputPath := cache.Path(g.Name, "input.mlir")
	outputPath := cache.Path(g.Name, "output.vmfb")
	statsPath := cache.Path(g.Name, "statistics.json")
	wantCommand, driver, err := g.buildDriver(handle, &cache.File{Path: inputPath}, &cache.File{Path: outputPath}, &cache.File{Path: statsPath})
	if err != nil {
		return err
	}
	defer driver.Close()

	// A fresh Graph instance never trusts on-disk state: only an Assets
	// bundle this same instance already holds (from an earlier Compile
	// call) is eligible for reuse (spec.md §4.7 point 4).
	if g.assets != nil && cache.Valid(g.assets, wantCommand) {
		if stored, err := g.assets.Input.Read(); err == nil && stored == g.generatedASM {
			log.Debug().Str("graph", g.Name).Msg("compile cache hit")
			return g.finalizeCompile(handle, g.assets.Output.Path)
		}
	}

	inputFile, err := cache.Create(g.Name, "input.mlir", remove)
	if err != nil {
		return err
	}
	if err := inputFile.Write(g.generatedASM); err != nil {
		return err
	}
	outputFile, err := cache.Create(g.Name, "output.vmfb", remove)
	if err != nil {
		return err
	}
	commandFile, err := cache.Create(g.Name, "command.txt", remove)
	if err != nil {
		return err
	}
	statsFile, err := cache.Create(g.Name, "statistics.json", remove)
	if err != nil {
		return err
	}
	assets, err := cache.NewAssets(inputFile, outputFile, commandFile, statsFile)
	if err != nil {
		return err
	}

	if err := driver.WriteTo(commandFile); err != nil {
		return err
	}
	log.Info().Str("graph", g.Name).Str("backend", handle.Backend.String()).Msg("compile cache miss; invoking compile driver")
	if err := driver.Run(inputFile.Path, outputFile.Path); err != nil {
		return err
	}

	g.assets = assets
	return g.finalizeCompile(handle, outputFile.Path)
}

func (g *Graph) finalizeCompile(handle runtime.Handle, outputPath string) error {
	ctx, err := runtime.LoadModule(handle, outputPath)
	if err != nil {
		return err
	}
	entryFunc := runtime.EntryFunctionName(handle.Backend)
	if !ctx.HasFunction(entryFunc) {
		return ferrors.New(ferrors.InternalError, "compiled module has no %q entry function", entryFunc)
	}

	var size uint64
	if _, ok := ctx.FunctionAttr(entryFunc, runtime.WorkspaceSizeAttrDynamic); ok {
		return ferrors.New(ferrors.NotImplemented, "dynamic workspace size is not supported")
	}
	if v, ok := ctx.FunctionAttr(entryFunc, runtime.WorkspaceSizeAttrConstant); ok {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return ferrors.Wrap(ferrors.InternalError, err, "malformed workspace size attribute %q", v)
		}
		size = parsed
	}

	g.vmContext = ctx
	g.entryFunc = entryFunc
	g.workspaceSize = &size
	g.compiled = true
	return nil
}

// GetWorkspaceSize returns the compiled module's required workspace
// size in bytes. Requires Compile to have run.
func (g *Graph) GetWorkspaceSize() (*uint64, error) {
	if !g.compiled {
		return nil, ferrors.New(ferrors.NotCompiled, "graph %q must be compiled before get_workspace_size", g.Name)
	}
	return g.workspaceSize, nil
}

// Execute requires Compile to have run. It maps variantPack onto the
// ABI argument order (outputs sorted by name, then inputs sorted by
// name, skipping virtual outputs and scalar inputs), pushes the
// workspace buffer per the required-size contract, and invokes the
// resolved entry function (spec.md §4.11).
func (g *Graph) Execute(handle runtime.Handle, variantPack VariantPack, workspace *runtime.Buffer) error {
	if !g.compiled {
		return ferrors.New(ferrors.NotCompiled, "graph %q must be compiled before execute", g.Name)
	}

	var buffers []*runtime.Buffer
	for _, t := range sortedByName(g.outputs) {
		if t.IsVirtual {
			continue
		}
		buf, ok := variantPack[t.Name]
		if !ok {
			return ferrors.New(ferrors.VariantPackError, "output tensor %q missing from variant pack", t.Name)
		}
		buffers = append(buffers, buf)
	}
	for _, t := range sortedByName(g.inputs) {
		if t.IsScalar {
			if _, ok := variantPack[t.Name]; ok {
				return ferrors.New(ferrors.VariantPackError, "scalar tensor %q must not appear in variant pack", t.Name)
			}
			continue
		}
		buf, ok := variantPack[t.Name]
		if !ok {
			return ferrors.New(ferrors.VariantPackError, "input tensor %q missing from variant pack", t.Name)
		}
		buffers = append(buffers, buf)
	}

	required := *g.workspaceSize
	if required > 0 && workspace == nil {
		return ferrors.New(ferrors.VariantPackError, "graph %q requires a %d-byte workspace buffer", g.Name, required)
	}
	if required == 0 && workspace != nil {
		return ferrors.New(ferrors.VariantPackError, "graph %q declares no workspace but one was provided", g.Name)
	}

	async := runtime.ExecuteAsync[handle.Backend]
	if err := g.vmContext.Invoke(g.entryFunc, buffers, workspace, async); err != nil {
		return ferrors.Wrap(ferrors.RuntimeFailure, err, "execute failed for graph %q", g.Name)
	}
	return nil
}

// Close releases the compiled module and on-disk cache assets, if any.
func (g *Graph) Close() error {
	var firstErr error
	if g.vmContext != nil {
		if err := g.vmContext.Close(); err != nil {
			firstErr = err
		}
	}
	if g.assets != nil {
		if err := g.assets.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
