package wasm

import (
	"context"
	"fmt"
	"slices"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// NamespacePolicy decides how imports of one module namespace are satisfied.
type NamespacePolicy string

const (
	// PolicyWASI serves well-known WASI functions plus a catch-all for the rest.
	PolicyWASI NamespacePolicy = "wasi"
	// PolicyRuntime serves a catch-all for every name.
	PolicyRuntime NamespacePolicy = "runtime"
	// PolicyUnsupported serves nothing; instantiation fails if anything is required.
	PolicyUnsupported NamespacePolicy = "unsupported"
)

var (
	DefaultWASINamespaces    = []string{"wasi_snapshot_preview1", "wasi_unstable"}
	DefaultRuntimeNamespaces = []string{"gojs", "go"}
)

// ImportRequirement is one function import declared by a compiled module.
type ImportRequirement struct {
	Namespace string
	Name      string
	Params    []api.ValueType
	Results   []api.ValueType
}

// Requirements lists the function imports of a compiled module in declaration order.
func Requirements(compiled wazero.CompiledModule) []ImportRequirement {
	defs := compiled.ImportedFunctions()
	reqs := make([]ImportRequirement, 0, len(defs))
	for _, def := range defs {
		namespace, name, isImport := def.Import()
		if !isImport {
			continue
		}
		reqs = append(reqs, ImportRequirement{
			Namespace: namespace,
			Name:      name,
			Params:    def.ParamTypes(),
			Results:   def.ResultTypes(),
		})
	}
	return reqs
}

// HostFunction is a synthesized stub exported under the required name with
// the required signature.
type HostFunction struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
	// Known is true when the stub came from the well-known registry rather
	// than the catch-all.
	Known bool
	fn    api.GoModuleFunc
}

// NamespaceTable holds the stubs served for one module namespace.
type NamespaceTable struct {
	Namespace string
	Policy    NamespacePolicy
	Functions []HostFunction
}

// Function returns the stub exported under name, if any.
func (n *NamespaceTable) Function(name string) (HostFunction, bool) {
	for _, f := range n.Functions {
		if f.Name == name {
			return f, true
		}
	}
	return HostFunction{}, false
}

// ImportTable is the complete host-import environment for one module.
type ImportTable struct {
	Namespaces []*NamespaceTable
}

// Lookup returns the table for a namespace.
func (t *ImportTable) Lookup(namespace string) (*NamespaceTable, bool) {
	for _, n := range t.Namespaces {
		if n.Namespace == namespace {
			return n, true
		}
	}
	return nil, false
}

// FunctionCount returns the number of stubs across all namespaces.
func (t *ImportTable) FunctionCount() int {
	total := 0
	for _, n := range t.Namespaces {
		total += len(n.Functions)
	}
	return total
}

// Instantiate registers one host module per namespace that has stubs. On
// failure the host modules instantiated so far are closed.
func (t *ImportTable) Instantiate(ctx context.Context, r wazero.Runtime) ([]api.Module, error) {
	hosts := make([]api.Module, 0, len(t.Namespaces))
	for _, ns := range t.Namespaces {
		if len(ns.Functions) == 0 {
			continue
		}

		builder := r.NewHostModuleBuilder(ns.Namespace)
		for _, f := range ns.Functions {
			builder.NewFunctionBuilder().
				WithGoModuleFunction(f.fn, f.Params, f.Results).
				WithName(f.Name).
				Export(f.Name)
		}

		mod, err := builder.Instantiate(ctx)
		if err != nil {
			closeModules(ctx, hosts)
			return nil, fmt.Errorf("host module %q: %w", ns.Namespace, err)
		}
		hosts = append(hosts, mod)
	}
	return hosts, nil
}

// Synthesizer builds import tables without knowing the required names in advance.
type Synthesizer struct {
	wasi     map[string]struct{}
	runtime  map[string]struct{}
	registry map[string]wasiStub
	observe  func(policy NamespacePolicy, known bool)
}

// SynthesizerOption configures a Synthesizer.
type SynthesizerOption func(*Synthesizer)

// WithWASINamespaces replaces the namespaces served with the WASI policy.
func WithWASINamespaces(namespaces ...string) SynthesizerOption {
	return func(s *Synthesizer) {
		s.wasi = toSet(namespaces)
	}
}

// WithRuntimeNamespaces replaces the namespaces served with the runtime policy.
func WithRuntimeNamespaces(namespaces ...string) SynthesizerOption {
	return func(s *Synthesizer) {
		s.runtime = toSet(namespaces)
	}
}

// WithStubObserver is called once per synthesized stub.
func WithStubObserver(fn func(policy NamespacePolicy, known bool)) SynthesizerOption {
	return func(s *Synthesizer) {
		s.observe = fn
	}
}

// NewSynthesizer creates a synthesizer with the default namespace sets.
func NewSynthesizer(opts ...SynthesizerOption) *Synthesizer {
	s := &Synthesizer{
		wasi:     toSet(DefaultWASINamespaces),
		runtime:  toSet(DefaultRuntimeNamespaces),
		registry: wasiRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the policy applied to a namespace.
func (s *Synthesizer) Policy(namespace string) NamespacePolicy {
	if _, ok := s.wasi[namespace]; ok {
		return PolicyWASI
	}
	if _, ok := s.runtime[namespace]; ok {
		return PolicyRuntime
	}
	return PolicyUnsupported
}

// Synthesize groups requirements by namespace, in first-seen order, and
// resolves every required name. Duplicate names keep their first signature.
func (s *Synthesizer) Synthesize(reqs []ImportRequirement) *ImportTable {
	table := &ImportTable{}
	seen := make(map[string]map[string]struct{})

	for _, req := range reqs {
		ns, ok := table.Lookup(req.Namespace)
		if !ok {
			ns = &NamespaceTable{Namespace: req.Namespace, Policy: s.Policy(req.Namespace)}
			table.Namespaces = append(table.Namespaces, ns)
			seen[req.Namespace] = make(map[string]struct{})
		}
		if ns.Policy == PolicyUnsupported {
			continue
		}
		if _, dup := seen[req.Namespace][req.Name]; dup {
			continue
		}
		seen[req.Namespace][req.Name] = struct{}{}

		f := s.resolve(ns.Policy, req)
		ns.Functions = append(ns.Functions, f)
		if s.observe != nil {
			s.observe(ns.Policy, f.Known)
		}
	}
	return table
}

func (s *Synthesizer) resolve(policy NamespacePolicy, req ImportRequirement) HostFunction {
	f := HostFunction{
		Name:    req.Name,
		Params:  req.Params,
		Results: req.Results,
	}
	if policy == PolicyWASI {
		if stub, ok := s.registry[req.Name]; ok && stub.matches(req) {
			f.Known = true
			f.fn = stub.fn
			return f
		}
	}
	f.fn = catchAll(len(req.Results))
	return f
}

// catchAll zeroes every result slot and does nothing else.
func catchAll(results int) api.GoModuleFunc {
	return func(_ context.Context, _ api.Module, stack []uint64) {
		for i := 0; i < results && i < len(stack); i++ {
			stack[i] = 0
		}
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

type wasiStub struct {
	params  []api.ValueType
	results []api.ValueType
	fn      api.GoModuleFunc
}

func (w wasiStub) matches(req ImportRequirement) bool {
	return slices.Equal(w.params, req.Params) && slices.Equal(w.results, req.Results)
}

const (
	errnoSuccess = 0
	errnoBadf    = 8
)

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

func sig(params ...api.ValueType) []api.ValueType { return params }

// wasiRegistry is the closed set of well-known WASI preview1 functions. None
// of them perform I/O: out-parameters are zeroed, fd_write reports every byte
// as written so guests do not spin, and fd_prestat_get reports EBADF so
// preopen scanning stops at the first descriptor.
func wasiRegistry() map[string]wasiStub {
	errnoOnly := sig(i32)
	return map[string]wasiStub{
		"proc_exit": {sig(i32), nil, func(context.Context, api.Module, []uint64) {}},
		"fd_read": {sig(i32, i32, i32, i32), errnoOnly, func(_ context.Context, m api.Module, stack []uint64) {
			writeU32(m, stack[3], 0)
			stack[0] = errnoSuccess
		}},
		"fd_write": {sig(i32, i32, i32, i32), errnoOnly, func(_ context.Context, m api.Module, stack []uint64) {
			writeU32(m, stack[3], iovecTotal(m, api.DecodeU32(stack[1]), api.DecodeU32(stack[2])))
			stack[0] = errnoSuccess
		}},
		"fd_seek": {sig(i32, i64, i32, i32), errnoOnly, func(_ context.Context, m api.Module, stack []uint64) {
			writeU64(m, stack[3], 0)
			stack[0] = errnoSuccess
		}},
		"fd_close":            {sig(i32), errnoOnly, succeed},
		"fd_fdstat_set_flags": {sig(i32, i32), errnoOnly, succeed},
		"fd_fdstat_get": {sig(i32, i32), errnoOnly, func(_ context.Context, m api.Module, stack []uint64) {
			zeroRange(m, stack[1], 24)
			stack[0] = errnoSuccess
		}},
		"fd_filestat_get": {sig(i32, i32), errnoOnly, func(_ context.Context, m api.Module, stack []uint64) {
			zeroRange(m, stack[1], 64)
			stack[0] = errnoSuccess
		}},
		"fd_prestat_get": {sig(i32, i32), errnoOnly, func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = errnoBadf
		}},
		"fd_prestat_dir_name": {sig(i32, i32, i32), errnoOnly, succeed},
		"environ_get":         {sig(i32, i32), errnoOnly, succeed},
		"environ_sizes_get":   {sig(i32, i32), errnoOnly, writeZeroCounts},
		"args_get":            {sig(i32, i32), errnoOnly, succeed},
		"args_sizes_get":      {sig(i32, i32), errnoOnly, writeZeroCounts},
		"clock_time_get": {sig(i32, i64, i32), errnoOnly, func(_ context.Context, m api.Module, stack []uint64) {
			writeU64(m, stack[2], 0)
			stack[0] = errnoSuccess
		}},
		"clock_res_get": {sig(i32, i32), errnoOnly, func(_ context.Context, m api.Module, stack []uint64) {
			writeU64(m, stack[1], 0)
			stack[0] = errnoSuccess
		}},
		"random_get": {sig(i32, i32), errnoOnly, func(_ context.Context, m api.Module, stack []uint64) {
			zeroRange(m, stack[0], api.DecodeU32(stack[1]))
			stack[0] = errnoSuccess
		}},
		"sched_yield": {nil, errnoOnly, succeed},
		"poll_oneoff": {sig(i32, i32, i32, i32), errnoOnly, func(_ context.Context, m api.Module, stack []uint64) {
			writeU32(m, stack[3], 0)
			stack[0] = errnoSuccess
		}},
		"path_open": {sig(i32, i32, i32, i32, i32, i64, i64, i32, i32), errnoOnly, func(_ context.Context, m api.Module, stack []uint64) {
			writeU32(m, stack[8], 0)
			stack[0] = errnoSuccess
		}},
		"path_filestat_get": {sig(i32, i32, i32, i32, i32), errnoOnly, func(_ context.Context, m api.Module, stack []uint64) {
			zeroRange(m, stack[4], 64)
			stack[0] = errnoSuccess
		}},
	}
}

func succeed(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = errnoSuccess
}

func writeZeroCounts(_ context.Context, m api.Module, stack []uint64) {
	writeU32(m, stack[0], 0)
	writeU32(m, stack[1], 0)
	stack[0] = errnoSuccess
}

// Memory helpers ignore out-of-range pointers: a stub never traps the guest.

func writeU32(m api.Module, ptr uint64, v uint32) {
	if mem := m.Memory(); mem != nil {
		mem.WriteUint32Le(api.DecodeU32(ptr), v)
	}
}

func writeU64(m api.Module, ptr uint64, v uint64) {
	if mem := m.Memory(); mem != nil {
		mem.WriteUint64Le(api.DecodeU32(ptr), v)
	}
}

func zeroRange(m api.Module, ptr uint64, n uint32) {
	mem := m.Memory()
	if mem == nil || n == 0 {
		return
	}
	offset := api.DecodeU32(ptr)
	if uint64(offset)+uint64(n) > uint64(mem.Size()) {
		return
	}
	mem.Write(offset, make([]byte, n))
}

func iovecTotal(m api.Module, iovs, count uint32) uint32 {
	mem := m.Memory()
	if mem == nil {
		return 0
	}
	var total uint32
	for i := uint32(0); i < count; i++ {
		length, ok := mem.ReadUint32Le(iovs + i*8 + 4)
		if !ok {
			break
		}
		total += length
	}
	return total
}

func closeModules(ctx context.Context, mods []api.Module) {
	for _, m := range mods {
		_ = m.Close(ctx)
	}
}
