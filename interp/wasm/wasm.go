package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/tKwbr999/supabase-toolbox/pkg/logging"
	"github.com/tKwbr999/supabase-toolbox/pkg/metrics"
)

// LoaderConfig holds runtime limits and the import policy of a Loader
type LoaderConfig struct {
	// MemoryLimitPages caps guest memory in 64KiB pages. Zero keeps the wazero default.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages" validate:"lte=65536"`
	// CompileCacheSize is the number of distinct compiled modules kept.
	CompileCacheSize int `yaml:"compile_cache_size" validate:"gte=1"`
	// StartFunctions run after instantiation. Empty means only the start section runs.
	StartFunctions    []string `yaml:"start_functions"`
	WASINamespaces    []string `yaml:"wasi_namespaces"`
	RuntimeNamespaces []string `yaml:"runtime_namespaces"`
}

// DefaultLoaderConfig returns the configuration used when nothing is specified
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		MemoryLimitPages:  256, // 16MiB
		CompileCacheSize:  8,
		WASINamespaces:    DefaultWASINamespaces,
		RuntimeNamespaces: DefaultRuntimeNamespaces,
	}
}

// LoaderOption configures a Loader
type LoaderOption func(*Loader)

// WithLogger sets the logger used by the loader
func WithLogger(logger *logging.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithMetrics records compile cache lookups and synthesized imports
func WithMetrics(m *metrics.PrometheusMetrics) LoaderOption {
	return func(l *Loader) {
		l.metrics = m
	}
}

// Loader compiles and instantiates modules against synthesized host imports.
// Host modules are registered under their import namespace, so a Loader holds
// at most one live Instance per namespace: close an Instance before loading
// the next one.
type Loader struct {
	runtime        wazero.Runtime
	synth          *Synthesizer
	startFunctions []string
	logger         *logging.Logger
	metrics        *metrics.PrometheusMetrics

	mu    sync.Mutex
	cache *lru.Cache[string, wazero.CompiledModule]
}

// NewLoader creates a loader with its own wazero runtime
func NewLoader(ctx context.Context, config LoaderConfig, opts ...LoaderOption) (*Loader, error) {
	l := &Loader{
		startFunctions: config.StartFunctions,
		logger:         logging.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}

	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if config.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(config.MemoryLimitPages)
	}
	l.runtime = wazero.NewRuntimeWithConfig(ctx, rc)

	size := config.CompileCacheSize
	if size <= 0 {
		size = DefaultLoaderConfig().CompileCacheSize
	}
	cache, err := lru.NewWithEvict(size, func(_ string, compiled wazero.CompiledModule) {
		_ = compiled.Close(context.Background())
	})
	if err != nil {
		_ = l.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to create compile cache: %w", err)
	}
	l.cache = cache

	synthOpts := []SynthesizerOption{}
	if config.WASINamespaces != nil {
		synthOpts = append(synthOpts, WithWASINamespaces(config.WASINamespaces...))
	}
	if config.RuntimeNamespaces != nil {
		synthOpts = append(synthOpts, WithRuntimeNamespaces(config.RuntimeNamespaces...))
	}
	if l.metrics != nil {
		m := l.metrics
		synthOpts = append(synthOpts, WithStubObserver(func(policy NamespacePolicy, known bool) {
			kind := "catch_all"
			if known {
				kind = "known"
			}
			m.RecordSynthesizedImport(string(policy), kind)
		}))
	}
	l.synth = NewSynthesizer(synthOpts...)

	return l, nil
}

// Instance is a live module together with everything instantiated for it
type Instance struct {
	Name     string
	Module   api.Module
	Compiled wazero.CompiledModule
	Imports  *ImportTable

	// exportOrder lists function exports in declaration order
	exportOrder []string
	hosts       []api.Module
	closed      bool
}

// Close releases the guest and its host modules. Closing twice is a no-op.
func (i *Instance) Close(ctx context.Context) error {
	if i == nil || i.closed {
		return nil
	}
	i.closed = true

	var errs []error
	if i.Module != nil {
		errs = append(errs, i.Module.Close(ctx))
	}
	for _, h := range i.hosts {
		errs = append(errs, h.Close(ctx))
	}
	return errors.Join(errs...)
}

// Load reads a module from disk and instantiates it
func (l *Loader) Load(ctx context.Context, path string) (*Instance, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrLoad, path, err)
	}
	return l.LoadBytes(ctx, filepath.Base(path), b)
}

// LoadBytes compiles and instantiates a module. It makes exactly one attempt.
func (l *Loader) LoadBytes(ctx context.Context, name string, b []byte) (*Instance, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: %s: empty module", ErrLoad, name)
	}

	compiled, err := l.getOrCompileModule(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoad, name, err)
	}

	table := l.synth.Synthesize(Requirements(compiled))
	for _, ns := range table.Namespaces {
		if ns.Policy == PolicyUnsupported {
			l.logger.Warn("imports from unsupported namespace", "module", name, "namespace", ns.Namespace)
		}
	}

	hosts, err := table.Instantiate(ctx, l.runtime)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInstantiation, name, err)
	}

	// Anonymous so a module's own name section never collides with a host module.
	mc := wazero.NewModuleConfig().WithName("").WithStartFunctions(l.startFunctions...)
	mod, err := l.runtime.InstantiateModule(ctx, compiled, mc)
	if err != nil {
		closeModules(ctx, hosts)
		return nil, fmt.Errorf("%w: %s: %w", ErrInstantiation, name, err)
	}

	l.logger.Debug("module instantiated",
		"module", name,
		"host_namespaces", len(hosts),
		"host_functions", table.FunctionCount(),
	)

	order, err := functionExports(b)
	if err != nil {
		// compiled fine, so discovery falls back to index order
		l.logger.Warn("failed to read export section", "module", name, "error", err)
	}

	return &Instance{
		Name:        name,
		Module:      mod,
		Compiled:    compiled,
		Imports:     table,
		exportOrder: order,
		hosts:       hosts,
	}, nil
}

// getOrCompileModule returns a compiled module, using the cache keyed by content hash
func (l *Loader) getOrCompileModule(ctx context.Context, b []byte) (wazero.CompiledModule, error) {
	sum := sha256.Sum256(b)
	key := hex.EncodeToString(sum[:])

	l.mu.Lock()
	defer l.mu.Unlock()

	if compiled, ok := l.cache.Get(key); ok {
		l.recordCompileCache(true)
		return compiled, nil
	}
	l.recordCompileCache(false)

	compiled, err := l.runtime.CompileModule(ctx, b)
	if err != nil {
		return nil, err
	}
	l.cache.Add(key, compiled)
	return compiled, nil
}

func (l *Loader) recordCompileCache(hit bool) {
	if l.metrics != nil {
		l.metrics.RecordCompileCache(hit)
	}
}

// CachedModules returns the number of compiled modules held
func (l *Loader) CachedModules() int {
	return l.cache.Len()
}

// Close releases every compiled module and the runtime, including any live instances
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	l.cache.Purge()
	l.mu.Unlock()
	return l.runtime.Close(ctx)
}
