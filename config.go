package wasmsnap

import (
	"go.uber.org/zap"

	"github.com/wasmsnap/wasmsnap/internal/engine"
	"github.com/wasmsnap/wasmsnap/internal/engine/backend"
)

// Tier selects the code generator. Both tiers produce code whose snapshots are interchangeable.
type Tier = backend.Tier

const (
	// TierBaseline keeps the first locals in registers and every operand in a frame slot.
	TierBaseline = backend.TierBaseline
	// TierOptimized folds constants and elides guards on operands known to be safe.
	TierOptimized = backend.TierOptimized
)

// RuntimeConfig controls runtime behavior, with the default implementation as NewRuntimeConfig
//
// The example below explicitly limits to a memory of 16 pages and starts in the optimized tier:
//
//	rConfig = wasmsnap.NewRuntimeConfig().WithTier(wasmsnap.TierOptimized).WithMemoryLimitPages(16)
//
// Note: RuntimeConfig is immutable. Each WithXXX function returns a new instance including the corresponding change.
type RuntimeConfig interface {
	// WithTier sets the tier modules are compiled with first. Defaults to TierBaseline.
	//
	// Instance.TierUp switches an instance to TierOptimized later on.
	WithTier(Tier) RuntimeConfig

	// WithStackSize sets the size in bytes of the machine stack of each instance. Defaults to 1 MiB.
	//
	// Recursion deeper than the stack allows traps with a stack overflow.
	WithStackSize(bytes uint64) RuntimeConfig

	// WithMemoryLimitPages overrides the maximum pages allowed per memory. The default is 65536, allowing 4GB total
	// memory per instance if the maximum is not encoded in the module.
	WithMemoryLimitPages(memoryLimitPages uint32) RuntimeConfig

	// WithCloseOnContextDone makes the cancellation or deadline of the context passed to Instance.Call interrupt the
	// running code. The call then returns an *InterruptedError whose image resumes the computation. Defaults to
	// false, in which case cancellation is ignored and only Instance.Interrupt stops the code.
	WithCloseOnContextDone(bool) RuntimeConfig

	// WithBacktraceDepth limits the frames decoded when code traps. Zero, the default, decodes the whole stack.
	// Interrupted calls always decode the whole stack so their images can be resumed.
	WithBacktraceDepth(frames int) RuntimeConfig

	// WithCompilationWorkers sets the number of functions compiled concurrently. Defaults to runtime.GOMAXPROCS.
	WithCompilationWorkers(workers int) RuntimeConfig

	// WithLogger sets the logger of compilation and execution events. Defaults to a no-op logger.
	//
	// Note: the logger is process wide. The last runtime created with a logger wins.
	WithLogger(*zap.Logger) RuntimeConfig
}

type runtimeConfig struct {
	engine engine.Config
	logger *zap.Logger
}

// engineLessConfig helps avoid copy/pasting the wrong defaults.
var engineLessConfig = &runtimeConfig{}

// NewRuntimeConfig returns a RuntimeConfig using the baseline tier.
func NewRuntimeConfig() RuntimeConfig {
	return engineLessConfig.clone()
}

// NewRuntimeConfigOptimized returns a RuntimeConfig compiling with TierOptimized from the start.
func NewRuntimeConfigOptimized() RuntimeConfig {
	return NewRuntimeConfig().WithTier(TierOptimized)
}

// clone makes a copy of this runtime config.
func (c *runtimeConfig) clone() *runtimeConfig {
	ret := *c
	return &ret
}

// WithTier implements RuntimeConfig.WithTier
func (c *runtimeConfig) WithTier(tier Tier) RuntimeConfig {
	ret := c.clone()
	ret.engine.Tier = tier
	return ret
}

// WithStackSize implements RuntimeConfig.WithStackSize
func (c *runtimeConfig) WithStackSize(bytes uint64) RuntimeConfig {
	ret := c.clone()
	ret.engine.StackSize = bytes
	return ret
}

// WithMemoryLimitPages implements RuntimeConfig.WithMemoryLimitPages
func (c *runtimeConfig) WithMemoryLimitPages(memoryLimitPages uint32) RuntimeConfig {
	ret := c.clone()
	ret.engine.MemoryLimitPages = memoryLimitPages
	return ret
}

// WithCloseOnContextDone implements RuntimeConfig.WithCloseOnContextDone
func (c *runtimeConfig) WithCloseOnContextDone(ensure bool) RuntimeConfig {
	ret := c.clone()
	ret.engine.CloseOnContextDone = ensure
	return ret
}

// WithBacktraceDepth implements RuntimeConfig.WithBacktraceDepth
func (c *runtimeConfig) WithBacktraceDepth(frames int) RuntimeConfig {
	ret := c.clone()
	ret.engine.BacktraceDepth = frames
	return ret
}

// WithCompilationWorkers implements RuntimeConfig.WithCompilationWorkers
func (c *runtimeConfig) WithCompilationWorkers(workers int) RuntimeConfig {
	ret := c.clone()
	ret.engine.CompilationWorkers = workers
	return ret
}

// WithLogger implements RuntimeConfig.WithLogger
func (c *runtimeConfig) WithLogger(l *zap.Logger) RuntimeConfig {
	ret := c.clone()
	ret.logger = l
	return ret
}
