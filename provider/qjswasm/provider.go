// Package qjswasm implements [native.Provider] by running a QuickJS WASI
// reactor module under wazero.
//
// A loop owns one wazero runtime with WASI and an optional compilation
// cache. A platform compiles the reactor module once per loop. Every
// runtime is a fresh module instance initialized with the std and os
// modules and a small prelude that installs the Bare global, timers and
// an uncaught-exception route back to the host.
//
// The reactor binary is not bundled; supply it with WithModule or
// WithModuleFile. It must export qjs_init_argv, qjs_eval, qjs_loop_once,
// qjs_destroy, malloc and free.
//
// Unhandled promise rejections are reported by the engine itself and
// always become the pending exception; unhandledRejection listeners are
// not supported.
package qjswasm

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/caffeineduck/barego/internal/handle"
	"github.com/caffeineduck/barego/native"
)

//go:embed prelude.js
var prelude string

// Status codes reported through native.StatusError.
const (
	StatusPendingException = 1
	StatusNotLoaded        = 2
	StatusAlreadyLoaded    = 3
	StatusAlreadyRun       = 4
	StatusLoopBusy         = 5
	StatusTrap             = 6
)

// Option configures a Provider.
type Option func(*config)

type config struct {
	module           []byte
	moduleFile       string
	stdout           io.Writer
	stderr           io.Writer
	logger           *zap.Logger
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32
}

func defaultConfig() config {
	return config{
		stdout: os.Stdout,
		stderr: os.Stderr,
		logger: zap.NewNop(),
	}
}

// WithModule sets the reactor binary.
func WithModule(wasm []byte) Option {
	return func(c *config) {
		c.module = wasm
	}
}

// WithModuleFile reads the reactor binary from path when the first
// platform is created.
func WithModuleFile(path string) Option {
	return func(c *config) {
		c.moduleFile = path
	}
}

// WithStdout sets where script stdout goes.
func WithStdout(w io.Writer) Option {
	return func(c *config) {
		c.stdout = w
	}
}

// WithStderr sets where script stderr goes, minus prelude messages.
func WithStderr(w io.Writer) Option {
	return func(c *config) {
		c.stderr = w
	}
}

// WithLogger sets the provider's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDiskCache enables a persistent compilation cache. Optionally provide
// a directory; otherwise XDG_CACHE_HOME/barego or ~/.cache/barego is used.
//
// Examples:
//
//	qjswasm.New(qjswasm.WithDiskCache())             // default dir
//	qjswasm.New(qjswasm.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) Option {
	return func(c *config) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimitPages caps linear memory for every module on a loop.
// Each page is 64KB; 0 keeps the wazero default of 4GB.
func WithMemoryLimitPages(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

// Provider is a QuickJS-on-wazero engine binding. It is safe for
// concurrent use across distinct runtimes.
type Provider struct {
	cfg config

	moduleOnce sync.Once
	moduleErr  error

	loops     handle.Table[*loop]
	platforms handle.Table[*platform]
	runtimes  handle.Table[*runtime]
	envs      handle.Table[*runtime]
}

var _ native.Provider = (*Provider)(nil)

// New creates a Provider.
func New(opts ...Option) *Provider {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Provider{cfg: cfg}
}

// Name returns "quickjs".
func (p *Provider) Name() string { return "quickjs" }

// loop owns a wazero runtime. Runtimes on the same loop run one at a
// time.
type loop struct {
	drive sync.Mutex

	runtime wazero.Runtime
	cache   wazero.CompilationCache

	mu        sync.RWMutex
	compiled  wazero.CompiledModule
	platforms int
	runtimes  int
}

type platform struct {
	loop     *loop
	opts     native.PlatformOptions
	compiled wazero.CompiledModule
}

func (p *Provider) NewLoop() (native.Loop, error) {
	ctx := context.Background()

	var cache wazero.CompilationCache
	if p.cfg.diskCache {
		dir := p.cfg.cacheDir
		if dir == "" {
			dir = defaultCacheDir()
		}
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			return 0, &native.StatusError{Op: "loop_new", Code: -1, Err: fmt.Errorf("create disk cache: %w", err)}
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if p.cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(p.cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		err = multierr.Append(fmt.Errorf("instantiate WASI: %w", err), rt.Close(ctx))
		if cache != nil {
			err = multierr.Append(err, cache.Close(ctx))
		}
		return 0, &native.StatusError{Op: "loop_new", Code: -1, Err: err}
	}

	h := p.loops.Add(&loop{runtime: rt, cache: cache})
	p.cfg.logger.Debug("loop created", zap.Uintptr("loop", h), zap.Bool("disk_cache", cache != nil))
	return native.Loop(h), nil
}

func (p *Provider) DeleteLoop(h native.Loop) error {
	l, ok := p.loops.Get(uintptr(h))
	if !ok {
		return &native.StatusError{Op: "loop_delete", Code: -1, Err: native.ErrInvalidHandle}
	}
	l.mu.RLock()
	busy := l.platforms > 0 || l.runtimes > 0
	l.mu.RUnlock()
	if busy {
		return &native.StatusError{Op: "loop_delete", Code: StatusLoopBusy}
	}
	p.loops.Remove(uintptr(h))

	ctx := context.Background()
	err := l.runtime.Close(ctx)
	if l.cache != nil {
		err = multierr.Append(err, l.cache.Close(ctx))
	}
	if err != nil {
		return &native.StatusError{Op: "loop_delete", Code: -1, Err: err}
	}
	return nil
}

func (p *Provider) CreatePlatform(h native.Loop, opts native.PlatformOptions) (native.Platform, error) {
	l, ok := p.loops.Get(uintptr(h))
	if !ok {
		return 0, &native.StatusError{Op: "create_platform", Code: -1, Err: native.ErrInvalidHandle}
	}

	compiled, err := p.getCompiled(context.Background(), l)
	if err != nil {
		return 0, &native.StatusError{Op: "create_platform", Code: -1, Err: err}
	}

	l.mu.Lock()
	l.platforms++
	l.mu.Unlock()

	ph := p.platforms.Add(&platform{loop: l, opts: opts, compiled: compiled})
	p.cfg.logger.Debug("platform created",
		zap.Uintptr("platform", ph),
		zap.Bool("optimize_for_memory", opts.OptimizeForMemory))
	return native.Platform(ph), nil
}

func (p *Provider) DestroyPlatform(h native.Platform) error {
	pl, ok := p.platforms.Remove(uintptr(h))
	if !ok {
		return &native.StatusError{Op: "destroy_platform", Code: -1, Err: native.ErrInvalidHandle}
	}
	pl.loop.mu.Lock()
	pl.loop.platforms--
	pl.loop.mu.Unlock()
	return nil
}

// getCompiled returns the loop's compiled reactor, compiling if necessary.
func (p *Provider) getCompiled(ctx context.Context, l *loop) (wazero.CompiledModule, error) {
	l.mu.RLock()
	if l.compiled != nil {
		compiled := l.compiled
		l.mu.RUnlock()
		return compiled, nil
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.compiled != nil {
		return l.compiled, nil
	}

	wasm, err := p.moduleBytes()
	if err != nil {
		return nil, err
	}
	compiled, err := l.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("compile quickjs: %w", err)
	}
	for _, name := range requiredExports {
		if _, ok := compiled.ExportedFunctions()[name]; !ok {
			return nil, fmt.Errorf("compile quickjs: missing export %q", name)
		}
	}

	l.compiled = compiled
	return compiled, nil
}

func (p *Provider) moduleBytes() ([]byte, error) {
	p.moduleOnce.Do(func() {
		if len(p.cfg.module) > 0 || p.cfg.moduleFile == "" {
			return
		}
		p.cfg.module, p.moduleErr = os.ReadFile(p.cfg.moduleFile)
		if p.moduleErr != nil {
			p.moduleErr = fmt.Errorf("read quickjs module: %w", p.moduleErr)
		}
	})
	if p.moduleErr != nil {
		return nil, p.moduleErr
	}
	if len(p.cfg.module) == 0 {
		return nil, fmt.Errorf("no quickjs module configured")
	}
	return p.cfg.module, nil
}

func (p *Provider) runtime(h native.Runtime, op string) (*runtime, error) {
	r, ok := p.runtimes.Get(uintptr(h))
	if !ok {
		return nil, &native.StatusError{Op: op, Code: -1, Err: native.ErrInvalidHandle}
	}
	return r, nil
}

func (p *Provider) env(h native.Env, op string) (*runtime, error) {
	r, ok := p.envs.Get(uintptr(h))
	if !ok {
		return nil, &native.StatusError{Op: op, Code: -1, Err: native.ErrInvalidHandle}
	}
	return r, nil
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "barego")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "barego")
	}
	return filepath.Join(os.TempDir(), "barego-cache")
}
