// Package gojavm implements [native.Provider] on top of goja and the
// goja_nodejs event loop. It needs no native libraries.
//
// Every runtime gets its own goja VM and eventloop.EventLoop. Runtimes
// created on the same loop handle never run at the same time; a second Run
// on the same loop waits for the first to finish.
//
// Scripts see a Bare global with argv, exitCode, exit, on/once/off,
// suspend and resume, plus console, the timer functions and require.
package gojavm

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/dop251/goja_nodejs/require"
	"go.uber.org/zap"

	"github.com/caffeineduck/barego/internal/handle"
	"github.com/caffeineduck/barego/native"
)

// Status codes reported through native.StatusError.
const (
	StatusPendingException = 1
	StatusNotLoaded        = 2
	StatusAlreadyLoaded    = 3
	StatusAlreadyRun       = 4
	StatusLoopBusy         = 5
)

// Option configures a Provider.
type Option func(*config)

type config struct {
	stdout       io.Writer
	stderr       io.Writer
	logger       *zap.Logger
	moduleRoots  []string
	memoryPoll   time.Duration
	sourceLoader require.SourceLoader
}

func defaultConfig() config {
	return config{
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		logger:     zap.NewNop(),
		memoryPoll: 10 * time.Millisecond,
	}
}

// WithStdout sets where console.log and console.info write.
func WithStdout(w io.Writer) Option {
	return func(c *config) {
		c.stdout = w
	}
}

// WithStderr sets where console.warn and console.error write.
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

// WithModuleRoots adds global folders searched by require.
func WithModuleRoots(dirs ...string) Option {
	return func(c *config) {
		c.moduleRoots = append(c.moduleRoots, dirs...)
	}
}

// WithSourceLoader replaces the file loader used by require.
func WithSourceLoader(l require.SourceLoader) Option {
	return func(c *config) {
		c.sourceLoader = l
	}
}

// WithMemoryPollInterval sets how often the heap is sampled against a
// runtime's memory limit.
func WithMemoryPollInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.memoryPoll = d
		}
	}
}

// Provider is a goja-backed engine binding. It is safe for concurrent use
// across distinct runtimes.
type Provider struct {
	cfg config

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

// Name returns "goja".
func (p *Provider) Name() string { return "goja" }

// loop serializes the runtimes that share it.
type loop struct {
	drive sync.Mutex

	mu        sync.Mutex
	platforms int
	runtimes  int
}

type platform struct {
	loop     *loop
	opts     native.PlatformOptions
	registry *require.Registry
}

func (p *Provider) NewLoop() (native.Loop, error) {
	h := p.loops.Add(&loop{})
	p.cfg.logger.Debug("loop created", zap.Uintptr("loop", h))
	return native.Loop(h), nil
}

func (p *Provider) DeleteLoop(h native.Loop) error {
	l, ok := p.loops.Get(uintptr(h))
	if !ok {
		return &native.StatusError{Op: "loop_delete", Code: -1, Err: native.ErrInvalidHandle}
	}
	l.mu.Lock()
	busy := l.platforms > 0 || l.runtimes > 0
	l.mu.Unlock()
	if busy {
		return &native.StatusError{Op: "loop_delete", Code: StatusLoopBusy}
	}
	p.loops.Remove(uintptr(h))
	return nil
}

func (p *Provider) CreatePlatform(h native.Loop, opts native.PlatformOptions) (native.Platform, error) {
	l, ok := p.loops.Get(uintptr(h))
	if !ok {
		return 0, &native.StatusError{Op: "create_platform", Code: -1, Err: native.ErrInvalidHandle}
	}

	var regOpts []require.Option
	if len(p.cfg.moduleRoots) > 0 {
		regOpts = append(regOpts, require.WithGlobalFolders(p.cfg.moduleRoots...))
	}
	if p.cfg.sourceLoader != nil {
		regOpts = append(regOpts, require.WithLoader(p.cfg.sourceLoader))
	}

	l.mu.Lock()
	l.platforms++
	l.mu.Unlock()

	h2 := p.platforms.Add(&platform{
		loop:     l,
		opts:     opts,
		registry: require.NewRegistry(regOpts...),
	})
	p.cfg.logger.Debug("platform created",
		zap.Uintptr("platform", h2),
		zap.Bool("optimize_for_memory", opts.OptimizeForMemory))
	return native.Platform(h2), nil
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
