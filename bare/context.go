package bare

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/caffeineduck/barego/native"
)

// RuntimeContext is the process-wide event loop and platform shared by all
// instances. It is created once by EnsureInitialized and lives until the
// process exits; instance teardown never releases it.
type RuntimeContext struct {
	provider native.Provider
	loop     native.Loop
	platform native.Platform
	options  native.PlatformOptions
}

// Provider returns the engine binding the context was created with.
func (c *RuntimeContext) Provider() native.Provider { return c.provider }

// Loop returns the shared loop handle. Callers borrow it; they must not
// release it.
func (c *RuntimeContext) Loop() native.Loop { return c.loop }

// Platform returns the shared platform handle. Callers borrow it; they
// must not release it.
func (c *RuntimeContext) Platform() native.Platform { return c.platform }

// PlatformOptions returns the options the platform was created with.
func (c *RuntimeContext) PlatformOptions() native.PlatformOptions { return c.options }

// ContextOption configures EnsureInitialized.
type ContextOption func(*contextConfig)

type contextConfig struct {
	platform native.PlatformOptions
}

func defaultContextConfig() contextConfig {
	return contextConfig{
		platform: native.DefaultPlatformOptions(),
	}
}

// WithPlatformOptions overrides the default platform configuration.
// It only takes effect on the call that creates the context.
func WithPlatformOptions(opts native.PlatformOptions) ContextOption {
	return func(c *contextConfig) {
		c.platform = opts
	}
}

// contextCell guards a single RuntimeContext.
type contextCell struct {
	mu  sync.Mutex
	ctx *RuntimeContext
}

var process contextCell

// EnsureInitialized creates the process-wide runtime context on first use.
// Later calls return nil without touching the engine. It is safe for
// concurrent use.
func EnsureInitialized(p native.Provider, opts ...ContextOption) error {
	return process.ensure(p, opts...)
}

// Get returns the process-wide runtime context, or ErrNotInitialized.
func Get() (*RuntimeContext, error) {
	return process.get()
}

func (c *contextCell) ensure(p native.Provider, opts ...ContextOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := Logger()

	if c.ctx != nil {
		if p != nil && p.Name() != c.ctx.provider.Name() {
			log.Warn("runtime context already initialized with another engine",
				zap.String("engine", c.ctx.provider.Name()),
				zap.String("requested", p.Name()))
		}
		return nil
	}
	if p == nil {
		return newError(KindRuntime, "ensure_initialized", "no engine provider", nil)
	}

	cfg := defaultContextConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	log.Debug("initializing runtime context", zap.String("engine", p.Name()))

	loop, err := p.NewLoop()
	if err != nil {
		return newError(KindRuntime, "ensure_initialized", "failed to create event loop", err)
	}
	log.Debug("event loop created")

	platform, err := p.CreatePlatform(loop, cfg.platform)
	if err != nil {
		err = multierr.Append(err, p.DeleteLoop(loop))
		return newError(KindRuntime, "ensure_initialized", "failed to create platform", err)
	}
	log.Debug("platform created", zap.Int("version", cfg.platform.Version))

	c.ctx = &RuntimeContext{
		provider: p,
		loop:     loop,
		platform: platform,
		options:  cfg.platform,
	}
	return nil
}

func (c *contextCell) get() (*RuntimeContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx == nil {
		return nil, ErrNotInitialized
	}
	return c.ctx, nil
}
