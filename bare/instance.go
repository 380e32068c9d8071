package bare

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/caffeineduck/barego/native"
)

// State is the lifecycle position of an Instance.
type State int

const (
	StateUninitialized State = iota
	StateSetUp
	StateLoaded
	StateRunning
	StateTornDown
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSetUp:
		return "set up"
	case StateLoaded:
		return "loaded"
	case StateRunning:
		return "running"
	case StateTornDown:
		return "torn down"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// shared are handles borrowed from the RuntimeContext. An instance never
// releases them.
type shared struct {
	provider native.Provider
	loop     native.Loop
	platform native.Platform
}

// owned are the handles an instance creates at setup and releases exactly
// once at teardown.
type owned struct {
	rt       native.Runtime
	env      native.Env
	released bool
}

func (o *owned) live() bool {
	return o.rt != 0 && !o.released
}

// Instance is one script execution against the shared runtime context.
//
// An Instance moves through Uninitialized, SetUp, Loaded and Running, and
// ends in TornDown. A failed load or run moves it to Failed, from which
// only Teardown is accepted. The same holds after a failed Teardown. An Instance is not safe for concurrent use.
type Instance struct {
	state    State
	shared   shared
	owned    owned
	exitCode int
	events   eventRegistry
	failure  *Error
	log      *zap.Logger

	teardownAttempts int
}

// NewInstance returns an uninitialized instance.
func NewInstance(opts ...InstanceOption) *Instance {
	cfg := defaultInstanceConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.logger
	if log == nil {
		log = Logger()
	}
	i := &Instance{log: log}
	i.events.log = log
	return i
}

// State returns the current lifecycle state.
func (i *Instance) State() State { return i.state }

// ExitCode returns the exit code reported by the last successful
// Teardown.
func (i *Instance) ExitCode() int { return i.exitCode }

// Err returns the earliest structured error the instance recorded, or nil.
func (i *Instance) Err() error {
	if i.failure == nil {
		return nil
	}
	return i.failure
}

func (i *Instance) fail(err *Error) *Error {
	if i.failure == nil {
		i.failure = err
	}
	return err
}

// guard rejects calls after teardown, calls made from inside an event
// handler and anything but a retry once a teardown has failed.
func (i *Instance) guard(op string) *Error {
	if i.state == StateTornDown {
		return ErrAlreadyTornDown.withOp(op)
	}
	if i.events.dispatching {
		return newError(KindRuntime, op, "reentrant call from event callback", nil)
	}
	if i.teardownAttempts > 0 && op != "teardown" {
		return newError(KindRuntime, op, "teardown pending", nil)
	}
	return nil
}

// Setup creates the runtime on rc's shared loop and platform. args are
// passed through verbatim; the first is the program name. On failure the
// instance stays uninitialized and owns nothing.
func (i *Instance) Setup(rc *RuntimeContext, opts Options, args []string) error {
	if err := i.guard("setup"); err != nil {
		return err
	}
	if i.state != StateUninitialized {
		return newError(KindRuntime, "setup", fmt.Sprintf("cannot set up in state %s", i.state), nil)
	}
	if rc == nil {
		return ErrNotInitialized.withOp("setup")
	}
	if len(args) == 0 {
		args = []string{DefaultProgramName}
	}

	i.shared = shared{provider: rc.provider, loop: rc.loop, platform: rc.platform}
	p := i.shared.provider

	i.log.Debug("setting up runtime",
		zap.Int("version", opts.Version),
		zap.Uint64("memory_limit", opts.MemoryLimit),
		zap.Strings("args", args))

	rt, env, err := p.Setup(rc.loop, rc.platform, args, opts)
	if err != nil {
		i.shared = shared{}
		return NewSetupError("failed to create runtime", err)
	}
	i.owned = owned{rt: rt, env: env}

	err = i.events.each(func(kind EventKind, reg *registration) error {
		return p.On(rt, kind, reg.trampoline)
	})
	if err != nil {
		// Setup is atomic: undo the runtime so nothing stays owned.
		if _, terr := p.Teardown(rt); terr != nil {
			i.log.Warn("release after failed setup", zap.Error(terr))
		}
		i.owned = owned{}
		i.shared = shared{}
		return NewSetupError("failed to install event callbacks", err)
	}

	i.state = StateSetUp
	i.log.Debug("runtime set up")
	return nil
}

// On registers h for kind. The last registration for a kind wins; a nil h
// removes it. Registration is accepted in every state but TornDown and
// not while a failed teardown awaits its retry.
func (i *Instance) On(kind EventKind, h Handler) error {
	if i.state == StateTornDown {
		return ErrAlreadyTornDown.withOp("on")
	}
	if i.teardownAttempts > 0 {
		return newError(KindRuntime, "on", "teardown pending", nil)
	}
	trampoline, err := i.events.set(kind, h)
	if err != nil {
		return newError(KindRuntime, "on", err.Error(), nil)
	}
	if !i.owned.live() {
		// Installed at setup.
		return nil
	}
	if err := i.shared.provider.On(i.owned.rt, kind, trampoline); err != nil {
		return newError(KindRuntime, "on", fmt.Sprintf("failed to register %s callback", kind), err)
	}
	return nil
}

// Load hands source to the engine under filename. A failed load moves the
// instance to Failed and reports the script exception when there is one.
func (i *Instance) Load(source []byte, filename string) error {
	if err := i.guard("load"); err != nil {
		return err
	}
	if i.state != StateSetUp {
		return newError(KindRuntime, "load", fmt.Sprintf("cannot load in state %s", i.state), nil)
	}

	i.log.Debug("loading script", zap.String("filename", filename), zap.Int("size", len(source)))

	if err := i.shared.provider.Load(i.owned.rt, filename, source); err != nil {
		i.state = StateFailed
		return i.fail(i.explain("load", "failed to load script", err))
	}

	i.state = StateLoaded
	return nil
}

// Run executes the loaded script and blocks until the loop drains or the
// script exits. A failed run moves the instance to Failed.
func (i *Instance) Run() error {
	if err := i.guard("run"); err != nil {
		return err
	}
	switch i.state {
	case StateLoaded:
	case StateSetUp:
		return newError(KindRuntime, "run", "cannot run before a script is loaded", nil)
	default:
		return newError(KindRuntime, "run", fmt.Sprintf("cannot run in state %s", i.state), nil)
	}

	i.log.Debug("running script")

	if err := i.shared.provider.Run(i.owned.rt); err != nil {
		i.state = StateFailed
		return i.fail(i.explain("run", "failed to run script", err))
	}

	i.state = StateRunning
	i.log.Debug("script finished")
	return nil
}

// explain consults the exception bridge before falling back to the native
// status. Memory and resource limits win over a pending exception, which
// in turn wins over a plain status error.
func (i *Instance) explain(op, message string, cause error) *Error {
	base := classify(op, message, cause)
	if base.kind == KindMemory || base.kind == KindResourceExhausted {
		return base
	}

	jsErr, err := ExtractException(i.shared.provider, i.owned.env)
	if err != nil {
		i.log.Warn("exception extraction failed", zap.String("op", op), zap.Error(err))
		return base
	}
	if jsErr == nil {
		return base
	}
	i.log.Error("uncaught exception",
		zap.String("op", op),
		zap.String("type", jsErr.Type()),
		zap.String("message", jsErr.Message()))
	return jsErr.withOp(op)
}

// Teardown releases the runtime and returns the script's exit code. The
// instance is torn down afterwards; every later call returns
// ErrAlreadyTornDown.
//
// If the engine reports a failure the handles are kept for one retry on
// the next call, which tears the instance down whatever its outcome.
func (i *Instance) Teardown() (int, error) {
	if err := i.guard("teardown"); err != nil {
		return 0, err
	}
	if i.state == StateUninitialized {
		return 0, newError(KindRuntime, "teardown", "nothing to tear down", nil)
	}
	if !i.owned.live() {
		i.state = StateTornDown
		return 0, ErrAlreadyTornDown.withOp("teardown")
	}

	i.teardownAttempts++
	if i.teardownAttempts > 1 {
		i.log.Warn("retrying teardown", zap.Int("attempt", i.teardownAttempts))
	} else {
		i.log.Debug("tearing down runtime", zap.Stringer("state", i.state))
	}

	code, err := i.shared.provider.Teardown(i.owned.rt)
	if err != nil && i.teardownAttempts == 1 {
		return 0, newError(KindRuntime, "teardown", "failed to teardown runtime", err)
	}

	i.owned.released = true
	i.events.invalidate()
	i.state = StateTornDown

	if err != nil {
		return 0, newError(KindRuntime, "teardown", "failed to teardown runtime", err)
	}

	i.exitCode = code
	i.log.Debug("runtime torn down", zap.Int("exit_code", code))
	return code, nil
}
