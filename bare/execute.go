package bare

import (
	"go.uber.org/zap"
)

// Script is a single program to run through a full lifecycle.
type Script struct {
	Source   []byte
	Filename string
	Args     []string
	Options  Options
}

// ExecuteOption configures Execute.
type ExecuteOption func(*executeConfig)

type executeConfig struct {
	handlers map[EventKind]Handler
	instance []InstanceOption
}

func defaultExecuteConfig() executeConfig {
	return executeConfig{
		handlers: make(map[EventKind]Handler),
	}
}

// WithHandler registers h for kind before the script is loaded.
func WithHandler(kind EventKind, h Handler) ExecuteOption {
	return func(c *executeConfig) {
		c.handlers[kind] = h
	}
}

// WithInstanceOptions passes options through to NewInstance.
func WithInstanceOptions(opts ...InstanceOption) ExecuteOption {
	return func(c *executeConfig) {
		c.instance = append(c.instance, opts...)
	}
}

// Execute sets up an instance on rc, loads and runs s, and tears the
// instance down. It returns the exit code and the earliest structured
// error; a teardown failure never hides a load or run failure.
func Execute(rc *RuntimeContext, s Script, opts ...ExecuteOption) (int, error) {
	cfg := defaultExecuteConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	inst := NewInstance(cfg.instance...)
	if err := inst.Setup(rc, s.Options, s.Args); err != nil {
		return 1, err
	}

	for _, kind := range eventSlots {
		if h, ok := cfg.handlers[kind]; ok {
			if err := inst.On(kind, h); err != nil {
				inst.fail(asStructured(err))
				break
			}
		}
	}

	if inst.failure == nil {
		if err := inst.Load(s.Source, s.Filename); err == nil {
			_ = inst.Run()
		}
	}

	code, terr := inst.Teardown()
	if terr != nil && inst.State() != StateTornDown {
		code, terr = inst.Teardown()
	}
	if first := inst.Err(); first != nil {
		if terr != nil {
			inst.log.Warn("teardown after failure", zap.Error(terr))
		}
		if code == 0 {
			code = 1
		}
		return code, first
	}
	if terr != nil {
		return 1, terr
	}
	return code, nil
}

func asStructured(err error) *Error {
	if e, ok := AsError(err); ok {
		return e
	}
	return NewRuntimeError(err.Error(), err)
}
