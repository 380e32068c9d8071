// Package native describes the binding surface of an embedded,
// event-loop-driven script engine.
//
// Handles are opaque. The zero value of every handle type is the null
// handle. A Provider hands handles out and is the only thing that may
// interpret them.
package native

// Opaque engine handles.
type (
	// Loop is a native event loop.
	Loop uintptr
	// Platform is the engine platform bound to a loop.
	Platform uintptr
	// Runtime is one script-execution instance.
	Runtime uintptr
	// Env is the script environment owned by a Runtime.
	Env uintptr
	// Value is a script value scoped to an Env.
	Value uintptr
)

// PlatformOptions configures the engine platform.
type PlatformOptions struct {
	Version                   int
	ExposeGarbageCollection   bool
	TraceGarbageCollection    bool
	DisableOptimizingCompiler bool
	TraceOptimizations        bool
	TraceDeoptimizations      bool
	EnableSamplingProfiler    bool
	SamplingProfilerInterval  int
	OptimizeForMemory         bool
}

// DefaultPlatformOptions returns the platform configuration used for the
// shared runtime context: memory-optimized, no GC exposure or tracing,
// optimizing compiler on, sampling profiler off.
func DefaultPlatformOptions() PlatformOptions {
	return PlatformOptions{
		Version:           1,
		OptimizeForMemory: true,
	}
}

// Options configures a single runtime at setup.
type Options struct {
	Version     int
	MemoryLimit uint64 // bytes, 0 = engine default
}

// EventKind identifies a lifecycle event emitted by a runtime.
type EventKind int

const (
	EventBeforeExit EventKind = iota
	EventExit
	EventTeardown
	EventIdle
	EventSuspend
	EventResume
)

// EventKinds lists every lifecycle event in declaration order.
var EventKinds = []EventKind{
	EventBeforeExit,
	EventExit,
	EventTeardown,
	EventIdle,
	EventSuspend,
	EventResume,
}

func (k EventKind) String() string {
	switch k {
	case EventBeforeExit:
		return "beforeExit"
	case EventExit:
		return "exit"
	case EventTeardown:
		return "teardown"
	case EventIdle:
		return "idle"
	case EventSuspend:
		return "suspend"
	case EventResume:
		return "resume"
	default:
		return "unknown"
	}
}

// Trampoline is invoked by the engine on the loop thread when a lifecycle
// event fires. linger is only meaningful for EventSuspend.
type Trampoline func(rt Runtime, linger int)

// ValueType is the script-level type of a Value.
type ValueType int

const (
	TypeUndefined ValueType = iota
	TypeNull
	TypeBoolean
	TypeNumber
	TypeString
	TypeSymbol
	TypeObject
	TypeFunction
	TypeExternal
	TypeBigInt
)

func (t ValueType) String() string {
	switch t {
	case TypeUndefined:
		return "undefined"
	case TypeNull:
		return "null"
	case TypeBoolean:
		return "boolean"
	case TypeNumber:
		return "number"
	case TypeString:
		return "string"
	case TypeSymbol:
		return "symbol"
	case TypeObject:
		return "object"
	case TypeFunction:
		return "function"
	case TypeExternal:
		return "external"
	case TypeBigInt:
		return "bigint"
	default:
		return "unknown"
	}
}

// Provider is an engine binding. Every method maps to one native entry
// point and reports a non-zero status as an error.
//
// Providers are not required to be safe for concurrent use on the same
// Runtime. Loop and platform creation must be safe to call from any
// goroutine.
type Provider interface {
	// Name identifies the engine, e.g. "goja".
	Name() string

	NewLoop() (Loop, error)
	DeleteLoop(loop Loop) error

	CreatePlatform(loop Loop, opts PlatformOptions) (Platform, error)
	DestroyPlatform(platform Platform) error

	// Setup creates a runtime and its environment on a shared loop and
	// platform. argv is passed through verbatim.
	Setup(loop Loop, platform Platform, argv []string, opts Options) (Runtime, Env, error)
	// Load hands the engine a source buffer under a logical filename.
	Load(rt Runtime, filename string, source []byte) error
	// Run drives the loop until the program finishes. It blocks.
	Run(rt Runtime) error
	// Teardown releases the runtime and its environment and returns the
	// program's exit code.
	Teardown(rt Runtime) (exitCode int, err error)
	// On installs cb for kind, replacing any previous trampoline. A nil cb
	// removes it.
	On(rt Runtime, kind EventKind, cb Trampoline) error

	IsExceptionPending(env Env) (bool, error)
	GetAndClearLastException(env Env) (Value, error)
	Typeof(env Env, v Value) (ValueType, error)
	GetNamedProperty(env Env, object Value, name string) (Value, error)
	GetValueStringUTF8(env Env, v Value) (string, error)
	CoerceToString(env Env, v Value) (Value, error)
}
