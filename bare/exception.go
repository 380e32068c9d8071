package bare

import (
	"github.com/caffeineduck/barego/native"
)

// HasPendingException reports whether env has an uncaught exception
// waiting to be extracted.
func HasPendingException(p native.Provider, env native.Env) (bool, error) {
	pending, err := p.IsExceptionPending(env)
	if err != nil {
		return false, newError(KindRuntime, "exception", "failed to check exception status", err)
	}
	return pending, nil
}

// ExtractException takes the pending exception out of env and converts it
// to a JS error. It returns (nil, nil) when nothing is pending.
//
// The exception is cleared before any of its fields are read, so a failed
// read loses it.
func ExtractException(p native.Provider, env native.Env) (*Error, error) {
	pending, err := HasPendingException(p, env)
	if err != nil || !pending {
		return nil, err
	}

	exc, err := p.GetAndClearLastException(env)
	if err != nil {
		return nil, newError(KindRuntime, "exception", "failed to get exception", err)
	}

	r := exceptionReader{p: p, env: env, exc: exc}
	return r.read()
}

type exceptionReader struct {
	p   native.Provider
	env native.Env
	exc native.Value
}

func (r *exceptionReader) read() (*Error, error) {
	t, err := r.p.Typeof(r.env, r.exc)
	if err != nil {
		return nil, newError(KindRuntime, "exception", "failed to get exception type", err)
	}
	if t != native.TypeObject && t != native.TypeFunction {
		return r.readPrimitive(t)
	}

	jsType, err := r.constructorName()
	if err != nil {
		return nil, newError(KindRuntime, "exception", "failed to get error type", err)
	}

	message, err := r.message()
	if err != nil {
		return nil, newError(KindRuntime, "exception", "failed to get error message", err)
	}

	stack, err := r.stack()
	if err != nil {
		return nil, newError(KindRuntime, "exception", "failed to get error stack", err)
	}

	return NewJSError(jsType, message, stack), nil
}

// constructorName reads exc.constructor.name from the thrown object
// itself, so subclasses report their own name.
func (r *exceptionReader) constructorName() (string, error) {
	ctor, err := r.p.GetNamedProperty(r.env, r.exc, "constructor")
	if err != nil {
		return "", err
	}
	t, err := r.p.Typeof(r.env, ctor)
	if err != nil {
		return "", err
	}
	if t == native.TypeUndefined || t == native.TypeNull {
		return plainObject, nil
	}
	name, err := r.p.GetNamedProperty(r.env, ctor, "name")
	if err != nil {
		return "", err
	}
	if t, err = r.p.Typeof(r.env, name); err != nil {
		return "", err
	}
	if t != native.TypeString {
		return plainObject, nil
	}
	return r.p.GetValueStringUTF8(r.env, name)
}

func (r *exceptionReader) message() (string, error) {
	v, err := r.p.GetNamedProperty(r.env, r.exc, "message")
	if err != nil {
		return "", err
	}
	t, err := r.p.Typeof(r.env, v)
	if err != nil {
		return "", err
	}
	switch t {
	case native.TypeString:
		return r.p.GetValueStringUTF8(r.env, v)
	case native.TypeUndefined:
		// Not an Error instance; describe the object itself. Objects
		// without a prototype have no conversion at all.
		s, err := r.coerce(r.exc)
		if err != nil {
			return "[object Object]", nil
		}
		return s, nil
	default:
		return r.coerce(v)
	}
}

func (r *exceptionReader) stack() (*string, error) {
	v, err := r.p.GetNamedProperty(r.env, r.exc, "stack")
	if err != nil {
		return nil, err
	}
	t, err := r.p.Typeof(r.env, v)
	if err != nil {
		return nil, err
	}
	var s string
	switch t {
	case native.TypeUndefined, native.TypeNull:
		return nil, nil
	case native.TypeString:
		s, err = r.p.GetValueStringUTF8(r.env, v)
	default:
		s, err = r.coerce(v)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *exceptionReader) readPrimitive(t native.ValueType) (*Error, error) {
	message, err := r.coerce(r.exc)
	if err != nil {
		return nil, newError(KindRuntime, "exception", "failed to get error message", err)
	}
	return NewJSError(wrapperName(t), message, nil), nil
}

func (r *exceptionReader) coerce(v native.Value) (string, error) {
	s, err := r.p.CoerceToString(r.env, v)
	if err != nil {
		return "", err
	}
	return r.p.GetValueStringUTF8(r.env, s)
}

// plainObject names thrown objects whose constructor cannot be read.
const plainObject = "Object"

// wrapperName is the constructor a primitive would box to.
func wrapperName(t native.ValueType) string {
	switch t {
	case native.TypeString:
		return "String"
	case native.TypeNumber:
		return "Number"
	case native.TypeBoolean:
		return "Boolean"
	case native.TypeSymbol:
		return "Symbol"
	case native.TypeBigInt:
		return "BigInt"
	case native.TypeNull:
		return "null"
	default:
		return "undefined"
	}
}
