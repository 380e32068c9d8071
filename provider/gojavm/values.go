package gojavm

import (
	"fmt"
	"math/big"

	"github.com/dop251/goja"

	"github.com/caffeineduck/barego/native"
)

func (p *Provider) IsExceptionPending(h native.Env) (bool, error) {
	r, err := p.env(h, "is_exception_pending")
	if err != nil {
		return false, err
	}
	return r.hasPending, nil
}

// GetAndClearLastException returns undefined when nothing is pending.
func (p *Provider) GetAndClearLastException(h native.Env) (native.Value, error) {
	r, err := p.env(h, "get_and_clear_last_exception")
	if err != nil {
		return 0, err
	}
	v := r.pending
	if !r.hasPending || v == nil {
		v = goja.Undefined()
	}
	r.pending, r.hasPending = nil, false
	return r.handle(v), nil
}

func (p *Provider) Typeof(h native.Env, vh native.Value) (native.ValueType, error) {
	r, v, err := p.value(h, vh, "typeof")
	if err != nil {
		return 0, err
	}
	return r.typeOf(v), nil
}

func (p *Provider) GetNamedProperty(h native.Env, oh native.Value, name string) (native.Value, error) {
	r, v, err := p.value(h, oh, "get_named_property")
	if err != nil {
		return 0, err
	}
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return 0, &native.StatusError{
			Op:   "get_named_property",
			Code: StatusPendingException,
			Err:  fmt.Errorf("cannot read property %q of %s", name, v),
		}
	}

	var prop goja.Value
	err = r.try(func() {
		prop = v.ToObject(r.vm).Get(name)
	})
	if err != nil {
		return 0, &native.StatusError{Op: "get_named_property", Code: StatusPendingException, Err: err}
	}
	if prop == nil {
		prop = goja.Undefined()
	}
	return r.handle(prop), nil
}

func (p *Provider) GetValueStringUTF8(h native.Env, vh native.Value) (string, error) {
	r, v, err := p.value(h, vh, "get_value_string_utf8")
	if err != nil {
		return "", err
	}
	if r.typeOf(v) != native.TypeString {
		return "", &native.StatusError{Op: "get_value_string_utf8", Code: -1, Err: native.ErrStringExpected}
	}
	return v.String(), nil
}

func (p *Provider) CoerceToString(h native.Env, vh native.Value) (native.Value, error) {
	r, v, err := p.value(h, vh, "coerce_to_string")
	if err != nil {
		return 0, err
	}
	// ToString keeps primitives as they are; String applies the JS
	// conversion and may call into script for objects.
	var s goja.Value
	err = r.try(func() {
		s = r.vm.ToValue(v.String())
	})
	if err != nil {
		return 0, &native.StatusError{Op: "coerce_to_string", Code: StatusPendingException, Err: err}
	}
	return r.handle(s), nil
}

func (p *Provider) value(h native.Env, vh native.Value, op string) (*runtime, goja.Value, error) {
	r, err := p.env(h, op)
	if err != nil {
		return nil, nil, err
	}
	i := int(vh) - 1
	if i < 0 || i >= len(r.values) {
		return nil, nil, &native.StatusError{Op: op, Code: -1, Err: native.ErrInvalidHandle}
	}
	return r, r.values[i], nil
}

// handle pins v for the lifetime of the runtime.
func (r *runtime) handle(v goja.Value) native.Value {
	r.values = append(r.values, v)
	return native.Value(len(r.values))
}

func (r *runtime) typeOf(v goja.Value) native.ValueType {
	switch {
	case v == nil, goja.IsUndefined(v):
		return native.TypeUndefined
	case goja.IsNull(v):
		return native.TypeNull
	}
	if obj, ok := v.(*goja.Object); ok {
		if _, ok := goja.AssertFunction(obj); ok {
			return native.TypeFunction
		}
		return native.TypeObject
	}
	if _, ok := v.(*goja.Symbol); ok {
		return native.TypeSymbol
	}
	switch v.Export().(type) {
	case string:
		return native.TypeString
	case bool:
		return native.TypeBoolean
	case int64, float64:
		return native.TypeNumber
	case *big.Int:
		return native.TypeBigInt
	}
	return native.TypeObject
}

// try runs fn and converts a script exception thrown inside it into an
// error.
func (r *runtime) try(fn func()) (err error) {
	defer func() {
		if v := recover(); v != nil {
			switch e := v.(type) {
			case *goja.Exception:
				err = e
			case error:
				err = e
			default:
				err = fmt.Errorf("%v", v)
			}
		}
	}()
	fn()
	return nil
}
