package qjswasm

import (
	"fmt"

	"github.com/caffeineduck/barego/native"
)

// value is a host-side snapshot of a script value. Exceptions are copied
// out of the module when they are raised, so reads never call back into
// the engine.
type value struct {
	typ   native.ValueType
	str   string
	props map[string]*value
}

var undefined = &value{typ: native.TypeUndefined, str: "undefined"}

func stringValue(s string) *value {
	return &value{typ: native.TypeString, str: s}
}

func newValue(v jsValue) *value {
	out := &value{typ: typeFromName(v.Type), str: v.Str}
	if out.typ != native.TypeObject && out.typ != native.TypeFunction {
		return out
	}
	out.props = make(map[string]*value)
	if v.Ctor != nil {
		out.props["constructor"] = &value{
			typ:   native.TypeFunction,
			str:   "function " + *v.Ctor + "() {}",
			props: map[string]*value{"name": stringValue(*v.Ctor)},
		}
	}
	if v.Message != nil {
		out.props["message"] = stringValue(*v.Message)
	}
	if v.Stack != nil {
		out.props["stack"] = stringValue(*v.Stack)
	}
	return out
}

func typeFromName(name string) native.ValueType {
	switch name {
	case "undefined":
		return native.TypeUndefined
	case "null":
		return native.TypeNull
	case "boolean":
		return native.TypeBoolean
	case "number":
		return native.TypeNumber
	case "string":
		return native.TypeString
	case "symbol":
		return native.TypeSymbol
	case "function":
		return native.TypeFunction
	case "bigint":
		return native.TypeBigInt
	default:
		return native.TypeObject
	}
}

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
		v = undefined
	}
	r.pending, r.hasPending = nil, false
	return r.handle(v), nil
}

func (p *Provider) Typeof(h native.Env, vh native.Value) (native.ValueType, error) {
	_, v, err := p.value(h, vh, "typeof")
	if err != nil {
		return 0, err
	}
	return v.typ, nil
}

func (p *Provider) GetNamedProperty(h native.Env, oh native.Value, name string) (native.Value, error) {
	r, v, err := p.value(h, oh, "get_named_property")
	if err != nil {
		return 0, err
	}
	if v.typ == native.TypeUndefined || v.typ == native.TypeNull {
		return 0, &native.StatusError{
			Op:   "get_named_property",
			Code: StatusPendingException,
			Err:  fmt.Errorf("cannot read property %q of %s", name, v.str),
		}
	}
	prop, ok := v.props[name]
	if !ok {
		prop = undefined
	}
	return r.handle(prop), nil
}

func (p *Provider) GetValueStringUTF8(h native.Env, vh native.Value) (string, error) {
	_, v, err := p.value(h, vh, "get_value_string_utf8")
	if err != nil {
		return "", err
	}
	if v.typ != native.TypeString {
		return "", &native.StatusError{Op: "get_value_string_utf8", Code: -1, Err: native.ErrStringExpected}
	}
	return v.str, nil
}

func (p *Provider) CoerceToString(h native.Env, vh native.Value) (native.Value, error) {
	r, v, err := p.value(h, vh, "coerce_to_string")
	if err != nil {
		return 0, err
	}
	return r.handle(stringValue(v.str)), nil
}

func (p *Provider) value(h native.Env, vh native.Value, op string) (*runtime, *value, error) {
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

func (r *runtime) handle(v *value) native.Value {
	r.values = append(r.values, v)
	return native.Value(len(r.values))
}
