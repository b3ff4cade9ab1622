package rpc

import (
	"reflect"

	"github.com/pkg/errors"

	"tilewire/codec"
	"tilewire/future"
	"tilewire/message"
)

// Future resolves with the Reply to one call.
type Future = future.Future[*Reply]

// Args gives a listener access to the arguments of the event it handles.
type Args struct {
	values    []message.Value
	callbacks map[int]*Callback
}

// NewArgs encodes values the way Call would. Callback values are not supported; it is
// meant for invoking listeners directly, e.g. from middleware tests.
func NewArgs(values ...any) (*Args, error) {
	args := &Args{values: make([]message.Value, len(values))}
	for i, v := range values {
		val, err := codec.MarshalValue(v)
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d", i)
		}
		args.values[i] = val
	}
	return args, nil
}

// Len returns the number of arguments, callbacks included.
func (a *Args) Len() int {
	return len(a.values)
}

// Decode decodes argument i into v.
func (a *Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a.values) {
		return errors.Errorf("argument %d out of range (%d arguments)", i, len(a.values))
	}
	if _, ok := a.callbacks[i]; ok {
		return errors.Errorf("argument %d is a callback", i)
	}
	return codec.UnmarshalValue(a.values[i], v)
}

// Callback returns the invocable stub for a callback argument.
func (a *Args) Callback(i int) (*Callback, error) {
	cb, ok := a.callbacks[i]
	if !ok {
		return nil, errors.Errorf("argument %d is not a callback", i)
	}
	return cb, nil
}

// HasCallback reports whether argument i is a callback.
func (a *Args) HasCallback(i int) bool {
	_, ok := a.callbacks[i]
	return ok
}

// Callback invokes a function the remote caller passed as an argument. It stays usable
// until the listener that received it returns.
type Callback struct {
	engine *Engine
	event  string
}

// Call invokes the remote function and returns its result like any other call.
func (c *Callback) Call(args ...any) *Future {
	return c.engine.Call(c.event, args...)
}

// Reply holds the results of every remote listener that handled a call.
type Reply struct {
	Event   string
	Results []message.Value
}

// Len returns the number of results.
func (r *Reply) Len() int {
	return len(r.Results)
}

// Decode flattens the results into v: a single result decodes into v directly, several
// decode into v as a slice (v must then point to a slice). No results leave v untouched.
func (r *Reply) Decode(v any) error {
	switch len(r.Results) {
	case 0:
		return nil
	case 1:
		return codec.UnmarshalValue(r.Results[0], v)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Slice {
		return errors.Errorf("%d results need a pointer to a slice, got %T", len(r.Results), v)
	}
	list := reflect.MakeSlice(rv.Elem().Type(), len(r.Results), len(r.Results))
	for i, val := range r.Results {
		if err := codec.UnmarshalValue(val, list.Index(i).Addr().Interface()); err != nil {
			return errors.Wrapf(err, "result %d", i)
		}
	}
	rv.Elem().Set(list)
	return nil
}

// DecodeAt decodes result i into v.
func (r *Reply) DecodeAt(i int, v any) error {
	if i < 0 || i >= len(r.Results) {
		return errors.Errorf("result %d out of range (%d results)", i, len(r.Results))
	}
	return codec.UnmarshalValue(r.Results[i], v)
}
