package server

import (
	"context"
	"reflect"

	"github.com/pkg/errors"

	"tilewire/rpc"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errors.Errorf("receiver must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errors.Errorf("receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	svc := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	svc.registerMethods()
	return svc, nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// registerMethods keeps the exported methods shaped (receiver, ctx, *Args, *Reply) error.
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		m := s.typ.Method(i)
		mt := m.Type
		if mt.NumIn() != 4 || mt.NumOut() != 1 || mt.Out(0) != errorType ||
			mt.In(1) != contextType ||
			mt.In(2).Kind() != reflect.Ptr || mt.In(3).Kind() != reflect.Ptr {
			continue
		}
		s.method[m.Name] = &methodType{
			method:    m,
			ArgType:   mt.In(2).Elem(),
			ReplyType: mt.In(3).Elem(),
		}
	}
}

// listener decodes argument 0 into a fresh *Args, calls the method and returns the reply.
func (s *service) listener(mt *methodType) rpc.Listener {
	return func(ctx context.Context, args *rpc.Args) (any, error) {
		argv := reflect.New(mt.ArgType)
		replyv := reflect.New(mt.ReplyType)
		if args.Len() > 0 {
			if err := args.Decode(0, argv.Interface()); err != nil {
				return nil, errors.Wrapf(err, "%s.%s", s.name, mt.method.Name)
			}
		}
		if err := s.call(ctx, mt, argv, replyv); err != nil {
			return nil, err
		}
		return replyv.Interface(), nil
	}
}

func (s *service) call(ctx context.Context, mt *methodType, argv, replyv reflect.Value) error {
	in := [4]reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, replyv}
	results := mt.method.Func.Call(in[:])
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}
