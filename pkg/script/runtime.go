package script

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

// Runtime is one isolated evaluation context.
type Runtime struct {
	vm        *goja.Runtime
	modules   *goja.Object
	parse     goja.Callable
	stringify goja.Callable
	logger    *zap.Logger
}

func newRuntime(vm *goja.Runtime, modules *goja.Object, logger *zap.Logger) (*Runtime, error) {
	jsonObj := vm.Get("JSON").ToObject(vm)
	parse, ok := goja.AssertFunction(jsonObj.Get("parse"))
	if !ok {
		return nil, fmt.Errorf("JSON.parse is not a function")
	}
	stringify, ok := goja.AssertFunction(jsonObj.Get("stringify"))
	if !ok {
		return nil, fmt.Errorf("JSON.stringify is not a function")
	}

	return &Runtime{
		vm:        vm,
		modules:   modules,
		parse:     parse,
		stringify: stringify,
		logger:    logger,
	}, nil
}

// Exports returns the names registered through bmp.exports.
func (r *Runtime) Exports() []string {
	return r.modules.Keys()
}

// Has reports whether export is registered and has a process function.
func (r *Runtime) Has(export string) bool {
	_, err := r.process(export)
	return err == nil
}

func (r *Runtime) process(export string) (goja.Callable, error) {
	mod := r.modules.Get(export)
	if mod == nil || goja.IsUndefined(mod) || goja.IsNull(mod) {
		return nil, sdkerrors.Configf("", "script export %q is not registered", export)
	}
	fn, ok := goja.AssertFunction(mod.ToObject(r.vm).Get("process"))
	if !ok {
		return nil, sdkerrors.Configf("", "script export %q has no process function", export)
	}
	return fn, nil
}

// Invoke runs export's process function on msg. The function receives the
// message as one document (payload fields plus the mediation map under
// "billingmediation"); the document it mutates, or the object it returns, becomes
// the new message. ctx cancellation interrupts the script.
func (r *Runtime) Invoke(ctx context.Context, export string, msg message.Message) (out message.Message, err error) {
	fn, err := r.process(export)
	if err != nil {
		return message.Message{}, err
	}

	doc, err := msg.Document()
	if err != nil {
		return message.Message{}, err
	}

	stop := r.interruptOn(ctx)
	defer stop()

	defer func() {
		if p := recover(); p != nil {
			err = &Error{Type: ErrorTypeInternal, Export: export, Message: fmt.Sprintf("panic during execution: %v", p)}
		}
	}()

	arg, err := r.parse(goja.Undefined(), r.vm.ToValue(string(doc)))
	if err != nil {
		return message.Message{}, fromGoja(export, err)
	}

	ret, err := fn(goja.Undefined(), arg)
	if err != nil {
		return message.Message{}, fromGoja(export, err)
	}

	result := arg
	if ret != nil && !goja.IsUndefined(ret) && !goja.IsNull(ret) {
		if _, isObj := ret.(*goja.Object); isObj {
			result = ret
		}
	}

	encoded, err := r.stringify(goja.Undefined(), result)
	if err != nil {
		return message.Message{}, fromGoja(export, err)
	}
	if goja.IsUndefined(encoded) {
		return message.Message{}, &Error{Type: ErrorTypeResult, Export: export, Message: "process produced a value that cannot be serialized"}
	}

	out, err = message.FromDocument([]byte(encoded.String()), msg.Date)
	if err != nil {
		return message.Message{}, &Error{Type: ErrorTypeResult, Export: export, Message: err.Error()}
	}
	return out, nil
}

// interruptOn interrupts the VM when ctx is done. The returned func must be
// called once the script has finished.
func (r *Runtime) interruptOn(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			r.vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	return func() {
		close(done)
		wg.Wait()
		r.vm.ClearInterrupt()
	}
}

// InvokeTimeout is Invoke bounded by timeout. A zero timeout means no bound.
func (r *Runtime) InvokeTimeout(ctx context.Context, timeout time.Duration, export string, msg message.Message) (message.Message, error) {
	if timeout <= 0 {
		return r.Invoke(ctx, export, msg)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.Invoke(ctx, export, msg)
}
