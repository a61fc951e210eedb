// Package fakevm is a deterministic vm.VM test double. Modules are not
// compiled from bytecode; tests register named functions directly via
// RegisterFunction and LoadModule resolves ModuleSource.Name against that
// registry, ignoring the (ignored, possibly empty) Bytecode bytes. Grounded
// on the teacher's lack of a VM analogue; the async-dispatch shape (run the
// implementation on its own goroutine, deliver results via callback from
// that goroutine) follows the same foreign-callback pattern the teacher's
// vsock.RunWorkload uses to stream a Firecracker guest's result back to the
// engine.
package fakevm

import (
	"fmt"
	"sync"

	"github.com/nod-ai/sharktank/internal/vm"
)

// FunctionSpec registers one callable function's shape and behavior.
type FunctionSpec struct {
	Attrs vm.FunctionAttrs
	Impl  func(args []any) ([]any, error)
}

// VM is a deterministic, in-process vm.VM implementation for tests.
type VM struct {
	mu    sync.Mutex
	specs map[string]map[string]FunctionSpec
}

// New creates an empty VM with no registered modules.
func New() *VM {
	return &VM{specs: map[string]map[string]FunctionSpec{}}
}

// RegisterFunction adds funcName to moduleName's exports, loadable once a
// Module named moduleName is loaded via LoadModule.
func (v *VM) RegisterFunction(moduleName, funcName string, spec FunctionSpec) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.specs[moduleName] == nil {
		v.specs[moduleName] = map[string]FunctionSpec{}
	}
	spec.Attrs.Name = funcName
	v.specs[moduleName][funcName] = spec
}

// LoadModule resolves source.Name against the registry built by
// RegisterFunction calls.
func (v *VM) LoadModule(source vm.ModuleSource, params vm.ParameterProvider) (vm.Module, error) {
	v.mu.Lock()
	funcs, ok := v.specs[source.Name]
	v.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fakevm: no registered module %q", source.Name)
	}
	return &Module{name: source.Name, funcs: funcs, params: params}, nil
}

// CreateContext joins modules into a Context. No validation beyond the
// interface boundary is performed.
func (v *VM) CreateContext(modules []vm.Module) (vm.Context, error) {
	return &Context{modules: append([]vm.Module(nil), modules...)}, nil
}

// LookupFunction finds funcName within moduleName among ctx's joined
// Modules.
func (v *VM) LookupFunction(ctx vm.Context, moduleName, funcName string) (vm.Function, bool, error) {
	c, ok := ctx.(*Context)
	if !ok {
		return nil, false, fmt.Errorf("fakevm: foreign Context %T", ctx)
	}
	for _, m := range c.modules {
		mod, ok := m.(*Module)
		if !ok || mod.name != moduleName {
			continue
		}
		spec, ok := mod.funcs[funcName]
		if !ok {
			return nil, false, nil
		}
		return &Function{attrs: spec.Attrs, impl: spec.Impl}, true, nil
	}
	return nil, false, nil
}

// AsyncInvoke runs fn's registered implementation on its own goroutine and
// delivers the result to cb from that goroutine, simulating a VM that
// completes calls asynchronously with respect to the caller.
func (v *VM) AsyncInvoke(ctx vm.Context, fn vm.Function, args []any, resultCount int, cb vm.AsyncCallback) error {
	f, ok := fn.(*Function)
	if !ok {
		return fmt.Errorf("fakevm: foreign Function %T", fn)
	}
	go func() {
		results, err := f.impl(args)
		cb(results, err)
	}()
	return nil
}

// Module is a fakevm-loaded module, exposing its ParameterProvider for test
// assertions about what parameters were bound at load time.
type Module struct {
	name   string
	funcs  map[string]FunctionSpec
	params vm.ParameterProvider
}

func (m *Module) Name() string                 { return m.name }
func (m *Module) Params() vm.ParameterProvider { return m.params }

// Exports lists funcs registered for this module name via RegisterFunction.
func (m *Module) Exports() []string {
	names := make([]string, 0, len(m.funcs))
	for name := range m.funcs {
		names = append(names, name)
	}
	return names
}

// Context is a fakevm-created Context joining a fixed set of Modules.
type Context struct {
	modules []vm.Module
}

func (c *Context) Modules() []vm.Module { return c.modules }

// Function is a fakevm-looked-up function handle.
type Function struct {
	attrs vm.FunctionAttrs
	impl  func(args []any) ([]any, error)
}

func (f *Function) Attrs() vm.FunctionAttrs { return f.attrs }
