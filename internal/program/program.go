// Package program implements spec.md §4.4's Program/Module/Function model:
// loading a set of bytecode modules against their parameter providers into
// one joined VM Context, and resolving exported functions for invocation.
// Grounded on the teacher's internal/backend.Registry Register/Resolve
// pair, generalized from "name -> Backend" to "module/function name ->
// vm.Function", plus the teacher's sorted-List() diagnostic style for
// Exports.
package program

import (
	"fmt"
	"sort"

	"github.com/nod-ai/sharktank/internal/rterr"
	"github.com/nod-ai/sharktank/internal/vm"
)

// ModuleSpec names one module to load into a Program, together with the
// parameter provider the VM should resolve its weights/buffers from.
type ModuleSpec struct {
	Source vm.ModuleSource
	Params vm.ParameterProvider
}

// FunctionRef names one exported function by its owning module.
type FunctionRef struct {
	Module   string
	Function string
}

func (r FunctionRef) String() string { return fmt.Sprintf("%s.%s", r.Module, r.Function) }

// Function wraps a vm.Function with the invocation-model classification
// ProgramInvocation needs to decide how to assemble its calling convention.
type Function struct {
	ref   FunctionRef
	inner vm.Function
}

// Ref returns the function's (module, name) identity.
func (f *Function) Ref() FunctionRef { return f.ref }

// Attrs returns the function's declared shape.
func (f *Function) Attrs() vm.FunctionAttrs { return f.inner.Attrs() }

// InvocationModel classifies how ProgramInvocation must assemble this
// function's calling convention (spec.md §4.4/§5).
func (f *Function) InvocationModel() vm.InvocationModel { return f.inner.Attrs().Model }

// Inner returns the underlying vm.Function, for AsyncInvoke.
func (f *Function) Inner() vm.Function { return f.inner }

// Program is a set of jointly-loaded modules and the VM Context binding
// them together, ready for function lookup and invocation.
type Program struct {
	vmImpl  vm.VM
	ctx     vm.Context
	modules []vm.Module
}

// Load loads each spec's module against its parameter provider and joins
// them into one Context. Modules are loaded in the order given.
func Load(vmImpl vm.VM, specs []ModuleSpec) (*Program, error) {
	if len(specs) == 0 {
		return nil, rterr.InvalidArg("program.Load", "at least one module is required")
	}
	modules := make([]vm.Module, 0, len(specs))
	for _, spec := range specs {
		m, err := vmImpl.LoadModule(spec.Source, spec.Params)
		if err != nil {
			return nil, rterr.Wrap(rterr.RuntimeFailure, "program.Load", spec.Source.Name, err)
		}
		modules = append(modules, m)
	}
	ctx, err := vmImpl.CreateContext(modules)
	if err != nil {
		return nil, rterr.Wrap(rterr.RuntimeFailure, "program.Load", "CreateContext", err)
	}
	return &Program{vmImpl: vmImpl, ctx: ctx, modules: modules}, nil
}

// Context returns the joined VM execution context, for AsyncInvoke callers.
func (p *Program) Context() vm.Context { return p.ctx }

// LookupFunction resolves moduleName.funcName. ok is false, with a nil
// error, if the symbol does not exist.
func (p *Program) LookupFunction(moduleName, funcName string) (*Function, bool, error) {
	fn, ok, err := p.vmImpl.LookupFunction(p.ctx, moduleName, funcName)
	if err != nil {
		return nil, false, rterr.Wrap(rterr.RuntimeFailure, "Program.LookupFunction", fmt.Sprintf("%s.%s", moduleName, funcName), err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Function{ref: FunctionRef{Module: moduleName, Function: funcName}, inner: fn}, true, nil
}

// LookupRequiredFunction is LookupFunction but returns an InvalidArgument
// error instead of ok=false, for callers that treat an unknown function
// name as a caller mistake fatal to the current operation.
func (p *Program) LookupRequiredFunction(moduleName, funcName string) (*Function, error) {
	fn, ok, err := p.LookupFunction(moduleName, funcName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, rterr.InvalidArg("Program.LookupRequiredFunction", fmt.Sprintf("%s.%s", moduleName, funcName))
	}
	return fn, nil
}

// AsyncInvoke dispatches fn(args...) on the joined Context, delivering its
// result to cb. ProgramInvocation is the sole caller; it is responsible for
// appending any coarse-fences wait/signal arguments to args beforehand.
func (p *Program) AsyncInvoke(fn *Function, args []any, resultCount int, cb vm.AsyncCallback) error {
	return p.vmImpl.AsyncInvoke(p.ctx, fn.Inner(), args, resultCount, cb)
}

// Exports lists every exported function across all joined modules, sorted
// by (module, function) for stable diagnostic output.
func (p *Program) Exports() []FunctionRef {
	var refs []FunctionRef
	for _, m := range p.modules {
		for _, name := range m.Exports() {
			refs = append(refs, FunctionRef{Module: m.Name(), Function: name})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Module != refs[j].Module {
			return refs[i].Module < refs[j].Module
		}
		return refs[i].Function < refs[j].Function
	})
	return refs
}
