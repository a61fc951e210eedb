// Package vm defines the consumed VM collaborator from spec.md §6: bytecode
// module loading, context creation, function lookup, and async invocation.
// The runtime core treats VM as wholly opaque. This module supplies two
// concrete implementations: internal/vm/fakevm, a deterministic test double
// standing in for a real bytecode engine, and internal/hal/fcdriver's VM,
// which dispatches calls to a guest agent inside a Firecracker microVM.
package vm

// InvocationModel classifies how a Function expects its calling convention
// to be assembled, derived from the function's declared attributes
// (spec.md §4.4).
type InvocationModel int

const (
	// ModelUnknown means the VM did not advertise enough information to
	// classify the function; invoking it passes the args through unchanged,
	// exactly as for ModelNone.
	ModelUnknown InvocationModel = iota
	// ModelNone means the function takes no implicit wait/signal fence
	// arguments; it runs synchronously with respect to device queues.
	ModelNone
	// ModelCoarseFences means the caller appends a wait Fence and a signal
	// Fence as the final two arguments passed to AsyncInvoke (spec.md §5's
	// calling convention).
	ModelCoarseFences
)

func (m InvocationModel) String() string {
	switch m {
	case ModelNone:
		return "none"
	case ModelCoarseFences:
		return "coarse_fences"
	default:
		return "unknown"
	}
}

// FunctionAttrs describes a looked-up function's shape.
type FunctionAttrs struct {
	Name       string
	NumArgs    int
	NumResults int
	Model      InvocationModel
}

// Function is an opaque handle to an exported function within a Context.
type Function interface {
	Attrs() FunctionAttrs
}

// Module is an opaque loaded bytecode module, bound to whatever parameters
// its ParameterProvider resolved at load time.
type Module interface {
	Name() string
	// Exports lists the function symbols this Module makes available for
	// LookupFunction.
	Exports() []string
}

// ModuleSource names the module and holds the bytecode it is loaded from.
type ModuleSource struct {
	Name     string
	Bytecode []byte
}

// Parameter is a single named parameter tensor/blob resolved from a
// ParameterProvider, carrying the storage the VM reads (and, for writable
// parameters, writes) directly without a copy.
type Parameter struct {
	Name     string
	Data     []byte
	ReadOnly bool
}

// ParameterProvider resolves named parameters for a Module at load time.
// internal/params.StaticProgramParameters is the one concrete
// implementation this module supplies.
type ParameterProvider interface {
	Lookup(name string) (Parameter, bool)
}

// Context is an opaque execution context joining one or more loaded
// Modules; functions are looked up and invoked against a Context.
type Context interface {
	// Modules lists the Modules joined into this Context, in load order.
	Modules() []Module
}

// AsyncCallback receives the results of an AsyncInvoke call, or a non-nil
// err if the VM reported a runtime failure (spec.md §7: delivered through
// the invocation's Future, never thrown synchronously).
type AsyncCallback func(results []any, err error)

// VM is the consumed bytecode execution engine.
type VM interface {
	// LoadModule compiles/links Bytecode against params into a Module.
	LoadModule(source ModuleSource, params ParameterProvider) (Module, error)
	// CreateContext joins modules into a fresh execution Context.
	CreateContext(modules []Module) (Context, error)
	// LookupFunction resolves an exported function by module and symbol
	// name. ok is false, with a nil error, if the symbol does not exist.
	LookupFunction(ctx Context, moduleName, funcName string) (Function, bool, error)
	// AsyncInvoke schedules fn(args...) and delivers its results (or
	// error) to cb once the VM completes the call. args already includes
	// any coarse-fences wait/signal arguments the caller appended.
	// Implementations that execute out-of-process (fcdriver) and so cannot
	// marshal a hal.Fence across their transport may still report
	// ModelCoarseFences (callers need the ordering), but must strip the
	// trailing wait/signal Fence arguments themselves before dispatch and
	// enforce the wait side-effect locally (e.g. blocking on the wait
	// Fence before sending the call) rather than passing it through.
	AsyncInvoke(ctx Context, fn Function, args []any, resultCount int, cb AsyncCallback) error
}
