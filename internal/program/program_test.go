package program

import (
	"errors"
	"testing"

	"github.com/nod-ai/sharktank/internal/rterr"
	"github.com/nod-ai/sharktank/internal/vm"
	"github.com/nod-ai/sharktank/internal/vm/fakevm"
)

func newTestProgram(t *testing.T) *Program {
	t.Helper()
	v := fakevm.New()
	v.RegisterFunction("main", "add", fakevm.FunctionSpec{
		Attrs: vm.FunctionAttrs{NumArgs: 2, NumResults: 1, Model: vm.ModelCoarseFences},
		Impl:  func(args []any) ([]any, error) { return []any{args[0].(int) + args[1].(int)}, nil },
	})
	v.RegisterFunction("main", "noop", fakevm.FunctionSpec{
		Attrs: vm.FunctionAttrs{Model: vm.ModelNone},
		Impl:  func(args []any) ([]any, error) { return nil, nil },
	})

	p, err := Load(v, []ModuleSpec{{Source: vm.ModuleSource{Name: "main"}}})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadRejectsEmptySpecs(t *testing.T) {
	if _, err := Load(fakevm.New(), nil); !errors.Is(err, rterr.Is(rterr.InvalidArgument)) {
		t.Fatalf("Load(nil) err = %v, want InvalidArgument", err)
	}
}

func TestLookupFunctionFindsExport(t *testing.T) {
	p := newTestProgram(t)
	fn, ok, err := p.LookupFunction("main", "add")
	if err != nil || !ok {
		t.Fatalf("LookupFunction() = %v, %v, %v", fn, ok, err)
	}
	if fn.InvocationModel() != vm.ModelCoarseFences {
		t.Errorf("InvocationModel() = %v, want ModelCoarseFences", fn.InvocationModel())
	}
	if fn.Ref().String() != "main.add" {
		t.Errorf("Ref().String() = %q, want %q", fn.Ref().String(), "main.add")
	}
}

func TestLookupFunctionMissingReturnsNotOK(t *testing.T) {
	p := newTestProgram(t)
	_, ok, err := p.LookupFunction("main", "missing")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("LookupFunction() ok = true for a missing export")
	}
}

func TestLookupRequiredFunctionMissingIsInvalidArgument(t *testing.T) {
	p := newTestProgram(t)
	_, err := p.LookupRequiredFunction("main", "missing")
	if !errors.Is(err, rterr.Is(rterr.InvalidArgument)) {
		t.Fatalf("LookupRequiredFunction() err = %v, want InvalidArgument", err)
	}
}

func TestExportsListsAllSorted(t *testing.T) {
	p := newTestProgram(t)
	refs := p.Exports()
	if len(refs) != 2 {
		t.Fatalf("Exports() = %v, want 2 entries", refs)
	}
	if refs[0].Function != "add" || refs[1].Function != "noop" {
		t.Fatalf("Exports() = %v, want sorted [add noop]", refs)
	}
}
