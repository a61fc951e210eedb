package guestagent

import (
	"fmt"
	"math"
)

// floats converts a JSON-decoded argument slice (json.Unmarshal yields
// float64 for every number) into a plain []float64, erroring on any
// non-numeric argument.
func floats(args []any) ([]float64, error) {
	out := make([]float64, len(args))
	for i, a := range args {
		f, ok := a.(float64)
		if !ok {
			return nil, fmt.Errorf("guestagent: arg %d is %T, want number", i, a)
		}
		out[i] = f
	}
	return out, nil
}

// RegisterBuiltins populates r with the guest's fixed set of tensorops
// kernels, grounded on the kind of elementwise/reduction work a device
// module exists to run.
func RegisterBuiltins(r *Registry) {
	r.Register("tensorops", "add", FunctionSpec{
		NumArgs: 2, NumResults: 1,
		Impl: func(args []any, _ map[string][]byte) ([]any, error) {
			fs, err := floats(args)
			if err != nil {
				return nil, err
			}
			return []any{fs[0] + fs[1]}, nil
		},
	})

	r.Register("tensorops", "mul", FunctionSpec{
		NumArgs: 2, NumResults: 1,
		Impl: func(args []any, _ map[string][]byte) ([]any, error) {
			fs, err := floats(args)
			if err != nil {
				return nil, err
			}
			return []any{fs[0] * fs[1]}, nil
		},
	})

	r.Register("tensorops", "sum", FunctionSpec{
		NumArgs: -1, NumResults: 1,
		Impl: func(args []any, _ map[string][]byte) ([]any, error) {
			fs, err := floats(args)
			if err != nil {
				return nil, err
			}
			var total float64
			for _, f := range fs {
				total += f
			}
			return []any{total}, nil
		},
	})

	r.Register("tensorops", "scale", FunctionSpec{
		NumArgs: 1, NumResults: 1,
		Impl: func(args []any, params map[string][]byte) ([]any, error) {
			fs, err := floats(args)
			if err != nil {
				return nil, err
			}
			factor := 1.0
			if raw, ok := params["factor"]; ok && len(raw) == 8 {
				factor = bytesToFloat64(raw)
			}
			return []any{fs[0] * factor}, nil
		},
	})
}

// bytesToFloat64 decodes an 8-byte little-endian IEEE-754 value. Parameter
// payloads are opaque to params.StaticProgramParameters; the guest is free
// to interpret a named blob however the module that bound it expects.
func bytesToFloat64(b []byte) float64 {
	var bits uint64
	for i := 0; i < 8 && i < len(b); i++ {
		bits |= uint64(b[i]) << (8 * i)
	}
	return math.Float64frombits(bits)
}
