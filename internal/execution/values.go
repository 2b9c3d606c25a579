package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/jkaninda/detsandbox/internal/host"
)

// ErrUnsupportedValue is returned for Go values with no runtime counterpart.
var ErrUnsupportedValue = errors.New("unsupported value")

// ToValue converts a Go value into a runtime value. Integers and
// booleans become int64, floats float64; slices become object arrays.
func ToValue(v any) (host.Value, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case string:
		return x, nil
	case []any:
		arr := &host.Array{Elem: "Llang/Object;", Data: make([]host.Value, len(x))}
		for i, e := range x {
			ev, err := ToValue(e)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			arr.Data[i] = ev
		}
		return arr, nil
	case []int64:
		arr := &host.Array{Elem: "I", Data: make([]host.Value, len(x))}
		for i, e := range x {
			arr.Data[i] = e
		}
		return arr, nil
	case []string:
		arr := &host.Array{Elem: "Llang/String;", Data: make([]host.Value, len(x))}
		for i, e := range x {
			arr.Data[i] = e
		}
		return arr, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

// FromValue converts a runtime value back into Go. Objects are rendered
// with their toString method, which runs inside the session.
func FromValue(ctx context.Context, rt *host.Runtime, v host.Value) (any, error) {
	switch x := v.(type) {
	case nil, int64, float64, string:
		return x, nil
	case *host.Array:
		out := make([]any, len(x.Data))
		for i, e := range x.Data {
			ev, err := FromValue(ctx, rt, e)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	case *host.Object:
		s, err := rt.InvokeVirtual(ctx, x, "toString", "()Llang/String;")
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}
