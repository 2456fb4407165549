package tools

import (
	"context"
	"errors"
	"fmt"
)

// MathTool performs basic arithmetic: {"operation": "add", "a": 2, "b": 3}.
type MathTool struct{}

func (MathTool) Name() string        { return "math" }
func (MathTool) Description() string { return "basic arithmetic on two operands" }

func (MathTool) Execute(_ context.Context, params Params) (any, error) {
	op, _ := params["operation"].(string)
	a, aok := toFloat(params["a"])
	b, bok := toFloat(params["b"])
	if !aok || !bok {
		return nil, errors.New("math: operands a and b must be numbers")
	}

	var result float64
	switch op {
	case "add":
		result = a + b
	case "subtract":
		result = a - b
	case "multiply":
		result = a * b
	case "divide":
		if b == 0 {
			return nil, errors.New("math: division by zero")
		}
		result = a / b
	default:
		return nil, fmt.Errorf("math: unsupported operation %q", op)
	}

	return map[string]any{"operation": op, "a": a, "b": b, "result": result}, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// EchoTool returns its message parameter unchanged.
type EchoTool struct{}

func (EchoTool) Name() string        { return "echo" }
func (EchoTool) Description() string { return "echo a message back" }

func (EchoTool) Execute(_ context.Context, params Params) (any, error) {
	msg, ok := params["message"].(string)
	if !ok {
		return nil, errors.New("echo: missing message parameter")
	}
	return map[string]any{"message": msg}, nil
}
