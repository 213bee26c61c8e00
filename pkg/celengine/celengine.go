package celengine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"go.uber.org/fx"
)

var Module = fx.Module("celengine", fx.Provide(NewEngine))

// Engine compiles CEL expressions once per (expression, variable types) pair.
type Engine struct {
	programs sync.Map
}

func NewEngine() *Engine {
	return &Engine{}
}

func typeOf(val any) *cel.Type {
	switch val.(type) {
	case string:
		return cel.StringType
	case int, int32, int64:
		return cel.IntType
	case float32, float64:
		return cel.DoubleType
	case bool:
		return cel.BoolType
	case []string:
		return cel.ListType(cel.StringType)
	case []any:
		return cel.ListType(cel.DynType)
	case map[string]any:
		return cel.MapType(cel.StringType, cel.DynType)
	default:
		return cel.DynType
	}
}

// signature is a stable description of the attribute names and their CEL types.
func signature(attrs map[string]any) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+typeOf(attrs[k]).String())
	}
	return strings.Join(parts, ",")
}

func BuildCelEnvFromAttributes(attrs map[string]any) (*cel.Env, error) {
	variables := make([]cel.EnvOption, 0, len(attrs))
	for key, val := range attrs {
		variables = append(variables, cel.Variable(key, typeOf(val)))
	}
	return cel.NewEnv(variables...)
}

func (e *Engine) program(expr string, attrs map[string]any) (cel.Program, error) {
	key := expr + "|" + signature(attrs)
	if v, ok := e.programs.Load(key); ok {
		return v.(cel.Program), nil
	}

	env, err := BuildCelEnvFromAttributes(attrs)
	if err != nil {
		return nil, err
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}

	e.programs.Store(key, prg)
	return prg, nil
}

// Validate compiles expr against attrs without evaluating it.
func (e *Engine) Validate(expr string, attrs map[string]any) error {
	_, err := e.program(expr, attrs)
	return err
}

func (e *Engine) EvalBool(expr string, attrs map[string]any) (bool, error) {
	prg, err := e.program(expr, attrs)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(attrs)
	if err != nil {
		return false, err
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expected bool from expression, got %T (%v)", out.Value(), out.Value())
	}
	return b, nil
}
