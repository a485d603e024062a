package derive

import (
	"fmt"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
	"github.com/paulmach/orb/geojson"
)

// Predicate selects the features a filtered layer keeps.
type Predicate func(f *geojson.Feature) bool

// PropertyEquals keeps features whose property key equals value.
func PropertyEquals(key string, value any) Predicate {
	return func(f *geojson.Feature) bool {
		v, ok := f.Properties[key]
		return ok && fmt.Sprint(v) == fmt.Sprint(value)
	}
}

// CompilePredicate compiles an expr-lang expression evaluated against a
// feature. Properties are available by name and under "properties"; the
// geometry type is "geometryType" and the feature id "id".
//
//	area > 100 && usage == "residential"
//
// An expression that fails at run time or yields a non-bool keeps nothing.
func CompilePredicate(expression string) (Predicate, error) {
	if expression == "" {
		return nil, fmt.Errorf("predicate expression must not be empty")
	}
	program, err := exprlang.Compile(expression,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("compiling predicate %q: %w", expression, err)
	}
	return func(f *geojson.Feature) bool {
		return evaluate(program, expression, f)
	}, nil
}

func evaluate(program *exprvm.Program, expression string, f *geojson.Feature) bool {
	if f == nil {
		return false
	}
	env := make(map[string]any, len(f.Properties)+3)
	for k, v := range f.Properties {
		env[k] = v
	}
	env["properties"] = map[string]any(f.Properties)
	if _, ok := env["id"]; !ok && f.ID != nil {
		env["id"] = f.ID
	}
	if f.Geometry != nil {
		env["geometryType"] = f.Geometry.GeoJSONType()
	}

	out, err := exprlang.Run(program, env)
	if err != nil {
		log.Debug("predicate failed", "expression", expression, "error", err)
		return false
	}
	keep, ok := out.(bool)
	return ok && keep
}
