package httpprovider

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"
)

// ScriptVariant is a calling convention implemented in JavaScript.
// The script exports build(req) returning {method, path, headers, query, json, form}.
type ScriptVariant struct {
	name  string
	mu    sync.Mutex
	rt    *goja.Runtime
	build goja.Callable
}

// NewScriptVariant compiles source and resolves its build export.
func NewScriptVariant(name, source string) (*ScriptVariant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("script variant: name required")
	}
	program, err := goja.Compile(name+".js", source, true)
	if err != nil {
		return nil, fmt.Errorf("script variant %s: compile: %w", name, err)
	}
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	exports, err := runModule(rt, program)
	if err != nil {
		return nil, fmt.Errorf("script variant %s: %w", name, err)
	}
	value := exports.Get("build")
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		value = rt.Get("build")
	}
	build, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("script variant %s: build function not exported", name)
	}
	return &ScriptVariant{name: name, rt: rt, build: build}, nil
}

// LoadScriptVariant reads a script from path.
func LoadScriptVariant(name, path string) (*ScriptVariant, error) {
	source, err := os.ReadFile(path) // #nosec G304 -- operator-supplied script path
	if err != nil {
		return nil, fmt.Errorf("script variant %s: read %s: %w", name, path, err)
	}
	return NewScriptVariant(name, string(source))
}

// Name returns the variant name.
func (v *ScriptVariant) Name() string { return v.name }

// Build runs the script. Calls are serialised because a goja runtime is single-threaded.
func (v *ScriptVariant) Build(in BuildInput) (spec RequestSpec, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("script variant %s: panic: %v", v.name, rec)
		}
	}()
	result, err := v.build(goja.Undefined(), v.rt.ToValue(in))
	if err != nil {
		return RequestSpec{}, fmt.Errorf("script variant %s: build: %w", v.name, err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return RequestSpec{}, fmt.Errorf("script variant %s: build returned nothing", v.name)
	}
	raw, err := json.Marshal(result.Export())
	if err != nil {
		return RequestSpec{}, fmt.Errorf("script variant %s: encode result: %w", v.name, err)
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return RequestSpec{}, fmt.Errorf("script variant %s: decode result: %w", v.name, err)
	}
	return spec, nil
}

func runModule(rt *goja.Runtime, program *goja.Program) (*goja.Object, error) {
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}
	object := module.Get("exports").ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}
