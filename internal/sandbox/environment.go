package sandbox

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/sakif/js-dojo/internal/locale"
)

// Binding is one allow-listed name and how its value is obtained on a fresh
// runtime.
type Binding struct {
	Name    string
	resolve func(vm *goja.Runtime, out *CapturedOutput, r *renderer, msgs locale.Messages) (goja.Value, error)
}

// allowList is the ordered table of names executed code may reference.
// The order is the parameter order of the wrapper function.
var allowList = []Binding{
	{Name: "console", resolve: consoleShim},
	{Name: "Math", resolve: builtin("Math")},
	{Name: "Date", resolve: builtin("Date")},
	{Name: "JSON", resolve: builtin("JSON")},
	{Name: "Array", resolve: builtin("Array")},
	{Name: "Object", resolve: builtin("Object")},
	{Name: "String", resolve: builtin("String")},
	{Name: "Number", resolve: builtin("Number")},
	{Name: "Boolean", resolve: builtin("Boolean")},
	{Name: "RegExp", resolve: builtin("RegExp")},
	{Name: "Error", resolve: builtin("Error")},
	{Name: "TypeError", resolve: builtin("TypeError")},
	{Name: "RangeError", resolve: builtin("RangeError")},
	{Name: "SyntaxError", resolve: builtin("SyntaxError")},
	{Name: "isNaN", resolve: builtin("isNaN")},
	{Name: "isFinite", resolve: builtin("isFinite")},
	{Name: "parseInt", resolve: builtin("parseInt")},
	{Name: "parseFloat", resolve: builtin("parseFloat")},
	{Name: "encodeURI", resolve: builtin("encodeURI")},
	{Name: "encodeURIComponent", resolve: builtin("encodeURIComponent")},
	{Name: "decodeURI", resolve: builtin("decodeURI")},
	{Name: "decodeURIComponent", resolve: builtin("decodeURIComponent")},
}

// persistentGlobals are non-configurable value properties of the global
// object. They carry no capability.
var persistentGlobals = map[string]bool{
	"undefined": true,
	"NaN":       true,
	"Infinity":  true,
}

// CapturedOutput collects console lines for a single execution.
type CapturedOutput struct {
	Logs   []string
	Errors []string
}

// Environment is the restricted scope for one execution: a stripped runtime
// plus the allow-listed values in parameter order.
type Environment struct {
	vm     *goja.Runtime
	names  []string
	values []goja.Value
	render *renderer
	Output *CapturedOutput
}

// Names returns the parameter names in order.
func (e *Environment) Names() []string { return e.names }

// Values returns the bound values in parameter order.
func (e *Environment) Values() []goja.Value { return e.values }

// BuildEnvironment captures every allow-listed value from vm and then empties
// its global object, so code compiled on vm afterwards can only reach what
// is passed in explicitly. vm must be fresh and must not be reused for
// another execution.
func BuildEnvironment(vm *goja.Runtime, msgs locale.Messages) (*Environment, error) {
	r, err := newRenderer(vm)
	if err != nil {
		return nil, err
	}

	env := &Environment{
		vm:     vm,
		names:  make([]string, 0, len(allowList)),
		values: make([]goja.Value, 0, len(allowList)),
		render: r,
		Output: &CapturedOutput{},
	}
	for _, b := range allowList {
		v, err := b.resolve(vm, env.Output, r, msgs)
		if err != nil {
			return nil, fmt.Errorf("bind %s: %w", b.Name, err)
		}
		env.names = append(env.names, b.Name)
		env.values = append(env.values, v)
	}

	if err := sealFunctionConstructors(vm); err != nil {
		return nil, err
	}
	if err := stripGlobals(vm); err != nil {
		return nil, err
	}
	return env, nil
}

func builtin(name string) func(*goja.Runtime, *CapturedOutput, *renderer, locale.Messages) (goja.Value, error) {
	return func(vm *goja.Runtime, _ *CapturedOutput, _ *renderer, _ locale.Messages) (goja.Value, error) {
		v := vm.Get(name)
		if v == nil || goja.IsUndefined(v) {
			return nil, fmt.Errorf("builtin %s is not defined", name)
		}
		return v, nil
	}
}

// consoleSource builds the console shim around two native sinks. Formatting
// stays in script so exceptions from toJSON or toString propagate to the
// caller like any other throw.
const consoleSource = `(function (render, pushLog, pushError, warnMarker, infoMarker) {
	var format = function (args) {
		var parts = [];
		for (var i = 0; i < args.length; i++) {
			parts.push(render(args[i]));
		}
		return parts.join(" ");
	};
	return {
		log: function () { pushLog(format(arguments)); },
		error: function () { pushError(format(arguments)); },
		warn: function () { pushLog(warnMarker + format(arguments)); },
		info: function () { pushLog(infoMarker + format(arguments)); }
	};
})`

func consoleShim(vm *goja.Runtime, out *CapturedOutput, r *renderer, msgs locale.Messages) (goja.Value, error) {
	factoryVal, err := vm.RunString(consoleSource)
	if err != nil {
		return nil, fmt.Errorf("compile console: %w", err)
	}
	factory, ok := goja.AssertFunction(factoryVal)
	if !ok {
		return nil, errors.New("console factory is not callable")
	}

	sink := func(lines *[]string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			*lines = append(*lines, call.Argument(0).String())
			return goja.Undefined()
		}
	}
	return factory(goja.Undefined(),
		r.fn,
		vm.ToValue(sink(&out.Logs)),
		vm.ToValue(sink(&out.Errors)),
		vm.ToValue(msgs.WarnMarker),
		vm.ToValue(msgs.InfoMarker),
	)
}

// functionPrototypes lists expressions yielding prototypes whose constructor
// compiles source text. Only Function.prototype is required to exist.
var functionPrototypes = []string{
	"Function.prototype",
	"Object.getPrototypeOf(function* () {})",
	"Object.getPrototypeOf(async function () {})",
}

// sealFunctionConstructors replaces the constructor property of every
// function prototype, so (() => {}).constructor cannot compile new code.
func sealFunctionConstructors(vm *goja.Runtime) error {
	thrower := vm.ToValue(func(goja.FunctionCall) goja.Value {
		panic(vm.NewTypeError("Function constructor is disabled"))
	})
	for i, expr := range functionPrototypes {
		v, err := vm.RunString(expr)
		if err != nil {
			if i == 0 {
				return fmt.Errorf("seal function constructors: %w", err)
			}
			continue
		}
		proto, ok := v.(*goja.Object)
		if !ok {
			continue
		}
		if err := proto.DefineDataProperty("constructor", thrower, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
			return fmt.Errorf("seal %s: %w", expr, err)
		}
	}
	return nil
}

// stripGlobals deletes every own property of the global object except the
// persistent value properties. Any other property that refuses deletion is
// an error: the environment is unusable rather than leaky.
func stripGlobals(vm *goja.Runtime) error {
	namesVal, err := vm.RunString("Object.getOwnPropertyNames(this)")
	if err != nil {
		return fmt.Errorf("list globals: %w", err)
	}
	var names []string
	if err := vm.ExportTo(namesVal, &names); err != nil {
		return fmt.Errorf("list globals: %w", err)
	}

	global := vm.GlobalObject()
	var errs []error
	for _, name := range names {
		if persistentGlobals[name] {
			continue
		}
		if err := global.Delete(name); err != nil {
			errs = append(errs, fmt.Errorf("delete global %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// renderSource formats one value the way the console shim and the result
// line print it: typeof "object" (null included) through JSON.stringify with
// two-space indent, anything else through String. It closes over the
// original JSON.stringify and String.
const renderSource = `(function (stringify, toString) {
	return function (v) {
		return typeof v === "object" ? stringify(v, null, 2) : toString(v);
	};
})(JSON.stringify, String)`

// renderer is compiled before the global object is stripped.
type renderer struct {
	fn     goja.Value
	render goja.Callable
}

func newRenderer(vm *goja.Runtime) (*renderer, error) {
	v, err := vm.RunString(renderSource)
	if err != nil {
		return nil, fmt.Errorf("compile renderer: %w", err)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, errors.New("renderer is not callable")
	}
	return &renderer{fn: v, render: fn}, nil
}

// Render formats v from Go. Errors raised while formatting (cycles, BigInt,
// a throwing toString) come back as the runtime's error.
func (r *renderer) Render(v goja.Value) (string, error) {
	if v == nil {
		v = goja.Undefined()
	}
	out, err := r.render(goja.Undefined(), v)
	if err != nil {
		return "", err
	}
	if out == nil || goja.IsUndefined(out) {
		return "undefined", nil
	}
	return out.String(), nil
}
