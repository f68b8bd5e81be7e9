package registry

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"

	"github.com/vk/pipegrid/internal/jobctx"
)

// Module is the interface that all action modules must implement to be registered.
type Module interface {
	Register(r *Registry)
}

// Outputs are the key/value results an action exposes to later steps and
// dependent jobs.
type Outputs map[string]string

// RegisteredAction holds the compiled Go parts of an action.
//
// Fn must have the signature
//
//	func(ctx context.Context, jc *jobctx.Context, input *T) (Outputs, error)
//
// where *T is the type returned by NewInput. NewInput may be nil for actions
// that take no inputs, in which case Fn receives a nil *T.
type RegisteredAction struct {
	NewInput func() any
	Fn       any
}

// Registry holds all registered actions for a single application instance.
type Registry struct {
	actions map[string]*RegisteredAction
}

// New creates and initializes a new Registry instance.
func New() *Registry {
	return &Registry{actions: make(map[string]*RegisteredAction)}
}

// RegisterAction registers an action under name. It panics on duplicate
// names or on a function whose signature does not match its input type.
func (r *Registry) RegisterAction(name string, action *RegisteredAction) {
	if _, exists := r.actions[name]; exists {
		panic(fmt.Sprintf("action with name '%s' already registered", name))
	}
	if err := checkSignature(action); err != nil {
		panic(fmt.Sprintf("action '%s': %v", name, err))
	}
	slog.Debug("Registering action.", "name", name)
	r.actions[name] = action
}

// Action returns the action registered under name.
func (r *Registry) Action(name string) (*RegisteredAction, bool) {
	a, ok := r.actions[name]
	return a, ok
}

// Names returns every registered action name, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	jobctxType  = reflect.TypeOf((*jobctx.Context)(nil))
	outputsType = reflect.TypeOf(Outputs(nil))
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

func checkSignature(action *RegisteredAction) error {
	if action == nil || action.Fn == nil {
		return fmt.Errorf("no function")
	}
	fn := reflect.TypeOf(action.Fn)
	if fn.Kind() != reflect.Func || fn.NumIn() != 3 || fn.NumOut() != 2 {
		return fmt.Errorf("function must be func(context.Context, *jobctx.Context, *Input) (registry.Outputs, error), got %s", fn)
	}
	if fn.In(0) != contextType || fn.In(1) != jobctxType {
		return fmt.Errorf("function must take (context.Context, *jobctx.Context, ...), got %s", fn)
	}
	if fn.Out(0) != outputsType || fn.Out(1) != errorType {
		return fmt.Errorf("function must return (registry.Outputs, error), got %s", fn)
	}
	if fn.In(2).Kind() != reflect.Ptr {
		return fmt.Errorf("input parameter must be a pointer, got %s", fn.In(2))
	}
	if action.NewInput != nil {
		if got := reflect.TypeOf(action.NewInput()); got != fn.In(2) {
			return fmt.Errorf("NewInput returns %s but function takes %s", got, fn.In(2))
		}
	}
	return nil
}

// Call invokes the action with an already decoded input.
func (a *RegisteredAction) Call(ctx context.Context, jc *jobctx.Context, input any) (Outputs, error) {
	fn := reflect.ValueOf(a.Fn)
	in := reflect.Zero(fn.Type().In(2))
	if input != nil {
		in = reflect.ValueOf(input)
	}
	results := fn.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(jc), in})
	out, _ := results[0].Interface().(Outputs)
	if errResult := results[1].Interface(); errResult != nil {
		return out, errResult.(error)
	}
	return out, nil
}
