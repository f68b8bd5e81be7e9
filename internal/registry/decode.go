package registry

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/hcl/v2"
	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

var validate = validator.New()

// InputField describes one `hcl`-tagged field of an action input struct.
type InputField struct {
	Name     string
	Optional bool
	index    int
}

// InputFields lists the inputs declared by the action's input struct,
// sorted by name. Actions without inputs return nil.
func (a *RegisteredAction) InputFields() []InputField {
	if a.NewInput == nil {
		return nil
	}
	return fieldsOf(reflect.TypeOf(a.NewInput()).Elem())
}

func fieldsOf(t reflect.Type) []InputField {
	var fields []InputField
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("hcl")
		if tag == "" || tag == "-" {
			continue
		}
		parts := strings.Split(tag, ",")
		field := InputField{Name: parts[0], index: i}
		for _, opt := range parts[1:] {
			if opt == "optional" {
				field.Optional = true
			}
		}
		fields = append(fields, field)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return fields
}

// CheckInputs reports `with` keys the action does not declare and required
// inputs that are missing. It needs no evaluation context.
func (a *RegisteredAction) CheckInputs(with map[string]hcl.Expression) []string {
	var problems []string
	declared := make(map[string]bool)
	for _, f := range a.InputFields() {
		declared[f.Name] = true
		if _, ok := with[f.Name]; !ok && !f.Optional {
			problems = append(problems, fmt.Sprintf("missing required input %q", f.Name))
		}
	}
	keys := make([]string, 0, len(with))
	for k := range with {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !declared[k] {
			problems = append(problems, fmt.Sprintf("unsupported input %q", k))
		}
	}
	return problems
}

// DecodeInput evaluates with against evalCtx and populates a new input
// struct for the action. The decoded struct is then checked against its
// `validate` tags.
func (a *RegisteredAction) DecodeInput(ctx context.Context, with map[string]hcl.Expression, evalCtx *hcl.EvalContext) (any, error) {
	if a.NewInput == nil {
		if len(with) > 0 {
			return nil, fmt.Errorf("action takes no inputs")
		}
		return nil, nil
	}
	if problems := a.CheckInputs(with); len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	logger := ctxlog.FromContext(ctx)
	input := a.NewInput()
	structVal := reflect.ValueOf(input).Elem()

	for _, f := range fieldsOf(structVal.Type()) {
		expr, ok := with[f.Name]
		if !ok {
			continue
		}
		val, diags := expr.Value(evalCtx)
		if diags.HasErrors() {
			return nil, diags
		}
		if val.IsNull() {
			continue
		}
		if err := decodeValue(val, structVal.Field(f.index).Addr().Interface()); err != nil {
			return nil, fmt.Errorf("failed to decode input '%s': %w", f.Name, err)
		}
	}

	if err := validate.Struct(input); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	logger.Debug("Decoded action input.", "type", structVal.Type().String())
	return input, nil
}

// decodeValue converts val to the cty type implied by the Go target and
// decodes it there.
func decodeValue(val cty.Value, target any) error {
	impliedType, err := gocty.ImpliedType(reflect.ValueOf(target).Elem().Interface())
	if err != nil {
		return gocty.FromCtyValue(val, target)
	}
	converted, err := convert.Convert(val, impliedType)
	if err != nil {
		return fmt.Errorf("cannot convert %s to required type %s: %w", val.Type().FriendlyName(), impliedType.FriendlyName(), err)
	}
	return gocty.FromCtyValue(converted, target)
}
