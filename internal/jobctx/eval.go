package jobctx

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// functions are available to every expression.
var functions = map[string]function.Function{
	"upper":     stdlib.UpperFunc,
	"lower":     stdlib.LowerFunc,
	"trimspace": stdlib.TrimSpaceFunc,
	"join":      stdlib.JoinFunc,
	"format":    stdlib.FormatFunc,
	"replace":   stdlib.ReplaceFunc,
	"coalesce":  stdlib.CoalesceFunc,
}

func stringMap(m map[string]string) cty.Value {
	if len(m) == 0 {
		return cty.EmptyObjectVal
	}
	vals := make(map[string]cty.Value, len(m))
	for k, v := range m {
		vals[k] = cty.StringVal(v)
	}
	return cty.ObjectVal(vals)
}

func outputsMap(m map[string]map[string]string) cty.Value {
	if len(m) == 0 {
		return cty.EmptyObjectVal
	}
	vals := make(map[string]cty.Value, len(m))
	for name, outputs := range m {
		vals[name] = cty.ObjectVal(map[string]cty.Value{"outputs": stringMap(outputs)})
	}
	return cty.ObjectVal(vals)
}

// EvalContext builds the variables visible to expressions of this job.
func (c *Context) EvalContext() *hcl.EvalContext {
	env := cty.ObjectVal(map[string]cty.Value{
		"name":         cty.StringVal(""),
		"url":          cty.StringVal(""),
		"previous_url": cty.StringVal(""),
	})
	if c.Environment != nil {
		prev := ""
		if c.Environment.Previous != nil {
			prev = c.Environment.Previous.URL
		}
		env = cty.ObjectVal(map[string]cty.Value{
			"name":         cty.StringVal(c.Environment.Environment),
			"url":          cty.StringVal(c.Environment.URL),
			"previous_url": cty.StringVal(prev),
		})
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"trigger": cty.ObjectVal(map[string]cty.Value{
				"name":   cty.StringVal(c.Trigger.Name),
				"event":  cty.StringVal(c.Trigger.Name),
				"ref":    cty.StringVal(c.Trigger.Ref),
				"branch": cty.StringVal(c.Trigger.Branch()),
				"before": cty.StringVal(c.Trigger.Before),
				"after":  cty.StringVal(c.Trigger.After),
				"actor":  cty.StringVal(c.Trigger.Actor),
			}),
			"run":         cty.ObjectVal(map[string]cty.Value{"id": cty.NumberIntVal(c.RunID)}),
			"pipeline":    cty.ObjectVal(map[string]cty.Value{"name": cty.StringVal(c.Pipeline)}),
			"job":         cty.ObjectVal(map[string]cty.Value{"name": cty.StringVal(c.Job)}),
			"env":         stringMap(c.Env),
			"secrets":     stringMap(c.Secrets),
			"permissions": stringMap(c.Permissions),
			"needs":       outputsMap(c.Needs),
			"steps":       outputsMap(c.steps),
			"environment": env,
		},
		Functions: functions,
	}
}

// EvalValue evaluates expr in this job's context.
func (c *Context) EvalValue(expr hcl.Expression) (cty.Value, error) {
	if expr == nil {
		return cty.NullVal(cty.DynamicPseudoType), nil
	}
	v, diags := expr.Value(c.EvalContext())
	if diags.HasErrors() {
		return cty.NilVal, fmt.Errorf("%s", c.maskDiags(diags))
	}
	return v, nil
}

// EvalString evaluates expr and converts the result to a string. A null
// result yields "".
func (c *Context) EvalString(expr hcl.Expression) (string, error) {
	v, err := c.EvalValue(expr)
	if err != nil {
		return "", err
	}
	return ToString(v)
}

// EvalStringMap evaluates every expression of m.
func (c *Context) EvalStringMap(m map[string]hcl.Expression) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, expr := range m {
		s, err := c.EvalString(expr)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = s
	}
	return out, nil
}

// ToString converts a primitive cty value to its string form.
func ToString(v cty.Value) (string, error) {
	if v.IsNull() {
		return "", nil
	}
	if !v.IsWhollyKnown() {
		return "", fmt.Errorf("value is not known")
	}
	s, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", fmt.Errorf("expected a string, got %s", v.Type().FriendlyName())
	}
	return s.AsString(), nil
}

// maskDiags renders diagnostics with secret values masked; HCL may quote
// offending values in its messages.
func (c *Context) maskDiags(diags hcl.Diagnostics) string {
	msg := diags.Error()
	if c.Masker != nil {
		msg = c.Masker.Mask(msg)
	}
	return msg
}
