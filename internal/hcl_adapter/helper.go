package hcl_adapter

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// isExprDefined checks if an HCL expression was actually present in the source
// code. The HCL decoder populates omitted optional fields with non-nil,
// zero-width expression objects, so a nil check alone is insufficient.
func isExprDefined(ctx context.Context, expr hcl.Expression, attrName string) bool {
	if expr == nil {
		return false
	}

	// A real attribute occupies bytes in the file; a placeholder has a
	// zero-width range.
	exprRange := expr.Range()
	isDefined := exprRange.End.Byte > exprRange.Start.Byte

	ctxlog.FromContext(ctx).Debug("Checking if HCL attribute was explicitly defined.",
		"attribute", attrName,
		"hcl_range", exprRange.String(),
		"is_defined", isDefined,
	)
	return isDefined
}

// optionalExpr returns expr when it was written in the source, nil otherwise.
func optionalExpr(ctx context.Context, expr hcl.Expression, attrName string) hcl.Expression {
	if !isExprDefined(ctx, expr, attrName) {
		return nil
	}
	return expr
}

// exprMap splits an object constructor expression into per-key expressions
// so that each value is evaluated lazily and independently.
func exprMap(ctx context.Context, expr hcl.Expression, attrName string) (map[string]hcl.Expression, error) {
	if !isExprDefined(ctx, expr, attrName) {
		return nil, nil
	}

	pairs, diags := hcl.ExprMap(expr)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%s must be an object: %w", attrName, diags)
	}

	out := make(map[string]hcl.Expression, len(pairs))
	for _, kv := range pairs {
		keyVal, diags := kv.Key.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("%s: keys must be static: %w", attrName, diags)
		}
		keyVal, err := convert.Convert(keyVal, cty.String)
		if err != nil || keyVal.IsNull() || !keyVal.IsKnown() {
			return nil, fmt.Errorf("%s: keys must be strings at %s", attrName, kv.Key.Range())
		}
		key := keyVal.AsString()
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("%s: duplicate key %q", attrName, key)
		}
		out[key] = kv.Value
	}
	return out, nil
}
