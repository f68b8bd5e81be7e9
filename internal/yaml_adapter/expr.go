package yaml_adapter

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"
)

// compileTemplate turns a string with `${{ expr }}` placeholders into an HCL
// template expression. Literal text is escaped so that HCL interpolation
// sequences in plain strings stay literal.
func compileTemplate(file string, s string, pos hcl.Pos) (hcl.Expression, error) {
	var b strings.Builder
	rest := s
	for {
		open := strings.Index(rest, "${{")
		if open < 0 {
			b.WriteString(escapeLiteral(rest))
			break
		}
		b.WriteString(escapeLiteral(rest[:open]))

		body := rest[open+3:]
		end := strings.Index(body, "}}")
		if end < 0 {
			return nil, fmt.Errorf("%s:%d: unterminated ${{ in %q", file, pos.Line, s)
		}
		inner := strings.TrimSpace(body[:end])
		if inner == "" {
			return nil, fmt.Errorf("%s:%d: empty expression in %q", file, pos.Line, s)
		}
		b.WriteString("${")
		b.WriteString(inner)
		b.WriteString("}")
		rest = body[end+2:]
	}

	expr, diags := hclsyntax.ParseTemplate([]byte(b.String()), file, pos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid expression in %q: %w", s, diags)
	}
	return expr, nil
}

func escapeLiteral(s string) string {
	s = strings.ReplaceAll(s, "${", "$${")
	return strings.ReplaceAll(s, "%{", "%%{")
}

// nodeExpr compiles a YAML value into an expression. Strings are templates;
// other scalars and collections become static values.
func nodeExpr(file string, n *yaml.Node) (hcl.Expression, error) {
	pos := hcl.Pos{Line: n.Line, Column: n.Column, Byte: 0}
	if n.Kind == yaml.ScalarNode && (n.Tag == "!!str" || n.Tag == "") {
		return compileTemplate(file, n.Value, pos)
	}
	val, err := nodeValue(n)
	if err != nil {
		return nil, fmt.Errorf("%s:%d: %w", file, n.Line, err)
	}
	rng := hcl.Range{Filename: file, Start: pos, End: hcl.Pos{Line: n.Line, Column: n.Column + len(n.Value), Byte: len(n.Value)}}
	return hcl.StaticExpr(val, rng), nil
}

// nodeValue converts a YAML node into a static cty value.
func nodeValue(n *yaml.Node) (cty.Value, error) {
	switch n.Kind {
	case yaml.AliasNode:
		return nodeValue(n.Alias)
	case yaml.ScalarNode:
		switch n.Tag {
		case "!!null":
			return cty.NullVal(cty.DynamicPseudoType), nil
		case "!!bool":
			var b bool
			if err := n.Decode(&b); err != nil {
				return cty.NilVal, err
			}
			return cty.BoolVal(b), nil
		case "!!int", "!!float":
			return cty.ParseNumberVal(n.Value)
		default:
			return cty.StringVal(n.Value), nil
		}
	case yaml.SequenceNode:
		if len(n.Content) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := nodeValue(c)
			if err != nil {
				return cty.NilVal, err
			}
			elems = append(elems, v)
		}
		return cty.TupleVal(elems), nil
	case yaml.MappingNode:
		attrs := make(map[string]cty.Value, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			v, err := nodeValue(n.Content[i+1])
			if err != nil {
				return cty.NilVal, err
			}
			attrs[n.Content[i].Value] = v
		}
		return cty.ObjectVal(attrs), nil
	}
	return cty.NilVal, fmt.Errorf("unsupported YAML node kind %d", n.Kind)
}

// exprMap compiles every value of a mapping node, keyed by its YAML key.
func exprMap(file string, n *yaml.Node) (map[string]hcl.Expression, error) {
	if n == nil || n.Kind == 0 {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s:%d: expected a mapping", file, n.Line)
	}
	out := make(map[string]hcl.Expression, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		expr, err := nodeExpr(file, n.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", n.Content[i].Value, err)
		}
		out[n.Content[i].Value] = expr
	}
	return out, nil
}
