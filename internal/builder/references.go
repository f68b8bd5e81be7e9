package builder

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/pipegrid/internal/config"
	"github.com/zclconf/go-cty/cty"
)

// formatTraversal converts an hcl.Traversal to a human-readable string.
func formatTraversal(t hcl.Traversal) string {
	var sb strings.Builder
	for _, part := range t {
		switch p := part.(type) {
		case hcl.TraverseRoot:
			sb.WriteString(p.Name)
		case hcl.TraverseAttr:
			sb.WriteRune('.')
			sb.WriteString(p.Name)
		case hcl.TraverseIndex:
			sb.WriteRune('[')
			switch p.Key.Type() {
			case cty.String:
				sb.WriteString(fmt.Sprintf("%q", p.Key.AsString()))
			case cty.Number:
				sb.WriteString(p.Key.AsBigFloat().Text('f', -1))
			default:
				sb.WriteString("...")
			}
			sb.WriteRune(']')
		default:
			sb.WriteString(".?")
		}
	}
	return sb.String()
}

// traversalName returns the name selected by the i-th element of t, for
// both attribute (a.b) and string index (a["b"]) access.
func traversalName(t hcl.Traversal, i int) (string, bool) {
	if len(t) <= i {
		return "", false
	}
	switch p := t[i].(type) {
	case hcl.TraverseAttr:
		return p.Name, true
	case hcl.TraverseIndex:
		if p.Key.Type() == cty.String && p.Key.IsKnown() && !p.Key.IsNull() {
			return p.Key.AsString(), true
		}
	}
	return "", false
}

// jobExpr is one expression of a job together with the step it belongs to.
// stepIndex is -1 for job-level expressions.
type jobExpr struct {
	where     string
	stepIndex int
	expr      hcl.Expression
}

func exprsOf(job *config.Job) []jobExpr {
	var out []jobExpr
	addMap := func(where string, idx int, m map[string]hcl.Expression) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, jobExpr{where: where + "." + k, stepIndex: idx, expr: m[k]})
		}
	}

	addMap("env", -1, job.Env)
	for i, s := range job.Steps {
		if s == nil {
			continue
		}
		where := fmt.Sprintf("step %q", s.Name)
		if s.Run != nil {
			out = append(out, jobExpr{where: where + " run", stepIndex: i, expr: s.Run})
		}
		addMap(where+" with", i, s.With)
		addMap(where+" env", i, s.Env)
	}
	// The environment URL is evaluated after every step has run.
	if job.EnvironmentURL != nil {
		out = append(out, jobExpr{where: "environment_url", stepIndex: len(job.Steps), expr: job.EnvironmentURL})
	}
	return out
}

// checkReferences validates the variable references of one job and returns
// the secret names it uses.
func checkReferences(job *config.Job) (secrets []string, problems []string) {
	needs := make(map[string]bool, len(job.Needs))
	for _, n := range job.Needs {
		needs[n] = true
	}
	stepIndex := make(map[string]int, len(job.Steps))
	for i, s := range job.Steps {
		if s != nil {
			stepIndex[s.Name] = i
		}
	}

	seenSecrets := make(map[string]bool)
	for _, je := range exprsOf(job) {
		for _, t := range je.expr.Variables() {
			ref := formatTraversal(t)
			switch t.RootName() {
			case "secrets":
				name, ok := traversalName(t, 1)
				if !ok {
					problems = append(problems, fmt.Sprintf("%s: %s must name a single secret", je.where, ref))
					continue
				}
				if job.Environment == "" {
					problems = append(problems, fmt.Sprintf("%s: %s is only available to jobs that reference an environment", je.where, ref))
					continue
				}
				if !secretNameRe.MatchString(name) {
					problems = append(problems, fmt.Sprintf("%s: %s must use the upper-case secret name %q", je.where, ref, strings.ToUpper(name)))
					continue
				}
				if !seenSecrets[name] {
					seenSecrets[name] = true
					secrets = append(secrets, name)
				}
			case "needs":
				name, ok := traversalName(t, 1)
				if ok && !needs[name] {
					problems = append(problems, fmt.Sprintf("%s: %s refers to %q which is not a direct need", je.where, ref, name))
				}
			case "steps":
				name, ok := traversalName(t, 1)
				if !ok {
					continue
				}
				idx, exists := stepIndex[name]
				switch {
				case !exists:
					problems = append(problems, fmt.Sprintf("%s: %s refers to unknown step %q", je.where, ref, name))
				case idx >= je.stepIndex:
					problems = append(problems, fmt.Sprintf("%s: %s refers to step %q which has not run yet", je.where, ref, name))
				}
			case "environment":
				if job.Environment == "" {
					problems = append(problems, fmt.Sprintf("%s: %s is only available to jobs that reference an environment", je.where, ref))
				}
			case "trigger", "run", "job", "pipeline", "env", "permissions":
			default:
				problems = append(problems, fmt.Sprintf("%s: unknown variable %s", je.where, ref))
			}
		}
	}
	sort.Strings(secrets)
	return secrets, problems
}
