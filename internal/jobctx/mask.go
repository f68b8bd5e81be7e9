package jobctx

import (
	"sort"
	"strings"
)

// Mask replaces secret values in text.
const Mask = "***"

// Masker redacts secret values from step output and diagnostics.
type Masker struct {
	replacer *strings.Replacer
	longest  int
}

// NewMasker masks every non-empty value in secrets. Longer values are
// replaced first so that a secret containing another is fully hidden.
func NewMasker(secrets map[string]string) *Masker {
	values := make([]string, 0, len(secrets))
	for _, v := range secrets {
		if v != "" {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return &Masker{}
	}
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })

	pairs := make([]string, 0, len(values)*2)
	for _, v := range values {
		pairs = append(pairs, v, Mask)
	}
	return &Masker{replacer: strings.NewReplacer(pairs...), longest: len(values[0])}
}

// Longest returns the byte length of the longest secret value.
func (m *Masker) Longest() int {
	if m == nil {
		return 0
	}
	return m.longest
}

// Mask returns s with every secret value replaced.
func (m *Masker) Mask(s string) string {
	if m == nil || m.replacer == nil {
		return s
	}
	return m.replacer.Replace(s)
}
