// Package trigger models the external change event that starts a run and the
// filter a pipeline uses to decide whether it reacts to it.
package trigger

import (
	"path"
	"strings"
)

// Event is supplied by an external change-tracking system. The engine only
// reacts to it.
type Event struct {
	Name   string `json:"name,omitempty"`
	Ref    string `json:"ref"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

// Branch returns the branch name for refs of the form refs/heads/<branch>.
// Bare names are returned unchanged, tag refs yield "".
func (e Event) Branch() string {
	switch {
	case strings.HasPrefix(e.Ref, "refs/heads/"):
		return strings.TrimPrefix(e.Ref, "refs/heads/")
	case strings.HasPrefix(e.Ref, "refs/"):
		return ""
	default:
		return e.Ref
	}
}

// Filter selects the events a pipeline runs for. A zero Filter matches
// everything.
type Filter struct {
	Events   []string
	Branches []string
}

// Matches reports whether the event passes the filter. Branch patterns use
// path.Match glob syntax.
func (f Filter) Matches(e Event) bool {
	if len(f.Events) > 0 && e.Name != "" && !contains(f.Events, e.Name) {
		return false
	}
	if len(f.Branches) == 0 {
		return true
	}
	branch := e.Branch()
	if branch == "" {
		return false
	}
	for _, pattern := range f.Branches {
		if ok, err := path.Match(pattern, branch); err == nil && ok {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
