// Package stub intercepts outbound HTTP calls made by verification actions
// and answers them with fixed responses, so that a job can check the
// behavior of a built artifact without reaching real services.
package stub

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
)

// ErrUnmatched is returned by a strict interceptor for a request that no
// rule matches.
var ErrUnmatched = errors.New("no stub rule matches request")

// Config is the set of stub rules declared by one job.
type Config struct {
	// Strict rejects unmatched requests instead of passing them through.
	Strict bool
	Rules  []Rule
}

// Rule is one fixed response.
type Rule struct {
	// Method matches case-insensitively; empty or "*" matches any method.
	Method string
	// URL is a glob over the full request URL where `*` matches any run of
	// characters, including slashes.
	URL     string
	Status  int
	Body    string
	Headers map[string]string

	pattern *regexp.Regexp
}

// Compile validates every rule and prepares its URL pattern.
func (c *Config) Compile() error {
	for i := range c.Rules {
		r := &c.Rules[i]
		if r.URL == "" {
			return fmt.Errorf("rule %d: url is required", i)
		}
		if r.Status == 0 {
			r.Status = http.StatusOK
		}
		if r.Status < 100 || r.Status > 599 {
			return fmt.Errorf("rule %d: invalid status %d", i, r.Status)
		}
		r.pattern = globPattern(r.URL)
	}
	return nil
}

func globPattern(glob string) *regexp.Regexp {
	parts := strings.Split(glob, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}

// Matches reports whether the rule applies to req.
func (r *Rule) Matches(req *http.Request) bool {
	if r.Method != "" && r.Method != "*" && !strings.EqualFold(r.Method, req.Method) {
		return false
	}
	pattern := r.pattern
	if pattern == nil {
		pattern = globPattern(r.URL)
	}
	return pattern.MatchString(req.URL.String())
}

// Interceptor is an http.RoundTripper that serves matching requests from
// the configured rules.
type Interceptor struct {
	config *Config
	next   http.RoundTripper
	hits   atomic.Int64
}

// NewInterceptor wraps next. A nil next uses http.DefaultTransport.
func NewInterceptor(cfg *Config, next http.RoundTripper) *Interceptor {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Interceptor{config: cfg, next: next}
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	for idx := range i.config.Rules {
		rule := &i.config.Rules[idx]
		if !rule.Matches(req) {
			continue
		}
		i.hits.Add(1)
		if req.Body != nil {
			req.Body.Close()
		}
		return rule.response(req), nil
	}
	if i.config.Strict {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, fmt.Errorf("%w: %s %s", ErrUnmatched, req.Method, req.URL)
	}
	return i.next.RoundTrip(req)
}

// Hits returns how many requests were answered by a rule.
func (i *Interceptor) Hits() int64 {
	return i.hits.Load()
}

func (r *Rule) response(req *http.Request) *http.Response {
	header := make(http.Header, len(r.Headers))
	for k, v := range r.Headers {
		header.Set(k, v)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status)),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// NewClient returns an HTTP client whose transport is intercepted by cfg.
// A nil cfg returns a plain client over base.
func NewClient(cfg *Config, base http.RoundTripper) *http.Client {
	if cfg == nil || (len(cfg.Rules) == 0 && !cfg.Strict) {
		if base == nil {
			return &http.Client{}
		}
		return &http.Client{Transport: base}
	}
	return &http.Client{Transport: NewInterceptor(cfg, base)}
}
