package filter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	IncludeFrom   []string
	ExcludeHeader []string
	ExcludeBody   []string
	ExcludeFrom   []string
}

func (o Options) includeActive() bool {
	return len(o.IncludeHeader) > 0 || len(o.IncludeBody) > 0 || len(o.IncludeFrom) > 0
}

func (o Options) excludeActive() bool {
	return len(o.ExcludeHeader) > 0 || len(o.ExcludeBody) > 0 || len(o.ExcludeFrom) > 0
}

// Validate reports whether include and exclude patterns were mixed.
func (o Options) Validate() error {
	if o.includeActive() && o.excludeActive() {
		return fmt.Errorf("include and exclude filters are mutually exclusive")
	}
	return nil
}

type rule struct {
	pattern string
	re      *regexp.Regexp
}

type ruleSet []rule

// Filter holds compiled regex patterns for filtering messages. It is safe
// for concurrent use.
type Filter struct {
	includeMode   bool
	excludeMode   bool
	includeHeader ruleSet
	includeBody   ruleSet
	includeFrom   ruleSet
	excludeHeader ruleSet
	excludeBody   ruleSet
	excludeFrom   ruleSet

	mu   sync.Mutex
	hits map[string]int
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	f := &Filter{
		includeMode: opts.includeActive(),
		excludeMode: opts.excludeActive(),
		hits:        make(map[string]int),
	}
	sets := []struct {
		name     string
		patterns []string
		dst      *ruleSet
	}{
		{"include-header", opts.IncludeHeader, &f.includeHeader},
		{"include-body", opts.IncludeBody, &f.includeBody},
		{"include-from", opts.IncludeFrom, &f.includeFrom},
		{"exclude-header", opts.ExcludeHeader, &f.excludeHeader},
		{"exclude-body", opts.ExcludeBody, &f.excludeBody},
		{"exclude-from", opts.ExcludeFrom, &f.excludeFrom},
	}
	for _, s := range sets {
		rules, err := compilePatterns(s.patterns)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern: %w", s.name, err)
		}
		*s.dst = rules
	}
	return f, nil
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return f != nil && (f.includeMode || f.excludeMode)
}

// Allows returns true if a message with the given envelope sender and raw
// bytes passes the filter criteria.
func (f *Filter) Allows(from string, raw []byte) bool {
	if !f.Active() {
		return true
	}

	header, body := SplitRawMessage(raw)
	headerText, bodyText := string(header), string(body)

	if f.includeMode {
		return f.match(f.includeFrom, from) || f.match(f.includeHeader, headerText) || f.match(f.includeBody, bodyText)
	}
	if f.match(f.excludeFrom, from) || f.match(f.excludeHeader, headerText) || f.match(f.excludeBody, bodyText) {
		return false
	}
	return true
}

// Hits returns how often each pattern matched so far.
func (f *Filter) Hits() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.hits))
	for k, v := range f.hits {
		out[k] = v
	}
	return out
}

func (f *Filter) match(rules ruleSet, text string) bool {
	for _, r := range rules {
		if r.re.MatchString(text) {
			f.mu.Lock()
			f.hits[r.pattern]++
			f.mu.Unlock()
			return true
		}
	}
	return false
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compilePatterns(patterns []string) (ruleSet, error) {
	compiled := make(ruleSet, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, rule{pattern: pattern, re: re})
	}
	return compiled, nil
}
