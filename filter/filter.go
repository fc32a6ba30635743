// Package filter decides which sent messages are eligible for a generated
// reply, using regular-expression allow or block lists over the header block
// and the body.
package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

var ErrModeConflict = errors.New("include and exclude filters are mutually exclusive")

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Active reports whether any pattern is configured.
func (o Options) Active() bool {
	return len(o.IncludeHeader)+len(o.IncludeBody)+len(o.ExcludeHeader)+len(o.ExcludeBody) > 0
}

// Group is one list of patterns with the number of messages each matched.
type Group struct {
	Patterns []string
	Hits     []int
}

// Stats reports pattern hits per list.
type Stats struct {
	IncludeHeader Group
	IncludeBody   Group
	ExcludeHeader Group
	ExcludeBody   Group
}

// Filter holds compiled patterns. The zero of *Filter (nil) allows everything.
type Filter struct {
	includeMode bool

	includeHeader *patternSet
	includeBody   *patternSet
	excludeHeader *patternSet
	excludeBody   *patternSet

	mu sync.Mutex
}

type patternSet struct {
	res  []*regexp.Regexp
	hits []int
}

// New compiles opts. Include and exclude lists cannot be combined.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	includeBody, err := compilePatterns(opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	excludeBody, err := compilePatterns(opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	includeActive := includeHeader.len() > 0 || includeBody.len() > 0
	excludeActive := excludeHeader.len() > 0 || excludeBody.len() > 0
	if includeActive && excludeActive {
		return nil, ErrModeConflict
	}

	return &Filter{
		includeMode:   includeActive,
		includeHeader: includeHeader,
		includeBody:   includeBody,
		excludeHeader: excludeHeader,
		excludeBody:   excludeBody,
	}, nil
}

// Allows reports whether a message with the given header block and body
// passes. With include lists a message must match one pattern; with exclude
// lists it must match none.
func (f *Filter) Allows(headerText, body string) bool {
	if f == nil {
		return true
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.includeMode {
		h := f.includeHeader.match(headerText)
		b := f.includeBody.match(body)
		return h || b
	}

	h := f.excludeHeader.match(headerText)
	b := f.excludeBody.match(body)
	return !h && !b
}

// Stats returns a copy of the hit counters.
func (f *Filter) Stats() Stats {
	if f == nil {
		return Stats{}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return Stats{
		IncludeHeader: f.includeHeader.group(),
		IncludeBody:   f.includeBody.group(),
		ExcludeHeader: f.excludeHeader.group(),
		ExcludeBody:   f.excludeBody.group(),
	}
}

func compilePatterns(patterns []string) (*patternSet, error) {
	set := &patternSet{}
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		set.res = append(set.res, re)
	}
	set.hits = make([]int, len(set.res))
	return set, nil
}

func (s *patternSet) len() int {
	return len(s.res)
}

// match counts every matching pattern so hit statistics stay complete.
func (s *patternSet) match(text string) bool {
	matched := false
	for i, re := range s.res {
		if re.MatchString(text) {
			s.hits[i]++
			matched = true
		}
	}
	return matched
}

func (s *patternSet) group() Group {
	g := Group{Hits: append([]int(nil), s.hits...)}
	for _, re := range s.res {
		g.Patterns = append(g.Patterns, re.String())
	}
	return g
}
