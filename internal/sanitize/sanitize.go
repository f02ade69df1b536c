// Package sanitize produces redacted copies of webhook payloads that are safe
// to persist. It never mutates its input and never fails on unexpected shapes.
package sanitize

import (
	"strings"
	"unicode"

	"github.com/mattjoyce/hookline/internal/source"
)

// Sanitizer applies GlobalPatterns plus one Policy per source.
type Sanitizer struct {
	patterns []string
	policies map[source.Source]compiledPolicy
}

type compiledPolicy struct {
	strip  map[string]bool
	blocks map[string]*scope
}

type scope struct {
	keep   map[string]bool
	redact map[string]bool
}

// Default uses the package-level tables.
var Default = New(GlobalPatterns, Policies)

// New compiles patterns and policies into a Sanitizer.
func New(patterns []string, policies map[source.Source]Policy) *Sanitizer {
	s := &Sanitizer{
		patterns: make([]string, len(patterns)),
		policies: make(map[source.Source]compiledPolicy, len(policies)),
	}
	for i, p := range patterns {
		s.patterns[i] = normalize(p)
	}
	for src, pol := range policies {
		cp := compiledPolicy{strip: set(pol.Strip), blocks: map[string]*scope{}}
		for _, sc := range pol.Scopes {
			compiled := &scope{}
			if len(sc.Keep) > 0 {
				compiled.keep = set(sc.Keep)
			}
			if len(sc.Redact) > 0 {
				compiled.redact = set(sc.Redact)
			}
			for _, b := range sc.Blocks {
				cp.blocks[normalize(b)] = compiled
			}
		}
		s.policies[src] = cp
	}
	return s
}

// Sanitize returns a redacted deep copy of payload using Default.
func Sanitize(payload map[string]any, src source.Source) map[string]any {
	return Default.Sanitize(payload, src)
}

// Sanitize returns a redacted deep copy of payload.
func (s *Sanitizer) Sanitize(payload map[string]any, src source.Source) map[string]any {
	if payload == nil {
		return nil
	}
	pol := s.policies[src]
	out, _ := s.walk(payload, &pol, nil).(map[string]any)
	return out
}

func (s *Sanitizer) walk(v any, pol *compiledPolicy, cur *scope) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			nk := normalize(k)
			switch {
			case s.sensitive(nk), pol.strip[nk]:
				out[k] = Marker
			case cur != nil && cur.redact[nk]:
				out[k] = Marker
			case cur != nil && cur.keep != nil && isScalar(child) && !cur.keep[nk]:
				out[k] = Marker
			default:
				next := cur
				if sc, ok := pol.blocks[nk]; ok {
					next = sc
				}
				out[k] = s.walk(child, pol, next)
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = s.walk(child, pol, cur)
		}
		return out
	default:
		return v
	}
}

func (s *Sanitizer) sensitive(normalized string) bool {
	for _, p := range s.patterns {
		if strings.Contains(normalized, p) {
			return true
		}
	}
	return false
}

// isScalar reports whether v is a JSON leaf. null counts as a leaf.
func isScalar(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return false
	default:
		return true
	}
}

// normalize lowercases and drops separators: "API-Key" and "api_key" both
// become "apikey".
func normalize(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func set(keys []string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[normalize(k)] = true
	}
	return m
}
