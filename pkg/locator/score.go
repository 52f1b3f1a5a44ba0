// Package locator scores and ranks candidate selectors derived from an
// element descriptor. It is pure computation; the Locator agent wraps it
// with bus plumbing.
package locator

import (
	"fmt"
	"sort"
	"strings"
)

// Element is the descriptor candidates are derived from. Recognized keys:
// data-testid, role, name, id, text, tag, class.
type Element map[string]string

// Candidate is one scored selector.
type Candidate struct {
	Selector string `json:"selector"`
	Score    int    `json:"score"`
}

// Options toggles the preference boosts.
type Options struct {
	// BoostTestID adds +5 to [data-testid...] selectors.
	BoostTestID bool

	// BoostRole adds +2 to role=... selectors.
	BoostRole bool
}

// DefaultOptions enables both boosts.
func DefaultOptions() Options {
	return Options{BoostTestID: true, BoostRole: true}
}

// Base scores per derivation rule.
const (
	scoreTestID   = 10
	scoreRoleName = 8
	scoreID       = 7
	scoreText     = 5
	scoreTagClass = 3
	scoreTag      = 1

	boostTestID = 5
	boostRole   = 2
)

// Rank derives all candidate selectors for the element, applies boosts,
// dedupes by selector keeping the maximum score, and returns them sorted by
// descending score (selector ascending on ties, for determinism).
func Rank(el Element, opts Options) []Candidate {
	var raw []Candidate

	if v := el["data-testid"]; v != "" {
		raw = append(raw, Candidate{Selector: AttrSelector("data-testid", v), Score: scoreTestID})
	}
	if role := el["role"]; role != "" {
		raw = append(raw, Candidate{Selector: RoleSelector(role, el["name"]), Score: scoreRoleName})
	}
	if id := el["id"]; id != "" {
		raw = append(raw, Candidate{Selector: "#" + CSSEscape(id), Score: scoreID})
	}
	if text := el["text"]; text != "" {
		raw = append(raw, Candidate{Selector: fmt.Sprintf("text=%q", text), Score: scoreText})
	}
	tag := el["tag"]
	if tag != "" {
		if first := firstClass(el["class"]); first != "" {
			raw = append(raw, Candidate{Selector: tag + "." + CSSEscape(first), Score: scoreTagClass})
		}
		raw = append(raw, Candidate{Selector: tag, Score: scoreTag})
	}

	best := make(map[string]int, len(raw))
	for _, c := range raw {
		score := c.Score
		if opts.BoostTestID && strings.HasPrefix(c.Selector, "[data-testid") {
			score += boostTestID
		}
		if opts.BoostRole && strings.HasPrefix(c.Selector, "role=") {
			score += boostRole
		}
		if prev, ok := best[c.Selector]; !ok || score > prev {
			best[c.Selector] = score
		}
	}

	out := make([]Candidate, 0, len(best))
	for sel, score := range best {
		out = append(out, Candidate{Selector: sel, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Selector < out[j].Selector
	})
	return out
}

// AttrSelector encodes an attribute-equals selector, escaping embedded
// double quotes in the value.
func AttrSelector(attr, value string) string {
	return "[" + attr + `="` + strings.ReplaceAll(value, `"`, `\"`) + `"]`
}

// RoleSelector encodes a role selector, with an accessible-name filter when
// name is non-empty.
func RoleSelector(role, name string) string {
	if name == "" {
		return "role=" + role
	}
	return "role=" + role + `[name="` + strings.ReplaceAll(name, `"`, `\"`) + `"]`
}

// CSSEscape backslash-escapes every character outside [A-Za-z0-9_-], making
// raw ids and class names safe in #id / .class selectors.
func CSSEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('\\')
			b.WriteRune(r)
		}
	}
	return b.String()
}

// firstClass returns the first whitespace-separated class name.
func firstClass(classes string) string {
	for _, c := range strings.Fields(classes) {
		return c
	}
	return ""
}
