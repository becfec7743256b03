package model

import "strings"

// ExtractJSON locates the JSON document inside model text output. Both loop
// tiers use it to decode directives from content responses. Fenced blocks win
// over bare braces so prose containing stray braces does not break parsing.
func ExtractJSON(content string) (string, bool) {
	s := strings.TrimSpace(content)
	if s == "" {
		return "", false
	}
	if fenced, ok := extractFence(s); ok {
		s = fenced
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// extractFence returns the body of the first ``` fence, tolerating a language
// tag on the opening line.
func extractFence(s string) (string, bool) {
	open := strings.Index(s, "```")
	if open < 0 {
		return "", false
	}
	rest := s[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the language tag line when present ("json", "JSON", ...).
		head := strings.TrimSpace(rest[:nl])
		if head == "" || !strings.ContainsAny(head, "{}") {
			rest = rest[nl+1:]
		}
	}
	closing := strings.Index(rest, "```")
	if closing < 0 {
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(rest[:closing]), true
}
