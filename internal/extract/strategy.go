package extract

import (
	"regexp"
	"strings"
)

// Strategy pulls one field out of free text. It reports false when the
// text holds nothing it recognizes.
type Strategy func(text string) (string, bool)

// Cascade runs strategies in order and stops at the first success.
type Cascade []Strategy

// Run returns the first non-empty value produced by the cascade.
func (c Cascade) Run(text string) (string, bool) {
	for _, s := range c {
		if v, ok := s(text); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// Labeled returns a strategy for "label: value" lines. Each label is
// tried in order; the value runs to the end of the line.
func Labeled(labels ...string) Strategy {
	patterns := make([]*regexp.Regexp, len(labels))
	for i, label := range labels {
		patterns[i] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(label) + `[:\s]+([^\n]+)`)
	}
	return func(text string) (string, bool) {
		for _, re := range patterns {
			if m := re.FindStringSubmatch(text); m != nil {
				if v := cleanText(m[1]); v != "" {
					return v, true
				}
			}
		}
		return "", false
	}
}

// Pattern returns a strategy yielding the first capture group of re.
func Pattern(re *regexp.Regexp) Strategy {
	return func(text string) (string, bool) {
		m := re.FindStringSubmatch(text)
		if m == nil || len(m) < 2 {
			return "", false
		}
		v := cleanText(strings.TrimRight(m[1], " ,."))
		return v, v != ""
	}
}

var (
	whitespace = regexp.MustCompile(`\s+`)
	disallowed = regexp.MustCompile(`[^\w\s&.,()-]`)
)

// cleanText collapses whitespace, drops characters outside a small
// allow-list and trims.
func cleanText(s string) string {
	s = whitespace.ReplaceAllString(s, " ")
	s = disallowed.ReplaceAllString(s, "")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}
