// Package filter decides whether a decoded message is worth extracting,
// based on per-mailbox sender and subject allow-lists.
package filter

import (
	"regexp"
	"strings"
	"sync"

	"github.com/nhle/jobmail/internal/model"
)

// Wildcard matches zero or more characters inside a pattern.
const Wildcard = "*"

// Matches reports whether msg passes both the sender and subject lists.
// An empty list is satisfied by every message.
func Matches(msg model.NormalizedMessage, set model.FilterSet) bool {
	return MatchesSender(msg, set.SenderPatterns) && MatchesSubject(msg, set.SubjectPatterns)
}

// MatchesSender reports whether the sender address matches any pattern.
func MatchesSender(msg model.NormalizedMessage, patterns []string) bool {
	return matchAny(msg.From, patterns)
}

// MatchesSubject reports whether the subject matches any pattern.
func MatchesSubject(msg model.NormalizedMessage, patterns []string) bool {
	return matchAny(msg.Subject, patterns)
}

// Match reports whether value satisfies a single pattern. Patterns
// containing Wildcard match anywhere in value; others are substring
// checks. Both forms ignore case.
func Match(value, pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	if !strings.Contains(pattern, Wildcard) {
		return strings.Contains(strings.ToLower(value), strings.ToLower(pattern))
	}
	return compile(pattern).MatchString(value)
}

func matchAny(value string, patterns []string) bool {
	active := 0
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		active++
		if Match(value, p) {
			return true
		}
	}
	return active == 0
}

var compiled sync.Map // pattern -> *regexp.Regexp

func compile(pattern string) *regexp.Regexp {
	if re, ok := compiled.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	parts := strings.Split(pattern, Wildcard)
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re := regexp.MustCompile("(?i)" + strings.Join(parts, ".*"))
	compiled.Store(pattern, re)
	return re
}
