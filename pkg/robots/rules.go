// Package robots parses robots.txt files into per user-agent rule sets,
// evaluates paths against them and converts them to and from the compact
// form stored in the policy cache.
package robots

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Unrestricted is the serialized rule set granting access to every path.
// It is cached when robots.txt is missing or could not be fetched.
const Unrestricted = "1^/"

// PathRule is a single allow/disallow directive compiled into an anchored pattern
type PathRule struct {
	Pattern       string // Anchored regular expression, e.g. "^/private/.*"
	HasWildcard   bool   // Source path used '*'
	SlashCount    int    // Number of '/' in the pattern body
	PatternLength int    // Length of the pattern body (without the leading '^')
	Allowed       bool

	re *regexp.Regexp
}

// NewPathRule builds a rule from the raw path value of an Allow/Disallow directive.
// Regex metacharacters are escaped, '*' matches any sequence, and a trailing '$'
// anchors the end of the path.
func NewPathRule(path string, allowed bool) (PathRule, error) {
	body := regexp.QuoteMeta(path)
	body = strings.ReplaceAll(body, `\*`, ".*")
	if strings.HasSuffix(body, `\$`) {
		body = body[:len(body)-2] + "$"
	}
	return newRuleFromPattern("^"+body, allowed)
}

// newRuleFromPattern compiles an already anchored pattern, as found in serialized rule sets
func newRuleFromPattern(pattern string, allowed bool) (PathRule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return PathRule{}, fmt.Errorf("compiling robots pattern %q: %w", pattern, err)
	}
	body := strings.TrimPrefix(pattern, "^")
	return PathRule{
		Pattern:       pattern,
		HasWildcard:   strings.Contains(body, ".*"),
		SlashCount:    strings.Count(body, "/"),
		PatternLength: len(body),
		Allowed:       allowed,
		re:            re,
	}, nil
}

// Matches reports whether the rule applies to path
func (r PathRule) Matches(path string) bool {
	if r.re == nil {
		return false
	}
	return r.re.MatchString(path)
}

// String returns the anchored pattern
func (r PathRule) String() string {
	return r.Pattern
}

// sortRules orders rules most-specific-first: more slashes, then longer pattern,
// then allow before disallow when both metrics tie.
func sortRules(rules []PathRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.SlashCount != b.SlashCount {
			return a.SlashCount > b.SlashCount
		}
		if a.PatternLength != b.PatternLength {
			return a.PatternLength > b.PatternLength
		}
		return a.Allowed && !b.Allowed
	})
}

// RuleSet is a parsed robots.txt. Every per-agent slice is already sorted.
type RuleSet struct {
	ByUserAgent map[string][]PathRule // Lowercase user-agent token -> sorted rules
	Sitemap     string                // Last sitemap directive seen
	Sitemaps    []string              // Every sitemap directive, in file order
}

// NewRuleSet returns an empty rule set
func NewRuleSet() *RuleSet {
	return &RuleSet{ByUserAgent: make(map[string][]PathRule)}
}

// bucketFor selects the rules for userAgent by longest-prefix match against the
// bucket names, falling back to "*". The bool is false if no bucket exists.
func (rs *RuleSet) bucketFor(userAgent string) ([]PathRule, bool) {
	if rs == nil {
		return nil, false
	}
	ua := strings.ToLower(userAgent)

	key := ""
	for agent := range rs.ByUserAgent {
		if strings.HasPrefix(ua, agent) && len(agent) > len(key) {
			key = agent
		}
	}
	if key == "" {
		key = "*"
	}

	rules, ok := rs.ByUserAgent[key]
	return rules, ok
}
