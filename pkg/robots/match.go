package robots

import "strings"

// CheckPath reports whether userAgent may fetch path under rs.
// Paths with no matching rule, and agents with no bucket, are allowed.
func CheckPath(rs *RuleSet, userAgent, path string) bool {
	rules, ok := rs.bucketFor(userAgent)
	if !ok || len(rules) == 0 {
		return true
	}

	// Rules are sorted most-specific-first, so the first match wins
	for _, r := range rules {
		if r.Matches(path) {
			return r.Allowed
		}
	}
	return true
}

// SerializeRules encodes the bucket selected for userAgent as newline-delimited
// "<flag><pattern>" records. Returns false if no bucket applies.
func SerializeRules(rs *RuleSet, userAgent string) (string, bool) {
	rules, ok := rs.bucketFor(userAgent)
	if !ok {
		return "", false
	}

	records := make([]string, 0, len(rules))
	for _, r := range rules {
		if r.Allowed {
			records = append(records, "1"+r.Pattern)
		} else {
			records = append(records, "0"+r.Pattern)
		}
	}
	return strings.Join(records, "\n"), true
}

// DeserializeRules rebuilds a single "*" bucket from serialized records.
// Record order is preserved; lines that fail to compile are skipped.
func DeserializeRules(serialized string) *RuleSet {
	rules := make([]PathRule, 0, strings.Count(serialized, "\n")+1)
	for _, s := range strings.Split(serialized, "\n") {
		if s == "" {
			continue
		}
		rule, err := newRuleFromPattern(s[1:], s[0] != '0')
		if err != nil {
			continue
		}
		rules = append(rules, rule)
	}

	rs := NewRuleSet()
	rs.ByUserAgent["*"] = rules
	return rs
}

// CheckPathFromSerialized evaluates path against a serialized rule set
func CheckPathFromSerialized(serialized, path string) bool {
	return CheckPath(DeserializeRules(serialized), "*", path)
}
