package robots

import "strings"

// directive is one tokenized "key: value" line
type directive struct {
	key   string
	value string
}

// Parse builds a RuleSet from the raw text of a robots.txt file.
// Malformed lines are dropped; parsing never fails.
func Parse(raw string) *RuleSet {
	out := NewRuleSet()
	g := &group{}

	for _, d := range tokenize(splitLines(raw)) {
		switch d.key {
		case "user-agent":
			if len(g.rules) > 0 {
				// A user-agent after rules starts a new group
				g.commit(out)
			}
			g.agents = append(g.agents, strings.ToLower(d.value))
		case "sitemap":
			// Sitemap sits outside of any group
			g.commit(out)
			out.Sitemap = d.value
			out.Sitemaps = append(out.Sitemaps, d.value)
		case "allow", "disallow":
			if len(g.agents) == 0 || !strings.HasPrefix(d.value, "/") {
				continue
			}
			rule, err := NewPathRule(d.value, d.key == "allow")
			if err != nil {
				continue
			}
			g.rules = append(g.rules, rule)
		}
	}
	g.commit(out)

	return out
}

// group accumulates the user-agents sharing one rule list
type group struct {
	agents []string
	rules  []PathRule
}

// commit sorts the group's rules, assigns them to every agent of the group and resets it
func (g *group) commit(out *RuleSet) {
	if len(g.agents) > 0 {
		sortRules(g.rules)
		for _, ua := range g.agents {
			out.ByUserAgent[ua] = g.rules
		}
	}
	g.agents = nil
	g.rules = nil
}

// splitLines splits on CRLF, LF, and lone CR
func splitLines(raw string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '\n':
			lines = append(lines, raw[start:i])
			start = i + 1
		case '\r':
			lines = append(lines, raw[start:i])
			if i+1 < len(raw) && raw[i+1] == '\n' {
				i++
			}
			start = i + 1
		}
	}
	if start < len(raw) {
		lines = append(lines, raw[start:])
	}
	return lines
}

// tokenize strips comments and blanks and splits each line into a lowercase key and raw value
func tokenize(lines []string) []directive {
	tokens := make([]directive, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" || l[0] == '#' {
			continue
		}
		if comment := strings.IndexByte(l, '#'); comment != -1 {
			l = strings.TrimRight(l[:comment], " \t")
		}

		colon := strings.IndexByte(l, ':')
		if colon == -1 {
			continue
		}
		value := strings.TrimLeft(l[colon+1:], " \t")
		if value == "" {
			continue
		}
		tokens = append(tokens, directive{
			key:   strings.ToLower(strings.TrimSpace(l[:colon])),
			value: value,
		})
	}
	return tokens
}
