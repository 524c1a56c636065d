package trigger

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Pattern is a compiled path pattern. Plain glob syntax (`*`, `**`, `?`)
// matches via doublestar; named capture groups written `(name:glob)`
// additionally expose the matched text for handler substitution.
type Pattern struct {
	raw    string
	groups []string
	re     *regexp.Regexp // nil when the pattern has no capture groups
}

// CompilePattern builds a Pattern from its textual form.
func CompilePattern(raw string) (*Pattern, error) {
	p := &Pattern{raw: raw}
	if !strings.Contains(raw, "(") {
		if !doublestar.ValidatePattern(raw) {
			return nil, fmt.Errorf("trigger: invalid pattern %q", raw)
		}
		return p, nil
	}

	re, groups, err := translateCaptures(raw)
	if err != nil {
		return nil, err
	}
	p.re = re
	p.groups = groups
	return p, nil
}

// Match tests path against the pattern, returning capture-group values
// keyed by group name.
func (p *Pattern) Match(path string) (map[string]string, bool) {
	if p.re == nil {
		ok, err := doublestar.Match(p.raw, path)
		if err != nil || !ok {
			return nil, false
		}
		return nil, true
	}
	m := p.re.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	captures := make(map[string]string, len(p.groups))
	for i, name := range p.groups {
		captures[name] = m[i+1]
	}
	return captures, true
}

// String returns the original pattern text.
func (p *Pattern) String() string { return p.raw }

// translateCaptures converts a glob with `(name:glob)` groups into an
// anchored regexp, one regexp capture per named group.
func translateCaptures(raw string) (*regexp.Regexp, []string, error) {
	var sb strings.Builder
	var groups []string
	sb.WriteString("^")

	i := 0
	for i < len(raw) {
		c := raw[i]
		switch c {
		case '(':
			end := strings.IndexByte(raw[i:], ')')
			if end == -1 {
				return nil, nil, fmt.Errorf("trigger: unterminated capture group in %q", raw)
			}
			body := raw[i+1 : i+end]
			name, glob, found := strings.Cut(body, ":")
			if !found || name == "" {
				return nil, nil, fmt.Errorf("trigger: malformed capture group %q in %q", body, raw)
			}
			groups = append(groups, name)
			sb.WriteString("(")
			sb.WriteString(globToRegexp(glob))
			sb.WriteString(")")
			i += end + 1
		default:
			sb.WriteString(globCharToRegexp(raw, &i))
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, nil, fmt.Errorf("trigger: compile pattern %q: %w", raw, err)
	}
	return re, groups, nil
}

func globToRegexp(glob string) string {
	var sb strings.Builder
	i := 0
	for i < len(glob) {
		sb.WriteString(globCharToRegexp(glob, &i))
	}
	return sb.String()
}

// globCharToRegexp translates the glob token starting at *i, advancing *i
// past it.
func globCharToRegexp(s string, i *int) string {
	switch s[*i] {
	case '*':
		if *i+1 < len(s) && s[*i+1] == '*' {
			*i += 2
			return ".*"
		}
		*i++
		return "[^/]*"
	case '?':
		*i++
		return "[^/]"
	default:
		out := regexp.QuoteMeta(string(s[*i]))
		*i++
		return out
	}
}
