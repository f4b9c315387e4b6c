package auth

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Requirement is one rule of the password policy, such as "Length(8)".
type Requirement struct {
	Name string // lower-cased rule name
	Min  int
	Raw  string // as reported by the server
}

// String returns the requirement as reported by the server.
func (r Requirement) String() string {
	if r.Raw != "" {
		return r.Raw
	}
	return fmt.Sprintf("%s(%d)", r.Name, r.Min)
}

// Met reports whether password satisfies r. Rules the client does not know
// are left to the server and always pass.
func (r Requirement) Met(password string) bool {
	var count int
	switch r.Name {
	case "length":
		count = len([]rune(password))
	case "uppercase":
		count = countRunes(password, unicode.IsUpper)
	case "numbers":
		count = countRunes(password, unicode.IsDigit)
	case "special":
		count = countRunes(password, func(c rune) bool {
			return !unicode.IsLetter(c) && !unicode.IsDigit(c) && !unicode.IsSpace(c)
		})
	case "nonletters":
		count = countRunes(password, func(c rune) bool { return !unicode.IsLetter(c) })
	default:
		return true
	}
	return count >= r.Min
}

func countRunes(s string, pred func(rune) bool) int {
	n := 0
	for _, c := range s {
		if pred(c) {
			n++
		}
	}
	return n
}

// PasswordPolicy is the set of password rules enforced by the server.
type PasswordPolicy struct {
	Requirements []Requirement
}

// ParsePasswordPolicy parses requirement strings of the form "Name(n)".
func ParsePasswordPolicy(reqs []string) (*PasswordPolicy, error) {
	p := &PasswordPolicy{Requirements: make([]Requirement, 0, len(reqs))}
	for _, raw := range reqs {
		raw = strings.TrimSpace(raw)
		open := strings.IndexByte(raw, '(')
		if open <= 0 || !strings.HasSuffix(raw, ")") {
			return nil, fmt.Errorf("malformed password requirement %q", raw)
		}
		n, err := strconv.Atoi(raw[open+1 : len(raw)-1])
		if err != nil {
			return nil, fmt.Errorf("malformed password requirement %q: %w", raw, err)
		}
		p.Requirements = append(p.Requirements, Requirement{
			Name: strings.ToLower(raw[:open]),
			Min:  n,
			Raw:  raw,
		})
	}
	return p, nil
}

// Test returns the requirements password fails, in policy order.
func (p *PasswordPolicy) Test(password string) []Requirement {
	var failed []Requirement
	for _, r := range p.Requirements {
		if !r.Met(password) {
			failed = append(failed, r)
		}
	}
	return failed
}

// Strings returns the requirements as reported by the server.
func (p *PasswordPolicy) Strings() []string {
	out := make([]string, len(p.Requirements))
	for i, r := range p.Requirements {
		out[i] = r.String()
	}
	return out
}
