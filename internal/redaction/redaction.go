// Package redaction scrubs credentials and other sensitive substrings from
// transcript entries before they hit disk. A debugging session's captured
// command output routinely includes environment variables, connection
// strings, and tokens dumped from a crashed process's memory — this runs
// over every entry the Transcript Store appends.
package redaction

import (
	"encoding/json"
	"os"
	"regexp"
	"strings"
)

// Pattern is one custom redaction rule, loadable from the static config
// file alongside symbol servers and plugin search roots.
type Pattern struct {
	Name        string `json:"name" yaml:"name"`
	Regex       string `json:"regex" yaml:"regex"`
	Replacement string `json:"replacement,omitempty" yaml:"replacement,omitempty"`
}

type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
	validate    func(string) bool
}

// Engine applies a set of compiled patterns to text. Safe for concurrent
// use after construction — compiled regexps carry no mutable state.
type Engine struct {
	patterns []compiledPattern
}

var builtinPatterns = []struct {
	name     string
	pattern  string
	validate func(string) bool
}{
	{name: "aws-access-key", pattern: `AKIA[0-9A-Z]{16}`},
	{name: "bearer-token", pattern: `Bearer [A-Za-z0-9\-._~+/]+=*`},
	{name: "basic-auth", pattern: `Basic [A-Za-z0-9+/]+=*`},
	{name: "jwt", pattern: `eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]+`},
	{name: "private-key", pattern: `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`},
	{name: "connection-string-password", pattern: `(?i)(password|pwd)\s*=\s*[^;\s]+`},
	{name: "api-key", pattern: `(?i)(api[_-]?key|secret[_-]?key)\s*[:=]\s*\S+`},
	{name: "credit-card", pattern: `\b([0-9]{4}[- ]?[0-9]{4}[- ]?[0-9]{4}[- ]?[0-9]{4})\b`, validate: luhnValid},
}

// New builds an Engine with the builtin patterns plus any custom ones.
// Invalid custom regexes are skipped, not fatal — a bad operator-supplied
// pattern shouldn't take down transcript logging.
func New(custom []Pattern) *Engine {
	e := &Engine{}
	for _, bp := range builtinPatterns {
		re, err := regexp.Compile(bp.pattern)
		if err != nil {
			continue
		}
		e.patterns = append(e.patterns, compiledPattern{
			name:        bp.name,
			regex:       re,
			replacement: "[REDACTED:" + bp.name + "]",
			validate:    bp.validate,
		})
	}
	for _, p := range custom {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			continue
		}
		replacement := p.Replacement
		if replacement == "" {
			replacement = "[REDACTED:" + p.Name + "]"
		}
		e.patterns = append(e.patterns, compiledPattern{name: p.Name, regex: re, replacement: replacement})
	}
	return e
}

// LoadPatternsFile reads a JSON array of Pattern from path. A missing file
// is not an error — callers get an empty slice and fall back to builtins.
func LoadPatternsFile(path string) ([]Pattern, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var patterns []Pattern
	if err := json.Unmarshal(data, &patterns); err != nil {
		return nil, err
	}
	return patterns, nil
}

// Redact applies every pattern to input in order and returns the result.
func (e *Engine) Redact(input string) string {
	if input == "" {
		return ""
	}
	result := input
	for _, p := range e.patterns {
		if p.validate != nil {
			result = p.regex.ReplaceAllStringFunc(result, func(match string) string {
				if p.validate(match) {
					return p.replacement
				}
				return match
			})
		} else {
			result = p.regex.ReplaceAllString(result, p.replacement)
		}
	}
	return result
}

func luhnValid(number string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := int(digits[i] - '0')
		if alt {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		alt = !alt
	}
	return sum%10 == 0
}
