// Package dlp masks personal identifiers in free text before it is persisted
// or published (sync-run error messages, event payloads).
package dlp

import (
	"regexp"
)

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

type Scrubber struct {
	rules []compiledRule
}

func NewScrubber(cfg RulesConfig) (*Scrubber, error) {
	var compiled []compiledRule
	for _, rule := range cfg.Rules {
		if !rule.Enabled {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, compiledRule{rule: rule, re: re})
	}
	return &Scrubber{rules: compiled}, nil
}

// MustDefault panics only if the built-in patterns fail to compile.
func MustDefault() *Scrubber {
	s, err := NewScrubber(DefaultRules())
	if err != nil {
		panic(err)
	}
	return s
}

// Contains reports whether any enabled rule matches text.
func (s *Scrubber) Contains(text string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.rules {
		if r.re.MatchString(text) {
			return true
		}
	}
	return false
}

func (s *Scrubber) Scrub(text string) string {
	if s == nil {
		return text
	}
	for _, r := range s.rules {
		text = r.re.ReplaceAllLiteralString(text, r.rule.Mask)
	}
	return text
}

// ScrubMap returns a copy of data with every string value scrubbed.
func (s *Scrubber) ScrubMap(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for key, value := range data {
		out[key] = s.scrubValue(value)
	}
	return out
}

func (s *Scrubber) scrubValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return s.Scrub(v)
	case map[string]interface{}:
		return s.ScrubMap(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = s.scrubValue(item)
		}
		return out
	default:
		return v
	}
}
