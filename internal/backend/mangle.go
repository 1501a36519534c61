package backend

import "sort"

// MangleAction rewrites one request header field.
type MangleAction interface {
	apply(old string) string
}

// Literal replaces the field with a fixed value.
type Literal string

func (l Literal) apply(string) string { return string(l) }

// Transform computes the new field value from the old one. The old value
// is empty when the field is absent.
type Transform func(old string) string

func (t Transform) apply(old string) string { return t(old) }

type mangleRule struct {
	key    string
	action MangleAction
}

func compileMangle(m map[string]MangleAction) []mangleRule {
	rules := make([]mangleRule, 0, len(m))
	for k, a := range m {
		if a != nil {
			rules = append(rules, mangleRule{key: k, action: a})
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].key < rules[j].key })
	return rules
}
