package backend

import (
	"fmt"
	"sort"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/angeloszaimis/experella/internal/message"
)

// matchTimeout bounds a single pattern evaluation; backtracking patterns
// such as ^((?!x).)*$ are allowed.
const matchTimeout = 100 * time.Millisecond

// Matcher decides whether a backend accepts a request.
type Matcher interface {
	Match(req *message.Request) bool
}

// Custom is an arbitrary request predicate.
type Custom func(req *message.Request) bool

// Match implements Matcher.
func (f Custom) Match(req *message.Request) bool {
	return f(req)
}

type rule struct {
	key     string
	uri     bool
	pattern *regexp2.Regexp
}

// RuleSet requires every rule to find its field present and matching.
// An empty RuleSet accepts every request.
type RuleSet struct {
	rules []rule
}

// CompileRuleSet compiles a mapping of match key to pattern. The keys
// path, port and query address the request target; any other key names a
// header field or one of the pseudo fields of message.Request.
func CompileRuleSet(accepts map[string]string) (*RuleSet, error) {
	keys := make([]string, 0, len(accepts))
	for k := range accepts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rs := &RuleSet{rules: make([]rule, 0, len(keys))}
	for _, k := range keys {
		re, err := CompilePattern(accepts[k])
		if err != nil {
			return nil, fmt.Errorf("accepts %q: %w", k, err)
		}
		rs.rules = append(rs.rules, rule{key: k, uri: isURIKey(k), pattern: re})
	}
	return rs, nil
}

// CompilePattern compiles one match pattern.
func CompilePattern(pattern string) (*regexp2.Regexp, error) {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = matchTimeout
	return re, nil
}

// Match implements Matcher.
func (rs *RuleSet) Match(req *message.Request) bool {
	for _, r := range rs.rules {
		var (
			value string
			ok    bool
		)
		if r.uri {
			value, ok = req.URIField(r.key)
		} else {
			value, ok = req.Field(r.key)
		}
		if !ok {
			return false
		}
		if matched, err := r.pattern.MatchString(value); err != nil || !matched {
			return false
		}
	}
	return true
}

func isURIKey(k string) bool {
	return k == message.URIPath || k == message.URIPort || k == message.URIQuery
}
