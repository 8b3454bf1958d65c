package alert

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"faultline/internal/store"
)

// MatchScope reports whether ev falls inside the rule's scope: the
// environments list (empty = all) and the optional filter tree. A rule
// whose scope does not match never triggers, regardless of counts.
func MatchScope(rule *store.AlertRule, ev Event) bool {
	c := rule.Conditions
	if len(c.Environments) > 0 {
		found := false
		for _, env := range c.Environments {
			if env == ev.Environment {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.Filter != nil {
		return matchNode(c.Filter, ev)
	}
	return true
}

// matchNode evaluates one filter node. Internal nodes combine their
// children with and/or; leaves compare one event field. Malformed nodes
// (unknown op, operator or field) fail closed.
func matchNode(n *store.FilterNode, ev Event) bool {
	if n.Leaf() {
		return matchLeaf(n, ev)
	}
	switch n.Op {
	case "and":
		for i := range n.Conditions {
			if !matchNode(&n.Conditions[i], ev) {
				return false
			}
		}
		return true
	case "or":
		for i := range n.Conditions {
			if matchNode(&n.Conditions[i], ev) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func matchLeaf(n *store.FilterNode, ev Event) bool {
	values, ok := fieldValues(n.Field, ev)
	if !ok {
		return false
	}
	// A multi-valued field (file) matches when any value satisfies the
	// operator; "not" requires that none does.
	switch n.Operator {
	case "equals":
		return anyValue(values, func(v string) bool { return v == toString(n.Value) })
	case "contains":
		return anyValue(values, func(v string) bool { return strings.Contains(v, toString(n.Value)) })
	case "startsWith":
		return anyValue(values, func(v string) bool { return strings.HasPrefix(v, toString(n.Value)) })
	case "in":
		set := toStrings(n.Value)
		return anyValue(values, func(v string) bool {
			for _, s := range set {
				if v == s {
					return true
				}
			}
			return false
		})
	case "not":
		return !anyValue(values, func(v string) bool { return v == toString(n.Value) })
	default:
		return false
	}
}

func anyValue(values []string, pred func(string) bool) bool {
	for _, v := range values {
		if pred(v) {
			return true
		}
	}
	return false
}

func fieldValues(field string, ev Event) ([]string, bool) {
	switch field {
	case "environment":
		return []string{ev.Environment}, true
	case "severity":
		return []string{ev.Severity}, true
	case "userSegment":
		return []string{ev.UserSegment}, true
	case "fingerprint":
		return []string{ev.Fingerprint}, true
	case "file":
		return ev.Files, true
	default:
		return nil, false
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, toString(e))
		}
		return out
	case string:
		return []string{t}
	default:
		return nil
	}
}

// matchPattern compares a fingerprint against a critical rule's pattern.
// Patterns may use glob syntax to pin a family of fingerprints; a pattern
// without metacharacters is an exact match.
func matchPattern(pattern, fingerprint string) bool {
	if !strings.ContainsAny(pattern, `*?[{`) {
		return pattern == fingerprint
	}
	ok, err := doublestar.Match(pattern, fingerprint)
	return err == nil && ok
}
