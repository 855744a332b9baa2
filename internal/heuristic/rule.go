// Package heuristic evaluates canonical records against an ordered set of
// independent rules.
//
// A rule is a pure predicate over one canonical record kind. Every rule of a
// kind sees every record of that kind; rules never short-circuit each other
// and carry no state between records, so records can be evaluated in any
// order on any number of goroutines. Results are reassembled in a fixed
// order (kind, record index, rule insertion order) so output is identical
// for any worker count.
package heuristic

import (
	"context"
	"strconv"

	"edrcore/internal/alert"
	"edrcore/internal/canonical"
)

// Rule is a named predicate over canonical records of type R.
type Rule[R any] interface {
	Name() string
	Evaluate(R) []alert.Alert
}

// ContextRule is implemented by rules whose evaluation can fail, such as
// policy-defined rules. A failure becomes a diagnostic, never an alert.
type ContextRule[R any] interface {
	Rule[R]
	EvaluateContext(ctx context.Context, rec R) ([]alert.Alert, error)
}

// Func adapts a function to Rule.
type Func[R any] struct {
	RuleName string
	Fn       func(R) []alert.Alert
}

// Name implements Rule.
func (f Func[R]) Name() string { return f.RuleName }

// Evaluate implements Rule.
func (f Func[R]) Evaluate(rec R) []alert.Alert { return f.Fn(rec) }

// Ruleset is an ordered, append-only list of rules for one record kind.
type Ruleset[R any] struct {
	rules []Rule[R]
}

// Add appends a rule. Insertion order is evaluation and output order.
func (s *Ruleset[R]) Add(r Rule[R]) {
	s.rules = append(s.rules, r)
}

// Len returns the number of rules.
func (s *Ruleset[R]) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Names returns rule names in insertion order.
func (s *Ruleset[R]) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.rules))
	for i, r := range s.rules {
		names[i] = r.Name()
	}
	return names
}

// Rules returns a copy of the rule list.
func (s *Ruleset[R]) Rules() []Rule[R] {
	if s == nil {
		return nil
	}
	return append([]Rule[R](nil), s.rules...)
}

// subject returns the alert subject for a canonical record.
func subject(rec any) string {
	switch r := rec.(type) {
	case canonical.Process:
		return strconv.FormatUint(uint64(r.PID), 10)
	case canonical.File:
		return r.Path
	case canonical.Connection:
		return connectionSubject(r)
	case canonical.RegistryValue:
		return registrySubject(r)
	}
	return ""
}

// newAlert builds a heuristic alert of the kind matching rec.
func newAlert(rec any, rule, reason string) alert.Alert {
	switch r := rec.(type) {
	case canonical.Process:
		return alert.Process(r.PID, rule, reason)
	case canonical.File:
		return alert.File(r.Path, rule, reason)
	case canonical.Connection:
		return alert.Network(connectionSubject(r), rule, reason)
	case canonical.RegistryValue:
		return alert.Registry(registrySubject(r), rule, reason)
	}
	return alert.Alert{Subject: subject(rec), Reason: reason, Source: alert.SourceHeuristic, RuleName: rule}
}
