// Package alert defines the unified alert produced by both detection
// sources, the diagnostics that accompany a run, and the aggregator that
// merges heuristic alerts and signature matches into one ordered stream.
//
// The JSON shape of Alert is the agent's reporting contract.
package alert

import (
	"encoding/json"
	"fmt"
)

// Kind classifies what an alert is about.
type Kind string

const (
	KindProcess  Kind = "SuspiciousProcess"
	KindFile     Kind = "SuspiciousFile"
	KindNetwork  Kind = "SuspiciousNetwork"
	KindRegistry Kind = "SuspiciousRegistry"
)

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindProcess, KindFile, KindNetwork, KindRegistry:
		return true
	}
	return false
}

// Source identifies which detection mechanism produced an alert.
type Source string

const (
	SourceHeuristic Source = "Heuristic"
	SourceSignature Source = "Signature"
)

// MetaEntry is one key/value pair of signature metadata. Keys are not
// guaranteed unique and order is preserved.
type MetaEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Alert is created once and never updated.
type Alert struct {
	Kind     Kind        `json:"kind"`
	Subject  string      `json:"subject"`
	Reason   string      `json:"reason"`
	Source   Source      `json:"source"`
	RuleName string      `json:"rule_name,omitempty"`
	Tags     []string    `json:"tags,omitempty"`
	Metadata []MetaEntry `json:"metadata,omitempty"`
}

// String returns a one-line human readable form.
func (a Alert) String() string {
	if a.RuleName != "" {
		return fmt.Sprintf("[%s/%s] %s %s: %s", a.Source, a.RuleName, a.Kind, a.Subject, a.Reason)
	}
	return fmt.Sprintf("[%s] %s %s: %s", a.Source, a.Kind, a.Subject, a.Reason)
}

// Process builds a heuristic process alert.
func Process(pid uint32, rule, reason string) Alert {
	return Alert{Kind: KindProcess, Subject: fmt.Sprint(pid), Reason: reason, Source: SourceHeuristic, RuleName: rule}
}

// File builds a heuristic file alert.
func File(path, rule, reason string) Alert {
	return Alert{Kind: KindFile, Subject: path, Reason: reason, Source: SourceHeuristic, RuleName: rule}
}

// Network builds a heuristic network alert.
func Network(subject, rule, reason string) Alert {
	return Alert{Kind: KindNetwork, Subject: subject, Reason: reason, Source: SourceHeuristic, RuleName: rule}
}

// Registry builds a heuristic registry alert.
func Registry(key, rule, reason string) Alert {
	return Alert{Kind: KindRegistry, Subject: key, Reason: reason, Source: SourceHeuristic, RuleName: rule}
}

// MarshalJSON keeps tags and metadata as empty arrays rather than dropping
// them for signature alerts, so consumers can rely on their presence.
func (a Alert) MarshalJSON() ([]byte, error) {
	type plain Alert
	if a.Source != SourceSignature {
		return json.Marshal(plain(a))
	}
	out := struct {
		plain
		Tags     []string    `json:"tags"`
		Metadata []MetaEntry `json:"metadata"`
	}{plain: plain(a), Tags: a.Tags, Metadata: a.Metadata}
	if out.Tags == nil {
		out.Tags = []string{}
	}
	if out.Metadata == nil {
		out.Metadata = []MetaEntry{}
	}
	return json.Marshal(out)
}
