package alert

import "fmt"

// SignatureMatch is one firing signature rule for one scanned file.
type SignatureMatch struct {
	Path      string
	Rule      string
	Namespace string
	Tags      []string
	Metadata  []MetaEntry
}

// FromSignature converts a signature match into a file alert.
func FromSignature(m SignatureMatch) Alert {
	a := Alert{
		Kind:     KindFile,
		Subject:  m.Path,
		Reason:   fmt.Sprintf("matched signature rule %q", m.Rule),
		Source:   SourceSignature,
		RuleName: m.Rule,
	}
	if len(m.Tags) > 0 {
		a.Tags = append([]string(nil), m.Tags...)
	}
	if len(m.Metadata) > 0 {
		a.Metadata = append([]MetaEntry(nil), m.Metadata...)
	}
	return a
}

// Aggregate merges both detection sources into one ordered stream: every
// heuristic alert in encounter order, then every signature match in
// encounter order. Nothing is filtered or deduplicated; a subject flagged by
// both sources yields two alerts.
func Aggregate(heuristic []Alert, signatures []SignatureMatch) []Alert {
	out := make([]Alert, 0, len(heuristic)+len(signatures))
	for _, a := range heuristic {
		a.Source = SourceHeuristic
		out = append(out, a)
	}
	for _, m := range signatures {
		out = append(out, FromSignature(m))
	}
	return out
}
