package alert

import "fmt"

// Stage names the part of a run a diagnostic came from.
type Stage string

const (
	StageCollect   Stage = "collect"
	StageHeuristic Stage = "heuristic"
	StageSignature Stage = "signature"
	StageExport    Stage = "export"
)

// Diagnostic reports a per-record or per-file condition that did not abort
// the run: a skipped file, a scan timeout, a rule that failed internally.
// Diagnostics are never user alerts.
type Diagnostic struct {
	Stage   Stage  `json:"stage"`
	Subject string `json:"subject,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (d Diagnostic) String() string {
	if d.Rule != "" {
		return fmt.Sprintf("%s: %s (%s): %s", d.Stage, d.Subject, d.Rule, d.Message)
	}
	return fmt.Sprintf("%s: %s: %s", d.Stage, d.Subject, d.Message)
}
