package alert

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateOrdering(t *testing.T) {
	heur := []Alert{
		Process(42, "lolbin-high-cpu", "LOLBin 'powershell.exe' using high CPU"),
		File("/tmp/.x", "hidden-executable", "hidden executable"),
	}
	sigs := []SignatureMatch{
		{Path: "/tmp/.x", Rule: "Evil", Tags: []string{"t1"}, Metadata: []MetaEntry{{"author", "a"}, {"author", "b"}}},
		{Path: "/tmp/y", Rule: "Other"},
	}

	got := Aggregate(heur, sigs)
	require.Len(t, got, 4)

	assert.Equal(t, SourceHeuristic, got[0].Source)
	assert.Equal(t, "42", got[0].Subject)
	assert.Equal(t, SourceHeuristic, got[1].Source)

	// Same subject from both sources is kept twice.
	assert.Equal(t, "/tmp/.x", got[1].Subject)
	assert.Equal(t, "/tmp/.x", got[2].Subject)
	assert.Equal(t, SourceSignature, got[2].Source)
	assert.Equal(t, KindFile, got[2].Kind)
	assert.Equal(t, "Evil", got[2].RuleName)
	assert.Equal(t, []string{"t1"}, got[2].Tags)
	assert.Equal(t, []MetaEntry{{"author", "a"}, {"author", "b"}}, got[2].Metadata)
	assert.Equal(t, "Other", got[3].RuleName)
}

func TestAggregateEmpty(t *testing.T) {
	got := Aggregate(nil, nil)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestFromSignatureCopies(t *testing.T) {
	m := SignatureMatch{Path: "/a", Rule: "R", Tags: []string{"x"}}
	a := FromSignature(m)
	m.Tags[0] = "mutated"
	assert.Equal(t, "x", a.Tags[0])
}

func TestAlertJSONShape(t *testing.T) {
	sig := FromSignature(SignatureMatch{Path: "/bin/evil", Rule: "R"})
	data, err := json.Marshal(sig)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "SuspiciousFile", fields["kind"])
	assert.Equal(t, "/bin/evil", fields["subject"])
	assert.Equal(t, "Signature", fields["source"])
	assert.Equal(t, "R", fields["rule_name"])
	assert.Equal(t, []any{}, fields["tags"])
	assert.Equal(t, []any{}, fields["metadata"])

	heur := Registry(`HKCU\Software\Microsoft\Windows\CurrentVersion\Run\Updater`, "autorun-temp", "autorun in temp")
	data, err = json.Marshal(heur)
	require.NoError(t, err)
	fields = nil
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "SuspiciousRegistry", fields["kind"])
	assert.Equal(t, "Heuristic", fields["source"])
	_, hasTags := fields["tags"]
	assert.False(t, hasTags)
}

func TestKindValid(t *testing.T) {
	assert.True(t, KindNetwork.Valid())
	assert.False(t, Kind("SuspiciousPrinter").Valid())
}
