package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const resolverHeatPumpDocument = `{
  "ruleSetName": "HeatPump",
  "ruleSetVersion": "v3",
  "rules": [
    {
      "ruleId": "HP-3",
      "questionKey": "3",
      "questionKeysAny": ["3", "design_flow_temperature"],
      "nonCompliantWhen": {"op": "missing"},
      "finding": {"severity": "Major", "message": "flow temperature missing"}
    }
  ],
  "scoring": {
    "outcomeRules": [{"when": {"always": true}, "outcome": "Pass"}],
    "scoreValue": {"type": "text", "from": "outcome"}
  },
  "ignoreQuestionKeys": ["hp_serial"]
}`

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()

	dir := t.TempDir()
	writeRuleFile(t, dir, "pv.v2.json", validPVDocument)
	writeRuleFile(t, dir, "heatpump.v3.json", resolverHeatPumpDocument)

	return NewResolver(NewLoader(dir), map[string]string{"PV": "v2", "HeatPump": "v3"})
}

func TestResolveFromMetadata(t *testing.T) {
	tests := []struct {
		name     string
		meta     map[string]string
		wantName string
	}{
		{
			name:     "technology type names pv",
			meta:     map[string]string{"technology_type": "Solar PV"},
			wantName: "PV",
		},
		{
			name:     "ruleset column names heat pump",
			meta:     map[string]string{"rule_set_name": "HeatPump"},
			wantName: "HeatPump",
		},
		{
			name:     "template hints heat pump over pv order",
			meta:     map[string]string{"template_name": "ASHP heat pump survey"},
			wantName: "HeatPump",
		},
		{
			name:     "assessment photovoltaic",
			meta:     map[string]string{"assessment_type": "Photovoltaic install audit"},
			wantName: "PV",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := newTestResolver(t)

			res, err := resolver.Resolve(tt.meta, nil, nil)
			require.NoError(t, err)
			require.True(t, res.Resolved)
			assert.Equal(t, tt.wantName, res.Name)
			assert.Equal(t, "metadata", res.Reason)
		})
	}
}

func TestResolveHeatPumpBeatsPVSubstring(t *testing.T) {
	// "heat pump" values must not be captured by the "p" in pv-ish hints.
	resolver := newTestResolver(t)

	res, err := resolver.Resolve(map[string]string{"technology_type": "Heat Pump"}, nil, nil)
	require.NoError(t, err)
	require.True(t, res.Resolved)
	assert.Equal(t, "HeatPump", res.Name)
	assert.Equal(t, "v3", res.Version)
}

func TestResolveFromPayload(t *testing.T) {
	resolver := newTestResolver(t)

	payload := []map[string]any{
		{"RecordType": "Header", "AuditTemplate": "PV Installation Audit v2"},
		{"RecordType": "Detail", "QUESTION_ID": "7"},
	}

	res, err := resolver.Resolve(nil, payload, nil)
	require.NoError(t, err)
	require.True(t, res.Resolved)
	assert.Equal(t, "PV", res.Name)
	assert.Equal(t, "payload", res.Reason)
}

func TestResolveByQuestionKeyOverlap(t *testing.T) {
	resolver := newTestResolver(t)

	res, err := resolver.Resolve(nil, nil, []string{"7", "install_type", "unrelated"})
	require.NoError(t, err)
	require.True(t, res.Resolved)
	assert.Equal(t, "PV", res.Name)
	assert.Equal(t, "question-key overlap", res.Reason)
}

func TestResolveOverlapTieStaysUnresolved(t *testing.T) {
	resolver := newTestResolver(t)

	// One key from each eligibility set.
	res, err := resolver.Resolve(nil, nil, []string{"7", "3"})
	require.NoError(t, err)
	assert.False(t, res.Resolved)
	assert.NotEmpty(t, res.Reason)
}

func TestResolveNoSignalUnresolved(t *testing.T) {
	resolver := newTestResolver(t)

	res, err := resolver.Resolve(
		map[string]string{"irrelevant": "value"},
		[]map[string]any{{"RecordType": "Detail"}},
		[]string{"999"},
	)
	require.NoError(t, err)
	assert.False(t, res.Resolved)
}

func TestResolveMissingDocumentSkippedInOverlap(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "pv.v2.json", validPVDocument)

	// HeatPump is configured but its document does not exist; overlap
	// resolution must skip it rather than fail.
	resolver := NewResolver(NewLoader(dir), map[string]string{"PV": "v2", "HeatPump": "v3"})

	res, err := resolver.Resolve(nil, nil, []string{"7"})
	require.NoError(t, err)
	require.True(t, res.Resolved)
	assert.Equal(t, "PV", res.Name)
}

func TestResolveUnconfiguredVersionFails(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "pv.v2.json", validPVDocument)

	resolver := NewResolver(NewLoader(dir), map[string]string{})

	_, err := resolver.Resolve(map[string]string{"technology_type": "Solar PV"}, nil, nil)
	require.ErrorIs(t, err, ErrBadRule)
}
