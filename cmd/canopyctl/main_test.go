package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/modules/overrides"
)

// run executes canopyctl against dataDir and returns stdout.
func run(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--data-dir", dataDir, "--site", ""}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestOverride_SetListCancel(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "override", "set", "hvac", "cool@78", "--for", "2h")
	require.NoError(t, err)
	assert.Contains(t, out, "hvac pinned to cool@78.0°F")

	out, err = run(t, dir, "--json", "override", "list")
	require.NoError(t, err)
	var active []domain.Override
	require.NoError(t, json.Unmarshal([]byte(out), &active))
	require.Len(t, active, 1)
	assert.Equal(t, domain.ActuatorHVAC, active[0].Actuator)
	assert.Equal(t, domain.HVACCommand(domain.HVACCool, 78), active[0].Command)
	assert.Equal(t, "cli", active[0].Source)

	out, err = run(t, dir, "override", "cancel", "hvac")
	require.NoError(t, err)
	assert.Contains(t, out, "hvac override cancelled")

	out, err = run(t, dir, "override", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No active overrides")

	out, err = run(t, dir, "override", "history", "hvac")
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")
}

func TestOverride_Rejections(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		args    []string
		wantErr error
	}{
		{name: "unknown actuator", args: []string{"override", "set", "sprinkler", "on"}, wantErr: domain.ErrUnknownActuator},
		{name: "bad command", args: []string{"override", "set", "shades_east", "half"}, wantErr: domain.ErrInvalidCommand},
		{name: "too long", args: []string{"override", "set", "ventilation", "on", "--for", "48h"}, wantErr: overrides.ErrInvalidDuration},
		{name: "nothing to cancel", args: []string{"override", "cancel", "shades_west"}, wantErr: overrides.ErrNoOverride},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, dir, tt.args...)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSettings_SetGetReset(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, dir, "settings", "set", "high_threshold_f", "84")
	require.NoError(t, err)

	out, err := run(t, dir, "settings", "get")
	require.NoError(t, err)
	assert.Contains(t, out, "84 *")

	_, err = run(t, dir, "settings", "reset", "high_threshold_f")
	require.NoError(t, err)

	out, err = run(t, dir, "settings", "get")
	require.NoError(t, err)
	assert.NotContains(t, out, "*")

	_, err = run(t, dir, "settings", "set", "high_threshold_f", "warm")
	assert.Error(t, err)
	_, err = run(t, dir, "settings", "set", "no_such_key", "1")
	assert.Error(t, err)
}

func TestStatus_EmptyDatabase(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "no cycle recorded")

	out, err = run(t, dir, "--json", "status")
	require.NoError(t, err)
	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Online)
	assert.Nil(t, report.LastCycle)
	assert.Empty(t, report.Overrides)
}
