package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const playbookDir = "../../../content/playbook"

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

const testConfig = `server:
  playbook:
    dir: ""
  preferences:
    - caregiver_key: demo-user
      opt_in_email: true
      opt_in_push: true
      opt_in_chat: true
    - caregiver_key: partner-user
      opt_in_push: true
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestValidate(t *testing.T) {
	cfg := writeTemp(t, "config.yaml", testConfig)

	out, err := execute(t, "--config", cfg, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "3 threshold(s), 2 preference(s), storage memory")
	assert.Contains(t, out, "wet_diapers_last_24h")
	assert.Contains(t, out, "min 6")
	assert.Contains(t, out, "channel IN_APP  log")
}

func TestValidateJSON(t *testing.T) {
	cfg := writeTemp(t, "config.yaml", testConfig)

	out, err := execute(t, "--config", cfg, "--format", "json", "validate")
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   ValidateResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.Len(t, resp.Data.Thresholds, 3)
	assert.Equal(t, "log", resp.Data.Channels["EMAIL"])
}

func TestValidateInvalidConfig(t *testing.T) {
	cfg := writeTemp(t, "config.yaml", `server:
  nudges:
    thresholds:
      - metric: wet_diapers_last_24h
        channel: PUSH
        title: t
        message: m
`)
	out, err := execute(t, "--config", cfg, "validate")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Contains(t, out, "invalid config")
	assert.Contains(t, err.Error(), "at least one bound")
}

func TestValidateMissingFile(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "validate")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestInvalidFormat(t *testing.T) {
	cfg := writeTemp(t, "config.yaml", testConfig)
	_, err := execute(t, "--config", cfg, "--format", "yaml", "validate")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestEvaluate(t *testing.T) {
	cfg := writeTemp(t, "config.yaml", testConfig)
	samples := writeTemp(t, "samples.json", `{"caregiver_key":"partner-user","metrics":[
		{"metric":"wet_diapers_last_24h","value":4,"collected_at":"2024-03-01T07:30:00Z"},
		{"metric":"night_sleep_hours","value":5,"collected_at":"2024-03-01T07:30:00Z"},
		{"metric":"parent_mood_score","value":2,"collected_at":"2024-03-01T07:30:00Z"}]}`)

	out, err := execute(t, "--config", cfg, "--format", "json", "evaluate", samples)
	require.NoError(t, err)

	var resp struct {
		Data EvaluateResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Jobs, 2)
	assert.Equal(t, "partner-user", resp.Data.Caregiver)

	push, email := resp.Data.Jobs[0], resp.Data.Jobs[1]
	assert.Equal(t, "PUSH", string(push.Channel))
	assert.True(t, push.Deliverable)
	assert.Equal(t, "wet_diapers_last_24h:4", push.TriggeredBy)
	assert.Equal(t, "EMAIL", string(email.Channel))
	assert.False(t, email.Deliverable)
	assert.Equal(t, "email delivery suppressed (opt-out)", email.Reason)
}

func TestEvaluateArrayWithCaregiverFlagAndPlaybook(t *testing.T) {
	cfg := writeTemp(t, "config.yaml", testConfig)
	samples := writeTemp(t, "samples.json",
		`[{"metric":"wet_diapers_last_24h","value":2,"collected_at":1709278200000}]`)

	out, err := execute(t, "--config", cfg, "evaluate", samples,
		"--caregiver", "demo-user", "--playbook", playbookDir)
	require.NoError(t, err)
	assert.Contains(t, out, "demo-user: 1 sample(s), 1 nudge(s)")
	assert.Contains(t, out, "[hydration-tracking-basics] -> send")
}

func TestEvaluateErrors(t *testing.T) {
	cfg := writeTemp(t, "config.yaml", testConfig)
	cases := []struct {
		name    string
		samples string
		args    []string
		code    int
	}{
		{"no caregiver", `[{"metric":"m","value":1,"collected_at":1}]`, nil, ExitCommandError},
		{"unknown caregiver", `[{"metric":"m","value":1,"collected_at":1}]`, []string{"--caregiver", "ghost"}, ExitCommandError},
		{"bad json", `{`, []string{"--caregiver", "demo-user"}, ExitCommandError},
		{"invalid sample", `[{"metric":"","value":1,"collected_at":1}]`, []string{"--caregiver", "demo-user"}, ExitFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTemp(t, "samples.json", tc.samples)
			args := append([]string{"--config", cfg, "evaluate", path}, tc.args...)
			_, err := execute(t, args...)
			require.Error(t, err)
			assert.Equal(t, tc.code, ExitCode(err))
		})
	}
}

func TestGate(t *testing.T) {
	cfg := writeTemp(t, "config.yaml", testConfig)

	out, err := execute(t, "--config", cfg, "--format", "json", "gate", "partner-user")
	require.NoError(t, err)

	var resp struct {
		Data []ChannelState `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	enabled := map[string]bool{}
	for _, s := range resp.Data {
		enabled[string(s.Channel)] = s.Enabled
	}
	assert.Equal(t, map[string]bool{"EMAIL": false, "PUSH": true, "CHAT": false, "IN_APP": true}, enabled)

	_, err = execute(t, "--config", cfg, "gate", "ghost")
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestGateText(t *testing.T) {
	cfg := writeTemp(t, "config.yaml", testConfig)
	for _, caregiver := range []string{"demo-user", "partner-user"} {
		t.Run(caregiver, func(t *testing.T) {
			out, err := execute(t, "--config", cfg, "gate", caregiver)
			require.NoError(t, err)
			golden(t).Assert(t, "gate_"+caregiver, []byte(out))
		})
	}
}

func TestEvaluateText(t *testing.T) {
	cfg := writeTemp(t, "config.yaml", testConfig)
	samples := writeTemp(t, "samples.json", `{"caregiver_key":"partner-user","metrics":[
		{"metric":"wet_diapers_last_24h","value":4,"collected_at":"2024-03-01T07:30:00Z"},
		{"metric":"night_sleep_hours","value":5,"collected_at":"2024-03-01T07:30:00Z"},
		{"metric":"parent_mood_score","value":2,"collected_at":"2024-03-01T07:30:00Z"}]}`)

	out, err := execute(t, "--config", cfg, "evaluate", samples, "--playbook", playbookDir)
	require.NoError(t, err)
	golden(t).Assert(t, "evaluate_partner-user", []byte(out))
}
