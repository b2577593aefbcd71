package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anirudhbiyani/spawn/pkg/spawn"
)

func writeRunFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

// Test a run file with a custom agent
func TestLoadRunFile(t *testing.T) {
	path := writeRunFile(t, `
cloud: hetzner
agent: reviewer
headless: true
params:
  location: fsn1
agents:
  - name: reviewer
    install: pip install reviewer
    launch: reviewer --all
    env:
      - key: REVIEWER_KEY
        value: $REVIEWER_API_KEY
    credentials:
      - env_var: REVIEWER_API_KEY
        config_field: api_key
`)
	rf, err := loadRunFile(path)
	require.NoError(t, err)

	req, err := rf.request()
	require.NoError(t, err)
	assert.Equal(t, spawn.ProviderHetzner, req.Cloud)
	assert.True(t, req.Headless)
	assert.Equal(t, "fsn1", req.Params["location"])
	assert.Equal(t, "reviewer --all", req.Agent.Launch)
	require.Len(t, req.Agent.Credentials, 1)
	assert.Equal(t, "REVIEWER_API_KEY", req.Agent.Credentials[0].EnvVar)
}

// Test that builtin agents resolve and unknown ones are reported
func TestRunFile_Agents(t *testing.T) {
	req, err := (&RunFile{Cloud: "aws", Agent: "claude"}).request()
	require.NoError(t, err)
	assert.Equal(t, "claude", req.Agent.Name)

	_, err = (&RunFile{Cloud: "aws", Agent: "nope"}).request()
	assert.Equal(t, spawn.CodeUnknownAgent, spawn.CodeFor(err))
}

// Test rejected run files
func TestLoadRunFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "cloud: [unterminated"},
		{"nameless agent", "agents:\n  - launch: x\n"},
		{"bad env key", "agents:\n  - name: a\n    env:\n      - key: 1BAD\n        value: x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadRunFile(writeRunFile(t, tt.body))
			assert.True(t, spawn.IsCategory(err, spawn.ErrCategoryValidation))
		})
	}
}
