package spawn

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test error code classification and exit codes
func TestCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		exit int
	}{
		{"nil", nil, "", 0},
		{"unknown agent", ErrNotFound("agent", "x"), CodeUnknownAgent, 3},
		{"unknown cloud", ErrNotFound("cloud", "x"), CodeUnknownCloud, 3},
		{"not implemented", ErrNotImplemented("no"), CodeNotImplemented, 3},
		{"auth", ErrAuth("no token"), CodeMissingCredentials, 3},
		{"validation", ErrValidation("--cloud is required"), CodeInvalidRequest, 3},
		{"wrapped validation", fmt.Errorf("run file: %w", ErrValidation("bad yaml")), CodeInvalidRequest, 3},
		{"download", ErrDownload("curl"), CodeDownloadError, 2},
		{"timeout", ErrTimeout("slow"), CodeExecutionError, 1},
		{"connectivity", ErrConnectivity("refused"), CodeExecutionError, 1},
		{"execution", ErrExecution("exit 1"), CodeExecutionError, 1},
		{"plain", errors.New("boom"), CodeExecutionError, 1},
		{"wrapped auth", fmt.Errorf("run: %w", ErrAuth("no token")), CodeMissingCredentials, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, CodeFor(tt.err))
			assert.Equal(t, tt.exit, CodeFor(tt.err).ExitCode())
		})
	}
}

// Test formatting, unwrapping and category matching
func TestError(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := ErrConnectivity("cannot reach host").WithProvider(ProviderHetzner).WithCause(cause)

	assert.Equal(t, "[hetzner:connectivity] cannot reach host: dial tcp: refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrConnectivity("other"))
	assert.NotErrorIs(t, err, ErrAuth("other"))
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(ErrAuth("x")))
	assert.Equal(t, ProviderHetzner, GetErrorProvider(fmt.Errorf("wrap: %w", err)))
}

// Test the matrix line and results file
func TestResultMatrix(t *testing.T) {
	ok := NewResult("claude", ProviderHetzner, nil, nil)
	bad := NewResult("aider", ProviderAWS, nil, ErrDownload("x"))
	assert.Equal(t, "hetzner/claude:pass", ok.MatrixLine())
	assert.Equal(t, "aws/aider:fail", bad.MatrixLine())

	path := filepath.Join(t.TempDir(), "out", "results.txt")
	require.NoError(t, AppendMatrix(path, ok))
	require.NoError(t, AppendMatrix(path, bad))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hetzner/claude:pass\naws/aider:fail\n", string(data))
}

// Test the diagnostic block
func TestLogger_Diagnostic(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, nil)
	d := Diagnostic{
		Header: "box did not become running after 2 attempts",
		Causes: []string{"slow region"},
		Fixes:  []string{"retry", "pick another region"},
	}
	log.Diagnostic(d)

	out := buf.String()
	assert.Contains(t, out, "box did not become running after 2 attempts")
	assert.Contains(t, out, "Possible causes:")
	assert.Contains(t, out, "slow region")
	assert.Contains(t, out, "  1. retry")
	assert.Contains(t, out, "  2. pick another region")
	assert.Equal(t, "box did not become running after 2 attempts\n\nPossible causes:\n  - slow region\n\nHow to fix:\n  1. retry\n  2. pick another region\n", d.String())
}

// Test that status lines go to the configured stream only
func TestLogger_Lines(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, nil)
	log.Info("hello %s", "world")
	log.Step("creating")
	log.Warn("careful")
	log.Error("bad")

	out := buf.String()
	assert.Contains(t, out, "hello world")
	assert.Contains(t, out, "==> creating")
	assert.Contains(t, out, "careful")
	assert.Contains(t, out, "bad")
}
