package spawn

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the machine-readable outcome of a run, printed to stdout in
// headless mode.
type Result struct {
	Status     string    `json:"status"`
	Agent      string    `json:"agent"`
	Cloud      string    `json:"cloud"`
	InstanceID string    `json:"instance_id,omitempty"`
	Address    string    `json:"address,omitempty"`
	ErrorCode  ErrorCode `json:"error_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	State      string    `json:"state,omitempty"`
}

// NewResult builds a Result from a run's outcome.
func NewResult(agent string, cloud CloudProvider, run *Run, err error) *Result {
	r := &Result{
		Status: StatusSuccess,
		Agent:  agent,
		Cloud:  string(cloud),
	}
	if run != nil {
		r.RunID = run.ID
		r.State = run.State.String()
		if run.Instance != nil {
			r.InstanceID = run.Instance.ID
			r.Address = run.Instance.Address
		}
	}
	if err != nil {
		r.Status = StatusError
		r.ErrorCode = CodeFor(err)
		r.Error = err.Error()
	}
	return r
}

// ExitCode returns the process exit status for the result.
func (r *Result) ExitCode() int {
	if r.Status == StatusSuccess {
		return ExitSuccess
	}
	return r.ErrorCode.ExitCode()
}

// WriteJSON writes the result as one JSON line.
func (r *Result) WriteJSON(w io.Writer) error {
	return json.NewEncoder(w).Encode(r)
}

// MatrixLine is the "cloud/agent:pass|fail" entry of a results file.
func (r *Result) MatrixLine() string {
	outcome := "pass"
	if r.Status != StatusSuccess {
		outcome = "fail"
	}
	return fmt.Sprintf("%s/%s:%s", r.Cloud, r.Agent, outcome)
}

// AppendMatrix appends the result's matrix line to path.
func AppendMatrix(path string, r *Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open results file: %w", err)
	}
	if _, err := fmt.Fprintln(f, r.MatrixLine()); err != nil {
		f.Close()
		return fmt.Errorf("failed to write results file: %w", err)
	}
	return f.Close()
}
