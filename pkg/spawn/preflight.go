package spawn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Severity indicates the severity level of a preflight check.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// CheckStatus indicates the result of a preflight check.
type CheckStatus string

const (
	CheckStatusPassed  CheckStatus = "passed"
	CheckStatusFailed  CheckStatus = "failed"
	CheckStatusSkipped CheckStatus = "skipped"
)

// CheckResult is a single preflight check outcome.
type CheckResult struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Status      CheckStatus            `json:"status"`
	Severity    Severity               `json:"severity"`
	Evidence    map[string]interface{} `json:"evidence,omitempty"`
	Remediation string                 `json:"remediation,omitempty"`
	Duration    time.Duration          `json:"duration"`
}

// PreflightTarget is what a check inspects.
type PreflightTarget struct {
	Backend Backend
	Session *Session
	Store   *CredentialStore
}

// Check is one preflight check.
type Check interface {
	ID() string
	Name() string
	Run(ctx context.Context, t PreflightTarget) CheckResult
}

// Report aggregates preflight results for one provider.
type Report struct {
	Provider  CloudProvider `json:"provider"`
	Checks    []CheckResult `json:"checks"`
	Passed    int           `json:"passed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	CheckedAt time.Time     `json:"checked_at"`
}

// OK reports whether no error-or-worse check failed.
func (r *Report) OK() bool {
	for _, c := range r.Checks {
		if c.Status == CheckStatusFailed && (c.Severity == SeverityError || c.Severity == SeverityCritical) {
			return false
		}
	}
	return true
}

// RunPreflight executes checks in order.
func RunPreflight(ctx context.Context, t PreflightTarget, checks []Check) *Report {
	report := &Report{
		Provider:  t.Backend.Name(),
		Checks:    make([]CheckResult, 0, len(checks)),
		CheckedAt: time.Now(),
	}
	for _, c := range checks {
		start := time.Now()
		res := c.Run(ctx, t)
		res.ID = c.ID()
		res.Name = c.Name()
		res.Duration = time.Since(start)
		report.Checks = append(report.Checks, res)

		switch res.Status {
		case CheckStatusPassed:
			report.Passed++
		case CheckStatusFailed:
			report.Failed++
		case CheckStatusSkipped:
			report.Skipped++
		}
	}
	return report
}

// DefaultChecks is the check list of "spawn doctor".
func DefaultChecks() []Check {
	return []Check{
		capabilityCheck{},
		credentialsResolvableCheck{},
		configPermissionsCheck{},
		credentialsValidCheck{},
		sshKeyCheck{},
	}
}

type capabilityCheck struct{}

func (capabilityCheck) ID() string   { return "capabilities" }
func (capabilityCheck) Name() string { return "Backend capabilities" }

func (capabilityCheck) Run(ctx context.Context, t PreflightTarget) CheckResult {
	res := CheckResult{
		Severity: SeverityCritical,
		Evidence: map[string]interface{}{"capabilities": t.Backend.Capabilities()},
	}
	if !t.Backend.HasCapability(CapabilityCreate) {
		res.Status = CheckStatusFailed
		res.Remediation = fmt.Sprintf("%s cannot create instances", t.Backend.Name())
		return res
	}
	res.Status = CheckStatusPassed
	return res
}

type credentialsResolvableCheck struct{}

func (credentialsResolvableCheck) ID() string   { return "credentials_resolvable" }
func (credentialsResolvableCheck) Name() string { return "Credentials present" }

func (credentialsResolvableCheck) Run(ctx context.Context, t PreflightTarget) CheckResult {
	res := CheckResult{Severity: SeverityError, Evidence: map[string]interface{}{}}
	specs := t.Backend.Credentials()
	if len(specs) == 0 {
		res.Status = CheckStatusSkipped
		return res
	}
	if t.Store.AllEnvSet(specs, t.Session.Secrets) {
		res.Status = CheckStatusPassed
		res.Evidence["source"] = "environment"
		return res
	}
	for _, spec := range specs {
		if _, ok := t.Store.configValue(spec.ConfigField, spec.AltConfigField); !ok {
			res.Status = CheckStatusFailed
			res.Evidence["missing"] = spec.EnvVar
			res.Remediation = fmt.Sprintf("Export %s or run: spawn save-credential --cloud %s", envNames(specs), t.Backend.Name())
			return res
		}
	}
	res.Status = CheckStatusPassed
	res.Evidence["source"] = t.Store.ConfigPath
	return res
}

type configPermissionsCheck struct{}

func (configPermissionsCheck) ID() string   { return "config_permissions" }
func (configPermissionsCheck) Name() string { return "Credential file permissions" }

func (configPermissionsCheck) Run(ctx context.Context, t PreflightTarget) CheckResult {
	res := CheckResult{Severity: SeverityWarning, Evidence: map[string]interface{}{"path": t.Store.ConfigPath}}
	info, err := os.Stat(t.Store.ConfigPath)
	if err != nil {
		res.Status = CheckStatusSkipped
		return res
	}
	mode := info.Mode().Perm()
	res.Evidence["mode"] = fmt.Sprintf("%04o", mode)
	if mode&0077 != 0 {
		res.Status = CheckStatusFailed
		res.Remediation = fmt.Sprintf("chmod 600 %s", t.Store.ConfigPath)
		return res
	}
	res.Status = CheckStatusPassed
	return res
}

type credentialsValidCheck struct{}

func (credentialsValidCheck) ID() string   { return "credentials_valid" }
func (credentialsValidCheck) Name() string { return "Credentials accepted" }

func (credentialsValidCheck) Run(ctx context.Context, t PreflightTarget) CheckResult {
	res := CheckResult{Severity: SeverityCritical, Evidence: map[string]interface{}{}}
	specs := t.Backend.Credentials()
	test := func(ctx context.Context, _ *Secrets) error {
		return t.Backend.ValidateCredentials(ctx, t.Session)
	}

	var err error
	switch len(specs) {
	case 0:
		res.Status = CheckStatusSkipped
		return res
	case 1:
		_, err = t.Store.EnsureCredential(ctx, specs[0], t.Session.Secrets, test)
	default:
		err = t.Store.EnsureCredentials(ctx, specs, t.Session.Secrets, test)
	}
	if err != nil {
		res.Status = CheckStatusFailed
		res.Evidence["error"] = err.Error()
		res.Remediation = "Check that the token is current and has read/write scope"
		return res
	}
	res.Status = CheckStatusPassed
	return res
}

type sshKeyCheck struct{}

func (sshKeyCheck) ID() string   { return "ssh_key" }
func (sshKeyCheck) Name() string { return "SSH key" }

func (sshKeyCheck) Run(ctx context.Context, t PreflightTarget) CheckResult {
	path := t.Session.KeyPath
	res := CheckResult{Severity: SeverityWarning, Evidence: map[string]interface{}{"path": path}}
	fp, err := Fingerprint(PublicKeyPath(path))
	if err != nil {
		res.Status = CheckStatusFailed
		res.Remediation = fmt.Sprintf("A new key will be generated at %s on first run", path)
		return res
	}
	res.Evidence["fingerprint"] = fp
	if sha, err := FingerprintSHA256(PublicKeyPath(path)); err == nil {
		res.Evidence["sha256"] = sha
	}
	if info, err := os.Stat(path); err == nil && info.Mode().Perm()&0077 != 0 {
		res.Status = CheckStatusFailed
		res.Remediation = fmt.Sprintf("chmod 600 %s", path)
		return res
	}
	res.Status = CheckStatusPassed
	return res
}

// Doctor runs the default preflight checks against a provider. Nothing is
// created; the only network call is the credential test.
func (e *Engine) Doctor(ctx context.Context, cloud CloudProvider, seed map[string]string) (*Report, error) {
	b, err := e.registry.Get(cloud)
	if err != nil {
		return nil, err
	}
	sess := e.newSession(Request{Cloud: cloud, Secrets: seed})
	t := PreflightTarget{
		Backend: b,
		Session: sess,
		Store: NewCredentialStore(
			filepath.Join(e.home, b.ConfigPath()),
			WithLookupEnv(e.lookupEnv),
		),
	}
	return RunPreflight(ctx, t, DefaultChecks()), nil
}
