package spawn

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Poll defaults.
const (
	DefaultMaxAttempts  = 60
	DefaultPollInterval = time.Second
	DefaultSSHAttempts  = 30
	DefaultSSHInterval  = 5 * time.Second

	// NoWait as an interval retries without sleeping between attempts.
	NoWait time.Duration = -1

	// StatusUnknown is reported when the status document cannot be fetched
	// or the status field cannot be extracted.
	StatusUnknown = "unknown"
)

// StatusFunc fetches the raw JSON status document of an instance.
type StatusFunc func(ctx context.Context, endpoint string) ([]byte, error)

// PollSpec parameterizes WaitForInstance. StatusPath and AddressPath are
// gjson paths into the status document. A zero Interval means
// DefaultPollInterval.
type PollSpec struct {
	Endpoint     string
	TargetStatus string
	StatusPath   string
	AddressPath  string
	Label        string
	MaxAttempts  int
	Interval     time.Duration
}

func (p PollSpec) withDefaults() PollSpec {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Interval == 0 {
		p.Interval = DefaultPollInterval
	}
	if p.Label == "" {
		p.Label = "instance"
	}
	return p
}

// Observation is one extracted status sample.
type Observation struct {
	Status  string
	Address string
}

// Extract pulls status and address out of a status document. A field that
// is missing or not a scalar reads as empty; an unreadable status reads as
// StatusUnknown.
func (p PollSpec) Extract(doc []byte) Observation {
	if !gjson.ValidBytes(doc) {
		return Observation{Status: StatusUnknown}
	}
	obs := Observation{Status: StatusUnknown}
	if v := gjson.GetBytes(doc, p.StatusPath); v.Exists() && v.Type != gjson.JSON && v.String() != "" {
		obs.Status = v.String()
	}
	if v := gjson.GetBytes(doc, p.AddressPath); v.Exists() && v.Type != gjson.JSON {
		obs.Address = v.String()
	}
	return obs
}

// WaitForInstance polls statusFn until the status equals TargetStatus and
// the address is non-empty, up to MaxAttempts calls. On success inst gets
// its Status and Address set once and is returned. Cancelling ctx aborts
// the wait, including during the sleep between attempts.
func WaitForInstance(ctx context.Context, log *Logger, statusFn StatusFunc, inst *Instance, spec PollSpec) (*Instance, error) {
	spec = spec.withDefaults()
	if log == nil {
		log = DiscardLogger()
	}
	if inst == nil {
		inst = &Instance{}
	}
	inst.TargetStatus = spec.TargetStatus

	log.Info("Waiting for %s to become %s...", spec.Label, spec.TargetStatus)
	for attempt := 1; attempt <= spec.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, ErrTimeout(fmt.Sprintf("%s wait cancelled", spec.Label)).WithCause(err).WithRetryable(false)
		}

		obs := Observation{Status: StatusUnknown}
		doc, err := statusFn(ctx, spec.Endpoint)
		if err != nil {
			log.Debug("status fetch failed", "label", spec.Label, "attempt", attempt, "error", err)
		} else {
			obs = spec.Extract(doc)
		}

		if obs.Status == spec.TargetStatus && obs.Address != "" {
			inst.Status = obs.Status
			inst.Address = obs.Address
			log.Info("%s is %s (%s)", spec.Label, obs.Status, obs.Address)
			return inst, nil
		}

		inst.Status = obs.Status
		log.Info("Waiting for %s (%d/%d): status %s", spec.Label, attempt, spec.MaxAttempts, obs.Status)
		if attempt == spec.MaxAttempts {
			break
		}
		if err := sleepCtx(ctx, spec.Interval); err != nil {
			return nil, ErrTimeout(fmt.Sprintf("%s wait cancelled", spec.Label)).WithCause(err).WithRetryable(false)
		}
	}

	header := fmt.Sprintf("%s did not become %s after %d attempts", spec.Label, spec.TargetStatus, spec.MaxAttempts)
	log.Diagnostic(Diagnostic{
		Header: header,
		Causes: []string{
			"The provider is slow to provision in this region",
			"The requested size or image is unavailable",
			"The instance failed to boot",
		},
		Fixes: []string{
			"Check the instance in the provider console",
			"Raise SPAWN_MAX_ATTEMPTS or SPAWN_POLL_INTERVAL and retry",
			"Try a different region or size",
		},
	})
	return nil, ErrTimeout(header).
		WithDetail("last_status", inst.Status).
		WithDetail("attempts", spec.MaxAttempts)
}

// ProbeFunc attempts one reachability check.
type ProbeFunc func(ctx context.Context) error

// ReachSpec parameterizes WaitForReachable. A zero Interval means
// DefaultSSHInterval.
type ReachSpec struct {
	Label       string
	MaxAttempts int
	Interval    time.Duration
}

// WaitForReachable calls probe until it succeeds, up to MaxAttempts times.
func WaitForReachable(ctx context.Context, log *Logger, probe ProbeFunc, spec ReachSpec) error {
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = DefaultSSHAttempts
	}
	if spec.Interval == 0 {
		spec.Interval = DefaultSSHInterval
	}
	if log == nil {
		log = DiscardLogger()
	}

	var last error
	for attempt := 1; attempt <= spec.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return ErrConnectivity(fmt.Sprintf("%s wait cancelled", spec.Label)).WithCause(err).WithRetryable(false)
		}
		if last = probe(ctx); last == nil {
			log.Info("%s is reachable", spec.Label)
			return nil
		}
		log.Info("Waiting for %s to accept connections (%d/%d)", spec.Label, attempt, spec.MaxAttempts)
		log.Debug("probe failed", "label", spec.Label, "attempt", attempt, "error", last)
		if attempt == spec.MaxAttempts {
			break
		}
		if err := sleepCtx(ctx, spec.Interval); err != nil {
			return ErrConnectivity(fmt.Sprintf("%s wait cancelled", spec.Label)).WithCause(err).WithRetryable(false)
		}
	}

	header := fmt.Sprintf("%s did not become reachable after %d attempts", spec.Label, spec.MaxAttempts)
	log.Diagnostic(Diagnostic{
		Header: header,
		Causes: []string{
			"The SSH daemon has not started yet",
			"A firewall blocks port 22",
			"The registered key does not match the local private key",
		},
		Fixes: []string{
			"Raise SPAWN_SSH_ATTEMPTS and retry",
			"Open port 22 in the provider firewall or security group",
			"Verify SPAWN_SSH_KEY points at the key registered with the provider",
		},
	})
	return ErrConnectivity(header).WithCause(last)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
