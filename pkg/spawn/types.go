package spawn

import (
	"fmt"
	"time"
)

// Capability represents a feature supported by a provider backend.
type Capability string

const (
	// CapabilityCreate indicates the backend can create instances.
	CapabilityCreate Capability = "create"
	// CapabilityDestroy indicates the backend can destroy instances.
	CapabilityDestroy Capability = "destroy"
	// CapabilitySSHKeys indicates the backend registers SSH keys provider-side.
	CapabilitySSHKeys Capability = "ssh_keys"
	// CapabilityInteractive indicates the backend supports interactive attach.
	CapabilityInteractive Capability = "interactive"
	// CapabilityLocal indicates the instance runs on this machine and
	// environment injection uses the local variant (no address).
	CapabilityLocal Capability = "local"
)

// CloudProvider identifies a cloud service provider.
type CloudProvider string

const (
	ProviderAWS          CloudProvider = "aws"
	ProviderGCP          CloudProvider = "gcp"
	ProviderHetzner      CloudProvider = "hetzner"
	ProviderDigitalOcean CloudProvider = "digitalocean"
	ProviderDocker       CloudProvider = "docker"
)

// Instance is a compute instance created by a backend.
// Address is only known after polling has observed the ready state.
type Instance struct {
	// ID is the provider-side identifier.
	ID string `json:"id"`

	// Name is the human-readable server name.
	Name string `json:"name"`

	// Provider is the backend that created the instance.
	Provider CloudProvider `json:"provider"`

	// Status is the most recently observed provider status string.
	Status string `json:"status"`

	// TargetStatus is the status that marks the instance as ready.
	TargetStatus string `json:"target_status,omitempty"`

	// Address is the reachable address (usually a public IPv4).
	Address string `json:"address,omitempty"`

	// Meta holds provider-specific values needed by later steps
	// (zone, region, container id...).
	Meta map[string]string `json:"meta,omitempty"`
}

// Ready reports whether the instance has reached its target status and
// an address has been observed.
func (i *Instance) Ready() bool {
	return i.TargetStatus != "" && i.Status == i.TargetStatus && i.Address != ""
}

// State is a step of the provisioning state machine.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateKeyEnsured
	StateCreated
	StatePolling
	StateReady
	StateConnectivityVerified
	StateEnvInjected
	StateExecuting
	StateInteractiveAttached
	StateFailed
)

var stateNames = map[State]string{
	StateUnauthenticated:      "unauthenticated",
	StateAuthenticated:        "authenticated",
	StateKeyEnsured:           "key_ensured",
	StateCreated:              "created",
	StatePolling:              "polling",
	StateReady:                "ready",
	StateConnectivityVerified: "connectivity_verified",
	StateEnvInjected:          "env_injected",
	StateExecuting:            "executing",
	StateInteractiveAttached:  "interactive_attached",
	StateFailed:               "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no forward transition leaves the state.
func (s State) Terminal() bool {
	return s == StateExecuting || s == StateInteractiveAttached || s == StateFailed
}

// Transition records one state change of a run.
type Transition struct {
	From State         `json:"from"`
	To   State         `json:"to"`
	At   time.Time     `json:"at"`
	Took time.Duration `json:"took"`
}

// EnvPair is a single KEY=VALUE entry injected into the instance profile.
type EnvPair struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// Agent describes the coding-agent process installed on an instance.
type Agent struct {
	// Name is the agent identifier (e.g. "claude", "aider").
	Name string `json:"name" yaml:"name"`

	// Install is run once on the instance after env injection.
	Install string `json:"install,omitempty" yaml:"install,omitempty"`

	// Launch is the command started for execution or interactive attach.
	Launch string `json:"launch" yaml:"launch"`

	// Env lists values written to the instance profile. A value of the
	// form "$NAME" is substituted from the run's Secrets.
	Env []EnvPair `json:"env,omitempty" yaml:"env,omitempty"`

	// Credentials are agent-side secrets (e.g. an LLM API key) resolved
	// alongside the provider credentials.
	Credentials []CredentialSpec `json:"credentials,omitempty" yaml:"credentials,omitempty"`
}
