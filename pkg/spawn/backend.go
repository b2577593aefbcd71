package spawn

import (
	"context"
	"io"
	"os"
	"slices"
)

// Backend is the contract every cloud provider implements. The engine
// drives one forward state transition per call and never sees the shape of
// the provider's API.
type Backend interface {
	// Name returns the provider identifier.
	Name() CloudProvider

	// Capabilities returns the features supported by this backend.
	Capabilities() []Capability

	// HasCapability checks if the backend supports a specific capability.
	HasCapability(cap Capability) bool

	// Credentials lists the secrets the backend authenticates with. More
	// than one entry makes it a multi-credential provider.
	Credentials() []CredentialSpec

	// ConfigPath is the credential record's file name, relative to the
	// spawn home directory.
	ConfigPath() string

	// ValidateCredentials performs one cheap authenticated call.
	ValidateCredentials(ctx context.Context, sess *Session) error

	// ServerName returns the instance name to use when none was requested.
	ServerName(sess *Session) string

	// CreateServer requests a new instance. The returned instance carries
	// the provider ID; its address is not known yet.
	CreateServer(ctx context.Context, sess *Session, name string) (*Instance, error)

	// PollSpec describes how to read readiness from FetchStatus documents.
	PollSpec(inst *Instance) PollSpec

	// FetchStatus returns the raw JSON status document at endpoint.
	FetchStatus(ctx context.Context, sess *Session, endpoint string) ([]byte, error)

	// VerifyConnectivity performs one reachability probe against addr.
	VerifyConnectivity(ctx context.Context, sess *Session, addr string) error

	// RunServer runs cmd on the instance and fails if it exits non-zero.
	RunServer(ctx context.Context, sess *Session, addr, cmd string) error

	// UploadFile copies a local file to remote on the instance.
	UploadFile(ctx context.Context, sess *Session, addr, local, remote string) error

	// InteractiveSession attaches the caller's terminal to cmd on the instance.
	InteractiveSession(ctx context.Context, sess *Session, addr, cmd string) error
}

// Destroyer is implemented by backends that can delete their instances.
type Destroyer interface {
	DestroyServer(ctx context.Context, sess *Session, inst *Instance) error
}

// BaseBackend carries the identity half of the Backend contract.
// Provider packages embed it.
type BaseBackend struct {
	Provider CloudProvider
	Caps     []Capability
	Creds    []CredentialSpec
}

// Name implements Backend.
func (b *BaseBackend) Name() CloudProvider {
	return b.Provider
}

// Capabilities implements Backend.
func (b *BaseBackend) Capabilities() []Capability {
	return b.Caps
}

// HasCapability implements Backend.
func (b *BaseBackend) HasCapability(cap Capability) bool {
	return slices.Contains(b.Caps, cap)
}

// Credentials implements Backend.
func (b *BaseBackend) Credentials() []CredentialSpec {
	return b.Creds
}

// ConfigPath implements Backend.
func (b *BaseBackend) ConfigPath() string {
	return string(b.Provider) + ".json"
}

// ServerName implements Backend with "spawn-<agent>-<run prefix>".
func (b *BaseBackend) ServerName(sess *Session) string {
	id := sess.ID
	if len(id) > 8 {
		id = id[:8]
	}
	name := "spawn"
	if sess.Agent.Name != "" {
		name += "-" + sess.Agent.Name
	}
	if id != "" {
		name += "-" + id
	}
	return name
}

// Session is the per-run context handed to every backend call. It owns the
// run's secrets so that no credential is written into the process
// environment.
type Session struct {
	// ID is the run identifier.
	ID string

	// Provider is the backend serving this run.
	Provider CloudProvider

	// Agent is the agent being provisioned.
	Agent Agent

	// Secrets holds resolved credentials.
	Secrets *Secrets

	// KeyPath is the SSH private key path.
	KeyPath string

	// SSHUser overrides the backend's default login user.
	SSHUser string

	// Params are backend options (region, size, image...) from the run file.
	Params map[string]string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	logger *Logger
}

// NewSession creates a session with empty secrets wired to the process's
// standard streams.
func NewSession(id string, provider CloudProvider, logger *Logger) *Session {
	if logger == nil {
		logger = DiscardLogger()
	}
	return &Session{
		ID:       id,
		Provider: provider,
		Secrets:  NewSecrets(nil),
		KeyPath:  DefaultKeyPath(),
		Params:   make(map[string]string),
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		logger:   logger,
	}
}

// Logger returns the run's logger.
func (s *Session) Logger() *Logger {
	if s == nil || s.logger == nil {
		return DiscardLogger()
	}
	return s.logger
}

// Secret returns a resolved secret or "".
func (s *Session) Secret(key string) string {
	v, _ := s.Secrets.Get(key)
	return v
}

// Param returns a backend option or def.
func (s *Session) Param(key, def string) string {
	if v, ok := s.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// User returns the SSH login user, falling back to def.
func (s *Session) User(def string) string {
	if s.SSHUser != "" {
		return s.SSHUser
	}
	return def
}
