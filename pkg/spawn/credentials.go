package spawn

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/tidwall/gjson"
)

// Default config field names of a single-credential provider record.
const (
	ConfigFieldAPIKey = "api_key"
	ConfigFieldToken  = "token"
)

// CredentialSpec describes where one secret comes from.
type CredentialSpec struct {
	// EnvVar is the environment variable that holds the secret and the key
	// under which it is stored in Secrets.
	EnvVar string `json:"env_var" yaml:"env_var"`

	// ConfigField is the primary field in the provider's config file.
	ConfigField string `json:"config_field,omitempty" yaml:"config_field,omitempty"`

	// AltConfigField is a synonym consulted when ConfigField is absent or empty.
	AltConfigField string `json:"alt_config_field,omitempty" yaml:"alt_config_field,omitempty"`

	// Label is the human-readable name used in log lines.
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// SingleCredential returns the spec of a provider authenticated by one token
// stored under api_key (or token) in its config file.
func SingleCredential(envVar, label string) CredentialSpec {
	return CredentialSpec{
		EnvVar:         envVar,
		ConfigField:    ConfigFieldAPIKey,
		AltConfigField: ConfigFieldToken,
		Label:          label,
	}
}

func (s CredentialSpec) label() string {
	if s.Label != "" {
		return s.Label
	}
	return s.EnvVar
}

// Secrets is the secret-bearing set of one run, keyed by variable name.
// It replaces the process environment as the carrier of resolved
// credentials, so concurrent runs do not see each other's values.
//
// A key rejected by the provider is remembered until it is Set again, and
// resolution no longer reads it from the environment or config record.
type Secrets struct {
	mu       sync.RWMutex
	values   map[string]string
	rejected map[string]struct{}
}

// NewSecrets creates a Secrets set seeded with initial.
func NewSecrets(initial map[string]string) *Secrets {
	s := &Secrets{
		values:   make(map[string]string, len(initial)),
		rejected: make(map[string]struct{}),
	}
	for k, v := range initial {
		s.values[k] = v
	}
	return s
}

// Get returns the value of key and whether it is set and non-empty.
func (s *Secrets) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok && v != ""
}

// Set stores a value and clears any rejection of key.
func (s *Secrets) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	delete(s.rejected, key)
}

// Unset removes a value.
func (s *Secrets) Unset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Reject removes a value and marks key as rejected.
func (s *Secrets) Reject(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	s.rejected[key] = struct{}{}
}

// Rejected reports whether key was rejected and not set since.
func (s *Secrets) Rejected(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rejected[key]
	return ok
}

// Keys returns the set keys in sorted order.
func (s *Secrets) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CredentialTest validates freshly resolved secrets against the provider.
type CredentialTest func(ctx context.Context, secrets *Secrets) error

// PromptFunc asks the user for a secret that could not be resolved.
type PromptFunc func(ctx context.Context, spec CredentialSpec) (string, error)

// CredentialStore resolves credentials from the environment or a provider
// config file into a Secrets set.
type CredentialStore struct {
	// ConfigPath is the provider's JSON config record. Empty disables the
	// config fallback.
	ConfigPath string

	// Prompt is consulted last for single credentials. Nil fails instead.
	Prompt PromptFunc

	logger    *Logger
	lookupEnv func(string) (string, bool)
}

// CredentialStoreOption configures a CredentialStore.
type CredentialStoreOption func(*CredentialStore)

// WithCredentialLogger sets the logger.
func WithCredentialLogger(l *Logger) CredentialStoreOption {
	return func(s *CredentialStore) {
		s.logger = l
	}
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) CredentialStoreOption {
	return func(s *CredentialStore) {
		s.lookupEnv = fn
	}
}

// WithPrompt sets the interactive fallback.
func WithPrompt(fn PromptFunc) CredentialStoreOption {
	return func(s *CredentialStore) {
		s.Prompt = fn
	}
}

// NewCredentialStore creates a store reading configPath.
func NewCredentialStore(configPath string, opts ...CredentialStoreOption) *CredentialStore {
	s := &CredentialStore{
		ConfigPath: configPath,
		logger:     DiscardLogger(),
		lookupEnv:  os.LookupEnv,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CredentialStore) env(key string) (string, bool) {
	v, ok := s.lookupEnv(key)
	return v, ok && v != ""
}

// configValue reads a string field from the config record. A missing or
// malformed file reads as absent.
func (s *CredentialStore) configValue(fields ...string) (string, bool) {
	if s.ConfigPath == "" {
		return "", false
	}
	data, err := os.ReadFile(s.ConfigPath)
	if err != nil || !gjson.ValidBytes(data) {
		return "", false
	}
	for _, f := range fields {
		if f == "" {
			continue
		}
		if v := gjson.GetBytes(data, gjson.Escape(f)); v.Type == gjson.String && v.Str != "" {
			return v.Str, true
		}
	}
	return "", false
}

// EnsureCredential resolves one secret into secrets and returns it.
//
// The value already present in secrets or the environment wins; otherwise
// the config record's primary field, then its synonym, then Prompt. When test
// is non-nil the resolved value is validated and, on rejection, unset again.
// A rejected variable is then only resolved through Prompt, so a retry in
// the same session never reuses the rejected environment or config value.
func (s *CredentialStore) EnsureCredential(ctx context.Context, spec CredentialSpec, secrets *Secrets, test CredentialTest) (string, error) {
	if spec.EnvVar == "" {
		return "", ErrValidation("credential spec has no variable name")
	}

	value, ok := secrets.Get(spec.EnvVar)
	switch {
	case ok:
		s.logger.Info("Using %s from session", spec.label())
	case secrets.Rejected(spec.EnvVar):
		if s.Prompt == nil {
			return "", ErrAuth(fmt.Sprintf("%s was rejected", spec.EnvVar)).
				WithDetail("env_var", spec.EnvVar)
		}
		v, err := s.Prompt(ctx, spec)
		if err != nil {
			return "", ErrAuth(fmt.Sprintf("%s was rejected", spec.EnvVar)).WithCause(err)
		}
		value, ok = v, v != ""
	default:
		if value, ok = s.env(spec.EnvVar); ok {
			s.logger.Info("Using %s from environment", spec.EnvVar)
		} else if value, ok = s.configValue(spec.ConfigField, spec.AltConfigField); ok {
			s.logger.Info("Using %s from %s", spec.label(), s.ConfigPath)
		} else if s.Prompt != nil {
			v, err := s.Prompt(ctx, spec)
			if err != nil {
				return "", ErrAuth(fmt.Sprintf("%s is not set", spec.EnvVar)).WithCause(err)
			}
			value, ok = v, v != ""
		}
	}
	if !ok {
		return "", ErrAuth(fmt.Sprintf("%s is not set", spec.EnvVar)).
			WithDetail("env_var", spec.EnvVar).
			WithDetail("config_path", s.ConfigPath)
	}

	secrets.Set(spec.EnvVar, value)
	if test == nil {
		return value, nil
	}
	if err := test(ctx, secrets); err != nil {
		secrets.Reject(spec.EnvVar)
		s.logger.Error("Authentication failed: invalid %s", spec.EnvVar)
		return "", ErrAuth(fmt.Sprintf("authentication failed: invalid %s", spec.EnvVar)).
			WithCause(err).
			WithDetail("env_var", spec.EnvVar)
	}
	return value, nil
}

// AllEnvSet reports whether every spec's variable is set and non-empty in
// secrets or the environment. A rejected variable does not count as set
// in the environment.
func (s *CredentialStore) AllEnvSet(specs []CredentialSpec, secrets *Secrets) bool {
	for _, spec := range specs {
		if secrets != nil {
			if _, ok := secrets.Get(spec.EnvVar); ok {
				continue
			}
			if secrets.Rejected(spec.EnvVar) {
				return false
			}
		}
		if _, ok := s.env(spec.EnvVar); !ok {
			return false
		}
	}
	return true
}

// EnsureCredentials resolves N correlated secrets. They come either all
// from the environment or all from the config record; a partial match on
// either side is a failure. On validation failure every value is unset.
func (s *CredentialStore) EnsureCredentials(ctx context.Context, specs []CredentialSpec, secrets *Secrets, test CredentialTest) error {
	if len(specs) == 0 {
		return nil
	}

	resolved := make(map[string]string, len(specs))
	if s.AllEnvSet(specs, secrets) {
		for _, spec := range specs {
			v, ok := secrets.Get(spec.EnvVar)
			if !ok {
				v, _ = s.env(spec.EnvVar)
			}
			resolved[spec.EnvVar] = v
		}
		s.logger.Info("Using %s from environment", envNames(specs))
	} else {
		for _, spec := range specs {
			if secrets.Rejected(spec.EnvVar) {
				return ErrAuth(fmt.Sprintf("%s were rejected", envNames(specs))).
					WithDetail("rejected", spec.EnvVar)
			}
			v, ok := s.configValue(spec.ConfigField, spec.AltConfigField)
			if !ok {
				return ErrAuth(fmt.Sprintf("%s are not all set", envNames(specs))).
					WithDetail("missing", spec.EnvVar).
					WithDetail("config_path", s.ConfigPath)
			}
			resolved[spec.EnvVar] = v
		}
		s.logger.Info("Using %s from %s", envNames(specs), s.ConfigPath)
	}

	for _, spec := range specs {
		secrets.Set(spec.EnvVar, resolved[spec.EnvVar])
	}
	if test == nil {
		return nil
	}
	if err := test(ctx, secrets); err != nil {
		for _, spec := range specs {
			secrets.Reject(spec.EnvVar)
		}
		s.logger.Error("Authentication failed: invalid %s", envNames(specs))
		return ErrAuth(fmt.Sprintf("authentication failed: invalid %s", envNames(specs))).WithCause(err)
	}
	return nil
}

func envNames(specs []CredentialSpec) string {
	out := ""
	for i, spec := range specs {
		if i > 0 {
			out += ", "
		}
		out += spec.EnvVar
	}
	return out
}

// SaveCredential writes a single-token record with both api_key and token
// set to value.
func SaveCredential(path, value string) error {
	return SaveCredentials(path, map[string]string{
		ConfigFieldAPIKey: value,
		ConfigFieldToken:  value,
	})
}

// SaveCredentials writes a config record with caller-chosen fields. The
// parent directory is created with 0700 and the file restricted to 0600.
func SaveCredentials(path string, fields map[string]string) error {
	data, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := writeFileAtomic(path, append(data, '\n')); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}
