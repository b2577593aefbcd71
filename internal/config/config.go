package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/anirudhbiyani/spawn/pkg/spawn"
)

// Prefix is the environment prefix of every setting.
const Prefix = "SPAWN"

// Settings are read from SPAWN_* variables. Names are derived by
// split_words so that no unprefixed variable (HOME, STATE...) is consulted.
type Settings struct {
	PollInterval Interval `split_words:"true" default:"1"`
	MaxAttempts  int      `split_words:"true" default:"60"`
	SSHAttempts  int      `split_words:"true" default:"30"`
	SSHInterval  Interval `split_words:"true" default:"5"`
	SSHKey       string   `split_words:"true" default:"~/.ssh/id_ed25519"`
	SSHUser      string   `split_words:"true"`
	Profile      string   `default:"~/.zshrc"`
	Home         string
	State        string

	// Debug enables structured debug events on stderr.
	Debug   bool
	LogJSON bool `split_words:"true"`
}

// Interval is a delay given either as plain seconds ("2", "0.5") or as a
// Go duration ("1500ms").
type Interval time.Duration

// Decode implements envconfig.Decoder.
func (i *Interval) Decode(value string) error {
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return fmt.Errorf("interval must not be negative: %s", value)
		}
		*i = Interval(time.Duration(secs * float64(time.Second)))
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid interval %q: %w", value, err)
	}
	if d < 0 {
		return fmt.Errorf("interval must not be negative: %s", value)
	}
	*i = Interval(d)
	return nil
}

// Duration returns the interval as a time.Duration.
func (i Interval) Duration() time.Duration {
	return time.Duration(i)
}

// Load reads settings from SPAWN_* environment variables and fills in
// derived paths.
func Load() (*Settings, error) {
	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if s.MaxAttempts <= 0 {
		return nil, fmt.Errorf("SPAWN_MAX_ATTEMPTS must be positive, got %d", s.MaxAttempts)
	}
	if s.SSHAttempts <= 0 {
		return nil, fmt.Errorf("SPAWN_SSH_ATTEMPTS must be positive, got %d", s.SSHAttempts)
	}
	if s.Home == "" {
		s.Home = spawn.DefaultHome()
	}
	s.Home = spawn.ExpandHome(s.Home)
	if s.State == "" {
		s.State = filepath.Join(s.Home, "state.json")
	}
	s.State = spawn.ExpandHome(s.State)
	s.SSHKey = spawn.ExpandHome(s.SSHKey)
	return &s, nil
}

// EngineOptions translates the settings into engine options.
func (s *Settings) EngineOptions() []spawn.EngineOption {
	return []spawn.EngineOption{
		spawn.WithHome(s.Home),
		spawn.WithKeyPath(s.SSHKey),
		spawn.WithPolling(s.MaxAttempts, s.PollInterval.Duration()),
		spawn.WithReachability(s.SSHAttempts, s.SSHInterval.Duration()),
		spawn.WithProfile(s.Profile),
	}
}

// Usage prints the recognised variables.
func Usage() error {
	var s Settings
	return envconfig.Usage(Prefix, &s)
}
