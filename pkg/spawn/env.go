package spawn

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
)

const (
	// DefaultProfile is the shell profile env pairs are appended to.
	DefaultProfile = "~/.zshrc"

	// RemoteEnvPath is where the staged env file is uploaded.
	RemoteEnvPath = "/tmp/env_config"
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidEnvKey reports whether key is a legal shell variable name.
func ValidEnvKey(key string) bool {
	return envKeyPattern.MatchString(key)
}

// ShellQuote wraps v in single quotes so a POSIX shell reads it back
// verbatim. Embedded single quotes become '\''.
func ShellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

// Render produces one "export KEY='VALUE'" line per pair, in order.
func Render(pairs []EnvPair) (string, error) {
	var b strings.Builder
	for _, p := range pairs {
		if !ValidEnvKey(p.Key) {
			return "", ErrValidation(fmt.Sprintf("invalid environment variable name %q", p.Key))
		}
		b.WriteString("export ")
		b.WriteString(p.Key)
		b.WriteString("=")
		b.WriteString(ShellQuote(p.Value))
		b.WriteString("\n")
	}
	return b.String(), nil
}

// ResolveEnv substitutes values of the form "$NAME" from secrets. A
// reference to a secret that is not set is an auth error.
func ResolveEnv(pairs []EnvPair, secrets *Secrets) ([]EnvPair, error) {
	out := make([]EnvPair, 0, len(pairs))
	for _, p := range pairs {
		v := p.Value
		if name, ok := strings.CutPrefix(v, "$"); ok && ValidEnvKey(name) {
			sv, set := secrets.Get(name)
			if !set {
				return nil, ErrAuth(fmt.Sprintf("%s is not set", name)).WithDetail("env_var", name)
			}
			v = sv
		}
		out = append(out, EnvPair{Key: p.Key, Value: v})
	}
	return out, nil
}

// FileTarget is the subset of a backend env injection needs.
type FileTarget interface {
	UploadFile(ctx context.Context, sess *Session, addr, local, remote string) error
	RunServer(ctx context.Context, sess *Session, addr, cmd string) error
}

// EnvInjector delivers rendered env pairs into the target's shell profile
// through a short-lived staging file.
type EnvInjector struct {
	// Cleanup tracks the local staging file. Defaults to DefaultCleanup.
	Cleanup *CleanupRegistry

	// Profile is the remote profile path. Defaults to DefaultProfile.
	Profile string

	// StagingDir holds the local staging file. Empty means os.TempDir.
	StagingDir string
}

func (e *EnvInjector) registry() *CleanupRegistry {
	if e.Cleanup != nil {
		return e.Cleanup
	}
	return DefaultCleanup
}

func (e *EnvInjector) profile() string {
	if e.Profile != "" {
		return e.Profile
	}
	return DefaultProfile
}

// AppendCommand is the remote command that moves the uploaded file into
// the profile.
func (e *EnvInjector) AppendCommand() string {
	profile := e.profile()
	if !strings.HasPrefix(profile, "~/") {
		profile = ShellQuote(profile)
	}
	return fmt.Sprintf("cat %s >> %s && rm %s", RemoteEnvPath, profile, RemoteEnvPath)
}

// InjectRemote delivers pairs to the instance at addr.
func (e *EnvInjector) InjectRemote(ctx context.Context, target FileTarget, sess *Session, addr string, pairs []EnvPair) error {
	content, err := Render(pairs)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(e.StagingDir, "spawn-env-*")
	if err != nil {
		return ErrInternal("failed to create env staging file").WithCause(err)
	}
	staging := f.Name()
	e.registry().Track(staging)
	defer os.Remove(staging)

	if err := f.Chmod(0600); err != nil {
		f.Close()
		return ErrInternal("failed to restrict env staging file").WithCause(err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return ErrInternal("failed to write env staging file").WithCause(err)
	}
	if err := f.Close(); err != nil {
		return ErrInternal("failed to write env staging file").WithCause(err)
	}

	if err := target.UploadFile(ctx, sess, addr, staging, RemoteEnvPath); err != nil {
		return ErrExecution("failed to upload environment").WithCause(err).WithOperation("upload_file")
	}
	if err := target.RunServer(ctx, sess, addr, e.AppendCommand()); err != nil {
		return ErrExecution("failed to install environment").WithCause(err).WithOperation("run_server")
	}
	sess.Logger().Debug("env injected", "pairs", len(pairs), "profile", e.profile())
	return nil
}

// InjectLocal is InjectRemote for backends whose instance has no address
// (local containers).
func (e *EnvInjector) InjectLocal(ctx context.Context, target FileTarget, sess *Session, pairs []EnvPair) error {
	return e.InjectRemote(ctx, target, sess, "", pairs)
}
