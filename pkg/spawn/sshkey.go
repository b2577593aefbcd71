package spawn

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// KeyComment is the comment embedded in generated keys.
const KeyComment = "spawn"

// KeyRegistrar is implemented by backends that keep SSH public keys on the
// provider side.
type KeyRegistrar interface {
	// CheckKey reports whether a key with the given MD5 fingerprint is
	// already registered.
	CheckKey(ctx context.Context, sess *Session, fingerprint, pubKeyPath string) (bool, error)

	// RegisterKey uploads the public key under name.
	RegisterKey(ctx context.Context, sess *Session, name, pubKeyPath string) error
}

// DefaultKeyPath returns ~/.ssh/id_ed25519.
func DefaultKeyPath() string {
	return ExpandHome("~/.ssh/id_ed25519")
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// PublicKeyPath returns the .pub companion of a private key path.
func PublicKeyPath(privPath string) string {
	return privPath + ".pub"
}

// EnsureKeypair generates an unencrypted Ed25519 keypair at path unless one
// already exists. Existing files are never overwritten; a missing .pub next
// to an existing private key is derived from it. It reports whether a new
// private key was written.
func EnsureKeypair(path string) (bool, error) {
	pubPath := PublicKeyPath(path)

	if _, err := os.Stat(path); err == nil {
		if _, err := os.Stat(pubPath); errors.Is(err, fs.ErrNotExist) {
			signer, err := LoadSigner(path)
			if err != nil {
				return false, err
			}
			if err := writeNew(pubPath, ssh.MarshalAuthorizedKey(signer.PublicKey()), 0644); err != nil {
				return false, err
			}
		}
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return false, fmt.Errorf("failed to create key directory: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, KeyComment)
	if err != nil {
		return false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return false, fmt.Errorf("failed to create ssh public key: %w", err)
	}

	if err := writeNew(path, pem.EncodeToMemory(block), 0600); err != nil {
		return false, err
	}
	authorized := strings.TrimSuffix(string(ssh.MarshalAuthorizedKey(sshPub)), "\n") + " " + KeyComment + "\n"
	if err := writeNew(pubPath, []byte(authorized), 0644); err != nil {
		return false, err
	}
	return true, nil
}

// writeNew creates path exclusively.
func writeNew(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// LoadSigner parses an unencrypted private key file.
func LoadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
	}
	return signer, nil
}

// ReadPublicKey parses an authorized_keys-format public key file.
func ReadPublicKey(pubKeyPath string) (ssh.PublicKey, string, error) {
	data, err := os.ReadFile(pubKeyPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read public key: %w", err)
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse public key %s: %w", pubKeyPath, err)
	}
	return key, strings.TrimSpace(string(data)), nil
}

// Fingerprint returns the MD5 colon-hex fingerprint of a public key file,
// the form the Hetzner and DigitalOcean key APIs index by.
func Fingerprint(pubKeyPath string) (string, error) {
	key, _, err := ReadPublicKey(pubKeyPath)
	if err != nil {
		return "", err
	}
	return ssh.FingerprintLegacyMD5(key), nil
}

// FingerprintSHA256 returns the "SHA256:..." fingerprint of a public key file.
func FingerprintSHA256(pubKeyPath string) (string, error) {
	key, _, err := ReadPublicKey(pubKeyPath)
	if err != nil {
		return "", err
	}
	return ssh.FingerprintSHA256(key), nil
}

// KeyName returns a unique registration name.
func KeyName() string {
	return "spawn-" + uuid.NewString()[:8]
}

// EnsureRegistered makes sure the public key next to keyPath is registered
// with the provider.
func EnsureRegistered(ctx context.Context, registrar KeyRegistrar, sess *Session, label, keyPath string) error {
	log := sess.Logger()
	pubPath := PublicKeyPath(keyPath)

	fp, err := Fingerprint(pubPath)
	if err != nil {
		return ErrRegistration("cannot fingerprint SSH key").WithCause(err)
	}

	known, err := registrar.CheckKey(ctx, sess, fp, pubPath)
	if err != nil {
		return ErrRegistration(fmt.Sprintf("failed to look up SSH key on %s", label)).WithCause(err)
	}
	if known {
		log.Info("SSH key already registered with %s", label)
		log.Debug("ssh key known", "fingerprint", fp)
		return nil
	}

	name := KeyName()
	log.Info("Registering SSH key with %s as %s", label, name)
	if err := registrar.RegisterKey(ctx, sess, name, pubPath); err != nil {
		log.Diagnostic(Diagnostic{
			Header: fmt.Sprintf("Failed to register SSH key with %s", label),
			Causes: []string{
				"The key is already registered under a different name",
				"The API token lacks write permission",
				"The public key file is malformed",
			},
			Fixes: []string{
				fmt.Sprintf("Check the provider console for a key with fingerprint %s", fp),
				"Use a token with read/write scope",
				fmt.Sprintf("Regenerate the key by removing %s and %s", keyPath, pubPath),
			},
		})
		return ErrRegistration(fmt.Sprintf("failed to register SSH key with %s", label)).
			WithCause(err).
			WithDetail("fingerprint", fp)
	}
	return nil
}
