package spawn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var md5Fingerprint = regexp.MustCompile(`^([0-9a-f]{2}:){15}[0-9a-f]{2}$`)

type mockRegistrar struct {
	mock.Mock
}

func (m *mockRegistrar) CheckKey(ctx context.Context, sess *Session, fingerprint, pubKeyPath string) (bool, error) {
	args := m.Called(fingerprint, pubKeyPath)
	return args.Bool(0), args.Error(1)
}

func (m *mockRegistrar) RegisterKey(ctx context.Context, sess *Session, name, pubKeyPath string) error {
	return m.Called(name, pubKeyPath).Error(0)
}

// Test that EnsureKeypair creates a key once and never overwrites it
func TestEnsureKeypair_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh", "id_ed25519")

	created, err := EnsureKeypair(path)
	require.NoError(t, err)
	assert.True(t, created)

	priv1, err := os.ReadFile(path)
	require.NoError(t, err)
	pub1, err := os.ReadFile(PublicKeyPath(path))
	require.NoError(t, err)
	assert.Contains(t, string(priv1), "OPENSSH PRIVATE KEY")
	assert.Regexp(t, `^ssh-ed25519 \S+ spawn\n$`, string(pub1))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	created, err = EnsureKeypair(path)
	require.NoError(t, err)
	assert.False(t, created)

	priv2, err := os.ReadFile(path)
	require.NoError(t, err)
	pub2, err := os.ReadFile(PublicKeyPath(path))
	require.NoError(t, err)
	assert.Equal(t, priv1, priv2)
	assert.Equal(t, pub1, pub2)
}

// Test that a missing public half is derived from the existing private key
func TestEnsureKeypair_RestoresPublicKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_ed25519")
	_, err := EnsureKeypair(path)
	require.NoError(t, err)

	fp1, err := Fingerprint(PublicKeyPath(path))
	require.NoError(t, err)
	require.NoError(t, os.Remove(PublicKeyPath(path)))

	created, err := EnsureKeypair(path)
	require.NoError(t, err)
	assert.False(t, created)

	fp2, err := Fingerprint(PublicKeyPath(path))
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
}

// Test fingerprint stability and distinctness
func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	_, err := EnsureKeypair(a)
	require.NoError(t, err)
	_, err = EnsureKeypair(b)
	require.NoError(t, err)

	fa1, err := Fingerprint(PublicKeyPath(a))
	require.NoError(t, err)
	fa2, err := Fingerprint(PublicKeyPath(a))
	require.NoError(t, err)
	fb, err := Fingerprint(PublicKeyPath(b))
	require.NoError(t, err)

	assert.Equal(t, fa1, fa2)
	assert.NotEqual(t, fa1, fb)
	assert.Regexp(t, md5Fingerprint, fa1)

	sha, err := FingerprintSHA256(PublicKeyPath(a))
	require.NoError(t, err)
	assert.Regexp(t, `^SHA256:`, sha)
}

// Test that Fingerprint rejects garbage
func TestFingerprint_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pub")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0644))
	_, err := Fingerprint(path)
	assert.Error(t, err)
}

func newKeyedSession(t *testing.T) (*Session, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "id_ed25519")
	_, err := EnsureKeypair(path)
	require.NoError(t, err)
	sess := NewSession("test-run", ProviderHetzner, nil)
	sess.KeyPath = path
	return sess, path
}

// Test that a known key is not registered again
func TestEnsureRegistered_Known(t *testing.T) {
	sess, path := newKeyedSession(t)
	fp, err := Fingerprint(PublicKeyPath(path))
	require.NoError(t, err)

	reg := new(mockRegistrar)
	reg.On("CheckKey", fp, PublicKeyPath(path)).Return(true, nil)

	require.NoError(t, EnsureRegistered(context.Background(), reg, sess, "hetzner", path))
	reg.AssertExpectations(t)
	reg.AssertNotCalled(t, "RegisterKey", mock.Anything, mock.Anything)
}

// Test that an unknown key is registered under a unique spawn- name
func TestEnsureRegistered_Registers(t *testing.T) {
	sess, path := newKeyedSession(t)

	reg := new(mockRegistrar)
	reg.On("CheckKey", mock.Anything, PublicKeyPath(path)).Return(false, nil)
	reg.On("RegisterKey", mock.MatchedBy(func(name string) bool {
		return regexp.MustCompile(`^spawn-[0-9a-f]{8}$`).MatchString(name)
	}), PublicKeyPath(path)).Return(nil)

	require.NoError(t, EnsureRegistered(context.Background(), reg, sess, "hetzner", path))
	reg.AssertExpectations(t)
}

// Test that a provider rejection is a registration error
func TestEnsureRegistered_Rejected(t *testing.T) {
	sess, path := newKeyedSession(t)

	reg := new(mockRegistrar)
	reg.On("CheckKey", mock.Anything, mock.Anything).Return(false, nil)
	reg.On("RegisterKey", mock.Anything, mock.Anything).Return(errors.New("422 uniqueness_error"))

	err := EnsureRegistered(context.Background(), reg, sess, "hetzner", path)
	require.Error(t, err)
	assert.True(t, IsCategory(err, ErrCategoryRegistration))
}

// Test that a failed lookup is a registration error
func TestEnsureRegistered_CheckFails(t *testing.T) {
	sess, path := newKeyedSession(t)

	reg := new(mockRegistrar)
	reg.On("CheckKey", mock.Anything, mock.Anything).Return(false, errors.New("timeout"))

	err := EnsureRegistered(context.Background(), reg, sess, "hetzner", path)
	require.Error(t, err)
	assert.True(t, IsCategory(err, ErrCategoryRegistration))
	reg.AssertNotCalled(t, "RegisterKey", mock.Anything, mock.Anything)
}

// Test unique registration names
func TestKeyName(t *testing.T) {
	a, b := KeyName(), KeyName()
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^spawn-[0-9a-f]{8}$`, a)
}
