package hetzner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/anirudhbiyani/spawn/pkg/spawn"
)

type fakeAPI struct {
	mu       sync.Mutex
	keys     map[string]int64 // fingerprint -> id
	created  []createServerRequest
	deleted  []string
	statuses []string
	polls    int
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer good" {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":{"code":"unauthorized","message":"unable to authenticate"}}`))
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("GET /servers", auth(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"servers":[]}`))
	}))
	mux.HandleFunc("GET /ssh_keys", auth(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if id, ok := f.keys[r.URL.Query().Get("fingerprint")]; ok {
			json.NewEncoder(w).Encode(map[string]any{"ssh_keys": []map[string]any{{"id": id}}})
			return
		}
		w.Write([]byte(`{"ssh_keys":[]}`))
	}))
	mux.HandleFunc("POST /ssh_keys", auth(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(body["public_key"]))
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		f.mu.Lock()
		f.keys[ssh.FingerprintLegacyMD5(key)] = 77
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ssh_key":{"id":77}}`))
	}))
	mux.HandleFunc("POST /servers", auth(func(w http.ResponseWriter, r *http.Request) {
		var req createServerRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.created = append(f.created, req)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"server":{"id":4242,"status":"initializing"}}`))
	}))
	mux.HandleFunc("GET /servers/{id}", auth(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		status := f.statuses[min(f.polls, len(f.statuses)-1)]
		f.polls++
		ip := ""
		if status == "running" {
			ip = "203.0.113.7"
		}
		json.NewEncoder(w).Encode(map[string]any{
			"server": map[string]any{
				"id":         r.PathValue("id"),
				"status":     status,
				"public_net": map[string]any{"ipv4": map[string]any{"ip": ip}},
			},
		})
	}))
	mux.HandleFunc("DELETE /servers/{id}", auth(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = append(f.deleted, r.PathValue("id"))
		f.mu.Unlock()
		w.Write([]byte(`{"action":{"id":1}}`))
	}))
	return mux
}

func setup(t *testing.T) (*Provider, *fakeAPI, *spawn.Session) {
	t.Helper()
	api := &fakeAPI{keys: map[string]int64{}, statuses: []string{"running"}}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	p := New(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	sess := spawn.NewSession("0123456789abcdef", spawn.ProviderHetzner, nil)
	sess.Agent = spawn.Agent{Name: "claude"}
	sess.KeyPath = filepath.Join(t.TempDir(), "id_ed25519")
	sess.Secrets.Set(TokenEnv, "good")
	_, err := spawn.EnsureKeypair(sess.KeyPath)
	require.NoError(t, err)
	return p, api, sess
}

// Test the provider identity
func TestProvider_Identity(t *testing.T) {
	p := New()
	assert.Equal(t, spawn.ProviderHetzner, p.Name())
	assert.True(t, p.HasCapability(spawn.CapabilitySSHKeys))
	assert.Equal(t, "hetzner.json", p.ConfigPath())
	require.Len(t, p.Credentials(), 1)
	assert.Equal(t, TokenEnv, p.Credentials()[0].EnvVar)

	var _ spawn.KeyRegistrar = p
	var _ spawn.Destroyer = p
}

// Test token validation
func TestValidateCredentials(t *testing.T) {
	p, _, sess := setup(t)
	require.NoError(t, p.ValidateCredentials(context.Background(), sess))

	sess.Secrets.Set(TokenEnv, "bad")
	err := p.ValidateCredentials(context.Background(), sess)
	assert.ErrorContains(t, err, "unable to authenticate")
}

// Test that a key is registered once and then found by fingerprint
func TestKeyRegistration(t *testing.T) {
	p, api, sess := setup(t)
	ctx := context.Background()

	require.NoError(t, spawn.EnsureRegistered(ctx, p, sess, "hetzner", sess.KeyPath))
	assert.Len(t, api.keys, 1)

	fp, err := spawn.Fingerprint(spawn.PublicKeyPath(sess.KeyPath))
	require.NoError(t, err)
	known, err := p.CheckKey(ctx, sess, fp, spawn.PublicKeyPath(sess.KeyPath))
	require.NoError(t, err)
	assert.True(t, known)

	require.NoError(t, spawn.EnsureRegistered(ctx, p, sess, "hetzner", sess.KeyPath))
	assert.Len(t, api.keys, 1)
}

// Test server creation defaults, params and the registered key
func TestCreateServer(t *testing.T) {
	p, api, sess := setup(t)
	ctx := context.Background()
	require.NoError(t, spawn.EnsureRegistered(ctx, p, sess, "hetzner", sess.KeyPath))
	sess.Params["location"] = "fsn1"

	inst, err := p.CreateServer(ctx, sess, p.ServerName(sess))
	require.NoError(t, err)
	assert.Equal(t, "4242", inst.ID)
	assert.Equal(t, "spawn-claude-01234567", inst.Name)
	assert.Equal(t, "fsn1", inst.Meta["location"])

	require.Len(t, api.created, 1)
	req := api.created[0]
	assert.Equal(t, defaultServerType, req.ServerType)
	assert.Equal(t, defaultImage, req.Image)
	assert.Equal(t, "fsn1", req.Location)
	assert.Equal(t, []int64{77}, req.SSHKeys)
}

// Test that polling reads status and address out of the server document
func TestPollUntilRunning(t *testing.T) {
	p, api, sess := setup(t)
	api.statuses = []string{"initializing", "starting", "running"}
	inst := &spawn.Instance{ID: "4242", Name: "box"}

	spec := p.PollSpec(inst)
	spec.Interval = time.Millisecond
	fetch := func(ctx context.Context, endpoint string) ([]byte, error) {
		return p.FetchStatus(ctx, sess, endpoint)
	}
	got, err := spawn.WaitForInstance(context.Background(), nil, fetch, inst, spec)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", got.Address)
	assert.Equal(t, "running", got.Status)
	assert.Equal(t, 3, api.polls)
}

// Test deletion
func TestDestroyServer(t *testing.T) {
	p, api, sess := setup(t)
	require.NoError(t, p.DestroyServer(context.Background(), sess, &spawn.Instance{ID: "4242"}))
	assert.Equal(t, []string{"4242"}, api.deleted)

	sess.Secrets.Set(TokenEnv, "bad")
	err := p.DestroyServer(context.Background(), sess, &spawn.Instance{ID: "4242"})
	assert.True(t, spawn.IsCategory(err, spawn.ErrCategoryExecution))
}

// Test registration in the default registry
func TestRegistered(t *testing.T) {
	b, err := spawn.DefaultRegistry.Get(spawn.ProviderHetzner)
	require.NoError(t, err)
	assert.Equal(t, spawn.ProviderHetzner, b.Name())
}
