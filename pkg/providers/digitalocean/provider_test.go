package digitalocean

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anirudhbiyani/spawn/pkg/spawn"
)

const dropletDoc = `{
  "droplet": {
    "id": 3164494,
    "status": %q,
    "networks": {
      "v4": [
        {"ip_address": "10.128.0.2", "type": "private"},
        {"ip_address": %q, "type": "public"}
      ]
    }
  }
}`

type recorder struct {
	mu       sync.Mutex
	keys     map[string]bool
	requests []string
	created  createDropletRequest
	statuses []string
	polls    int
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req.Method+" "+req.URL.Path)

	if req.Header.Get("Authorization") != "Bearer good" {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"id":"Unauthorized","message":"Unable to authenticate you"}`))
		return
	}

	switch {
	case req.Method == http.MethodGet && req.URL.Path == "/account":
		w.Write([]byte(`{"account":{"status":"active"}}`))
	case req.Method == http.MethodGet && strings.HasPrefix(req.URL.Path, "/account/keys/"):
		if r.keys[strings.TrimPrefix(req.URL.Path, "/account/keys/")] {
			w.Write([]byte(`{"ssh_key":{"id":1}}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"id":"not_found","message":"The resource you were accessing could not be found."}`))
	case req.Method == http.MethodPost && req.URL.Path == "/account/keys":
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ssh_key":{"id":2}}`))
	case req.Method == http.MethodPost && req.URL.Path == "/droplets":
		json.NewDecoder(req.Body).Decode(&r.created)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"droplet":{"id":3164494,"status":"new"}}`))
	case req.Method == http.MethodGet && req.URL.Path == "/droplets/3164494":
		status := r.statuses[min(r.polls, len(r.statuses)-1)]
		r.polls++
		ip := ""
		if status == "active" {
			ip = "198.51.100.4"
		}
		fmt.Fprintf(w, dropletDoc, status, ip)
	case req.Method == http.MethodDelete && req.URL.Path == "/droplets/3164494":
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestProvider(t *testing.T) (*Provider, *recorder, *spawn.Session) {
	t.Helper()
	rec := &recorder{keys: map[string]bool{}, statuses: []string{"active"}}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	sess := spawn.NewSession("feedfacecafe", spawn.ProviderDigitalOcean, nil)
	sess.KeyPath = filepath.Join(t.TempDir(), "id_ed25519")
	sess.Secrets.Set(TokenEnv, "good")
	_, err := spawn.EnsureKeypair(sess.KeyPath)
	require.NoError(t, err)
	return New(WithBaseURL(srv.URL)), rec, sess
}

// Test token validation against /account
func TestValidateCredentials(t *testing.T) {
	p, _, sess := newTestProvider(t)
	assert.NoError(t, p.ValidateCredentials(context.Background(), sess))

	sess.Secrets.Set(TokenEnv, "expired")
	assert.ErrorContains(t, p.ValidateCredentials(context.Background(), sess), "Unable to authenticate you")
}

// Test key lookup by fingerprint and registration
func TestKeys(t *testing.T) {
	p, rec, sess := newTestProvider(t)
	ctx := context.Background()
	pub := spawn.PublicKeyPath(sess.KeyPath)
	fp, err := spawn.Fingerprint(pub)
	require.NoError(t, err)

	known, err := p.CheckKey(ctx, sess, fp, pub)
	require.NoError(t, err)
	assert.False(t, known)

	require.NoError(t, spawn.EnsureRegistered(ctx, p, sess, "digitalocean", sess.KeyPath))
	assert.Contains(t, rec.requests, "POST /account/keys")

	rec.keys[fp] = true
	known, err = p.CheckKey(ctx, sess, fp, pub)
	require.NoError(t, err)
	assert.True(t, known)
}

// Test droplet creation and polling to active
func TestCreateAndPoll(t *testing.T) {
	p, rec, sess := newTestProvider(t)
	rec.statuses = []string{"new", "new", "active"}
	sess.Params["size"] = "s-4vcpu-8gb"
	ctx := context.Background()

	inst, err := p.CreateServer(ctx, sess, "box")
	require.NoError(t, err)
	assert.Equal(t, "3164494", inst.ID)
	assert.Equal(t, "s-4vcpu-8gb", rec.created.Size)
	assert.Equal(t, defaultRegion, rec.created.Region)
	require.Len(t, rec.created.SSHKeys, 1)
	assert.Regexp(t, `^([0-9a-f]{2}:){15}[0-9a-f]{2}$`, rec.created.SSHKeys[0])

	spec := p.PollSpec(inst)
	spec.Interval = time.Millisecond
	fetch := func(ctx context.Context, endpoint string) ([]byte, error) {
		return p.FetchStatus(ctx, sess, endpoint)
	}
	got, err := spawn.WaitForInstance(ctx, nil, fetch, inst, spec)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.4", got.Address)
}

// Test that the public address is picked over the private one
func TestPollSpec_PublicAddress(t *testing.T) {
	spec := New().PollSpec(&spawn.Instance{ID: "1"})
	obs := spec.Extract([]byte(fmt.Sprintf(dropletDoc, "active", "198.51.100.4")))
	assert.Equal(t, "active", obs.Status)
	assert.Equal(t, "198.51.100.4", obs.Address)
}

// Test deletion
func TestDestroyServer(t *testing.T) {
	p, rec, sess := newTestProvider(t)
	require.NoError(t, p.DestroyServer(context.Background(), sess, &spawn.Instance{ID: "3164494"}))
	assert.Contains(t, rec.requests, "DELETE /droplets/3164494")
}
