// Package hetzner provides the Hetzner Cloud backend.
package hetzner

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/anirudhbiyani/spawn/internal/restapi"
	"github.com/anirudhbiyani/spawn/pkg/spawn"
)

const (
	// DefaultBaseURL is the Hetzner Cloud API root.
	DefaultBaseURL = "https://api.hetzner.cloud/v1"

	// TokenEnv is the credential variable.
	TokenEnv = "HCLOUD_TOKEN"

	defaultServerType = "cx22"
	defaultImage      = "ubuntu-24.04"
	defaultLocation   = "nbg1"
)

// Provider implements spawn.Backend for Hetzner Cloud.
type Provider struct {
	spawn.BaseBackend
	spawn.SSHTransport

	baseURL    string
	httpClient *http.Client
}

// ProviderOption configures the Provider.
type ProviderOption func(*Provider)

// WithBaseURL points the provider at a different API root.
func WithBaseURL(u string) ProviderOption {
	return func(p *Provider) {
		p.baseURL = u
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// New creates a new Hetzner provider.
func New(opts ...ProviderOption) *Provider {
	p := &Provider{
		BaseBackend: spawn.BaseBackend{
			Provider: spawn.ProviderHetzner,
			Caps: []spawn.Capability{
				spawn.CapabilityCreate,
				spawn.CapabilityDestroy,
				spawn.CapabilitySSHKeys,
				spawn.CapabilityInteractive,
			},
			Creds: []spawn.CredentialSpec{
				spawn.SingleCredential(TokenEnv, "Hetzner Cloud API token"),
			},
		},
		SSHTransport: spawn.SSHTransport{User: "root"},
		baseURL:      DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) api(sess *spawn.Session) *restapi.Client {
	return restapi.New(p.baseURL, sess.Secret(TokenEnv), p.httpClient)
}

// ValidateCredentials implements spawn.Backend.
func (p *Provider) ValidateCredentials(ctx context.Context, sess *spawn.Session) error {
	_, err := p.api(sess).Get(ctx, "/servers?per_page=1")
	return err
}

// CheckKey implements spawn.KeyRegistrar.
func (p *Provider) CheckKey(ctx context.Context, sess *spawn.Session, fingerprint, _ string) (bool, error) {
	id, err := p.keyID(ctx, sess, fingerprint)
	return id != 0, err
}

func (p *Provider) keyID(ctx context.Context, sess *spawn.Session, fingerprint string) (int64, error) {
	body, err := p.api(sess).Get(ctx, "/ssh_keys?fingerprint="+url.QueryEscape(fingerprint))
	if err != nil {
		return 0, err
	}
	return gjson.GetBytes(body, "ssh_keys.0.id").Int(), nil
}

// RegisterKey implements spawn.KeyRegistrar.
func (p *Provider) RegisterKey(ctx context.Context, sess *spawn.Session, name, pubKeyPath string) error {
	_, authorized, err := spawn.ReadPublicKey(pubKeyPath)
	if err != nil {
		return err
	}
	_, err = p.api(sess).Post(ctx, "/ssh_keys", map[string]string{
		"name":       name,
		"public_key": authorized,
	})
	return err
}

type createServerRequest struct {
	Name       string            `json:"name"`
	ServerType string            `json:"server_type"`
	Image      string            `json:"image"`
	Location   string            `json:"location"`
	SSHKeys    []int64           `json:"ssh_keys,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// CreateServer implements spawn.Backend.
func (p *Provider) CreateServer(ctx context.Context, sess *spawn.Session, name string) (*spawn.Instance, error) {
	req := createServerRequest{
		Name:       name,
		ServerType: sess.Param("server_type", defaultServerType),
		Image:      sess.Param("image", defaultImage),
		Location:   sess.Param("location", defaultLocation),
		Labels:     map[string]string{"managed-by": "spawn", "agent": sess.Agent.Name},
	}
	if fp, err := spawn.Fingerprint(spawn.PublicKeyPath(sess.KeyPath)); err == nil {
		if id, err := p.keyID(ctx, sess, fp); err == nil && id != 0 {
			req.SSHKeys = []int64{id}
		}
	}

	body, err := p.api(sess).Post(ctx, "/servers", req)
	if err != nil {
		sess.Logger().Diagnostic(spawn.Diagnostic{
			Header: fmt.Sprintf("Failed to create Hetzner server %s", name),
			Causes: []string{
				"The server type is not available in the location",
				"The project has reached its server limit",
				"The API token is read-only",
			},
			Fixes: []string{
				"Pick another server_type or location in the run file",
				"Check the project limits in the Hetzner console",
			},
		})
		return nil, spawn.ErrExecution("failed to create server").WithCause(err).WithOperation("create")
	}

	id := gjson.GetBytes(body, "server.id").Int()
	if id == 0 {
		return nil, spawn.ErrExecution("create response carried no server id").WithOperation("create")
	}
	return &spawn.Instance{
		ID:   strconv.FormatInt(id, 10),
		Name: name,
		Meta: map[string]string{
			"location":    req.Location,
			"server_type": req.ServerType,
		},
	}, nil
}

// PollSpec implements spawn.Backend.
func (p *Provider) PollSpec(inst *spawn.Instance) spawn.PollSpec {
	return spawn.PollSpec{
		Endpoint:     "/servers/" + inst.ID,
		TargetStatus: "running",
		StatusPath:   "server.status",
		AddressPath:  "server.public_net.ipv4.ip",
	}
}

// FetchStatus implements spawn.Backend.
func (p *Provider) FetchStatus(ctx context.Context, sess *spawn.Session, endpoint string) ([]byte, error) {
	return p.api(sess).Get(ctx, endpoint)
}

// DestroyServer implements spawn.Destroyer.
func (p *Provider) DestroyServer(ctx context.Context, sess *spawn.Session, inst *spawn.Instance) error {
	if err := p.api(sess).Delete(ctx, "/servers/"+inst.ID); err != nil {
		return spawn.ErrExecution(fmt.Sprintf("failed to delete server %s", inst.ID)).WithCause(err).WithOperation("destroy")
	}
	return nil
}

func init() {
	spawn.MustRegister(New())
}
