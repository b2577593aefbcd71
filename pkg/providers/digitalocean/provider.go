// Package digitalocean provides the DigitalOcean droplet backend.
package digitalocean

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
	// DefaultBaseURL is the DigitalOcean API root.
	DefaultBaseURL = "https://api.digitalocean.com/v2"

	// TokenEnv is the credential variable.
	TokenEnv = "DO_API_TOKEN"

	defaultRegion = "nyc3"
	defaultSize   = "s-2vcpu-2gb"
	defaultImage  = "ubuntu-24-04-x64"
)

// Provider implements spawn.Backend for DigitalOcean.
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

// New creates a new DigitalOcean provider.
func New(opts ...ProviderOption) *Provider {
	p := &Provider{
		BaseBackend: spawn.BaseBackend{
			Provider: spawn.ProviderDigitalOcean,
			Caps: []spawn.Capability{
				spawn.CapabilityCreate,
				spawn.CapabilityDestroy,
				spawn.CapabilitySSHKeys,
				spawn.CapabilityInteractive,
			},
			Creds: []spawn.CredentialSpec{
				spawn.SingleCredential(TokenEnv, "DigitalOcean API token"),
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
	_, err := p.api(sess).Get(ctx, "/account")
	return err
}

// CheckKey implements spawn.KeyRegistrar. Keys are addressable by their
// MD5 fingerprint.
func (p *Provider) CheckKey(ctx context.Context, sess *spawn.Session, fingerprint, _ string) (bool, error) {
	_, err := p.api(sess).Get(ctx, "/account/keys/"+url.PathEscape(fingerprint))
	switch {
	case err == nil:
		return true, nil
	case restapi.IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// RegisterKey implements spawn.KeyRegistrar.
func (p *Provider) RegisterKey(ctx context.Context, sess *spawn.Session, name, pubKeyPath string) error {
	_, authorized, err := spawn.ReadPublicKey(pubKeyPath)
	if err != nil {
		return err
	}
	_, err = p.api(sess).Post(ctx, "/account/keys", map[string]string{
		"name":       name,
		"public_key": authorized,
	})
	return err
}

type createDropletRequest struct {
	Name    string   `json:"name"`
	Region  string   `json:"region"`
	Size    string   `json:"size"`
	Image   string   `json:"image"`
	SSHKeys []string `json:"ssh_keys,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// CreateServer implements spawn.Backend.
func (p *Provider) CreateServer(ctx context.Context, sess *spawn.Session, name string) (*spawn.Instance, error) {
	req := createDropletRequest{
		Name:   name,
		Region: sess.Param("region", defaultRegion),
		Size:   sess.Param("size", defaultSize),
		Image:  sess.Param("image", defaultImage),
		Tags:   []string{"spawn"},
	}
	if fp, err := spawn.Fingerprint(spawn.PublicKeyPath(sess.KeyPath)); err == nil {
		req.SSHKeys = []string{fp}
	}

	body, err := p.api(sess).Post(ctx, "/droplets", req)
	if err != nil {
		sess.Logger().Diagnostic(spawn.Diagnostic{
			Header: fmt.Sprintf("Failed to create droplet %s", name),
			Causes: []string{
				"The size is not offered in the region",
				"The account droplet limit has been reached",
				"The API token lacks write scope",
			},
			Fixes: []string{
				"Pick another size or region in the run file",
				"Check the droplet limit at https://cloud.digitalocean.com/account/team",
			},
		})
		return nil, spawn.ErrExecution("failed to create droplet").WithCause(err).WithOperation("create")
	}

	id := gjson.GetBytes(body, "droplet.id").Int()
	if id == 0 {
		return nil, spawn.ErrExecution("create response carried no droplet id").WithOperation("create")
	}
	return &spawn.Instance{
		ID:   strconv.FormatInt(id, 10),
		Name: name,
		Meta: map[string]string{
			"region": req.Region,
			"size":   req.Size,
		},
	}, nil
}

// PollSpec implements spawn.Backend.
func (p *Provider) PollSpec(inst *spawn.Instance) spawn.PollSpec {
	return spawn.PollSpec{
		Endpoint:     "/droplets/" + inst.ID,
		TargetStatus: "active",
		StatusPath:   "droplet.status",
		AddressPath:  `droplet.networks.v4.#(type=="public").ip_address`,
	}
}

// FetchStatus implements spawn.Backend.
func (p *Provider) FetchStatus(ctx context.Context, sess *spawn.Session, endpoint string) ([]byte, error) {
	return p.api(sess).Get(ctx, endpoint)
}

// DestroyServer implements spawn.Destroyer.
func (p *Provider) DestroyServer(ctx context.Context, sess *spawn.Session, inst *spawn.Instance) error {
	if err := p.api(sess).Delete(ctx, "/droplets/"+inst.ID); err != nil {
		return spawn.ErrExecution(fmt.Sprintf("failed to delete droplet %s", inst.ID)).WithCause(err).WithOperation("destroy")
	}
	return nil
}

func init() {
	spawn.MustRegister(New())
}
