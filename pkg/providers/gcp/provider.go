// Package gcp provides the Google Compute Engine backend.
package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/api/compute/v1"
	"google.golang.org/api/option"

	"github.com/anirudhbiyani/spawn/pkg/spawn"
)

const (
	// ProjectEnv and CredentialsEnv are the credential variables.
	ProjectEnv     = "GCP_PROJECT"
	CredentialsEnv = "GOOGLE_APPLICATION_CREDENTIALS"

	defaultZone        = "us-central1-a"
	defaultMachineType = "e2-standard-2"
	defaultImage       = "projects/ubuntu-os-cloud/global/images/family/ubuntu-2404-lts-amd64"
	defaultDiskGB      = 30
)

// ComputeClient abstracts the Compute Engine operations the backend uses.
type ComputeClient interface {
	// GetProject fails if the project is not accessible.
	GetProject(ctx context.Context, project string) error
	InsertInstance(ctx context.Context, project, zone string, inst *compute.Instance) error
	GetInstance(ctx context.Context, project, zone, name string) (*compute.Instance, error)
	DeleteInstance(ctx context.Context, project, zone, name string) error
}

type computeService struct {
	svc *compute.Service
}

func (c *computeService) GetProject(ctx context.Context, project string) error {
	_, err := c.svc.Projects.Get(project).Context(ctx).Do()
	return err
}

func (c *computeService) InsertInstance(ctx context.Context, project, zone string, inst *compute.Instance) error {
	_, err := c.svc.Instances.Insert(project, zone, inst).Context(ctx).Do()
	return err
}

func (c *computeService) GetInstance(ctx context.Context, project, zone, name string) (*compute.Instance, error) {
	return c.svc.Instances.Get(project, zone, name).Context(ctx).Do()
}

func (c *computeService) DeleteInstance(ctx context.Context, project, zone, name string) error {
	_, err := c.svc.Instances.Delete(project, zone, name).Context(ctx).Do()
	return err
}

// Provider implements spawn.Backend for Google Compute Engine.
type Provider struct {
	spawn.BaseBackend
	spawn.SSHTransport

	client ComputeClient
}

// ProviderOption configures the Provider.
type ProviderOption func(*Provider)

// WithComputeClient sets a fixed client instead of one built from the
// session's key file.
func WithComputeClient(client ComputeClient) ProviderOption {
	return func(p *Provider) {
		p.client = client
	}
}

// New creates a new GCP provider.
func New(opts ...ProviderOption) *Provider {
	p := &Provider{
		BaseBackend: spawn.BaseBackend{
			Provider: spawn.ProviderGCP,
			Caps: []spawn.Capability{
				spawn.CapabilityCreate,
				spawn.CapabilityDestroy,
				spawn.CapabilityInteractive,
			},
			Creds: []spawn.CredentialSpec{
				{EnvVar: ProjectEnv, ConfigField: "project", AltConfigField: "project_id", Label: "GCP project ID"},
				{EnvVar: CredentialsEnv, ConfigField: "credentials_file", Label: "service account key file"},
			},
		},
		SSHTransport: spawn.SSHTransport{User: "spawn"},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) computeFor(ctx context.Context, sess *spawn.Session) (ComputeClient, error) {
	if p.client != nil {
		return p.client, nil
	}
	keyFile := spawn.ExpandHome(sess.Secret(CredentialsEnv))
	svc, err := compute.NewService(ctx, option.WithCredentialsFile(keyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create compute client: %w", err)
	}
	return &computeService{svc: svc}, nil
}

// ValidateCredentials implements spawn.Backend.
func (p *Provider) ValidateCredentials(ctx context.Context, sess *spawn.Session) error {
	client, err := p.computeFor(ctx, sess)
	if err != nil {
		return err
	}
	project := sess.Secret(ProjectEnv)
	if err := client.GetProject(ctx, project); err != nil {
		return fmt.Errorf("cannot access project %s: %w", project, err)
	}
	return nil
}

// sshKeysItem renders the instance metadata entry that authorizes the
// session's key for the login user.
func (p *Provider) sshKeysItem(sess *spawn.Session) (*compute.MetadataItems, error) {
	_, authorized, err := spawn.ReadPublicKey(spawn.PublicKeyPath(sess.KeyPath))
	if err != nil {
		return nil, err
	}
	user := sess.User(p.User)
	value := user + ":" + authorized
	return &compute.MetadataItems{Key: "ssh-keys", Value: &value}, nil
}

// CreateServer implements spawn.Backend. The instance ID is its name.
func (p *Provider) CreateServer(ctx context.Context, sess *spawn.Session, name string) (*spawn.Instance, error) {
	client, err := p.computeFor(ctx, sess)
	if err != nil {
		return nil, spawn.ErrExecution("failed to build compute client").WithCause(err)
	}
	project := sess.Secret(ProjectEnv)
	zone := sess.Param("zone", defaultZone)
	machineType := sess.Param("machine_type", defaultMachineType)

	keys, err := p.sshKeysItem(sess)
	if err != nil {
		return nil, spawn.ErrRegistration("failed to read SSH public key").WithCause(err)
	}

	inst := &compute.Instance{
		Name:        name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", zone, machineType),
		Disks: []*compute.AttachedDisk{{
			Boot:       true,
			AutoDelete: true,
			InitializeParams: &compute.AttachedDiskInitializeParams{
				SourceImage: sess.Param("image", defaultImage),
				DiskSizeGb:  defaultDiskGB,
			},
		}},
		NetworkInterfaces: []*compute.NetworkInterface{{
			Network: "global/networks/default",
			AccessConfigs: []*compute.AccessConfig{{
				Name: "External NAT",
				Type: "ONE_TO_ONE_NAT",
			}},
		}},
		Metadata: &compute.Metadata{Items: []*compute.MetadataItems{keys}},
		Labels:   map[string]string{"managed-by": "spawn"},
	}

	if err := client.InsertInstance(ctx, project, zone, inst); err != nil {
		sess.Logger().Diagnostic(spawn.Diagnostic{
			Header: fmt.Sprintf("Failed to create GCE instance %s in %s", name, zone),
			Causes: []string{
				"The Compute Engine API is not enabled for the project",
				"The machine type is not offered in the zone",
				"The service account lacks compute.instances.create",
			},
			Fixes: []string{
				fmt.Sprintf("Enable the API: https://console.cloud.google.com/apis/library/compute.googleapis.com?project=%s", project),
				"Set zone or machine_type in the run file",
			},
		})
		return nil, spawn.ErrExecution("failed to create instance").WithCause(err).WithOperation("create")
	}

	return &spawn.Instance{
		ID:   name,
		Name: name,
		Meta: map[string]string{
			"project":      project,
			"zone":         zone,
			"machine_type": machineType,
		},
	}, nil
}

// PollSpec implements spawn.Backend. The endpoint is
// "<project>/<zone>/<name>".
func (p *Provider) PollSpec(inst *spawn.Instance) spawn.PollSpec {
	return spawn.PollSpec{
		Endpoint:     strings.Join([]string{inst.Meta["project"], inst.Meta["zone"], inst.ID}, "/"),
		TargetStatus: "RUNNING",
		StatusPath:   "status",
		AddressPath:  "networkInterfaces.0.accessConfigs.0.natIP",
	}
}

// FetchStatus implements spawn.Backend.
func (p *Provider) FetchStatus(ctx context.Context, sess *spawn.Session, endpoint string) ([]byte, error) {
	parts := strings.SplitN(endpoint, "/", 3)
	if len(parts) != 3 {
		return nil, spawn.ErrValidation(fmt.Sprintf("malformed status endpoint %q", endpoint))
	}
	client, err := p.computeFor(ctx, sess)
	if err != nil {
		return nil, err
	}
	inst, err := client.GetInstance(ctx, parts[0], parts[1], parts[2])
	if err != nil {
		return nil, err
	}
	return json.Marshal(inst)
}

// DestroyServer implements spawn.Destroyer.
func (p *Provider) DestroyServer(ctx context.Context, sess *spawn.Session, inst *spawn.Instance) error {
	client, err := p.computeFor(ctx, sess)
	if err != nil {
		return err
	}
	project := inst.Meta["project"]
	if project == "" {
		project = sess.Secret(ProjectEnv)
	}
	zone := inst.Meta["zone"]
	if zone == "" {
		zone = defaultZone
	}
	if err := client.DeleteInstance(ctx, project, zone, inst.ID); err != nil {
		return spawn.ErrExecution(fmt.Sprintf("failed to delete instance %s", inst.ID)).WithCause(err).WithOperation("destroy")
	}
	return nil
}

func init() {
	spawn.MustRegister(New())
}
