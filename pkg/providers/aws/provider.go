// Package aws provides the AWS EC2 backend.
package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/anirudhbiyani/spawn/pkg/spawn"
)

const (
	// AccessKeyEnv and SecretKeyEnv are the credential variables.
	AccessKeyEnv = "AWS_ACCESS_KEY_ID"
	SecretKeyEnv = "AWS_SECRET_ACCESS_KEY"

	defaultRegion       = "us-east-1"
	defaultInstanceType = "t3.medium"

	// canonicalOwner publishes the Ubuntu images.
	canonicalOwner = "099720109477"
	ubuntuImage    = "ubuntu/images/hvm-ssd-gp3/ubuntu-noble-24.04-amd64-server-*"

	fingerprintTag = "spawn-fingerprint"
)

// EC2Client abstracts the EC2 operations the backend uses.
type EC2Client interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DescribeKeyPairs(ctx context.Context, in *ec2.DescribeKeyPairsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error)
	ImportKeyPair(ctx context.Context, in *ec2.ImportKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error)
}

// STSClient abstracts the STS call used to validate credentials.
type STSClient interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Provider implements spawn.Backend for AWS EC2.
type Provider struct {
	spawn.BaseBackend
	spawn.SSHTransport

	ec2Client EC2Client
	stsClient STSClient
}

// ProviderOption configures the Provider.
type ProviderOption func(*Provider)

// WithEC2Client sets a fixed EC2 client instead of one built from the
// session's credentials.
func WithEC2Client(client EC2Client) ProviderOption {
	return func(p *Provider) {
		p.ec2Client = client
	}
}

// WithSTSClient sets a fixed STS client.
func WithSTSClient(client STSClient) ProviderOption {
	return func(p *Provider) {
		p.stsClient = client
	}
}

// New creates a new AWS provider.
func New(opts ...ProviderOption) *Provider {
	p := &Provider{
		BaseBackend: spawn.BaseBackend{
			Provider: spawn.ProviderAWS,
			Caps: []spawn.Capability{
				spawn.CapabilityCreate,
				spawn.CapabilityDestroy,
				spawn.CapabilitySSHKeys,
				spawn.CapabilityInteractive,
			},
			Creds: []spawn.CredentialSpec{
				{EnvVar: AccessKeyEnv, ConfigField: "access_key_id", Label: "AWS access key ID"},
				{EnvVar: SecretKeyEnv, ConfigField: "secret_access_key", Label: "AWS secret access key"},
			},
		},
		SSHTransport: spawn.SSHTransport{User: "ubuntu"},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) loadConfig(ctx context.Context, sess *spawn.Session, region string) (aws.Config, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			sess.Secret(AccessKeyEnv), sess.Secret(SecretKeyEnv), "")),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

func (p *Provider) ec2For(ctx context.Context, sess *spawn.Session, region string) (EC2Client, error) {
	if p.ec2Client != nil {
		return p.ec2Client, nil
	}
	cfg, err := p.loadConfig(ctx, sess, region)
	if err != nil {
		return nil, err
	}
	return ec2.NewFromConfig(cfg), nil
}

func (p *Provider) stsFor(ctx context.Context, sess *spawn.Session) (STSClient, error) {
	if p.stsClient != nil {
		return p.stsClient, nil
	}
	cfg, err := p.loadConfig(ctx, sess, region(sess, nil))
	if err != nil {
		return nil, err
	}
	return sts.NewFromConfig(cfg), nil
}

// region prefers the instance's recorded region over the run's params.
func region(sess *spawn.Session, inst *spawn.Instance) string {
	if inst != nil && inst.Meta["region"] != "" {
		return inst.Meta["region"]
	}
	return sess.Param("region", defaultRegion)
}

// ValidateCredentials implements spawn.Backend.
func (p *Provider) ValidateCredentials(ctx context.Context, sess *spawn.Session) error {
	client, err := p.stsFor(ctx, sess)
	if err != nil {
		return err
	}
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return fmt.Errorf("failed to get caller identity: %w", err)
	}
	sess.Logger().Debug("aws identity", "account", aws.ToString(out.Account), "arn", aws.ToString(out.Arn))
	return nil
}

func (p *Provider) keyName(ctx context.Context, sess *spawn.Session, fingerprint string) (string, error) {
	client, err := p.ec2For(ctx, sess, region(sess, nil))
	if err != nil {
		return "", err
	}
	out, err := client.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + fingerprintTag), Values: []string{fingerprint}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe key pairs: %w", err)
	}
	if len(out.KeyPairs) == 0 {
		return "", nil
	}
	return aws.ToString(out.KeyPairs[0].KeyName), nil
}

// CheckKey implements spawn.KeyRegistrar. Imported keys are tagged with
// the local MD5 fingerprint since EC2 fingerprints ed25519 keys
// differently.
func (p *Provider) CheckKey(ctx context.Context, sess *spawn.Session, fingerprint, _ string) (bool, error) {
	name, err := p.keyName(ctx, sess, fingerprint)
	return name != "", err
}

// RegisterKey implements spawn.KeyRegistrar.
func (p *Provider) RegisterKey(ctx context.Context, sess *spawn.Session, name, pubKeyPath string) error {
	_, authorized, err := spawn.ReadPublicKey(pubKeyPath)
	if err != nil {
		return err
	}
	fp, err := spawn.Fingerprint(pubKeyPath)
	if err != nil {
		return err
	}
	client, err := p.ec2For(ctx, sess, region(sess, nil))
	if err != nil {
		return err
	}
	_, err = client.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(name),
		PublicKeyMaterial: []byte(authorized),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeKeyPair,
			Tags: []ec2types.Tag{
				{Key: aws.String(fingerprintTag), Value: aws.String(fp)},
				{Key: aws.String("managed-by"), Value: aws.String("spawn")},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to import key pair: %w", err)
	}
	return nil
}

// latestUbuntu returns the newest Canonical Ubuntu 24.04 image.
func latestUbuntu(ctx context.Context, client EC2Client) (string, error) {
	out, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{canonicalOwner},
		Filters: []ec2types.Filter{
			{Name: aws.String("name"), Values: []string{ubuntuImage}},
			{Name: aws.String("state"), Values: []string{"available"}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe images: %w", err)
	}
	if len(out.Images) == 0 {
		return "", fmt.Errorf("no image matches %s", ubuntuImage)
	}
	images := out.Images
	sort.Slice(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) > aws.ToString(images[j].CreationDate)
	})
	return aws.ToString(images[0].ImageId), nil
}

// CreateServer implements spawn.Backend.
func (p *Provider) CreateServer(ctx context.Context, sess *spawn.Session, name string) (*spawn.Instance, error) {
	reg := region(sess, nil)
	client, err := p.ec2For(ctx, sess, reg)
	if err != nil {
		return nil, spawn.ErrExecution("failed to build EC2 client").WithCause(err)
	}

	image := sess.Param("image", "")
	if image == "" {
		if image, err = latestUbuntu(ctx, client); err != nil {
			return nil, spawn.ErrExecution("failed to resolve image").WithCause(err).WithOperation("create")
		}
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(image),
		InstanceType: ec2types.InstanceType(sess.Param("instance_type", defaultInstanceType)),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String("Name"), Value: aws.String(name)},
				{Key: aws.String("managed-by"), Value: aws.String("spawn")},
			},
		}},
	}
	if fp, err := spawn.Fingerprint(spawn.PublicKeyPath(sess.KeyPath)); err == nil {
		if key, err := p.keyName(ctx, sess, fp); err == nil && key != "" {
			input.KeyName = aws.String(key)
		}
	}
	if sg := sess.Param("security_group", ""); sg != "" {
		input.SecurityGroupIds = strings.Split(sg, ",")
	}
	if subnet := sess.Param("subnet", ""); subnet != "" {
		input.SubnetId = aws.String(subnet)
	}

	out, err := client.RunInstances(ctx, input)
	if err != nil {
		sess.Logger().Diagnostic(spawn.Diagnostic{
			Header: fmt.Sprintf("Failed to launch EC2 instance %s in %s", name, reg),
			Causes: []string{
				"The instance type is not offered in the region",
				"The account has hit its vCPU limit",
				"The credentials lack ec2:RunInstances",
			},
			Fixes: []string{
				"Set instance_type or region in the run file",
				"Request a quota increase in the Service Quotas console",
			},
		})
		return nil, spawn.ErrExecution("failed to launch instance").WithCause(err).WithOperation("create")
	}
	if len(out.Instances) == 0 {
		return nil, spawn.ErrExecution("run instances returned no instance").WithOperation("create")
	}

	return &spawn.Instance{
		ID:   aws.ToString(out.Instances[0].InstanceId),
		Name: name,
		Meta: map[string]string{
			"region":        reg,
			"image":         image,
			"instance_type": string(input.InstanceType),
		},
	}, nil
}

// PollSpec implements spawn.Backend. The endpoint is "<region>/<instance id>".
func (p *Provider) PollSpec(inst *spawn.Instance) spawn.PollSpec {
	reg := inst.Meta["region"]
	if reg == "" {
		reg = defaultRegion
	}
	return spawn.PollSpec{
		Endpoint:     reg + "/" + inst.ID,
		TargetStatus: string(ec2types.InstanceStateNameRunning),
		StatusPath:   "Reservations.0.Instances.0.State.Name",
		AddressPath:  "Reservations.0.Instances.0.PublicIpAddress",
	}
}

// FetchStatus implements spawn.Backend.
func (p *Provider) FetchStatus(ctx context.Context, sess *spawn.Session, endpoint string) ([]byte, error) {
	reg, id, ok := strings.Cut(endpoint, "/")
	if !ok {
		return nil, spawn.ErrValidation(fmt.Sprintf("malformed status endpoint %q", endpoint))
	}
	client, err := p.ec2For(ctx, sess, reg)
	if err != nil {
		return nil, err
	}
	out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"Reservations": out.Reservations})
}

// DestroyServer implements spawn.Destroyer.
func (p *Provider) DestroyServer(ctx context.Context, sess *spawn.Session, inst *spawn.Instance) error {
	client, err := p.ec2For(ctx, sess, region(sess, inst))
	if err != nil {
		return err
	}
	_, err = client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{inst.ID}})
	if err != nil {
		return spawn.ErrExecution(fmt.Sprintf("failed to terminate %s", inst.ID)).WithCause(err).WithOperation("destroy")
	}
	return nil
}

func init() {
	spawn.MustRegister(New())
}
