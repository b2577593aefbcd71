package aws

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/anirudhbiyani/spawn/pkg/spawn"
)

type mockEC2 struct {
	mock.Mock
}

func (m *mockEC2) RunInstances(ctx context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*ec2.RunInstancesOutput)
	return out, args.Error(1)
}

func (m *mockEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*ec2.DescribeInstancesOutput)
	return out, args.Error(1)
}

func (m *mockEC2) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*ec2.TerminateInstancesOutput)
	return out, args.Error(1)
}

func (m *mockEC2) DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*ec2.DescribeImagesOutput)
	return out, args.Error(1)
}

func (m *mockEC2) DescribeKeyPairs(ctx context.Context, in *ec2.DescribeKeyPairsInput, _ ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*ec2.DescribeKeyPairsOutput)
	return out, args.Error(1)
}

func (m *mockEC2) ImportKeyPair(ctx context.Context, in *ec2.ImportKeyPairInput, _ ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*ec2.ImportKeyPairOutput)
	return out, args.Error(1)
}

type mockSTS struct {
	mock.Mock
}

func (m *mockSTS) GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, _ ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*sts.GetCallerIdentityOutput)
	return out, args.Error(1)
}

func newSession(t *testing.T) *spawn.Session {
	t.Helper()
	sess := spawn.NewSession("run-1", spawn.ProviderAWS, nil)
	sess.KeyPath = filepath.Join(t.TempDir(), "id_ed25519")
	_, err := spawn.EnsureKeypair(sess.KeyPath)
	require.NoError(t, err)
	return sess
}

// Test credential validation through STS
func TestValidateCredentials(t *testing.T) {
	st := &mockSTS{}
	st.On("GetCallerIdentity", mock.Anything, mock.Anything).
		Return(&sts.GetCallerIdentityOutput{Account: aws.String("123456789012")}, nil).Once()
	st.On("GetCallerIdentity", mock.Anything, mock.Anything).
		Return(nil, errors.New("InvalidClientTokenId")).Once()

	p := New(WithSTSClient(st))
	sess := newSession(t)
	assert.NoError(t, p.ValidateCredentials(context.Background(), sess))
	assert.ErrorContains(t, p.ValidateCredentials(context.Background(), sess), "InvalidClientTokenId")
	st.AssertExpectations(t)
}

// Test that both access key halves are required together
func TestCredentials_Multi(t *testing.T) {
	creds := New().Credentials()
	require.Len(t, creds, 2)
	assert.Equal(t, AccessKeyEnv, creds[0].EnvVar)
	assert.Equal(t, SecretKeyEnv, creds[1].EnvVar)
}

// Test key import tagged with the local fingerprint
func TestKeyRegistration(t *testing.T) {
	m := &mockEC2{}
	sess := newSession(t)
	fp, err := spawn.Fingerprint(spawn.PublicKeyPath(sess.KeyPath))
	require.NoError(t, err)

	m.On("DescribeKeyPairs", mock.Anything, mock.Anything).
		Return(&ec2.DescribeKeyPairsOutput{}, nil).Once()
	m.On("ImportKeyPair", mock.Anything, mock.MatchedBy(func(in *ec2.ImportKeyPairInput) bool {
		tags := in.TagSpecifications[0].Tags
		return aws.ToString(tags[0].Key) == fingerprintTag && aws.ToString(tags[0].Value) == fp
	})).Return(&ec2.ImportKeyPairOutput{}, nil).Once()

	p := New(WithEC2Client(m))
	require.NoError(t, spawn.EnsureRegistered(context.Background(), p, sess, "aws", sess.KeyPath))
	m.AssertExpectations(t)
}

// Test launch with the newest Ubuntu image and the tagged key
func TestCreateServer(t *testing.T) {
	m := &mockEC2{}
	sess := newSession(t)
	sess.Params["region"] = "eu-west-1"
	sess.Params["security_group"] = "sg-1,sg-2"

	m.On("DescribeImages", mock.Anything, mock.Anything).Return(&ec2.DescribeImagesOutput{
		Images: []ec2types.Image{
			{ImageId: aws.String("ami-old"), CreationDate: aws.String("2025-01-01T00:00:00.000Z")},
			{ImageId: aws.String("ami-new"), CreationDate: aws.String("2025-06-01T00:00:00.000Z")},
		},
	}, nil)
	m.On("DescribeKeyPairs", mock.Anything, mock.Anything).Return(&ec2.DescribeKeyPairsOutput{
		KeyPairs: []ec2types.KeyPairInfo{{KeyName: aws.String("spawn-abc")}},
	}, nil)
	m.On("RunInstances", mock.Anything, mock.MatchedBy(func(in *ec2.RunInstancesInput) bool {
		return aws.ToString(in.ImageId) == "ami-new" &&
			aws.ToString(in.KeyName) == "spawn-abc" &&
			in.InstanceType == ec2types.InstanceType(defaultInstanceType) &&
			len(in.SecurityGroupIds) == 2
	})).Return(&ec2.RunInstancesOutput{
		Instances: []ec2types.Instance{{InstanceId: aws.String("i-0abc")}},
	}, nil)

	p := New(WithEC2Client(m))
	inst, err := p.CreateServer(context.Background(), sess, "box")
	require.NoError(t, err)
	assert.Equal(t, "i-0abc", inst.ID)
	assert.Equal(t, "eu-west-1", inst.Meta["region"])
	assert.Equal(t, "ami-new", inst.Meta["image"])
	m.AssertExpectations(t)
}

// Test that launch failures are execution errors
func TestCreateServer_Fails(t *testing.T) {
	m := &mockEC2{}
	sess := newSession(t)
	sess.Params["image"] = "ami-fixed"
	m.On("DescribeKeyPairs", mock.Anything, mock.Anything).Return(&ec2.DescribeKeyPairsOutput{}, nil)
	m.On("RunInstances", mock.Anything, mock.Anything).Return(nil, errors.New("VcpuLimitExceeded"))

	_, err := New(WithEC2Client(m)).CreateServer(context.Background(), sess, "box")
	assert.True(t, spawn.IsCategory(err, spawn.ErrCategoryExecution))
	assert.ErrorContains(t, err, "VcpuLimitExceeded")
}

// Test polling the DescribeInstances document
func TestPoll(t *testing.T) {
	m := &mockEC2{}
	pending := &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{
		Instances: []ec2types.Instance{{State: &ec2types.InstanceState{Name: ec2types.InstanceStateNamePending}}},
	}}}
	running := &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{
		Instances: []ec2types.Instance{{
			State:           &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
			PublicIpAddress: aws.String("192.0.2.10"),
		}},
	}}}
	m.On("DescribeInstances", mock.Anything, mock.Anything).Return(pending, nil).Once()
	m.On("DescribeInstances", mock.Anything, mock.Anything).Return(running, nil).Once()

	p := New(WithEC2Client(m))
	sess := newSession(t)
	inst := &spawn.Instance{ID: "i-0abc", Meta: map[string]string{"region": "eu-west-1"}}
	spec := p.PollSpec(inst)
	assert.Equal(t, "eu-west-1/i-0abc", spec.Endpoint)
	spec.Interval = time.Millisecond

	fetch := func(ctx context.Context, endpoint string) ([]byte, error) {
		return p.FetchStatus(ctx, sess, endpoint)
	}
	got, err := spawn.WaitForInstance(context.Background(), nil, fetch, inst, spec)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", got.Address)
	m.AssertExpectations(t)
}

// Test termination in the recorded region
func TestDestroyServer(t *testing.T) {
	m := &mockEC2{}
	m.On("TerminateInstances", mock.Anything, mock.MatchedBy(func(in *ec2.TerminateInstancesInput) bool {
		return len(in.InstanceIds) == 1 && in.InstanceIds[0] == "i-0abc"
	})).Return(&ec2.TerminateInstancesOutput{}, nil)

	p := New(WithEC2Client(m))
	sess := spawn.NewSession("run-1", spawn.ProviderAWS, nil)
	require.NoError(t, p.DestroyServer(context.Background(), sess, &spawn.Instance{ID: "i-0abc"}))
	m.AssertExpectations(t)
}
