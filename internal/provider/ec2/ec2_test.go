// ABOUTME: Tests for the EC2 provider against a fake EC2 API
// ABOUTME: Verifies request shape, user data encoding, tagging and error mapping

package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/minecloud/internal/provider"
)

// fakeEC2 implements the calls the provider makes; anything else panics
// through the nil embedded interface.
type fakeEC2 struct {
	ec2iface.EC2API

	runInput  *ec2.RunInstancesInput
	runOutput *ec2.Reservation
	runErr    error

	tagInput *ec2.CreateTagsInput
	tagErr   error

	describeInput  *ec2.DescribeInstancesInput
	describeOutput *ec2.DescribeInstancesOutput
	describeErr    error

	terminateInput  *ec2.TerminateInstancesInput
	terminateOutput *ec2.TerminateInstancesOutput
	terminateErr    error
}

func (f *fakeEC2) RunInstancesWithContext(_ aws.Context, in *ec2.RunInstancesInput, _ ...request.Option) (*ec2.Reservation, error) {
	f.runInput = in
	return f.runOutput, f.runErr
}

func (f *fakeEC2) CreateTagsWithContext(_ aws.Context, in *ec2.CreateTagsInput, _ ...request.Option) (*ec2.CreateTagsOutput, error) {
	f.tagInput = in
	return &ec2.CreateTagsOutput{}, f.tagErr
}

func (f *fakeEC2) DescribeInstancesWithContext(_ aws.Context, in *ec2.DescribeInstancesInput, _ ...request.Option) (*ec2.DescribeInstancesOutput, error) {
	f.describeInput = in
	return f.describeOutput, f.describeErr
}

func (f *fakeEC2) TerminateInstancesWithContext(_ aws.Context, in *ec2.TerminateInstancesInput, _ ...request.Option) (*ec2.TerminateInstancesOutput, error) {
	f.terminateInput = in
	return f.terminateOutput, f.terminateErr
}

func instance(id, state, publicIP, privateIP string) *ec2.Instance {
	inst := &ec2.Instance{
		InstanceId: aws.String(id),
		State:      &ec2.InstanceState{Name: aws.String(state)},
	}
	if publicIP != "" {
		inst.PublicIpAddress = aws.String(publicIP)
	}
	if privateIP != "" {
		inst.PrivateIpAddress = aws.String(privateIP)
	}
	return inst
}

func TestRunInstance(t *testing.T) {
	fake := &fakeEC2{runOutput: &ec2.Reservation{Instances: []*ec2.Instance{instance("i-123", "pending", "", "")}}}
	p := NewWithClient("us-west-2", fake, nil)

	id, status, err := p.RunInstance(context.Background(), provider.LaunchSpec{
		ImageID:          "ami-1",
		KeyPair:          "MinecraftEC2",
		SecurityGroups:   []string{"minecraft"},
		InstanceType:     "m1.small",
		BootstrapPayload: "#cloud-config\n",
		Tags:             map[string]string{"z": "last", "a": "first"},
	})
	require.NoError(t, err)
	assert.Equal(t, "i-123", id)
	assert.Equal(t, provider.StatusPending, status)

	in := fake.runInput
	require.NotNil(t, in)
	assert.Equal(t, "ami-1", aws.StringValue(in.ImageId))
	assert.Equal(t, "MinecraftEC2", aws.StringValue(in.KeyName))
	assert.Equal(t, "m1.small", aws.StringValue(in.InstanceType))
	assert.Equal(t, []string{"minecraft"}, aws.StringValueSlice(in.SecurityGroups))
	assert.Equal(t, int64(1), aws.Int64Value(in.MinCount))
	assert.Equal(t, int64(1), aws.Int64Value(in.MaxCount))

	decoded, err := base64.StdEncoding.DecodeString(aws.StringValue(in.UserData))
	require.NoError(t, err)
	assert.Equal(t, "#cloud-config\n", string(decoded))

	require.NotNil(t, fake.tagInput)
	var keys []string
	for _, tag := range fake.tagInput.Tags {
		keys = append(keys, aws.StringValue(tag.Key))
	}
	assert.Equal(t, []string{ManagedTag, "a", "z"}, keys)
}

func TestRunInstance_TagFailureIsNotFatal(t *testing.T) {
	fake := &fakeEC2{
		runOutput: &ec2.Reservation{Instances: []*ec2.Instance{instance("i-1", "pending", "", "")}},
		tagErr:    errors.New("throttled"),
	}
	p := NewWithClient("us-west-2", fake, nil)

	id, _, err := p.RunInstance(context.Background(), provider.LaunchSpec{ImageID: "ami-1"})
	require.NoError(t, err)
	assert.Equal(t, "i-1", id)
}

func TestRunInstance_Errors(t *testing.T) {
	p := NewWithClient("us-west-2", &fakeEC2{runErr: errors.New("InsufficientInstanceCapacity")}, nil)
	_, _, err := p.RunInstance(context.Background(), provider.LaunchSpec{ImageID: "ami-1"})
	assert.ErrorContains(t, err, "InsufficientInstanceCapacity")

	p = NewWithClient("us-west-2", &fakeEC2{runOutput: &ec2.Reservation{}}, nil)
	_, _, err = p.RunInstance(context.Background(), provider.LaunchSpec{ImageID: "ami-1"})
	assert.ErrorContains(t, err, "unexpected AWS API response")
}

func TestDescribeInstance(t *testing.T) {
	tests := []struct {
		name       string
		inst       *ec2.Instance
		wantStatus provider.Status
		wantIP     string
	}{
		{"public ip preferred", instance("i-1", "running", "198.51.100.4", "10.0.0.4"), provider.StatusRunning, "198.51.100.4"},
		{"private ip fallback", instance("i-1", "pending", "", "10.0.0.4"), provider.StatusPending, "10.0.0.4"},
		{"terminated", instance("i-1", "terminated", "", ""), provider.StatusTerminated, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeEC2{describeOutput: &ec2.DescribeInstancesOutput{
				Reservations: []*ec2.Reservation{{Instances: []*ec2.Instance{tt.inst}}},
			}}
			p := NewWithClient("us-west-2", fake, nil)

			status, ip, err := p.DescribeInstance(context.Background(), "i-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantIP, ip)
		})
	}
}

func TestDescribeInstance_NotFound(t *testing.T) {
	fake := &fakeEC2{describeErr: awserr.New("InvalidInstanceID.NotFound", "gone", nil)}
	p := NewWithClient("us-west-2", fake, nil)
	_, _, err := p.DescribeInstance(context.Background(), "i-1")
	assert.ErrorIs(t, err, provider.ErrInstanceNotFound)

	fake = &fakeEC2{describeOutput: &ec2.DescribeInstancesOutput{}}
	p = NewWithClient("us-west-2", fake, nil)
	_, _, err = p.DescribeInstance(context.Background(), "i-1")
	assert.ErrorIs(t, err, provider.ErrInstanceNotFound)
}

func TestFindInstance(t *testing.T) {
	fake := &fakeEC2{describeOutput: &ec2.DescribeInstancesOutput{
		Reservations: []*ec2.Reservation{{Instances: []*ec2.Instance{instance("i-777", "running", "203.0.113.9", "")}}},
	}}
	p := NewWithClient("us-west-2", fake, nil)

	id, status, err := p.FindInstance(context.Background(), provider.InstanceTag, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "i-777", id)
	assert.Equal(t, provider.StatusRunning, status)

	require.Len(t, fake.describeInput.Filters, 2)
	assert.Equal(t, "tag:"+provider.InstanceTag, aws.StringValue(fake.describeInput.Filters[0].Name))
	assert.Equal(t, []string{"inst-1"}, aws.StringValueSlice(fake.describeInput.Filters[0].Values))
	assert.Equal(t, []string{"pending", "running"}, aws.StringValueSlice(fake.describeInput.Filters[1].Values))
	assert.Empty(t, fake.describeInput.InstanceIds)
}

func TestFindInstance_None(t *testing.T) {
	fake := &fakeEC2{describeOutput: &ec2.DescribeInstancesOutput{}}
	p := NewWithClient("us-west-2", fake, nil)

	_, _, err := p.FindInstance(context.Background(), provider.InstanceTag, "inst-1")
	assert.ErrorIs(t, err, provider.ErrInstanceNotFound)

	fake.describeErr = errors.New("RequestLimitExceeded")
	_, _, err = p.FindInstance(context.Background(), provider.InstanceTag, "inst-1")
	assert.ErrorContains(t, err, "RequestLimitExceeded")
}

func TestTerminateInstances(t *testing.T) {
	fake := &fakeEC2{terminateOutput: &ec2.TerminateInstancesOutput{
		TerminatingInstances: []*ec2.InstanceStateChange{{InstanceId: aws.String("i-1")}},
	}}
	p := NewWithClient("us-west-2", fake, nil)

	require.NoError(t, p.TerminateInstances(context.Background(), []string{"i-1"}))
	assert.Equal(t, []string{"i-1"}, aws.StringValueSlice(fake.terminateInput.InstanceIds))

	fake.terminateOutput = &ec2.TerminateInstancesOutput{}
	assert.ErrorContains(t, p.TerminateInstances(context.Background(), []string{"i-1"}), "0 of 1 matched")

	fake.terminateErr = errors.New("UnauthorizedOperation")
	assert.ErrorContains(t, p.TerminateInstances(context.Background(), []string{"i-1"}), "UnauthorizedOperation")
}
