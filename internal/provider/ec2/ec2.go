// ABOUTME: CloudProvider backed by AWS EC2 through aws-sdk-go
// ABOUTME: Launches one tagged instance with base64 user data, describes and terminates by ID

package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"

	"github.com/2389/minecloud/internal/provider"
)

// ManagedTag marks instances launched by minecloud.
const ManagedTag = "minecloud"

// Provider implements provider.CloudProvider on EC2.
type Provider struct {
	region    string
	newClient func(region string) (ec2iface.EC2API, error)

	mu      sync.Mutex
	clients map[string]ec2iface.EC2API

	logger *slog.Logger
}

// New creates a provider whose default region is region. Credentials come
// from the standard AWS chain (env, shared config, instance role).
func New(region string, logger *slog.Logger) (*Provider, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}

	p := newProvider(region, logger)
	p.newClient = func(r string) (ec2iface.EC2API, error) {
		return ec2.New(sess, aws.NewConfig().WithRegion(r)), nil
	}
	return p, nil
}

// NewWithClient creates a provider that sends every call to client.
func NewWithClient(region string, client ec2iface.EC2API, logger *slog.Logger) *Provider {
	p := newProvider(region, logger)
	p.newClient = func(string) (ec2iface.EC2API, error) { return client, nil }
	return p
}

func newProvider(region string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		region:  region,
		clients: make(map[string]ec2iface.EC2API),
		logger:  logger.With("component", "provider", "provider", "ec2"),
	}
}

func (p *Provider) client(region string) (ec2iface.EC2API, error) {
	if region == "" {
		region = p.region
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[region]; ok {
		return c, nil
	}
	c, err := p.newClient(region)
	if err != nil {
		return nil, err
	}
	p.clients[region] = c
	return c, nil
}

// RunInstance launches exactly one instance.
func (p *Provider) RunInstance(ctx context.Context, spec provider.LaunchSpec) (string, provider.Status, error) {
	client, err := p.client(spec.Region)
	if err != nil {
		return "", "", err
	}

	input := &ec2.RunInstancesInput{
		ImageId:        aws.String(spec.ImageID),
		InstanceType:   aws.String(spec.InstanceType),
		SecurityGroups: aws.StringSlice(spec.SecurityGroups),
		MinCount:       aws.Int64(1),
		MaxCount:       aws.Int64(1),
	}
	if spec.KeyPair != "" {
		input.KeyName = aws.String(spec.KeyPair)
	}
	if spec.BootstrapPayload != "" {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(spec.BootstrapPayload)))
	}

	reservation, err := client.RunInstancesWithContext(ctx, input)
	if err != nil {
		return "", "", fmt.Errorf("run instances: %w", err)
	}
	if reservation == nil || len(reservation.Instances) != 1 {
		return "", "", errors.New("run instances: unexpected AWS API response")
	}

	inst := reservation.Instances[0]
	id := aws.StringValue(inst.InstanceId)

	if err := p.tagInstance(ctx, client, id, spec.Tags); err != nil {
		// The machine exists; losing tags only affects console bookkeeping.
		p.logger.Warn("failed to tag instance", "provider_id", id, "error", err)
	}

	p.logger.Info("instance launched", "provider_id", id, "image_id", spec.ImageID)
	return id, stateOf(inst), nil
}

func (p *Provider) tagInstance(ctx context.Context, client ec2iface.EC2API, id string, extra map[string]string) error {
	// Sorted for a predictable tag order.
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tags := []*ec2.Tag{{Key: aws.String(ManagedTag), Value: aws.String("true")}}
	for _, k := range keys {
		tags = append(tags, &ec2.Tag{Key: aws.String(k), Value: aws.String(extra[k])})
	}

	_, err := client.CreateTagsWithContext(ctx, &ec2.CreateTagsInput{
		Resources: []*string{aws.String(id)},
		Tags:      tags,
	})
	return err
}

// DescribeInstance returns the status and the public (else private) IP address.
func (p *Provider) DescribeInstance(ctx context.Context, providerID string) (provider.Status, string, error) {
	client, err := p.client("")
	if err != nil {
		return "", "", err
	}

	out, err := client.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []*string{aws.String(providerID)},
	})
	if err != nil {
		var awsErr awserr.Error
		if errors.As(err, &awsErr) && awsErr.Code() == "InvalidInstanceID.NotFound" {
			return "", "", provider.ErrInstanceNotFound
		}
		return "", "", fmt.Errorf("describe instances: %w", err)
	}

	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.StringValue(inst.InstanceId) != providerID {
				continue
			}
			ip := aws.StringValue(inst.PublicIpAddress)
			if ip == "" {
				ip = aws.StringValue(inst.PrivateIpAddress)
			}
			return stateOf(inst), ip, nil
		}
	}
	return "", "", provider.ErrInstanceNotFound
}

// FindInstance returns a pending or running instance tagged key=value.
func (p *Provider) FindInstance(ctx context.Context, key, value string) (string, provider.Status, error) {
	client, err := p.client("")
	if err != nil {
		return "", "", err
	}

	out, err := client.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		Filters: []*ec2.Filter{
			{Name: aws.String("tag:" + key), Values: aws.StringSlice([]string{value})},
			{Name: aws.String("instance-state-name"), Values: aws.StringSlice([]string{"pending", "running"})},
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("describe instances by tag: %w", err)
	}

	for _, r := range out.Reservations {
		if len(r.Instances) > 0 {
			inst := r.Instances[0]
			return aws.StringValue(inst.InstanceId), stateOf(inst), nil
		}
	}
	return "", "", provider.ErrInstanceNotFound
}

// TerminateInstances terminates every listed instance.
func (p *Provider) TerminateInstances(ctx context.Context, providerIDs []string) error {
	client, err := p.client("")
	if err != nil {
		return err
	}

	out, err := client.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: aws.StringSlice(providerIDs),
	})
	if err != nil {
		return fmt.Errorf("terminate instances: %w", err)
	}
	if len(out.TerminatingInstances) != len(providerIDs) {
		return fmt.Errorf("terminate instances: %d of %d matched", len(out.TerminatingInstances), len(providerIDs))
	}

	p.logger.Info("instances terminating", "provider_ids", providerIDs)
	return nil
}

func stateOf(inst *ec2.Instance) provider.Status {
	if inst.State == nil {
		return provider.StatusPending
	}
	return provider.Status(aws.StringValue(inst.State.Name))
}

var _ provider.CloudProvider = (*Provider)(nil)
