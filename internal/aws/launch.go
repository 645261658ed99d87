package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/sirupsen/logrus"

	"github.com/guimove/fleetfit/internal/cloud"
	"github.com/guimove/fleetfit/internal/model"
)

var errStillPending = errors.New("instances still pending")

var liveStates = []string{
	string(ec2types.InstanceStateNamePending),
	string(ec2types.InstanceStateNameRunning),
}

// LaunchInstances starts enough instances of the cheapest suitable type to hold
// req.NumJobs jobs and waits for them to run. When EC2 launches fewer than asked,
// the running ones are returned together with a *CapacityError.
func (p *EC2Provider) LaunchInstances(ctx context.Context, req cloud.LaunchRequest) ([]cloud.LaunchedInstance, error) {
	if req.NumJobs <= 0 {
		return nil, nil
	}
	types, err := p.InstanceTypes(ctx)
	if err != nil {
		return nil, err
	}
	t, count, ok := chooseInstanceType(types, req.ResourcesPerJob, req.NumJobs)
	if !ok {
		return nil, fmt.Errorf("%w: nothing fits a job of %s", ErrNoInstanceTypes, req.ResourcesPerJob)
	}
	requested := count
	if p.opts.MaxInstancesPerLaunch > 0 && count > p.opts.MaxInstancesPerLaunch {
		count = p.opts.MaxInstancesPerLaunch
	}

	log := p.log.WithFields(logrus.Fields{
		"instance_type": t.Name,
		"count":         count,
		"jobs":          req.NumJobs,
	})
	log.Info("launching instances")

	out, err := p.client.RunInstances(ctx, p.runInstancesInput(t.Name, count))
	if err != nil {
		return nil, classifyLaunchError(err, requested)
	}

	ids := make([]string, 0, len(out.Instances))
	for _, inst := range out.Instances {
		ids = append(ids, aws.ToString(inst.InstanceId))
	}

	running, waitErr := p.waitRunning(ctx, ids)
	launched := make([]cloud.LaunchedInstance, 0, len(running))
	for _, inst := range running {
		launched = append(launched, cloud.LaunchedInstance{
			ID:           aws.ToString(inst.InstanceId),
			Address:      aws.ToString(inst.PrivateIpAddress),
			Name:         nameTag(inst),
			InstanceType: t.Name,
			Resources:    t.Resources.Clone(),
			LaunchedAt:   aws.ToTime(inst.LaunchTime),
		})
	}

	if waitErr != nil {
		// Instances that never came up are left for the orphan sweep.
		log.WithError(waitErr).WithField("running", len(launched)).Warn("waiting for instances")
		return launched, fmt.Errorf("waiting for instances: %w", waitErr)
	}
	if len(launched) < requested {
		return launched, &CapacityError{Code: "PartialLaunch", Requested: requested, Launched: len(launched)}
	}
	return launched, nil
}

func (p *EC2Provider) runInstancesInput(instanceType string, count int) *ec2.RunInstancesInput {
	input := &ec2.RunInstancesInput{
		ImageId:          aws.String(p.opts.ImageID),
		InstanceType:     ec2types.InstanceType(instanceType),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(int32(count)),
		SecurityGroupIds: p.opts.SecurityGroupIDs,
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String(TagManagedBy), Value: aws.String(p.opts.ManagedBy)},
				{Key: aws.String(TagRegion), Value: aws.String(p.opts.Region)},
				{Key: aws.String("Name"), Value: aws.String("fleetfit-" + p.opts.Region)},
			},
		}},
	}
	if p.opts.SubnetID != "" {
		input.SubnetId = aws.String(p.opts.SubnetID)
	}
	if p.opts.KeyName != "" {
		input.KeyName = aws.String(p.opts.KeyName)
	}
	if p.opts.IAMInstanceProfile != "" {
		input.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{Name: aws.String(p.opts.IAMInstanceProfile)}
	}
	if p.opts.CapacityType == model.CapacitySpot {
		input.InstanceMarketOptions = &ec2types.InstanceMarketOptionsRequest{MarketType: ec2types.MarketTypeSpot}
	}
	return input
}

// waitRunning polls until none of ids is pending and returns the running ones.
// Instances that went anywhere but running are dropped.
func (p *EC2Provider) waitRunning(ctx context.Context, ids []string) ([]ec2types.Instance, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	attempts := uint(p.opts.LaunchTimeout/p.opts.PollInterval) + 1

	var running []ec2types.Instance
	err := retry.Do(
		func() error {
			instances, err := p.describeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids})
			if err != nil {
				return err
			}
			running = running[:0]
			pending := 0
			for _, inst := range instances {
				switch instanceState(inst) {
				case ec2types.InstanceStateNameRunning:
					running = append(running, inst)
				case ec2types.InstanceStateNamePending:
					pending++
				default:
					p.log.WithFields(logrus.Fields{
						"instance_id": aws.ToString(inst.InstanceId),
						"state":       instanceState(inst),
					}).Warn("launched instance did not start")
				}
			}
			if pending > 0 || len(instances) < len(ids) {
				return errStillPending
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(p.opts.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	return running, err
}

// IsRunning reports whether any pending or running instance has the private IP address.
func (p *EC2Provider) IsRunning(ctx context.Context, address string) (bool, error) {
	instances, err := p.describeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("private-ip-address"), Values: []string{address}},
			{Name: aws.String("instance-state-name"), Values: liveStates},
		},
	})
	if err != nil {
		return false, fmt.Errorf("%w: %w", cloud.ErrProviderUnavailable, err)
	}
	return len(instances) > 0, nil
}

// Terminate terminates the pending or running instance with the private IP address.
func (p *EC2Provider) Terminate(ctx context.Context, address string) (bool, error) {
	instances, err := p.describeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("private-ip-address"), Values: []string{address}},
			{Name: aws.String("instance-state-name"), Values: liveStates},
		},
	})
	if err != nil {
		return false, fmt.Errorf("%w: %w", cloud.ErrProviderUnavailable, err)
	}
	if len(instances) == 0 {
		return false, nil
	}

	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, aws.ToString(inst.InstanceId))
	}
	if _, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids}); err != nil {
		return false, fmt.Errorf("%w: terminating %v: %w", cloud.ErrProviderUnavailable, ids, err)
	}
	p.log.WithFields(logrus.Fields{"address": address, "instance_ids": ids}).Info("terminated instances")
	return true, nil
}

// RunningInstances lists the pending or running instances tagged as launched by
// this fleetfit installation in this region.
func (p *EC2Provider) RunningInstances(ctx context.Context) ([]cloud.RunningInstance, error) {
	instances, err := p.describeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + TagManagedBy), Values: []string{p.opts.ManagedBy}},
			{Name: aws.String("tag:" + TagRegion), Values: []string{p.opts.Region}},
			{Name: aws.String("instance-state-name"), Values: liveStates},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", cloud.ErrProviderUnavailable, err)
	}

	running := make([]cloud.RunningInstance, 0, len(instances))
	for _, inst := range instances {
		if inst.PrivateIpAddress == nil {
			continue
		}
		running = append(running, cloud.RunningInstance{
			ID:         aws.ToString(inst.InstanceId),
			Address:    aws.ToString(inst.PrivateIpAddress),
			LaunchedAt: aws.ToTime(inst.LaunchTime),
		})
	}
	return running, nil
}

// describeInstances flattens every page of reservations.
func (p *EC2Provider) describeInstances(ctx context.Context, input *ec2.DescribeInstancesInput) ([]ec2types.Instance, error) {
	var instances []ec2types.Instance
	for {
		output, err := p.client.DescribeInstances(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("describing instances: %w", err)
		}
		for _, r := range output.Reservations {
			instances = append(instances, r.Instances...)
		}
		if output.NextToken == nil {
			return instances, nil
		}
		input.NextToken = output.NextToken
	}
}

func instanceState(inst ec2types.Instance) ec2types.InstanceStateName {
	if inst.State == nil {
		return ""
	}
	return inst.State.Name
}

func nameTag(inst ec2types.Instance) string {
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == "Name" {
			return aws.ToString(tag.Value) + "-" + aws.ToString(inst.InstanceId)
		}
	}
	return aws.ToString(inst.InstanceId)
}
