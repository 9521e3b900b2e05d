package cluster

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/accelbench/hpsearch/internal/trial"
)

// InstanceTypeDescriber is the slice of the EC2 client InstanceCapacity
// needs.
type InstanceTypeDescriber interface {
	DescribeInstanceTypes(ctx context.Context, in *ec2.DescribeInstanceTypesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error)
}

// InstanceCapacity returns the combined vCPUs and GPUs of count instances of
// the given type.
func InstanceCapacity(ctx context.Context, api InstanceTypeDescriber, instanceType string, count int) (trial.Resources, error) {
	if count < 1 {
		return trial.Resources{}, fmt.Errorf("instance count must be positive, got %d", count)
	}
	out, err := api.DescribeInstanceTypes(ctx, &ec2.DescribeInstanceTypesInput{
		InstanceTypes: []ec2types.InstanceType{ec2types.InstanceType(instanceType)},
	})
	if err != nil {
		return trial.Resources{}, fmt.Errorf("describe instance type %s: %w", instanceType, err)
	}
	if len(out.InstanceTypes) == 0 {
		return trial.Resources{}, fmt.Errorf("unknown instance type %s", instanceType)
	}
	info := out.InstanceTypes[0]

	var per trial.Resources
	if info.VCpuInfo != nil {
		per.CPU = float64(aws.ToInt32(info.VCpuInfo.DefaultVCpus))
	}
	if info.GpuInfo != nil {
		for _, g := range info.GpuInfo.Gpus {
			per.GPU += float64(aws.ToInt32(g.Count))
		}
	}
	return trial.Resources{CPU: per.CPU * float64(count), GPU: per.GPU * float64(count)}, nil
}
