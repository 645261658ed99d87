package aws

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/guimove/fleetfit/internal/model"
)

// GPUResource is the custom resource name for an instance type's GPUs.
const GPUResource = "gpu"

// InstanceTypes returns the launchable instance types matching the configured
// filter, priced and with the system reservation already subtracted. The result
// is kept in memory and, when a cache directory is set, on disk.
func (p *EC2Provider) InstanceTypes(ctx context.Context) ([]model.InstanceType, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.catalogue != nil {
		return p.catalogue, nil
	}

	key := p.catalogueKey()
	var cached []model.InstanceType
	if p.cache != nil && p.cache.Get(key, p.opts.CacheTTL, &cached) && len(cached) > 0 {
		p.catalogue = cached
		return cached, nil
	}

	types, err := p.describeInstanceTypes(ctx)
	if err != nil {
		return nil, err
	}
	priced := p.EnrichWithPricing(ctx, types)
	p.log.WithFields(logrus.Fields{
		"types":  len(types),
		"priced": priced,
	}).Debug("loaded instance type catalogue")

	if p.cache != nil {
		if err := p.cache.Set(key, types); err != nil {
			p.log.WithError(err).Warn("caching instance types")
		}
	}
	p.catalogue = types
	return types, nil
}

// catalogueKey names the on-disk catalogue for the region, filter and system
// reservation in use. Changing any of them misses the cache.
func (p *EC2Provider) catalogueKey() string {
	f := p.opts.Filter
	d := xxhash.New()
	fmt.Fprintf(d, "%q|%d|%d|%q|%t|%t|%t|%s",
		f.Families, f.MinVCPUs, f.MaxVCPUs, f.Architectures,
		f.CurrentGenerationOnly, f.ExcludeBareMetal, f.ExcludeBurstable,
		p.opts.SystemReserved)
	return fmt.Sprintf("instance-types-%s-%016x", p.opts.Region, d.Sum64())
}

func (p *EC2Provider) describeInstanceTypes(ctx context.Context) ([]model.InstanceType, error) {
	filter := p.opts.Filter
	var filters []ec2types.Filter

	if filter.CurrentGenerationOnly {
		filters = append(filters, ec2types.Filter{
			Name:   aws.String("current-generation"),
			Values: []string{"true"},
		})
	}

	if filter.ExcludeBareMetal {
		filters = append(filters, ec2types.Filter{
			Name:   aws.String("bare-metal"),
			Values: []string{"false"},
		})
	}

	if filter.ExcludeBurstable {
		filters = append(filters, ec2types.Filter{
			Name:   aws.String("burstable-performance-supported"),
			Values: []string{"false"},
		})
	}

	var allTypes []ec2types.InstanceTypeInfo
	var nextToken *string

	for {
		input := &ec2.DescribeInstanceTypesInput{
			Filters:    filters,
			NextToken:  nextToken,
			MaxResults: aws.Int32(100),
		}

		output, err := p.client.DescribeInstanceTypes(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("describing instance types: %w", err)
		}

		allTypes = append(allTypes, output.InstanceTypes...)

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	// Apply client-side filters and convert to model
	var types []model.InstanceType
	familySet := toSet(filter.Families)
	archSet := toArchSet(filter.Architectures)

	for _, it := range allTypes {
		t := convertInstanceType(it, p.opts.Region, p.opts.SystemReserved)
		t.CapacityType = p.opts.CapacityType

		if len(familySet) > 0 && !familySet[t.Family] {
			continue
		}
		if len(archSet) > 0 && !archSet[t.Architecture] {
			continue
		}
		if filter.MinVCPUs > 0 && t.VCPUs < filter.MinVCPUs {
			continue
		}
		if filter.MaxVCPUs > 0 && t.VCPUs > filter.MaxVCPUs {
			continue
		}
		if t.Resources.IsZero() {
			continue
		}

		types = append(types, t)
	}

	if len(types) == 0 {
		return nil, ErrNoInstanceTypes
	}

	sort.Slice(types, func(i, j int) bool { return types[i].Name < types[j].Name })
	return types, nil
}

// convertInstanceType maps an EC2 InstanceTypeInfo to our InstanceType, with
// reserved subtracted from the capacity usable by jobs.
func convertInstanceType(it ec2types.InstanceTypeInfo, region string, reserved model.Resources) model.InstanceType {
	t := model.InstanceType{
		Name:         string(it.InstanceType),
		Region:       region,
		CapacityType: model.CapacityOnDemand,
	}

	t.Family, t.Generation, t.Size = parseInstanceType(t.Name)

	if it.VCpuInfo != nil && it.VCpuInfo.DefaultVCpus != nil {
		t.VCPUs = *it.VCpuInfo.DefaultVCpus
	}
	if it.MemoryInfo != nil && it.MemoryInfo.SizeInMiB != nil {
		t.MemoryMiB = *it.MemoryInfo.SizeInMiB
	}

	if it.ProcessorInfo != nil {
		for _, arch := range it.ProcessorInfo.SupportedArchitectures {
			switch arch {
			case ec2types.ArchitectureTypeX8664:
				t.Architecture = model.ArchAMD64
			case ec2types.ArchitectureTypeArm64:
				t.Architecture = model.ArchARM64
			}
		}
	}

	if it.CurrentGeneration != nil {
		t.CurrentGeneration = *it.CurrentGeneration
	}

	raw := model.NewResources(float64(t.MemoryMiB)/1024, float64(t.VCPUs))
	if it.GpuInfo != nil {
		var gpus int32
		for _, gpu := range it.GpuInfo.Gpus {
			if gpu.Count != nil {
				gpus += *gpu.Count
			}
		}
		if gpus > 0 {
			raw.Custom = map[string]float64{GPUResource: float64(gpus)}
		}
	}
	t.Resources = usable(raw, reserved)

	return t
}

// usable subtracts the reservation from raw, flooring every dimension at zero.
func usable(raw, reserved model.Resources) model.Resources {
	if r, ok := raw.Subtract(reserved); ok {
		return r
	}
	r := raw.Clone()
	r.MemoryGB = math.Max(0, raw.MemoryGB-reserved.MemoryGB)
	r.LogicalCPU = math.Max(0, raw.LogicalCPU-reserved.LogicalCPU)
	for name, value := range r.Custom {
		r.Custom[name] = math.Max(0, value-reserved.Custom[name])
	}
	return r
}

// parseInstanceType extracts family, generation, and size from an instance type name.
// e.g., "m5.xlarge" → ("m5", 5, "xlarge"), "m7g.large" → ("m7g", 7, "large")
var instanceTypeRegex = regexp.MustCompile(`^([a-z]+)(\d+)([a-z]*)\.(.+)$`)

func parseInstanceType(instanceType string) (family string, generation int, size string) {
	parts := strings.SplitN(instanceType, ".", 2)
	if len(parts) != 2 {
		return instanceType, 0, ""
	}

	family = parts[0]
	size = parts[1]

	matches := instanceTypeRegex.FindStringSubmatch(instanceType)
	if len(matches) >= 5 {
		gen, _ := strconv.Atoi(matches[2])
		generation = gen
	}

	return family, generation, size
}

// chooseInstanceType picks the type covering numJobs jobs of perJob at the lowest
// total hourly cost, preferring fewer instances on a tie. When any candidate has
// no known price, vCPU count stands in for price across the board.
func chooseInstanceType(types []model.InstanceType, perJob model.Resources, numJobs int) (model.InstanceType, int, bool) {
	type option struct {
		t     model.InstanceType
		count int
	}
	var options []option
	priced := true
	for _, t := range types {
		fit := t.Resources.JobsThatFit(perJob)
		if fit == 0 {
			continue
		}
		count := 1
		if fit != math.MaxInt {
			count = (numJobs + fit - 1) / fit
		}
		if t.EffectivePricePerHour() <= 0 {
			priced = false
		}
		options = append(options, option{t: t, count: count})
	}
	if len(options) == 0 {
		return model.InstanceType{}, 0, false
	}

	cost := func(o option) float64 {
		if priced {
			return float64(o.count) * o.t.EffectivePricePerHour()
		}
		return float64(o.count) * float64(o.t.VCPUs)
	}
	sort.SliceStable(options, func(i, j int) bool {
		ci, cj := cost(options[i]), cost(options[j])
		if ci != cj {
			return ci < cj
		}
		if options[i].count != options[j].count {
			return options[i].count < options[j].count
		}
		return options[i].t.Name < options[j].t.Name
	})
	return options[0].t, options[0].count, true
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, item := range items {
		s[item] = true
	}
	return s
}

func toArchSet(archs []model.Architecture) map[model.Architecture]bool {
	s := make(map[model.Architecture]bool, len(archs))
	for _, a := range archs {
		s[a] = true
	}
	return s
}
