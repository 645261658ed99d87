package aws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/sirupsen/logrus"

	"github.com/guimove/fleetfit/internal/model"
)

const credentialCheckTimeout = 3 * time.Second

// Tags put on every instance fleetfit launches.
const (
	TagManagedBy = "fleetfit:managed-by"
	TagRegion    = "fleetfit:region"
)

var (
	ErrAWSCredentials  = errors.New("AWS credentials not found; set AWS_PROFILE, run 'aws sso login', or configure ~/.aws/credentials")
	ErrNoInstanceTypes = errors.New("no instance types match the specified filters")
)

// InstanceFilter constrains which instance types to consider.
type InstanceFilter struct {
	Families              []string
	MinVCPUs              int32
	MaxVCPUs              int32
	Architectures         []model.Architecture
	CurrentGenerationOnly bool
	ExcludeBareMetal      bool
	ExcludeBurstable      bool
}

// Options configures an EC2Provider.
type Options struct {
	Region string

	// ManagedBy is the value of the fleetfit:managed-by tag. Only instances
	// carrying it are considered for the orphan sweep.
	ManagedBy string

	ImageID            string
	SubnetID           string
	SecurityGroupIDs   []string
	KeyName            string
	IAMInstanceProfile string
	CapacityType       model.CapacityType

	// MaxInstancesPerLaunch caps a single launch. Zero means no cap.
	MaxInstancesPerLaunch int

	Filter InstanceFilter

	// SystemReserved is subtracted from every instance type's raw capacity.
	SystemReserved model.Resources

	CacheDir string
	CacheTTL time.Duration

	LaunchTimeout time.Duration
	PollInterval  time.Duration
}

// ec2API is a minimal interface for the EC2 calls we need.
type ec2API interface {
	DescribeInstanceTypes(ctx context.Context, params *ec2.DescribeInstanceTypesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// EC2Provider launches and manages fleetfit instances on EC2. It implements
// cloud.Provider.
type EC2Provider struct {
	opts        Options
	client      ec2API
	httpClient  *http.Client
	pricingBase string
	cache       *FileCache
	log         logrus.FieldLogger

	mu        sync.Mutex
	catalogue []model.InstanceType
}

// NewEC2Provider creates a provider using the default AWS SDK config chain.
// IMDS (EC2 metadata) is disabled to avoid long timeouts when running locally.
// On EC2, use environment variables or instance profile via AWS_PROFILE.
func NewEC2Provider(ctx context.Context, opts Options, log logrus.FieldLogger) (*EC2Provider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithEC2IMDSClientEnableState(imds.ClientDisabled),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAWSCredentials, err)
	}

	// Verify credentials are available before making any API calls
	credCtx, cancel := context.WithTimeout(ctx, credentialCheckTimeout)
	defer cancel()
	if _, err := cfg.Credentials.Retrieve(credCtx); err != nil {
		return nil, ErrAWSCredentials
	}

	return newEC2Provider(ec2.NewFromConfig(cfg), opts, log), nil
}

func newEC2Provider(client ec2API, opts Options, log logrus.FieldLogger) *EC2Provider {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.ManagedBy == "" {
		opts.ManagedBy = "fleetfit"
	}
	if opts.CapacityType == "" {
		opts.CapacityType = model.CapacityOnDemand
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = 5 * time.Minute
	}
	p := &EC2Provider{
		opts:        opts,
		client:      client,
		httpClient:  &http.Client{Timeout: pricingHTTPTimeout},
		pricingBase: pricingAPIBase,
		log:         log.WithField("provider", "ec2"),
	}
	if opts.CacheDir != "" {
		p.cache = NewFileCache(opts.CacheDir)
	}
	return p
}

// Region returns the AWS region.
func (p *EC2Provider) Region() string {
	return p.opts.Region
}
