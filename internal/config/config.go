package config

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Registrar backends.
const (
	BackendMemory     = "memory"
	BackendRedis      = "redis"
	BackendEtcd       = "etcd"
	BackendKubernetes = "kubernetes"
)

// Config is the top-level configuration for fleetfit.
type Config struct {
	Region     string           `mapstructure:"region"`
	Registrar  RegistrarConfig  `mapstructure:"registrar"`
	AWS        AWSConfig        `mapstructure:"aws"`
	Allocation AllocationConfig `mapstructure:"allocation"`
	Adjust     AdjustConfig     `mapstructure:"adjust"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
	Output     OutputConfig     `mapstructure:"output"`
}

type RegistrarConfig struct {
	Backend    string           `mapstructure:"backend"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Etcd       EtcdConfig       `mapstructure:"etcd"`
	Kubernetes KubernetesConfig `mapstructure:"kubernetes"`
	Retry      RetryConfig      `mapstructure:"retry"`
}

type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
}

type KubernetesConfig struct {
	Kubeconfig string `mapstructure:"kubeconfig"`
	Context    string `mapstructure:"context"`
	Namespace  string `mapstructure:"namespace"` // empty = the context's namespace
}

// RetryConfig bounds the retries of conditional writes that lost a race.
type RetryConfig struct {
	Steps    int           `mapstructure:"steps"`
	Initial  time.Duration `mapstructure:"initial"`
	Factor   float64       `mapstructure:"factor"`
	Jitter   float64       `mapstructure:"jitter"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// Backoff converts the retry settings to a wait.Backoff.
func (r RetryConfig) Backoff() wait.Backoff {
	return wait.Backoff{
		Steps:    r.Steps,
		Duration: r.Initial,
		Factor:   r.Factor,
		Jitter:   r.Jitter,
		Cap:      r.MaxDelay,
	}
}

type AWSConfig struct {
	// ManagedBy is the value of the fleetfit:managed-by tag on launched instances.
	ManagedBy string `mapstructure:"managed_by"`

	ImageID            string   `mapstructure:"image_id"`
	SubnetID           string   `mapstructure:"subnet_id"`
	SecurityGroupIDs   []string `mapstructure:"security_group_ids"`
	KeyName            string   `mapstructure:"key_name"`
	IAMInstanceProfile string   `mapstructure:"iam_instance_profile"`
	CapacityType       string   `mapstructure:"capacity_type"`

	// MaxInstancesPerLaunch caps how many instances one allocation may launch.
	MaxInstancesPerLaunch int `mapstructure:"max_instances_per_launch"`

	Instances      InstancesConfig    `mapstructure:"instances"`
	SystemReserved SystemReservedConf `mapstructure:"system_reserved"`

	CacheDir string        `mapstructure:"cache_dir"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	LaunchTimeout time.Duration `mapstructure:"launch_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

type InstancesConfig struct {
	Families              []string `mapstructure:"families"`
	Architectures         []string `mapstructure:"architectures"`
	ExcludeBurstable      bool     `mapstructure:"exclude_burstable"`
	ExcludeBareMetal      bool     `mapstructure:"exclude_bare_metal"`
	CurrentGenerationOnly bool     `mapstructure:"current_generation_only"`
	MinVCPUs              int32    `mapstructure:"min_vcpus"`
	MaxVCPUs              int32    `mapstructure:"max_vcpus"`
}

// SystemReservedConf is subtracted from every instance before jobs are placed on it.
type SystemReservedConf struct {
	CPUMillis int64 `mapstructure:"cpu_millis"`
	MemoryMiB int64 `mapstructure:"memory_mib"`
}

// AllocationConfig holds the defaults for allocate and register.
type AllocationConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	MemoryGB    float64       `mapstructure:"memory_gb"`
	LogicalCPU  float64       `mapstructure:"logical_cpu"`
	Custom      string        `mapstructure:"custom"` // e.g. "gpu=1"
}

type AdjustConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	Parallelism  int           `mapstructure:"parallelism"`
	SweepOrphans bool          `mapstructure:"sweep_orphans"`
	OrphanGrace  time.Duration `mapstructure:"orphan_grace"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"` // empty = metrics not served
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type OutputConfig struct {
	Format string `mapstructure:"format"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Region: detectRegion(),
		Registrar: RegistrarConfig{
			Backend: BackendMemory,
			Redis: RedisConfig{
				Address:   "localhost:6379",
				KeyPrefix: "fleetfit:",
			},
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				DialTimeout: 5 * time.Second,
				KeyPrefix:   "/fleetfit/",
			},
			Retry: RetryConfig{
				Steps:    8,
				Initial:  10 * time.Millisecond,
				Factor:   2.0,
				Jitter:   0.1,
				MaxDelay: time.Second,
			},
		},
		AWS: AWSConfig{
			ManagedBy:             "fleetfit",
			CapacityType:          "on-demand",
			MaxInstancesPerLaunch: 20,
			Instances: InstancesConfig{
				Architectures:         []string{"amd64"},
				ExcludeBurstable:      true,
				ExcludeBareMetal:      true,
				CurrentGenerationOnly: true,
				MinVCPUs:              2,
				MaxVCPUs:              96,
			},
			SystemReserved: SystemReservedConf{
				CPUMillis: 100,
				MemoryMiB: 512,
			},
			CacheTTL:      24 * time.Hour,
			LaunchTimeout: 5 * time.Minute,
			PollInterval:  5 * time.Second,
		},
		Allocation: AllocationConfig{
			IdleTimeout: 15 * time.Minute,
			MemoryGB:    1,
			LogicalCPU:  1,
		},
		Adjust: AdjustConfig{
			Interval:     time.Minute,
			Parallelism:  8,
			SweepOrphans: true,
			OrphanGrace:  15 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Output: OutputConfig{
			Format: "table",
		},
	}
}

// Validate checks the config for consistency.
func (c *Config) Validate() error {
	if c.Region == "" {
		return fmt.Errorf("region must be set")
	}

	switch c.Registrar.Backend {
	case BackendMemory, BackendKubernetes:
	case BackendRedis:
		if c.Registrar.Redis.Address == "" {
			return fmt.Errorf("registrar.redis.address must be set for the redis backend")
		}
	case BackendEtcd:
		if len(c.Registrar.Etcd.Endpoints) == 0 {
			return fmt.Errorf("registrar.etcd.endpoints must be set for the etcd backend")
		}
	default:
		return fmt.Errorf("registrar backend must be memory, redis, etcd, or kubernetes, got %q", c.Registrar.Backend)
	}
	if c.Registrar.Retry.Steps < 1 {
		return fmt.Errorf("registrar.retry.steps must be at least 1, got %d", c.Registrar.Retry.Steps)
	}

	if c.AWS.CapacityType != "on-demand" && c.AWS.CapacityType != "spot" {
		return fmt.Errorf("capacity_type must be on-demand or spot, got %q", c.AWS.CapacityType)
	}
	if c.AWS.Instances.MaxVCPUs > 0 && c.AWS.Instances.MinVCPUs > c.AWS.Instances.MaxVCPUs {
		return fmt.Errorf("min_vcpus (%d) exceeds max_vcpus (%d)", c.AWS.Instances.MinVCPUs, c.AWS.Instances.MaxVCPUs)
	}
	if c.AWS.MaxInstancesPerLaunch < 0 {
		return fmt.Errorf("max_instances_per_launch must be non-negative, got %d", c.AWS.MaxInstancesPerLaunch)
	}

	if c.Allocation.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must be non-negative, got %v", c.Allocation.IdleTimeout)
	}
	if c.Allocation.MemoryGB < 0 || c.Allocation.LogicalCPU < 0 {
		return fmt.Errorf("default job resources must be non-negative")
	}

	if c.Adjust.Interval <= 0 {
		return fmt.Errorf("adjust interval must be positive, got %v", c.Adjust.Interval)
	}
	if c.Adjust.OrphanGrace < 0 {
		return fmt.Errorf("orphan_grace must be non-negative, got %v", c.Adjust.OrphanGrace)
	}
	if c.Adjust.Parallelism <= 0 {
		c.Adjust.Parallelism = 8
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}
	validFormats := map[string]bool{"table": true, "json": true}
	if !validFormats[c.Output.Format] {
		return fmt.Errorf("output format must be table or json, got %q", c.Output.Format)
	}
	return nil
}

// detectRegion checks environment variables for the AWS region.
func detectRegion() string {
	if r := os.Getenv("AWS_REGION"); r != "" {
		return r
	}
	if r := os.Getenv("AWS_DEFAULT_REGION"); r != "" {
		return r
	}
	return "us-east-1"
}
