package cloud

import (
	"context"
	"errors"
	"time"

	"github.com/guimove/fleetfit/internal/model"
)

// ErrProviderUnavailable wraps every failure to reach or use the cloud provider.
var ErrProviderUnavailable = errors.New("cloud provider unavailable")

// QuotaError is implemented by errors that mean the account or the region has run
// out of capacity, as opposed to a transient API failure.
type QuotaError interface {
	error
	IsQuotaError() bool
}

// IsQuota reports whether err, or any error it wraps, is a quota error.
func IsQuota(err error) bool {
	var qe QuotaError
	return errors.As(err, &qe) && qe.IsQuotaError()
}

// LaunchRequest asks for enough capacity to run NumJobs jobs of ResourcesPerJob.
// The provider picks the instance type and count.
type LaunchRequest struct {
	ResourcesPerJob model.Resources
	NumJobs         int
	IdleTimeout     time.Duration
	Region          string
}

// LaunchedInstance is an instance that reached the running state.
type LaunchedInstance struct {
	ID           string
	Address      string
	Name         string
	InstanceType string

	// Resources is the capacity usable by jobs.
	Resources  model.Resources
	LaunchedAt time.Time
}

// RunningInstance is a provider-side instance managed by fleetfit.
type RunningInstance struct {
	ID         string
	Address    string
	LaunchedAt time.Time
}

// Provider launches, inspects and terminates instances.
type Provider interface {
	// LaunchInstances is best effort and may return fewer instances than needed,
	// together with the error that stopped it. It returns once they are running.
	LaunchInstances(ctx context.Context, req LaunchRequest) ([]LaunchedInstance, error)

	// IsRunning reports whether the instance at address is pending or running.
	IsRunning(ctx context.Context, address string) (bool, error)

	// Terminate returns false if there was no instance at address to terminate.
	Terminate(ctx context.Context, address string) (bool, error)

	// RunningInstances lists the running instances fleetfit launched in this region.
	RunningInstances(ctx context.Context) ([]RunningInstance, error)
}
