package aws

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// EC2 error codes that mean the region or the account is out of capacity.
var capacityErrorCodes = map[string]bool{
	"InsufficientInstanceCapacity": true,
	"InsufficientCapacity":         true,
	"InstanceLimitExceeded":        true,
	"VcpuLimitExceeded":            true,
	"MaxSpotInstanceCountExceeded": true,
	"SpotMaxPriceTooLow":           true,
}

// CapacityError reports that fewer instances than requested could be launched
// because of a quota or a capacity shortage. It satisfies cloud.QuotaError.
type CapacityError struct {
	Code      string
	Requested int
	Launched  int
	Err       error
}

func (e *CapacityError) Error() string {
	msg := fmt.Sprintf("launched %d of %d instances: %s", e.Launched, e.Requested, e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CapacityError) Unwrap() error { return e.Err }

// IsQuotaError implements cloud.QuotaError.
func (e *CapacityError) IsQuotaError() bool { return true }

// classifyLaunchError turns EC2 capacity errors into a *CapacityError.
func classifyLaunchError(err error, requested int) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && capacityErrorCodes[apiErr.ErrorCode()] {
		return &CapacityError{Code: apiErr.ErrorCode(), Requested: requested, Err: err}
	}
	return fmt.Errorf("running instances: %w", err)
}
