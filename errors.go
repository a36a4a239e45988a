package reservoir

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	ErrStoreContention     = errors.New("reservoir: store contention")
	ErrTenantQuotaNotFound = errors.New("reservoir: tenant quota not found")
	ErrReservationNotFound = errors.New("reservoir: reservation not found")
	ErrUnknownResource     = errors.New("reservoir: unknown resource kind")
)

// OverQuotaError is returned when a request would exceed at least one limit.
// Overs names every offending resource kind, sorted.
type OverQuotaError struct {
	Overs []string
}

func (e *OverQuotaError) Error() string {
	return fmt.Sprintf("reservoir: quota exceeded for resources: %s", strings.Join(e.Overs, ", "))
}

// InvalidQuotaValueError is returned when a proposed value is negative.
// Unders names every offending key, sorted.
type InvalidQuotaValueError struct {
	Unders []string
}

func (e *InvalidQuotaValueError) Error() string {
	return fmt.Sprintf("reservoir: invalid quota value for keys: %s", strings.Join(e.Unders, ", "))
}

// IsOverQuota reports whether err is an OverQuotaError.
func IsOverQuota(err error) bool {
	var oq *OverQuotaError
	return errors.As(err, &oq)
}

// IsInvalidQuotaValue reports whether err is an InvalidQuotaValueError.
func IsInvalidQuotaValue(err error) bool {
	var iv *InvalidQuotaValueError
	return errors.As(err, &iv)
}

// IsRetryable reports whether the error is transient store contention.
// Quota-semantic failures are never retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreContention)
}
