package uds

import (
	"fmt"
	"time"
)

// NegativeResponseError is a definitive 7F reply from the ECU.
type NegativeResponseError struct {
	Service byte
	Code    NRC
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("negative response: SID=0x%02X, NRC=0x%02X (%s)", e.Service, byte(e.Code), e.Code)
}

// Retryable reports whether the whole request may be repeated.
func (e *NegativeResponseError) Retryable() bool {
	return e.Code.Retryable()
}

// TimeoutError reports that no valid response arrived within the active
// window, including a pending window that ran out.
type TimeoutError struct {
	Service byte
	Waited  time.Duration
	Pending bool // true when the ECU acknowledged with 0x78 but never concluded
}

func (e *TimeoutError) Error() string {
	if e.Pending {
		return fmt.Sprintf("pending window expired after %v for SID 0x%02X", e.Waited, e.Service)
	}
	return fmt.Sprintf("no response within %v for SID 0x%02X", e.Waited, e.Service)
}

// ConfigurationError reports a request the engine cannot form, such as a
// security level with no key transform.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// SecurityRequiredError reports an operation attempted while the session
// security sub-state is locked. Callers fail fast without transmitting.
type SecurityRequiredError struct {
	Level byte
}

func (e *SecurityRequiredError) Error() string {
	return fmt.Sprintf("security level 0x%02X not unlocked", e.Level)
}
