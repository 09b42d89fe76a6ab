package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrDriver marks failures loading or initializing the vendor libraries.
	ErrDriver        = errors.New("capture driver unavailable")
	ErrConfiguration = errors.New("invalid capture configuration")
	ErrSession       = errors.New("capture session call failed")
	ErrMustRecreate  = errors.New("capture session must be recreated")
	ErrTimeout       = errors.New("frame grab timed out")
	ErrNotSupported  = errors.New("display capture not supported on this platform")
)

// DriverError is a vendor call failure with the driver's own description.
type DriverError struct {
	Op      string
	Code    int
	Message string
}

func (e *DriverError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed with code %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s failed with code %d: %s", e.Op, e.Code, e.Message)
}

func (e *DriverError) Unwrap() error { return ErrDriver }
