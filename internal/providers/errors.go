package providers

import (
	"errors"
	"fmt"
)

// ErrInstanceBusy rejects a second request for a key whose workflow is
// still running.
var ErrInstanceBusy = errors.New("instance already processing a request")

// ValidationError flags a missing or malformed required request field.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: missing required field %q", e.Field)
}

// VendorError is a structured failure reported by an upstream model.
type VendorError struct {
	Message string
	Code    string
	Type    string
}

func (e *VendorError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("vendor error [%s]: %s", e.Code, e.Message)
	}
	return "vendor error: " + e.Message
}
