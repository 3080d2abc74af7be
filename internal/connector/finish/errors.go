package finish

import (
	"errors"
	"fmt"
)

// Code is a billing service response code.
type Code int

const (
	OK Code = iota
	UserCanceled
	ServiceUnavailable
	BillingUnavailable
	ItemUnavailable
	DeveloperError
	FatalError
	ItemAlreadyOwned
	ItemNotOwned
	ServiceDisconnected
	FeatureNotSupported
	NetworkError
)

var codeNames = [...]string{
	OK:                  "OK",
	UserCanceled:        "USER_CANCELED",
	ServiceUnavailable:  "SERVICE_UNAVAILABLE",
	BillingUnavailable:  "BILLING_UNAVAILABLE",
	ItemUnavailable:     "ITEM_UNAVAILABLE",
	DeveloperError:      "DEVELOPER_ERROR",
	FatalError:          "ERROR",
	ItemAlreadyOwned:    "ITEM_ALREADY_OWNED",
	ItemNotOwned:        "ITEM_NOT_OWNED",
	ServiceDisconnected: "SERVICE_DISCONNECTED",
	FeatureNotSupported: "FEATURE_NOT_SUPPORTED",
	NetworkError:        "NETWORK_ERROR",
}

func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// BillingError is a non-OK response from the billing service.
type BillingError struct {
	Code    Code
	Message string
}

func (e *BillingError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("billing error: %s", e.Code)
	}
	return fmt.Sprintf("billing error: %s: %s", e.Code, e.Message)
}

// NewBillingError creates a BillingError.
func NewBillingError(code Code, message string) *BillingError {
	return &BillingError{Code: code, Message: message}
}

// IsRecoverable reports whether err carries a response code worth retrying.
//
// DEVELOPER_ERROR is included: acknowledging occasionally reports it
// spuriously and succeeds on the next attempt.
func IsRecoverable(err error) bool {
	var be *BillingError
	if !errors.As(err, &be) {
		return false
	}
	switch be.Code {
	case ServiceUnavailable, DeveloperError, FatalError:
		return true
	default:
		return false
	}
}
