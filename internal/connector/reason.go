package connector

import (
	"fmt"
	"strings"
)

// InitializationFailureReason explains why a session failed to initialize.
type InitializationFailureReason int

const (
	// PurchasingUnavailable means in-app purchases are disabled on the device
	// or the billing service cannot be reached.
	PurchasingUnavailable InitializationFailureReason = iota
	// NoProductsAvailable means the first retrieval returned nothing usable.
	NoProductsAvailable
	// AppNotKnown means the store does not recognize the application.
	AppNotKnown
)

var initReasonNames = [...]string{
	PurchasingUnavailable: "PurchasingUnavailable",
	NoProductsAvailable:   "NoProductsAvailable",
	AppNotKnown:           "AppNotKnown",
}

func (r InitializationFailureReason) String() string {
	if int(r) >= 0 && int(r) < len(initReasonNames) {
		return initReasonNames[r]
	}
	return fmt.Sprintf("InitializationFailureReason(%d)", int(r))
}

// MarshalText implements encoding.TextMarshaler.
func (r InitializationFailureReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Matching is case-insensitive.
func (r *InitializationFailureReason) UnmarshalText(text []byte) error {
	for i, name := range initReasonNames {
		if strings.EqualFold(name, string(text)) {
			*r = InitializationFailureReason(i)
			return nil
		}
	}
	return fmt.Errorf("unknown initialization failure reason %q", text)
}

// PurchaseFailureReason explains why a purchase attempt failed.
type PurchaseFailureReason int

const (
	PurchaseUnavailable PurchaseFailureReason = iota
	ExistingPurchasePending
	ProductUnavailable
	SignatureInvalid
	UserCancelled
	PaymentDeclined
	DuplicateTransaction
	Unknown
)

var purchaseReasonNames = [...]string{
	PurchaseUnavailable:     "PurchasingUnavailable",
	ExistingPurchasePending: "ExistingPurchasePending",
	ProductUnavailable:      "ProductUnavailable",
	SignatureInvalid:        "SignatureInvalid",
	UserCancelled:           "UserCancelled",
	PaymentDeclined:         "PaymentDeclined",
	DuplicateTransaction:    "DuplicateTransaction",
	Unknown:                 "Unknown",
}

func (r PurchaseFailureReason) String() string {
	if int(r) >= 0 && int(r) < len(purchaseReasonNames) {
		return purchaseReasonNames[r]
	}
	return fmt.Sprintf("PurchaseFailureReason(%d)", int(r))
}

// MarshalText implements encoding.TextMarshaler.
func (r PurchaseFailureReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Matching is case-insensitive.
func (r *PurchaseFailureReason) UnmarshalText(text []byte) error {
	for i, name := range purchaseReasonNames {
		if strings.EqualFold(name, string(text)) {
			*r = PurchaseFailureReason(i)
			return nil
		}
	}
	return fmt.Errorf("unknown purchase failure reason %q", text)
}

// PurchaseFailureDescription describes one failed purchase attempt.
// ProductID carries the store-specific id as reported by the connector.
type PurchaseFailureDescription struct {
	ProductID string                `json:"product_id,omitempty" yaml:"product_id,omitempty"`
	Reason    PurchaseFailureReason `json:"reason" yaml:"reason"`
	Message   string                `json:"message,omitempty" yaml:"message,omitempty"`
}
