package catalog

import (
	"fmt"
	"strings"
)

// ProductType classifies how a store settles a purchase.
type ProductType int

const (
	// Consumable products can be bought repeatedly; the store consumes them on finish.
	Consumable ProductType = iota
	// NonConsumable products are bought once and restored on new installs.
	NonConsumable
	// Subscription products renew until cancelled.
	Subscription
)

var productTypeNames = [...]string{
	Consumable:    "Consumable",
	NonConsumable: "NonConsumable",
	Subscription:  "Subscription",
}

// String returns the canonical type name ("Consumable", "NonConsumable", "Subscription").
func (t ProductType) String() string {
	if t < 0 || int(t) >= len(productTypeNames) {
		return fmt.Sprintf("ProductType(%d)", int(t))
	}
	return productTypeNames[t]
}

// ParseProductType parses a type name case-insensitively.
func ParseProductType(s string) (ProductType, error) {
	for i, name := range productTypeNames {
		if strings.EqualFold(name, s) {
			return ProductType(i), nil
		}
	}
	return Consumable, fmt.Errorf("unknown product type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t ProductType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ProductType) UnmarshalText(b []byte) error {
	parsed, err := ParseProductType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ProductDefinition is the immutable, store-independent description of a product.
//
// Two definitions are equal when their IDs are equal; StoreSpecificID and Type
// do not participate in identity.
type ProductDefinition struct {
	ID              string      `json:"id" yaml:"id"`
	StoreSpecificID string      `json:"store_specific_id,omitempty" yaml:"store_specific_id,omitempty"`
	Type            ProductType `json:"type" yaml:"type"`
}

// NewDefinition creates a definition whose store-specific id equals its id.
func NewDefinition(id string, t ProductType) ProductDefinition {
	return ProductDefinition{ID: id, StoreSpecificID: id, Type: t}
}

// Equal reports whether two definitions share the same id.
func (d ProductDefinition) Equal(other ProductDefinition) bool {
	return d.ID == other.ID
}

// ProductMetadata is the localized store information for a product.
type ProductMetadata struct {
	LocalizedPriceString string `json:"localized_price_string,omitempty" yaml:"localized_price_string,omitempty"`
	LocalizedTitle       string `json:"localized_title,omitempty" yaml:"localized_title,omitempty"`
	LocalizedDescription string `json:"localized_description,omitempty" yaml:"localized_description,omitempty"`
	ISOCurrencyCode      string `json:"iso_currency_code,omitempty" yaml:"iso_currency_code,omitempty"`
	LocalizedPrice       string `json:"localized_price,omitempty" yaml:"localized_price,omitempty"`
}

// Product is the runtime state of one definition within a session.
type Product struct {
	// Definition is shared with the configured catalog and never modified.
	Definition          *ProductDefinition
	Metadata            ProductMetadata
	AvailableToPurchase bool

	// Receipt is the unified receipt (see package receipt); empty when absent.
	Receipt string

	// TransactionID is the store-issued transaction id; empty when absent.
	TransactionID string
}

// NewProduct wraps a definition with empty runtime state.
func NewProduct(def *ProductDefinition) *Product {
	return &Product{Definition: def}
}

// HasReceipt reports whether the product currently carries a receipt.
func (p *Product) HasReceipt() bool {
	return p.Receipt != ""
}

// ClearReceipt drops the receipt and transaction id.
// Used when the store no longer confirms a purchase.
func (p *Product) ClearReceipt() {
	p.Receipt = ""
	p.TransactionID = ""
}

// String returns a short description for logs.
func (p *Product) String() string {
	if p == nil || p.Definition == nil {
		return "<nil product>"
	}
	return fmt.Sprintf("%s(%s)", p.Definition.ID, p.Definition.StoreSpecificID)
}
