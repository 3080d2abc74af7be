package harness

import (
	"github.com/roach88/iapsync/internal/audit"
)

// ProductState is the final runtime state of one catalog product.
type ProductState struct {
	ID            string `json:"id"`
	Available     bool   `json:"available"`
	Price         string `json:"price,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Receipt       string `json:"receipt,omitempty"`
}

// fields exposes the state to final_state assertions.
func (s ProductState) fields() map[string]any {
	return map[string]any{
		"available":      s.Available,
		"price":          s.Price,
		"transaction_id": s.TransactionID,
		"receipt":        s.Receipt,
		"has_receipt":    s.Receipt != "",
	}
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace is the ordered call log.
	Trace []string `json:"trace"`

	// Errors holds one message per failed assertion.
	Errors []string `json:"errors,omitempty"`

	// Products is the final catalog state, in catalog order.
	Products []ProductState `json:"products"`

	// Ledger lists recorded transaction ids in insertion order.
	Ledger []string `json:"ledger"`

	// Settlements lists everything the engine published.
	Settlements []audit.Settlement `json:"settlements"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:        true,
		Trace:       []string{},
		Errors:      []string{},
		Products:    []ProductState{},
		Ledger:      []string{},
		Settlements: []audit.Settlement{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Product returns the final state of the product with the given id.
func (r *Result) Product(id string) (ProductState, bool) {
	for _, p := range r.Products {
		if p.ID == id {
			return p, true
		}
	}
	return ProductState{}, false
}
