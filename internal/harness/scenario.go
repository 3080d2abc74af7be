package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/iapsync/internal/catalog"
	"github.com/roach88/iapsync/internal/connector"
)

// DefaultStoreName names the scripted store when a scenario does not.
const DefaultStoreName = "scenario"

// Scenario scripts one purchasing session.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Store names the scripted store. It appears in unified receipts and
	// settlements. Default: DefaultStoreName.
	Store string `yaml:"store,omitempty"`

	// Products is the session catalog.
	Products []catalog.ProductDefinition `yaml:"products"`

	// Ledger configures the transaction ledger.
	Ledger LedgerSetup `yaml:"ledger,omitempty"`

	// Pending lists product ids the application answers with Pending.
	// Every other product is completed immediately.
	Pending []string `yaml:"pending,omitempty"`

	// Steps run in order after the session starts.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// LedgerSetup configures the in-memory ledger.
type LedgerSetup struct {
	// Disabled turns ledger deduplication off.
	Disabled bool `yaml:"disabled,omitempty"`

	// Seed lists transaction ids settled by an earlier session.
	Seed []string `yaml:"seed,omitempty"`
}

// Step is one scripted event. Exactly one field is set.
type Step struct {
	// Store notifications.
	ProductsRetrieved     []connector.ProductDescription        `yaml:"products_retrieved,omitempty"`
	PurchaseSucceeded     *PurchaseNotification                 `yaml:"purchase_succeeded,omitempty"`
	AllPurchasesRetrieved []connector.PurchasedProduct          `yaml:"all_purchases_retrieved,omitempty"`
	PurchaseFailed        *connector.PurchaseFailureDescription `yaml:"purchase_failed,omitempty"`
	SetupFailed           *SetupFailure                         `yaml:"setup_failed,omitempty"`
	EntitlementRevoked    string                                `yaml:"entitlement_revoked,omitempty"`

	// Application calls.
	Purchase string `yaml:"purchase,omitempty"`
	Confirm  string `yaml:"confirm,omitempty"`

	// FailLedgerWrite makes the next ledger append fail.
	FailLedgerWrite bool `yaml:"fail_ledger_write,omitempty"`
}

// PurchaseNotification is the payload of OnPurchaseSucceeded.
type PurchaseNotification struct {
	StoreSpecificID string `yaml:"store_specific_id"`
	Receipt         string `yaml:"receipt"`
	TransactionID   string `yaml:"transaction_id"`
}

// SetupFailure is the payload of OnSetupFailed.
type SetupFailure struct {
	Reason  connector.InitializationFailureReason `yaml:"reason"`
	Message string                                `yaml:"message,omitempty"`
}

// kinds returns the names of the fields set on s.
func (s Step) kinds() []string {
	var k []string
	if s.ProductsRetrieved != nil {
		k = append(k, "products_retrieved")
	}
	if s.PurchaseSucceeded != nil {
		k = append(k, "purchase_succeeded")
	}
	if s.AllPurchasesRetrieved != nil {
		k = append(k, "all_purchases_retrieved")
	}
	if s.PurchaseFailed != nil {
		k = append(k, "purchase_failed")
	}
	if s.SetupFailed != nil {
		k = append(k, "setup_failed")
	}
	if s.EntitlementRevoked != "" {
		k = append(k, "entitlement_revoked")
	}
	if s.Purchase != "" {
		k = append(k, "purchase")
	}
	if s.Confirm != "" {
		k = append(k, "confirm")
	}
	if s.FailLedgerWrite {
		k = append(k, "fail_ledger_write")
	}
	return k
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Event is a trace event (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Events is the expected relative order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Product is the catalog id to inspect (final_state).
	Product string `yaml:"product,omitempty"`

	// Expect holds expected product fields (final_state). Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	// TransactionID is the id that must be recorded (ledger_contains).
	TransactionID string `yaml:"transaction_id,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains  = "trace_contains"
	AssertTraceOrder     = "trace_order"
	AssertTraceCount     = "trace_count"
	AssertFinalState     = "final_state"
	AssertLedgerContains = "ledger_contains"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields, or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if len(s.Products) == 0 {
		return errors.New("products list is required and must be non-empty")
	}
	if err := catalog.ValidateDefinitions(s.Products); err != nil {
		return fmt.Errorf("products: %w", err)
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return errors.New("assertions list is required and must be non-empty")
	}

	known := make(map[string]struct{}, len(s.Products))
	for _, p := range s.Products {
		known[p.ID] = struct{}{}
	}
	for _, id := range s.Pending {
		if _, ok := known[id]; !ok {
			return fmt.Errorf("pending: unknown product %q", id)
		}
	}

	for i, step := range s.Steps {
		switch k := step.kinds(); len(k) {
		case 1:
		case 0:
			return fmt.Errorf("steps[%d]: no event set", i)
		default:
			return fmt.Errorf("steps[%d]: exactly one event allowed, got %v", i, k)
		}
		if step.FailLedgerWrite && s.Ledger.Disabled {
			return fmt.Errorf("steps[%d]: fail_ledger_write needs an enabled ledger", i)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], known); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, products map[string]struct{}) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) < 2 {
			return fmt.Errorf("assertions[%d]: at least two events are required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if _, ok := products[a.Product]; !ok {
			return fmt.Errorf("assertions[%d]: final_state needs a catalog product, got %q", index, a.Product)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
		fields := ProductState{}.fields()
		for key := range a.Expect {
			if _, ok := fields[key]; !ok {
				return fmt.Errorf("assertions[%d]: unknown product field %q", index, key)
			}
		}
	case AssertLedgerContains:
		if a.TransactionID == "" {
			return fmt.Errorf("assertions[%d]: transaction_id is required for ledger_contains", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
