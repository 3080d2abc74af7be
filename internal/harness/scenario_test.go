package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/iapsync/internal/catalog"
	"github.com/roach88/iapsync/internal/connector"
)

const validScenario = `
name: valid
description: "All step kinds"
store: AppleAppStore
products:
  - {id: gold, store_specific_id: gold.sku, type: Consumable}
  - {id: vip, store_specific_id: vip.sku, type: subscription}
ledger:
  seed: [tx-0]
pending: [vip]
steps:
  - products_retrieved:
      - store_specific_id: gold.sku
        metadata: {localized_price_string: "1,99 EUR", iso_currency_code: EUR}
  - products_retrieved: []
  - purchase_succeeded: {store_specific_id: gold.sku, receipt: r, transaction_id: tx-1}
  - all_purchases_retrieved: []
  - purchase_failed: {product_id: gold.sku, reason: paymentdeclined}
  - setup_failed: {reason: AppNotKnown, message: unknown app}
  - entitlement_revoked: vip.sku
  - purchase: gold
  - confirm: vip
  - fail_ledger_write: true
assertions:
  - {type: trace_contains, event: app.initialized}
  - {type: trace_order, events: [store.initialize, app.initialized]}
  - {type: trace_count, event: app.initialized, count: 1}
  - {type: final_state, product: gold, expect: {available: true}}
  - {type: ledger_contains, transaction_id: tx-0}
`

func TestParseScenario_AllStepKinds(t *testing.T) {
	s, err := ParseScenario([]byte(validScenario))
	require.NoError(t, err)

	assert.Equal(t, "AppleAppStore", s.Store)
	assert.Equal(t, []catalog.ProductDefinition{
		{ID: "gold", StoreSpecificID: "gold.sku", Type: catalog.Consumable},
		{ID: "vip", StoreSpecificID: "vip.sku", Type: catalog.Subscription},
	}, s.Products)
	assert.Equal(t, []string{"tx-0"}, s.Ledger.Seed)
	assert.Equal(t, []string{"vip"}, s.Pending)

	require.Len(t, s.Steps, 10)
	assert.Equal(t, "1,99 EUR", s.Steps[0].ProductsRetrieved[0].Metadata.LocalizedPriceString)
	assert.NotNil(t, s.Steps[1].ProductsRetrieved, "an empty retrieval is still a step")
	assert.Empty(t, s.Steps[1].ProductsRetrieved)
	assert.Equal(t, "tx-1", s.Steps[2].PurchaseSucceeded.TransactionID)
	assert.NotNil(t, s.Steps[3].AllPurchasesRetrieved)
	assert.Equal(t, connector.PaymentDeclined, s.Steps[4].PurchaseFailed.Reason)
	assert.Equal(t, connector.AppNotKnown, s.Steps[5].SetupFailed.Reason)
	assert.Equal(t, "vip.sku", s.Steps[6].EntitlementRevoked)
	assert.Equal(t, "gold", s.Steps[7].Purchase)
	assert.Equal(t, "vip", s.Steps[8].Confirm)
	assert.True(t, s.Steps[9].FailLedgerWrite)
	assert.Len(t, s.Assertions, 5)
}

func TestParseScenario_Invalid(t *testing.T) {
	const products = "products: [{id: gold, store_specific_id: gold.sku, type: Consumable}]\n"
	const steps = "steps: [{purchase: gold}]\n"
	const assertions = "assertions: [{type: trace_contains, event: x}]\n"

	tests := []struct {
		name string
		src  string
		want string
	}{
		{"missing name", "description: d\n" + products + steps + assertions, "name is required"},
		{"missing description", "name: n\n" + products + steps + assertions, "description is required"},
		{"no products", "name: n\ndescription: d\n" + steps + assertions, "products list is required"},
		{"no steps", "name: n\ndescription: d\n" + products + assertions, "steps list is required"},
		{"no assertions", "name: n\ndescription: d\n" + products + steps, "assertions list is required"},
		{"empty step", "name: n\ndescription: d\n" + products + "steps: [{}]\n" + assertions, "steps[0]: no event set"},
		{"two events", "name: n\ndescription: d\n" + products + "steps: [{purchase: gold, confirm: gold}]\n" + assertions, "exactly one event"},
		{"unknown pending", "name: n\ndescription: d\npending: [vip]\n" + products + steps + assertions, `unknown product "vip"`},
		{"fail write without ledger", "name: n\ndescription: d\nledger: {disabled: true}\n" + products + "steps: [{fail_ledger_write: true}]\n" + assertions, "needs an enabled ledger"},
		{"unknown assertion", "name: n\ndescription: d\n" + products + steps + "assertions: [{type: eventually}]\n", `unknown assertion type "eventually"`},
		{"order needs two", "name: n\ndescription: d\n" + products + steps + "assertions: [{type: trace_order, events: [a]}]\n", "at least two events"},
		{"negative count", "name: n\ndescription: d\n" + products + steps + "assertions: [{type: trace_count, event: a, count: -1}]\n", "count must be non-negative"},
		{"state unknown product", "name: n\ndescription: d\n" + products + steps + "assertions: [{type: final_state, product: vip, expect: {available: true}}]\n", "needs a catalog product"},
		{"state unknown field", "name: n\ndescription: d\n" + products + steps + "assertions: [{type: final_state, product: gold, expect: {owned: true}}]\n", `unknown product field "owned"`},
		{"ledger without id", "name: n\ndescription: d\n" + products + steps + "assertions: [{type: ledger_contains}]\n", "transaction_id is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseScenario_RejectsUnknownFields(t *testing.T) {
	_, err := ParseScenario([]byte("name: n\ndescription: d\nassertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_BadReason(t *testing.T) {
	src := "name: n\ndescription: d\n" +
		"products: [{id: gold, store_specific_id: gold.sku, type: Consumable}]\n" +
		"steps: [{setup_failed: {reason: Offline}}]\n" +
		"assertions: [{type: trace_contains, event: x}]\n"
	_, err := ParseScenario([]byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown initialization failure reason")
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
