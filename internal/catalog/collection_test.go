package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDefinitions() []ProductDefinition {
	return []ProductDefinition{
		{ID: "gold", StoreSpecificID: "com.example.gold", Type: Consumable},
		{ID: "noads", StoreSpecificID: "com.example.noads", Type: NonConsumable},
		{ID: "vip", StoreSpecificID: "com.example.vip", Type: Subscription},
	}
}

func TestValidateDefinitions(t *testing.T) {
	tests := []struct {
		name    string
		defs    []ProductDefinition
		wantErr error
	}{
		{"valid", testDefinitions(), nil},
		{"empty list", nil, nil},
		{"empty id", []ProductDefinition{{ID: ""}}, ErrEmptyProductID},
		{
			"duplicate id",
			[]ProductDefinition{NewDefinition("a", Consumable), {ID: "a", StoreSpecificID: "other"}},
			ErrDuplicateProductID,
		},
		{
			"shared store id is allowed",
			[]ProductDefinition{{ID: "a", StoreSpecificID: "x"}, {ID: "b", StoreSpecificID: "y"}},
			nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDefinitions(tt.defs)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCollection_Lookups(t *testing.T) {
	c := NewCollection(testDefinitions())

	require.Equal(t, 3, c.Len())

	gold := c.WithID("gold")
	require.NotNil(t, gold)
	assert.Same(t, gold, c.WithStoreSpecificID("com.example.gold"))
	assert.Equal(t, Consumable, gold.Definition.Type)

	assert.Nil(t, c.WithID("missing"))
	assert.Nil(t, c.WithStoreSpecificID("missing"))
	assert.Nil(t, c.WithStoreSpecificID(""))
}

func TestCollection_PreservesOrder(t *testing.T) {
	c := NewCollection(testDefinitions())

	ids := make([]string, 0, c.Len())
	for _, p := range c.All() {
		ids = append(ids, p.Definition.ID)
	}
	assert.Equal(t, []string{"gold", "noads", "vip"}, ids)
	assert.Equal(t, testDefinitions(), c.Definitions())
}

func TestCollection_CopiesDefinitions(t *testing.T) {
	defs := testDefinitions()
	c := NewCollection(defs)

	defs[0].ID = "mutated"

	assert.NotNil(t, c.WithID("gold"))
	assert.Equal(t, "gold", c.WithID("gold").Definition.ID)
}

func TestCollection_EmptyStoreSpecificIDNotIndexed(t *testing.T) {
	c := NewCollection([]ProductDefinition{{ID: "local-only", Type: NonConsumable}})

	assert.NotNil(t, c.WithID("local-only"))
	assert.Nil(t, c.WithStoreSpecificID(""))
}

func TestCollection_Contains(t *testing.T) {
	c := NewCollection(testDefinitions())

	assert.True(t, c.Contains(c.WithID("noads")))

	def := NewDefinition("noads", NonConsumable)
	assert.False(t, c.Contains(NewProduct(&def)), "a separate instance with the same id is not owned")
	assert.False(t, c.Contains(nil))
}

func TestProduct_ClearReceipt(t *testing.T) {
	def := NewDefinition("gold", Consumable)
	p := NewProduct(&def)
	p.Receipt = "r"
	p.TransactionID = "tx"

	p.ClearReceipt()

	assert.False(t, p.HasReceipt())
	assert.Empty(t, p.TransactionID)
}

func TestDefinition_EqualByID(t *testing.T) {
	a := ProductDefinition{ID: "x", StoreSpecificID: "s1", Type: Consumable}
	b := ProductDefinition{ID: "x", StoreSpecificID: "s2", Type: Subscription}
	c := ProductDefinition{ID: "y", StoreSpecificID: "s1", Type: Consumable}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestProductType_Text(t *testing.T) {
	for _, pt := range []ProductType{Consumable, NonConsumable, Subscription} {
		b, err := pt.MarshalText()
		require.NoError(t, err)

		var back ProductType
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, pt, back)
	}

	parsed, err := ParseProductType("nonconsumable")
	require.NoError(t, err)
	assert.Equal(t, NonConsumable, parsed)

	_, err = ParseProductType("durable")
	assert.Error(t, err)
	assert.Equal(t, "ProductType(9)", ProductType(9).String())
}
