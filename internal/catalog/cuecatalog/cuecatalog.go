// Package cuecatalog loads product catalogs written in CUE.
//
// Catalog files are unified with an embedded schema before decoding, so type
// errors (unknown product type, empty id, stray fields) are reported with CUE
// positions at configuration time rather than surfacing as runtime lookups
// that never match.
//
//	products: [
//		{id: "gold", store_specific_id: "com.example.gold", type: "Consumable"},
//		{id: "noads", type: "NonConsumable"},
//	]
package cuecatalog

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/iapsync/internal/catalog"
)

//go:embed schema.cue
var schemaSrc string

// entry mirrors #Product in schema.cue.
type entry struct {
	ID              string `json:"id"`
	StoreSpecificID string `json:"store_specific_id"`
	Type            string `json:"type"`
}

type document struct {
	Products []entry `json:"products"`
}

// Load reads and validates a CUE catalog file.
func Load(path string) ([]catalog.ProductDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return LoadBytes(path, data)
}

// LoadBytes validates CUE source against the catalog schema and returns the
// definitions in declaration order. filename is only used for error positions.
func LoadBytes(filename string, src []byte) ([]catalog.ProductDefinition, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile catalog schema: %w", err)
	}

	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Catalog")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var doc document
	if err := unified.Decode(&doc); err != nil {
		return nil, formatCUEError(err)
	}

	defs := make([]catalog.ProductDefinition, 0, len(doc.Products))
	for i, e := range doc.Products {
		pt, err := catalog.ParseProductType(e.Type)
		if err != nil {
			return nil, fmt.Errorf("products[%d]: %w", i, err)
		}
		storeID := e.StoreSpecificID
		if storeID == "" {
			storeID = e.ID
		}
		defs = append(defs, catalog.ProductDefinition{ID: e.ID, StoreSpecificID: storeID, Type: pt})
	}

	if err := catalog.ValidateDefinitions(defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// formatCUEError flattens a CUE error list into one error with positions.
func formatCUEError(err error) error {
	return fmt.Errorf("invalid catalog: %s", cueerrors.Details(err, nil))
}
