// Package receipt builds the unified receipt handed to application code.
//
// Every store reports receipts in its own shape. The unified receipt wraps the
// raw payload together with the transaction id and the store name:
//
//	{"Payload":"<raw store receipt>","Store":"GooglePlay","TransactionID":"GPA.1234"}
//
// The encoding is canonical: keys in sorted order, no HTML escaping, and the
// store name and transaction id NFC-normalized, so the same purchase always
// yields byte-identical receipts regardless of which notification path
// produced it. The payload is signed by the store and is carried verbatim.
package receipt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// ErrEmpty is returned by Parse for an empty receipt.
var ErrEmpty = errors.New("empty receipt")

// Unified is the decoded form of a unified receipt.
type Unified struct {
	Payload       string `json:"Payload,omitempty"`
	Store         string `json:"Store"`
	TransactionID string `json:"TransactionID"`
}

// Format produces the unified receipt for a raw store receipt.
// An empty raw receipt omits the Payload field.
func Format(rawReceipt, transactionID, storeName string) string {
	var buf bytes.Buffer
	buf.WriteByte('{')

	// Keys are written in sorted order.
	first := true
	writeField := func(key, value string) {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.Write(marshalCanonicalString(key))
		buf.WriteByte(':')
		buf.Write(marshalCanonicalString(value))
	}

	if rawReceipt != "" {
		writeField("Payload", rawReceipt)
	}
	writeField("Store", norm.NFC.String(storeName))
	writeField("TransactionID", norm.NFC.String(transactionID))

	buf.WriteByte('}')
	return buf.String()
}

// Wrap is Format for receipts that may already be unified: a receipt that
// is already the unified receipt of transactionID is returned unchanged.
func Wrap(rawReceipt, transactionID, storeName string) string {
	if u, err := Parse(rawReceipt); err == nil && u.Store != "" && u.TransactionID == norm.NFC.String(transactionID) {
		return rawReceipt
	}
	return Format(rawReceipt, transactionID, storeName)
}

// Parse decodes a unified receipt.
func Parse(s string) (Unified, error) {
	if s == "" {
		return Unified{}, ErrEmpty
	}
	var u Unified
	if err := json.Unmarshal([]byte(s), &u); err != nil {
		return Unified{}, fmt.Errorf("parse unified receipt: %w", err)
	}
	return u, nil
}

// marshalCanonicalString encodes s as a JSON string. Only quote, backslash,
// and control characters are escaped.
func marshalCanonicalString(s string) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a string cannot fail.
	_ = enc.Encode(s)

	out := buf.Bytes()
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	return out
}
