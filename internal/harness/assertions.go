package harness

import (
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes the full trace to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, event)
		}
	}
	return buf.String()
}

// Evaluate checks a against r.
func Evaluate(r *Result, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(r.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(r.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(r.Trace, a)
	case AssertFinalState:
		return assertFinalState(r, a)
	case AssertLedgerContains:
		return assertLedgerContains(r, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertTraceContains(trace []string, a Assertion) error {
	if slices.Contains(trace, a.Event) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: a.Event,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrences of the events appear in
// the given order. Intervening events are allowed.
func assertTraceOrder(trace []string, a Assertion) error {
	positions := make([]int, len(a.Events))
	for i, event := range a.Events {
		positions[i] = slices.Index(trace, event)
		if positions[i] < 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %v", a.Events),
				Actual:   fmt.Sprintf("missing event: %s", event),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(positions); i++ {
		if positions[i-1] >= positions[i] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", a.Events),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					a.Events[i-1], positions[i-1]+1, a.Events[i], positions[i]+1),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []string, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event == a.Event {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Event),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState compares the fields listed in a.Expect. Keys are checked
// in sorted order so the first mismatch reported is stable.
func assertFinalState(r *Result, a Assertion) error {
	state, ok := r.Product(a.Product)
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("product %q", a.Product),
			Actual:   "product not in catalog",
		}
	}
	actual := state.fields()

	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		want := a.Expect[key]
		got, exists := actual[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present on product %s", key, a.Product),
			}
		}
		if !reflect.DeepEqual(want, got) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s.%s = %v (type %T)", a.Product, key, want, want),
				Actual:   fmt.Sprintf("%s.%s = %v (type %T)", a.Product, key, got, got),
			}
		}
	}
	return nil
}

func assertLedgerContains(r *Result, a Assertion) error {
	if slices.Contains(r.Ledger, a.TransactionID) {
		return nil
	}
	return &AssertionError{
		Type:     AssertLedgerContains,
		Expected: fmt.Sprintf("ledger entry %s", a.TransactionID),
		Actual:   fmt.Sprintf("ledger holds %v", r.Ledger),
	}
}
