package finish

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/iapsync/internal/catalog"
	"github.com/roach88/iapsync/internal/connector"
)

var fastPolicy = Policy{
	MaxAttempts:     5,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
}

type failureSink struct {
	mu    sync.Mutex
	descs []connector.PurchaseFailureDescription
}

func (f *failureSink) record(d connector.PurchaseFailureDescription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.descs = append(f.descs, d)
}

func (f *failureSink) all() []connector.PurchaseFailureDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connector.PurchaseFailureDescription(nil), f.descs...)
}

func setupWorker(t *testing.T) (*Worker, *MemoryBackend, *failureSink) {
	t.Helper()
	backend := NewMemoryBackend()
	sink := &failureSink{}
	w := NewWorker(backend, WithPolicy(fastPolicy), WithFailureHandler(sink.record))
	return w, backend, sink
}

func consumable(id string) *catalog.ProductDefinition {
	def := catalog.NewDefinition(id, catalog.Consumable)
	return &def
}

func nonConsumable(id string) *catalog.ProductDefinition {
	def := catalog.NewDefinition(id, catalog.NonConsumable)
	return &def
}

func TestWorker_ConsumesConsumable(t *testing.T) {
	w, backend, sink := setupWorker(t)
	backend.Put(Purchase{Token: "tok", StoreSpecificID: "gold", State: StatePurchased})

	outcome, err := w.Finish(context.Background(), Request{Definition: consumable("gold"), TransactionID: "tok"})
	require.NoError(t, err)
	assert.Equal(t, Settled, outcome)
	assert.Equal(t, []string{"find:tok", "consume:tok"}, backend.Calls())
	assert.Empty(t, sink.all())

	_, stillThere := backend.Get("tok")
	assert.False(t, stillThere)
}

func TestWorker_AcknowledgesNonConsumableOnce(t *testing.T) {
	w, backend, _ := setupWorker(t)
	backend.Put(Purchase{Token: "tok", State: StatePurchased})

	outcome, err := w.Finish(context.Background(), Request{Definition: nonConsumable("sword"), TransactionID: "tok"})
	require.NoError(t, err)
	assert.Equal(t, Settled, outcome)

	p, _ := backend.Get("tok")
	assert.True(t, p.Acknowledged)

	// Processed tokens are skipped without touching the service.
	outcome, err = w.Finish(context.Background(), Request{Definition: nonConsumable("sword"), TransactionID: "tok"})
	require.NoError(t, err)
	assert.Equal(t, AlreadySettled, outcome)
	assert.Equal(t, []string{"find:tok", "acknowledge:tok"}, backend.Calls())
}

func TestWorker_AlreadyAcknowledged(t *testing.T) {
	w, backend, _ := setupWorker(t)
	backend.Put(Purchase{Token: "tok", State: StatePurchased, Acknowledged: true})

	outcome, err := w.Finish(context.Background(), Request{Definition: nonConsumable("sword"), TransactionID: "tok"})
	require.NoError(t, err)
	assert.Equal(t, AlreadySettled, outcome)
	assert.Equal(t, []string{"find:tok"}, backend.Calls())
}

func TestWorker_NilDefinitionAcknowledges(t *testing.T) {
	w, backend, _ := setupWorker(t)
	backend.Put(Purchase{Token: "tok", StoreSpecificID: "mystery", State: StatePurchased})

	outcome, err := w.Finish(context.Background(), Request{TransactionID: "tok"})
	require.NoError(t, err)
	assert.Equal(t, Settled, outcome)
	assert.Equal(t, []string{"find:tok", "acknowledge:tok"}, backend.Calls())
}

func TestWorker_SkipsUnknownAndPending(t *testing.T) {
	w, backend, sink := setupWorker(t)
	backend.Put(Purchase{Token: "pending", State: StatePending})

	outcome, err := w.Finish(context.Background(), Request{Definition: consumable("gold"), TransactionID: "missing"})
	require.NoError(t, err)
	assert.Equal(t, Skipped, outcome)

	outcome, err = w.Finish(context.Background(), Request{Definition: consumable("gold"), TransactionID: "pending"})
	require.NoError(t, err)
	assert.Equal(t, Skipped, outcome)

	assert.Empty(t, sink.all())
}

func TestWorker_RetriesRecoverableErrors(t *testing.T) {
	w, backend, sink := setupWorker(t)
	backend.Put(Purchase{Token: "tok", State: StatePurchased})
	backend.FailNext(OpAcknowledge,
		NewBillingError(ServiceUnavailable, "try later"),
		NewBillingError(DeveloperError, "spurious"),
	)

	outcome, err := w.Finish(context.Background(), Request{Definition: nonConsumable("sword"), TransactionID: "tok"})
	require.NoError(t, err)
	assert.Equal(t, Settled, outcome)
	assert.Equal(t, []string{"find:tok", "acknowledge:tok", "acknowledge:tok", "acknowledge:tok"}, backend.Calls())
	assert.Empty(t, sink.all())
}

func TestWorker_ExhaustedRetriesReportFailure(t *testing.T) {
	w, backend, sink := setupWorker(t)
	backend.Put(Purchase{Token: "tok", State: StatePurchased})
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = NewBillingError(FatalError, "down")
	}
	backend.FailNext(OpConsume, errs...)

	outcome, err := w.Finish(context.Background(), Request{Definition: consumable("gold"), TransactionID: "tok"})
	require.Error(t, err)
	assert.Equal(t, Failed, outcome)
	assert.True(t, IsRecoverable(err))

	consumes := 0
	for _, c := range backend.Calls() {
		if c == "consume:tok" {
			consumes++
		}
	}
	assert.Equal(t, fastPolicy.MaxAttempts, consumes)

	failures := sink.all()
	require.Len(t, failures, 1)
	assert.Equal(t, "gold", failures[0].ProductID)
	assert.Equal(t, connector.Unknown, failures[0].Reason)
	assert.Contains(t, failures[0].Message, "ERROR")
}

func TestWorker_NonRecoverableStopsImmediately(t *testing.T) {
	w, backend, sink := setupWorker(t)
	backend.Put(Purchase{Token: "tok", State: StatePurchased})
	backend.FailNext(OpConsume, NewBillingError(ItemNotOwned, "gone"))

	outcome, err := w.Finish(context.Background(), Request{Definition: consumable("gold"), TransactionID: "tok"})
	require.Error(t, err)
	assert.Equal(t, Failed, outcome)

	var be *BillingError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ItemNotOwned, be.Code)
	assert.Equal(t, []string{"find:tok", "consume:tok"}, backend.Calls())
	assert.Len(t, sink.all(), 1)

	// A failed token is not marked processed; a later attempt retries.
	outcome, err = w.Finish(context.Background(), Request{Definition: consumable("gold"), TransactionID: "tok"})
	require.NoError(t, err)
	assert.Equal(t, Settled, outcome)
}

func TestWorker_FindFailureIsReported(t *testing.T) {
	w, backend, sink := setupWorker(t)
	backend.FailNext(OpFind, errors.New("socket closed"))

	outcome, err := w.Finish(context.Background(), Request{Definition: consumable("gold"), TransactionID: "tok"})
	require.Error(t, err)
	assert.Equal(t, Failed, outcome)
	assert.Equal(t, []string{"find:tok"}, backend.Calls(), "plain errors are not retried")
	assert.Len(t, sink.all(), 1)
}

func TestWorker_SubmitRunsOnWorkerGoroutine(t *testing.T) {
	backend := NewMemoryBackend()
	backend.Put(Purchase{Token: "a", State: StatePurchased})
	backend.Put(Purchase{Token: "b", State: StatePurchased})

	var mu sync.Mutex
	var outcomes []Outcome
	w := NewWorker(backend,
		WithPolicy(fastPolicy),
		WithOutcomeHook(func(_ Request, o Outcome) {
			mu.Lock()
			defer mu.Unlock()
			outcomes = append(outcomes, o)
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.True(t, w.Submit(Request{Definition: consumable("gold"), TransactionID: "a"}))
	require.True(t, w.Submit(Request{Definition: nonConsumable("sword"), TransactionID: "b"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(outcomes) == 2
	}, time.Second, 5*time.Millisecond)

	w.Close()
	assert.False(t, w.Submit(Request{TransactionID: "c"}))
	require.NoError(t, <-done)
	assert.Equal(t, []Outcome{Settled, Settled}, outcomes)
}

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{NewBillingError(ServiceUnavailable, ""), true},
		{NewBillingError(DeveloperError, ""), true},
		{NewBillingError(FatalError, ""), true},
		{NewBillingError(UserCanceled, ""), false},
		{NewBillingError(ItemAlreadyOwned, ""), false},
		{errors.New("plain"), false},
		{nil, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRecoverable(tt.err), "%v", tt.err)
	}
}

func TestBillingError_Message(t *testing.T) {
	assert.Equal(t, "billing error: SERVICE_UNAVAILABLE", NewBillingError(ServiceUnavailable, "").Error())
	assert.Equal(t, "billing error: ERROR: boom", NewBillingError(FatalError, "boom").Error())
	assert.Equal(t, "Code(99)", Code(99).String())
}
