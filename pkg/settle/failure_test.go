package settle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkshield/settle/pkg/contracts"
	"github.com/forkshield/settle/pkg/events"
	"github.com/forkshield/settle/pkg/settle"
	"github.com/forkshield/settle/pkg/store"
)

// flakyStore wraps a real store and fails SaveOrder with a transient error
// a configured number of times.
type flakyStore struct {
	store.Store
	mu        sync.Mutex
	failures  int
	saveCalls int
}

func (f *flakyStore) SaveOrder(ctx context.Context, o *contracts.Order) error {
	f.mu.Lock()
	f.saveCalls++
	fail := f.saveCalls <= f.failures
	f.mu.Unlock()
	if fail {
		return contracts.Errf(contracts.KindNetwork, o.HeadID, o.OrderID, "simulated outage")
	}
	return f.Store.SaveOrder(ctx, o)
}

func (f *flakyStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveCalls
}

func fastRetry() settle.RetryPolicy {
	return settle.RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

// TestSubmitOrder_RetriesTransientFailure verifies a transient persistence
// failure is retried with backoff and the submission still succeeds.
func TestSubmitOrder_RetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{Store: store.NewMemory(), failures: 2}
	c := newCoordinator(t, fs, settle.WithRetryPolicy(fastRetry()))

	headID, err := c.OpenHead(ctx, "s1", []string{"alice"}, nil)
	require.NoError(t, err)

	orderID, err := c.SubmitOrder(ctx, headID, dangerPayload("sha256:ev1"))
	require.NoError(t, err)
	assert.Equal(t, "o-h-s1-0001", orderID)
	assert.Equal(t, 3, fs.calls())

	status, err := c.GetStatus(ctx, headID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.OrdersCount)
}

// TestSubmitOrder_ExhaustedRetriesMovesHeadToError verifies a persistent
// outage surfaces the error and transitions the head to ERROR rather than
// leaving it half-applied.
func TestSubmitOrder_ExhaustedRetriesMovesHeadToError(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{Store: store.NewMemory(), failures: 1000}
	c := newCoordinator(t, fs, settle.WithRetryPolicy(fastRetry()))

	headID, err := c.OpenHead(ctx, "s1", []string{"alice"}, nil)
	require.NoError(t, err)

	_, err = c.SubmitOrder(ctx, headID, dangerPayload("sha256:ev1"))
	require.Error(t, err)
	assert.Equal(t, contracts.KindNetwork, contracts.KindOf(err))
	assert.Equal(t, 3, fs.calls())

	status, err := c.GetStatus(ctx, headID)
	require.NoError(t, err)
	assert.Equal(t, contracts.HeadError, status.Status)

	errored := events.HeadErrored
	assert.Len(t, c.Events().Timeline().Query(events.Query{Type: &errored}), 1)

	// An errored head accepts no further work and cannot close.
	_, err = c.SubmitOrder(ctx, headID, safePayload("sha256:ev2"))
	require.Error(t, err)
	assert.Equal(t, contracts.KindHeadClosed, contracts.KindOf(err))

	_, err = c.CloseHead(ctx, headID)
	require.Error(t, err)
	assert.Equal(t, contracts.KindInvalidTransition, contracts.KindOf(err))

	// But it may be purged.
	assert.NoError(t, c.PurgeHead(ctx, headID))
}

// TestSubmitOrder_ValidationErrorsAreNotRetried verifies non-transient
// failures surface immediately without touching the store again.
func TestSubmitOrder_ValidationErrorsAreNotRetried(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{Store: store.NewMemory()}
	c := newCoordinator(t, fs, settle.WithRetryPolicy(fastRetry()))

	headID, err := c.OpenHead(ctx, "s1", []string{"alice"}, nil)
	require.NoError(t, err)

	_, err = c.SubmitOrder(ctx, headID, dangerPayload(""))
	require.Error(t, err)
	assert.Equal(t, contracts.KindOrderRejected, contracts.KindOf(err))
	assert.Zero(t, fs.calls())
}

// TestOpenHead_StoreFailure verifies a failed open leaves no head behind:
// a later open of the same session starts clean.
func TestOpenHead_StoreFailure(t *testing.T) {
	ctx := context.Background()
	st := &failingHeadStore{Store: store.NewMemory(), failures: 1000}
	c := newCoordinator(t, st, settle.WithRetryPolicy(fastRetry()))

	_, err := c.OpenHead(ctx, "s1", []string{"alice"}, nil)
	require.Error(t, err)
	assert.Equal(t, contracts.KindNetwork, contracts.KindOf(err))

	st.mu.Lock()
	st.failures = 0
	st.mu.Unlock()

	headID, err := c.OpenHead(ctx, "s1", []string{"alice"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "h-s1", headID)
}

// TestCloseHead_PersistFailureMovesHeadToError verifies a close whose
// persistence fails does not leave the head half-closed: the store never
// records CLOSED, the head moves to ERROR, and a retried close reports
// INVALID_TRANSITION instead of acknowledging a close that never happened.
func TestCloseHead_PersistFailureMovesHeadToError(t *testing.T) {
	ctx := context.Background()
	st := &closeRejectingStore{Store: store.NewMemory()}
	c := newCoordinator(t, st, settle.WithRetryPolicy(fastRetry()))

	headID, err := c.OpenHead(ctx, "s1", []string{"alice"}, nil)
	require.NoError(t, err)
	orderID, err := c.SubmitOrder(ctx, headID, dangerPayload("sha256:ev1"))
	require.NoError(t, err)
	require.NoError(t, c.AttachProof(ctx, headID, orderID, "zk://proof/1"))

	_, err = c.CloseHead(ctx, headID)
	require.Error(t, err)
	assert.Equal(t, contracts.KindNetwork, contracts.KindOf(err))

	status, err := c.GetStatus(ctx, headID)
	require.NoError(t, err)
	assert.Equal(t, contracts.HeadError, status.Status)

	// The failed close was never acknowledged durably.
	persisted, err := st.GetHead(ctx, headID)
	require.NoError(t, err)
	assert.Equal(t, contracts.HeadError, persisted.Status)

	_, err = c.CloseHead(ctx, headID)
	require.Error(t, err)
	assert.Equal(t, contracts.KindInvalidTransition, contracts.KindOf(err))

	// A restarted coordinator sees ERROR, not an open head taking orders.
	c2 := newCoordinator(t, st)
	_, err = c2.SubmitOrder(ctx, headID, safePayload("sha256:ev2"))
	require.Error(t, err)
	assert.Equal(t, contracts.KindHeadClosed, contracts.KindOf(err))
}

// TestSubmitOrder_StoreStallClassifiedAsTimeout verifies a store call that
// outlives the operation deadline surfaces as TIMEOUT and errors the head.
func TestSubmitOrder_StoreStallClassifiedAsTimeout(t *testing.T) {
	ctx := context.Background()
	st := &stalledStore{Store: store.NewMemory()}
	timeouts := testTimeouts()
	timeouts.Submit = 50 * time.Millisecond
	c := newCoordinator(t, st,
		settle.WithTimeouts(timeouts), settle.WithRetryPolicy(fastRetry()))

	headID, err := c.OpenHead(ctx, "s1", []string{"alice"}, nil)
	require.NoError(t, err)

	_, err = c.SubmitOrder(ctx, headID, dangerPayload("sha256:ev1"))
	require.Error(t, err)
	assert.Equal(t, contracts.KindTimeout, contracts.KindOf(err))
	assert.True(t, contracts.KindOf(err).Retryable())

	status, err := c.GetStatus(ctx, headID)
	require.NoError(t, err)
	assert.Equal(t, contracts.HeadError, status.Status)
}

// closeRejectingStore accepts every write except a head record in CLOSED
// state, simulating an outage that begins at close time.
type closeRejectingStore struct {
	store.Store
}

func (s *closeRejectingStore) SaveHead(ctx context.Context, h *contracts.Head) error {
	if h.Status == contracts.HeadClosed {
		return contracts.Errf(contracts.KindNetwork, h.HeadID, "", "simulated outage")
	}
	return s.Store.SaveHead(ctx, h)
}

// stalledStore blocks SaveOrder until the caller's deadline expires.
type stalledStore struct {
	store.Store
}

func (s *stalledStore) SaveOrder(ctx context.Context, o *contracts.Order) error {
	<-ctx.Done()
	return ctx.Err()
}

// failingHeadStore fails SaveHead a configured number of times.
type failingHeadStore struct {
	store.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *failingHeadStore) SaveHead(ctx context.Context, h *contracts.Head) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return contracts.Errf(contracts.KindNetwork, h.HeadID, "", "simulated outage")
	}
	return f.Store.SaveHead(ctx, h)
}
