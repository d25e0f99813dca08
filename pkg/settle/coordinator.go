// Package settle is the public orchestration surface of the off-chain
// settlement core. The Coordinator opens heads, routes order submissions
// through the idempotency keyer and the order ledger, invokes the fusion
// engine, attaches proof references and finalizes heads.
//
// Concurrency model: every public operation is a short critical section
// scoped to a single head. Operations on different heads proceed
// independently; operations on the same head are serialized by a per-head
// mutex, preserving sequential order-ID assignment and the monotonic state
// machine. There is no cross-head transaction.
package settle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/forkshield/settle/pkg/contracts"
	"github.com/forkshield/settle/pkg/events"
	"github.com/forkshield/settle/pkg/fusion"
	"github.com/forkshield/settle/pkg/head"
	"github.com/forkshield/settle/pkg/ledger"
	"github.com/forkshield/settle/pkg/observability"
	"github.com/forkshield/settle/pkg/signature"
	"github.com/forkshield/settle/pkg/store"
)

// Timeouts bound each public operation, aligned with the mocked/local
// deployment performance targets.
type Timeouts struct {
	Open   time.Duration
	Submit time.Duration
	Attach time.Duration
	Close  time.Duration
	Status time.Duration
}

// DefaultTimeouts returns the local-mode deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Open:   50 * time.Millisecond,
		Submit: 20 * time.Millisecond,
		Attach: 50 * time.Millisecond,
		Close:  100 * time.Millisecond,
		Status: 20 * time.Millisecond,
	}
}

// RetryPolicy bounds automatic retries of transient failures. Only TIMEOUT
// and NETWORK errors are retried; validation and state errors surface
// immediately.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns a small capped exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
	}
}

// Status is the read-only view returned by GetStatus.
type Status struct {
	HeadID      string               `json:"head_id"`
	Status      contracts.HeadStatus `json:"status"`
	OrdersCount int                  `json:"orders_count"`
}

// headState is the in-memory critical section of one head.
type headState struct {
	mu      sync.Mutex
	head    *contracts.Head
	ledger  *ledger.Ledger
	summary *contracts.FinalizationSummary // fixed at first successful close
}

// Coordinator owns the Session and Order collections for the lifetime of
// every head. No other component mutates them.
type Coordinator struct {
	store    store.Store
	fuser    *fusion.Engine
	machine  *head.Machine
	verifier signature.Verifier
	bus      *events.Bus
	obs      *observability.Provider
	logger   *slog.Logger
	clock    func() time.Time

	timeouts Timeouts
	retry    RetryPolicy

	mu    sync.Mutex
	heads map[string]*headState
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithFusionEngine replaces the default fusion engine.
func WithFusionEngine(e *fusion.Engine) Option {
	return func(c *Coordinator) { c.fuser = e }
}

// WithVerifier replaces the default no-op signature verifier.
func WithVerifier(v signature.Verifier) Option {
	return func(c *Coordinator) { c.verifier = v }
}

// WithTimeouts replaces the default operation deadlines.
func WithTimeouts(t Timeouts) Option {
	return func(c *Coordinator) { c.timeouts = t }
}

// WithRetryPolicy replaces the default transient-error retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Coordinator) { c.retry = p }
}

// WithObservability attaches an OTel provider.
func WithObservability(p *observability.Provider) Option {
	return func(c *Coordinator) { c.obs = p }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		c.clock = clock
		c.machine = head.NewMachine().WithClock(clock)
		c.bus.WithClock(clock)
	}
}

// New builds a coordinator over the given store.
func New(st store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    st,
		fuser:    fusion.NewEngine(),
		machine:  head.NewMachine(),
		verifier: signature.Noop{},
		bus:      events.NewBus(),
		logger:   slog.Default().With("component", "settle"),
		clock:    time.Now,
		timeouts: DefaultTimeouts(),
		retry:    DefaultRetryPolicy(),
		heads:    make(map[string]*headState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events returns the coordinator's event bus.
func (c *Coordinator) Events() *events.Bus { return c.bus }

// HeadID derives the deterministic head identifier for a session.
func HeadID(sessionID string) string { return "h-" + sessionID }

// lockHead returns the critical section for headID, loading persisted state
// on first touch. The returned state is locked; callers must Unlock it.
// create controls whether a missing head yields a fresh state or
// HEAD_NOT_FOUND.
func (c *Coordinator) lockHead(ctx context.Context, headID string, create bool) (*headState, error) {
	c.mu.Lock()
	hs, ok := c.heads[headID]
	if !ok {
		hs = &headState{}
		c.heads[headID] = hs
	}
	c.mu.Unlock()

	hs.mu.Lock()
	if hs.head != nil {
		return hs, nil
	}

	// Cold state: try to recover from the store.
	h, err := c.store.GetHead(ctx, headID)
	switch {
	case err == nil:
		orders, err := c.store.GetOrders(ctx, headID)
		if err != nil {
			c.discard(headID, hs)
			hs.mu.Unlock()
			return nil, err
		}
		lg, err := ledger.Restore(headID, orders)
		if err != nil {
			c.discard(headID, hs)
			hs.mu.Unlock()
			return nil, contracts.WrapErr(contracts.KindInternal, headID, "", err)
		}
		hs.head = h
		hs.ledger = lg
		return hs, nil
	case errors.Is(err, &contracts.Error{Kind: contracts.KindHeadNotFound}):
		if create {
			return hs, nil
		}
		c.discard(headID, hs)
		hs.mu.Unlock()
		return nil, err
	default:
		c.discard(headID, hs)
		hs.mu.Unlock()
		return nil, err
	}
}

// discard removes an empty headState placeholder from the map so lookups of
// nonexistent heads do not accumulate entries. Callers hold hs.mu; taking
// c.mu here is safe because lockHead never holds both at once. The entry is
// kept when another goroutine replaced it or state was loaded meanwhile.
func (c *Coordinator) discard(headID string, hs *headState) {
	if hs.head != nil {
		return
	}
	c.mu.Lock()
	if cur, ok := c.heads[headID]; ok && cur == hs {
		delete(c.heads, headID)
	}
	c.mu.Unlock()
}

// opContext detaches the operation from caller cancellation and applies the
// operation deadline. A caller may abandon a pending call, but the core
// completes the in-flight transition; cancellation never rolls back a
// partially-applied order.
func (c *Coordinator) opContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

// persist runs a storage mutation under the retry policy. Transient failures
// (NETWORK, TIMEOUT) are retried with exponential backoff, relying on the
// idempotency keyer and upsert semantics to make retries safe; all other
// kinds surface immediately.
func (c *Coordinator) persist(ctx context.Context, fn func(context.Context) error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.retry.InitialInterval
	expo.MaxInterval = c.retry.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		err = classify(err)
		if !contracts.KindOf(err).Retryable() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(c.retry.MaxAttempts))
	return classify(err)
}

// classify maps context deadline failures onto the TIMEOUT kind so callers
// and the retry policy can branch on kind.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *contracts.Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return contracts.WrapErr(contracts.KindTimeout, "", "", err)
	}
	return err
}

// fail transitions a head to ERROR after an unrecoverable mid-operation
// persistence failure, so the head is never left half-applied and ambiguous.
// Best effort: the ERROR state itself may not persist, but the in-memory
// critical section is authoritative until restart.
func (c *Coordinator) fail(ctx context.Context, hs *headState, cause error) {
	if hs.head == nil || hs.head.Status.Terminal() {
		return
	}
	if err := c.machine.Transition(hs.head, contracts.HeadError); err != nil {
		return
	}
	_ = c.store.SaveHead(ctx, hs.head)
	c.bus.Publish(events.Event{
		Type:   events.HeadErrored,
		HeadID: hs.head.HeadID,
		Fields: map[string]string{"error": cause.Error()},
	})
	c.logger.Error("head moved to ERROR", "head_id", hs.head.HeadID, "error", cause)
}
