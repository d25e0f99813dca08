package settle

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/forkshield/settle/pkg/canonical"
	"github.com/forkshield/settle/pkg/contracts"
	"github.com/forkshield/settle/pkg/events"
	"github.com/forkshield/settle/pkg/ledger"
)

// OpenHead opens a settlement head for a session. Idempotent: re-opening
// with an identical session and participant set returns the same head ID
// without error; a different participant set fails with DUPLICATE_SESSION.
func (c *Coordinator) OpenHead(ctx context.Context, sessionID string, participants []string, metadata map[string]string) (string, error) {
	start := c.clock()
	ctx, span := c.obs.StartSpan(ctx, "settle.open_head", HeadID(sessionID))
	var opErr error
	defer func() {
		span.End()
		c.obs.RecordOperation(ctx, "open_head", c.clock().Sub(start), opErr)
	}()

	if sessionID == "" {
		opErr = contracts.Errf(contracts.KindOrderRejected, "", "", "session_id must not be empty")
		return "", opErr
	}
	if len(participants) == 0 {
		opErr = contracts.Errf(contracts.KindOrderRejected, "", "", "participants must not be empty")
		return "", opErr
	}

	headID := HeadID(sessionID)
	opCtx, cancel := c.opContext(ctx, c.timeouts.Open)
	defer cancel()

	hs, err := c.lockHead(opCtx, headID, true)
	if err != nil {
		opErr = err
		return "", err
	}
	defer hs.mu.Unlock()

	if hs.head != nil {
		if slices.Equal(hs.head.Participants, participants) {
			return hs.head.HeadID, nil
		}
		opErr = contracts.Errf(contracts.KindDuplicateSession, headID, "",
			"session %s already has a head with different participants", sessionID)
		return "", opErr
	}

	h := &contracts.Head{
		HeadID:       headID,
		SessionID:    sessionID,
		Status:       contracts.HeadOpen,
		Participants: slices.Clone(participants),
		Metadata:     metadata,
		Orders:       []string{},
		CreatedAt:    c.clock().UTC(),
	}
	if err := c.persist(opCtx, func(pc context.Context) error {
		return c.store.SaveHead(pc, h)
	}); err != nil {
		c.discard(headID, hs)
		opErr = err
		return "", err
	}
	hs.head = h
	hs.ledger = ledger.New(headID).WithClock(c.clock)

	c.bus.Publish(events.Event{
		Type:   events.HeadOpened,
		HeadID: headID,
		Fields: map[string]string{"session_id": sessionID},
	})
	c.logger.Info("head opened", "head_id", headID, "session_id", sessionID,
		"participants", len(participants))
	return headID, nil
}

// SubmitOrder commits an order to a head. Submissions are deduplicated by
// content-derived idempotency key: retrying an identical payload returns the
// original order ID with no new state. The fused verdict and risk score are
// computed here; the head transitions to COMMITTED on its first order.
func (c *Coordinator) SubmitOrder(ctx context.Context, headID string, payload *contracts.OrderPayload) (string, error) {
	start := c.clock()
	ctx, span := c.obs.StartSpan(ctx, "settle.submit_order", headID)
	var opErr error
	defer func() {
		span.End()
		c.obs.RecordOperation(ctx, "submit_order", c.clock().Sub(start), opErr)
	}()

	opCtx, cancel := c.opContext(ctx, c.timeouts.Submit)
	defer cancel()

	hs, err := c.lockHead(opCtx, headID, false)
	if err != nil {
		opErr = err
		return "", err
	}
	defer hs.mu.Unlock()

	if err := payload.Validate(); err != nil {
		opErr = contracts.WrapErr(contracts.KindOrderRejected, headID, "", err)
		return "", opErr
	}

	key, err := canonical.IdempotencyKey(headID, payload)
	if err != nil {
		opErr = contracts.WrapErr(contracts.KindInternal, headID, "", err)
		return "", opErr
	}
	// The dedupe lookup runs before the state gate: a retry of an
	// already-applied submission must return the original order ID for as
	// long as the head lives, even after it has advanced past COMMITTED.
	if existing, ok := hs.ledger.ByKey(key); ok && !hs.head.Status.Terminal() {
		return existing.OrderID, nil
	}

	if s := hs.head.Status; s != contracts.HeadOpen && s != contracts.HeadCommitted {
		opErr = contracts.Errf(contracts.KindHeadClosed, headID, "",
			"head is %s, not accepting orders", s)
		return "", opErr
	}

	// Signatures are verified over the canonical payload minus the
	// signatures themselves.
	msg, err := canonical.Canonicalize(unsignedView(payload))
	if err != nil {
		opErr = contracts.WrapErr(contracts.KindInternal, headID, "", err)
		return "", opErr
	}
	if err := c.verifier.Verify(opCtx, msg, payload.Signatures); err != nil {
		opErr = withHead(err, headID)
		return "", opErr
	}

	fused, err := c.fuser.Fuse(payload.AgentVotes)
	if err != nil {
		opErr = withHead(err, headID)
		return "", opErr
	}

	order, _, err := hs.ledger.Append(contracts.Order{
		OrderType:      payload.OrderType,
		Verdict:        fused.Verdict,
		FusedScore:     fused.Score,
		EvidenceHash:   payload.EvidenceHash,
		AgentVotes:     slices.Clone(payload.AgentVotes),
		Signatures:     slices.Clone(payload.Signatures),
		IdempotencyKey: key,
	})
	if err != nil {
		opErr = err
		return "", err
	}

	hs.head.Orders = append(hs.head.Orders, order.OrderID)
	if hs.head.Status == contracts.HeadOpen {
		if err := c.machine.Transition(hs.head, contracts.HeadCommitted); err != nil {
			opErr = err
			return "", err
		}
	}
	if err := c.persist(opCtx, func(pc context.Context) error {
		if err := c.store.SaveOrder(pc, &order); err != nil {
			return err
		}
		return c.store.SaveHead(pc, hs.head)
	}); err != nil {
		c.fail(opCtx, hs, err)
		opErr = err
		return "", err
	}

	c.bus.Publish(events.Event{
		Type:    events.OrderCommitted,
		HeadID:  headID,
		OrderID: order.OrderID,
		Fields: map[string]string{
			"verdict":       string(order.Verdict),
			"score":         fmt.Sprintf("%.4f", order.FusedScore),
			"evidence_hash": order.EvidenceHash,
		},
	})
	c.logger.Info("order committed", "head_id", headID, "order_id", order.OrderID,
		"verdict", order.Verdict, "score", order.FusedScore)
	return order.OrderID, nil
}

// AttachProof sets an order's proof reference. Attachment happens exactly
// once: an identical re-attachment is an accepted no-op, a different value
// fails with PROOF_MISMATCH.
func (c *Coordinator) AttachProof(ctx context.Context, headID, orderID, proofRef string) error {
	start := c.clock()
	ctx, span := c.obs.StartSpan(ctx, "settle.attach_proof", headID)
	var opErr error
	defer func() {
		span.End()
		c.obs.RecordOperation(ctx, "attach_proof", c.clock().Sub(start), opErr)
	}()

	if proofRef == "" {
		opErr = contracts.Errf(contracts.KindOrderRejected, headID, orderID, "proof_ref must not be empty")
		return opErr
	}

	opCtx, cancel := c.opContext(ctx, c.timeouts.Attach)
	defer cancel()

	hs, err := c.lockHead(opCtx, headID, false)
	if err != nil {
		opErr = err
		return err
	}
	defer hs.mu.Unlock()

	if hs.head.Status.Terminal() {
		opErr = contracts.Errf(contracts.KindHeadClosed, headID, orderID,
			"head is %s", hs.head.Status)
		return opErr
	}

	order, changed, err := hs.ledger.SetProofRef(orderID, proofRef)
	if err != nil {
		opErr = err
		return err
	}
	if !changed {
		return nil
	}

	if hs.head.Status == contracts.HeadCommitted {
		if err := c.machine.Transition(hs.head, contracts.HeadProofAttached); err != nil {
			opErr = err
			return err
		}
	}
	if err := c.persist(opCtx, func(pc context.Context) error {
		if err := c.store.SaveOrder(pc, &order); err != nil {
			return err
		}
		return c.store.SaveHead(pc, hs.head)
	}); err != nil {
		c.fail(opCtx, hs, err)
		opErr = err
		return err
	}

	c.bus.Publish(events.Event{
		Type:    events.ProofAttached,
		HeadID:  headID,
		OrderID: orderID,
		Fields:  map[string]string{"proof_ref": proofRef},
	})
	c.logger.Info("proof attached", "head_id", headID, "order_id", orderID, "proof_ref", proofRef)
	return nil
}

// CloseHead finalizes and closes a head, returning the finalization summary:
// the proof-attached orders in order-ID order with their proof references.
// Best-effort idempotent: closing an already-closed head returns the prior
// summary rather than erroring, to tolerate retries.
func (c *Coordinator) CloseHead(ctx context.Context, headID string) (*contracts.FinalizationSummary, error) {
	start := c.clock()
	ctx, span := c.obs.StartSpan(ctx, "settle.close_head", headID)
	var opErr error
	defer func() {
		span.End()
		c.obs.RecordOperation(ctx, "close_head", c.clock().Sub(start), opErr)
	}()

	opCtx, cancel := c.opContext(ctx, c.timeouts.Close)
	defer cancel()

	hs, err := c.lockHead(opCtx, headID, false)
	if err != nil {
		opErr = err
		return nil, err
	}
	defer hs.mu.Unlock()

	switch hs.head.Status {
	case contracts.HeadClosed:
		if hs.summary == nil {
			hs.summary = buildSummary(hs.head, hs.ledger)
		}
		return hs.summary, nil
	case contracts.HeadError:
		opErr = contracts.Errf(contracts.KindInvalidTransition, headID, "",
			"cannot close a head in ERROR state")
		return nil, opErr
	}

	// The transition runs on a copy: the in-memory head becomes CLOSED only
	// once the close is durable. Otherwise a persist failure would leave a
	// head that acknowledges re-close forever without ever being recorded.
	updated := *hs.head
	if err := c.machine.Transition(&updated, contracts.HeadFinalized); err != nil {
		opErr = err
		return nil, err
	}
	if err := c.machine.Transition(&updated, contracts.HeadClosed); err != nil {
		opErr = err
		return nil, err
	}

	summary := buildSummary(&updated, hs.ledger)
	if err := c.persist(opCtx, func(pc context.Context) error {
		return c.store.SaveHead(pc, &updated)
	}); err != nil {
		c.fail(opCtx, hs, err)
		opErr = err
		return nil, err
	}
	hs.head = &updated
	hs.summary = summary

	// Finalization events in order-ID order, so output is reproducible for
	// identical inputs regardless of submission wall-clock order.
	for i, orderID := range summary.FinalizedOrderIDs {
		c.bus.Publish(events.Event{
			Type:    events.OrderFinalized,
			HeadID:  headID,
			OrderID: orderID,
			Fields:  map[string]string{"proof_ref": summary.ProofRefs[i]},
		})
	}
	c.bus.Publish(events.Event{
		Type:   events.HeadClosed,
		HeadID: headID,
		Fields: map[string]string{
			"finalized_orders": fmt.Sprintf("%d", len(summary.FinalizedOrderIDs)),
			"total_orders":     fmt.Sprintf("%d", hs.ledger.Len()),
		},
	})
	c.logger.Info("head closed", "head_id", headID,
		"finalized", len(summary.FinalizedOrderIDs), "orders", hs.ledger.Len())
	return summary, nil
}

// GetStatus returns the head's status and order count. Pure read, always
// safe to retry, never mutates.
func (c *Coordinator) GetStatus(ctx context.Context, headID string) (*Status, error) {
	opCtx, cancel := c.opContext(ctx, c.timeouts.Status)
	defer cancel()

	hs, err := c.lockHead(opCtx, headID, false)
	if err != nil {
		return nil, err
	}
	defer hs.mu.Unlock()

	return &Status{
		HeadID:      headID,
		Status:      hs.head.Status,
		OrdersCount: hs.ledger.Len(),
	}, nil
}

// PurgeHead removes a terminal head and its orders from durable storage.
// Destruction is always explicit; a live head cannot be purged.
func (c *Coordinator) PurgeHead(ctx context.Context, headID string) error {
	opCtx, cancel := c.opContext(ctx, c.timeouts.Close)
	defer cancel()

	hs, err := c.lockHead(opCtx, headID, false)
	if err != nil {
		return err
	}

	if !hs.head.Status.Terminal() {
		hs.mu.Unlock()
		return contracts.Errf(contracts.KindInvalidTransition, headID, "",
			"purge requires a terminal head, status is %s", hs.head.Status)
	}
	if err := c.persist(opCtx, func(pc context.Context) error {
		return c.store.PurgeHead(pc, headID)
	}); err != nil {
		hs.mu.Unlock()
		return err
	}
	hs.head = nil
	hs.ledger = nil
	hs.summary = nil
	hs.mu.Unlock()

	c.mu.Lock()
	delete(c.heads, headID)
	c.mu.Unlock()

	c.logger.Info("head purged", "head_id", headID)
	return nil
}

// buildSummary collects the proof-attached orders in order-ID order.
func buildSummary(h *contracts.Head, lg *ledger.Ledger) *contracts.FinalizationSummary {
	s := &contracts.FinalizationSummary{
		HeadID:            h.HeadID,
		FinalizedOrderIDs: []string{},
		ProofRefs:         []string{},
	}
	if h.FinalizedAt != nil {
		s.FinalizedAt = *h.FinalizedAt
	}
	for _, o := range lg.Orders() {
		if o.ProofRef != nil {
			s.FinalizedOrderIDs = append(s.FinalizedOrderIDs, o.OrderID)
			s.ProofRefs = append(s.ProofRefs, *o.ProofRef)
		}
	}
	return s
}

// unsignedView strips the signature list from a payload for canonical
// signing-message derivation.
func unsignedView(p *contracts.OrderPayload) *contracts.OrderPayload {
	v := *p
	v.Signatures = nil
	return &v
}

// withHead stamps head context onto a settlement error produced by a
// component that does not know the head it serves.
func withHead(err error, headID string) error {
	var se *contracts.Error
	if errors.As(err, &se) && se.HeadID == "" {
		se.HeadID = headID
	}
	return err
}
