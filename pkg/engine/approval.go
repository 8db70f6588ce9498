package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// System actors recorded by the gate itself.
const (
	ActorTimeout   = "system:timeout"
	ActorCancelled = "system:cancelled"
	ActorAuto      = "system:auto"
)

// DefaultApprovalTimeout is used when the gate is created without a timeout.
const DefaultApprovalTimeout = 30 * time.Minute

// GateOption configures an ApprovalGate.
type GateOption func(*ApprovalGate)

// WithApprovalStore persists every terminal record.
func WithApprovalStore(store ApprovalStore) GateOption {
	return func(g *ApprovalGate) { g.store = store }
}

// WithAuthorizer restricts which actors may decide.
func WithAuthorizer(a Authorizer) GateOption {
	return func(g *ApprovalGate) { g.authorizer = a }
}

// WithGateObserver reports decisions to an observer.
func WithGateObserver(o Observer) GateOption {
	return func(g *ApprovalGate) { g.observer = o }
}

// WithClock overrides the gate's clock.
func WithClock(now func() time.Time) GateOption {
	return func(g *ApprovalGate) { g.now = now }
}

// ApprovalGate holds change sets until an authorized actor approves or
// rejects them, or until they expire. Each pending item moves exactly once
// from Pending to Approved, Rejected or Expired.
type ApprovalGate struct {
	timeout    time.Duration
	store      ApprovalStore
	authorizer Authorizer
	observer   Observer
	now        func() time.Time
	logger     zerolog.Logger

	mu     sync.Mutex
	items  map[string]*pendingItem
	latest map[Region]*ApprovalRecord
}

type pendingItem struct {
	pending PendingApproval
	record  *ApprovalRecord
	done    chan struct{}
	timer   *time.Timer
}

// NewApprovalGate creates a gate whose items expire after timeout.
func NewApprovalGate(timeout time.Duration, logger zerolog.Logger, opts ...GateOption) *ApprovalGate {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	g := &ApprovalGate{
		timeout:  timeout,
		observer: nopObserver{},
		now:      time.Now,
		logger:   logger.With().Str("component", "gate").Logger(),
		items:    make(map[string]*pendingItem),
		latest:   make(map[Region]*ApprovalRecord),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Submit registers a change set for approval and starts its expiry countdown.
func (g *ApprovalGate) Submit(ctx context.Context, cs *ChangeSet) (string, error) {
	if cs == nil {
		return "", NewConfigurationError(ErrCodeValidation, "change set is nil", nil)
	}
	if cs.Consumed() {
		return "", NewApprovalError(ErrCodeChangeSetConsumed, "change set already consumed", nil).
			WithRegion(string(cs.Region))
	}

	submitted := g.now().UTC()
	item := &pendingItem{
		pending: PendingApproval{
			PendingID:     uuid.New().String(),
			Region:        cs.Region,
			ChangeSetHash: cs.Hash,
			Summary:       cs.Summary(),
			Destroy:       cs.Destroy,
			SubmittedAt:   submitted,
			ExpiresAt:     submitted.Add(g.timeout),
		},
		done: make(chan struct{}),
	}

	g.mu.Lock()
	g.items[item.pending.PendingID] = item
	id := item.pending.PendingID
	item.timer = time.AfterFunc(g.timeout, func() {
		g.expire(context.WithoutCancel(ctx), id, ActorTimeout)
	})
	g.mu.Unlock()

	g.logger.Info().
		Str("pending_id", id).
		Str("region", string(cs.Region)).
		Str("hash", cs.Hash).
		Bool("destroy", cs.Destroy).
		Time("expires_at", item.pending.ExpiresAt).
		Msg("Change set awaiting approval")

	return id, nil
}

// Decide records an actor's decision on a pending change set.
func (g *ApprovalGate) Decide(ctx context.Context, pendingID, actor string, decision ApprovalDecision, comment string) (*ApprovalRecord, error) {
	return g.decide(ctx, pendingID, actor, decision, comment, true)
}

// AutoApprove approves a pending change set as the system actor, bypassing
// actor authorization. It still goes through the state machine.
func (g *ApprovalGate) AutoApprove(ctx context.Context, pendingID string) (*ApprovalRecord, error) {
	return g.decide(ctx, pendingID, ActorAuto, DecisionApproved, "auto-approved", false)
}

func (g *ApprovalGate) decide(ctx context.Context, pendingID, actor string, decision ApprovalDecision, comment string, authorize bool) (*ApprovalRecord, error) {
	if err := decision.Validate(); err != nil {
		return nil, NewConfigurationError(ErrCodeValidation, "invalid decision", err)
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, NewConfigurationError(ErrCodeValidation, "actor is required", nil)
	}

	g.mu.Lock()
	item, ok := g.items[pendingID]
	if !ok {
		g.mu.Unlock()
		return nil, NewConfigurationError(ErrCodeNotFound, fmt.Sprintf("pending approval %s not found", pendingID), nil)
	}
	pending := item.pending
	g.mu.Unlock()

	if authorize && g.authorizer != nil {
		allowed, err := g.authorizer.Authorize(ctx, actor, pending)
		if err != nil {
			return nil, fmt.Errorf("failed to authorize %s: %w", actor, err)
		}
		if !allowed {
			g.logger.Warn().
				Str("pending_id", pendingID).
				Str("region", string(pending.Region)).
				Str("actor", actor).
				Msg("Unauthorized approval attempt")
			return nil, NewApprovalError(ErrCodeUnauthorizedActor,
				fmt.Sprintf("actor %s may not decide for region %s", actor, pending.Region), nil).
				WithRegion(string(pending.Region))
		}
	}

	g.mu.Lock()
	if item.record != nil {
		g.mu.Unlock()
		return nil, NewApprovalError(ErrCodeStaleApproval,
			fmt.Sprintf("pending approval already %s", item.record.Decision), nil).
			WithRegion(string(pending.Region))
	}
	if !g.now().Before(pending.ExpiresAt) {
		rec := g.finishLocked(item, DecisionExpired, ActorTimeout, "")
		g.mu.Unlock()
		g.persist(ctx, rec)
		return nil, NewApprovalError(ErrCodeStaleApproval, "decision arrived after expiry", nil).
			WithRegion(string(pending.Region))
	}
	rec := g.finishLocked(item, decision, actor, comment)
	g.mu.Unlock()

	g.persist(ctx, rec)
	return rec, nil
}

// Await blocks until the pending item reaches a terminal state, the timeout
// elapses or ctx is cancelled. Timeout and cancellation record Expired.
func (g *ApprovalGate) Await(ctx context.Context, pendingID string, timeout time.Duration) (*ApprovalRecord, error) {
	g.mu.Lock()
	item, ok := g.items[pendingID]
	g.mu.Unlock()
	if !ok {
		return nil, NewConfigurationError(ErrCodeNotFound, fmt.Sprintf("pending approval %s not found", pendingID), nil)
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	select {
	case <-item.done:
	case <-timeoutC:
		g.expire(ctx, pendingID, ActorTimeout)
	case <-ctx.Done():
		g.expire(context.WithoutCancel(ctx), pendingID, ActorCancelled)
	}

	g.mu.Lock()
	rec := item.record
	g.mu.Unlock()

	if rec.Decision == DecisionExpired {
		return rec, NewApprovalError(ErrCodeApprovalExpired, "approval expired", nil).
			WithRegion(string(rec.Region)).
			WithDetail("actor", rec.Actor)
	}
	return rec, nil
}

// Latest returns the most recent terminal record for a region.
func (g *ApprovalGate) Latest(ctx context.Context, region Region) (*ApprovalRecord, error) {
	g.mu.Lock()
	rec, ok := g.latest[region]
	g.mu.Unlock()
	if ok {
		return rec, nil
	}
	if g.store != nil {
		return g.store.LatestApproval(ctx, region)
	}
	return nil, NewConfigurationError(ErrCodeNotFound, "no approval recorded", nil).WithRegion(string(region))
}

// Pending lists items still awaiting a decision, oldest first.
func (g *ApprovalGate) Pending() []PendingApproval {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]PendingApproval, 0, len(g.items))
	for _, item := range g.items {
		if item.record == nil {
			out = append(out, item.pending)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Verify checks that approval authorizes applying cs: it must be an approved
// record for exactly this change set and the latest record for the region.
func (g *ApprovalGate) Verify(ctx context.Context, cs *ChangeSet, approval *ApprovalRecord) error {
	if approval == nil {
		return NewApprovalError(ErrCodeApprovalMismatch, "no approval supplied", nil).WithRegion(string(cs.Region))
	}
	if approval.Decision != DecisionApproved {
		code := ErrCodeApprovalRejected
		if approval.Decision == DecisionExpired {
			code = ErrCodeApprovalExpired
		}
		return NewApprovalError(code, fmt.Sprintf("approval is %s", approval.Decision), nil).
			WithRegion(string(cs.Region))
	}
	if approval.Region != cs.Region || approval.ChangeSetHash != cs.Hash {
		return NewApprovalError(ErrCodeApprovalMismatch, "approval was given for a different change set", nil).
			WithRegion(string(cs.Region)).
			WithDetail("approved_hash", approval.ChangeSetHash).
			WithDetail("change_set_hash", cs.Hash)
	}
	if !approval.DecidedAt.Before(approval.ExpiresAt) {
		return NewApprovalError(ErrCodeApprovalExpired, "approval decided after expiry", nil).
			WithRegion(string(cs.Region))
	}

	latest, err := g.Latest(ctx, cs.Region)
	if err != nil {
		return NewApprovalError(ErrCodeApprovalMismatch, "approval is not known to the gate", err).
			WithRegion(string(cs.Region))
	}
	if latest.PendingID != approval.PendingID || latest.ChangeSetHash != cs.Hash || latest.Decision != DecisionApproved {
		return NewApprovalError(ErrCodeApprovalMismatch, "approval is not the most recent record for the workspace", nil).
			WithRegion(string(cs.Region))
	}
	return nil
}

// use marks a verified approval as spent so that it cannot authorize a
// second run, even for an identical re-plan. The executor calls it once it
// holds the workspace lock.
func (g *ApprovalGate) use(ctx context.Context, approval *ApprovalRecord) error {
	stale := NewApprovalError(ErrCodeStaleApproval, "approval was already used, a new decision is required", nil).
		WithRegion(string(approval.Region))
	now := g.now().UTC()

	if approval.UsedAt != nil {
		return stale
	}

	g.mu.Lock()
	if latest, ok := g.latest[approval.Region]; ok && latest.PendingID == approval.PendingID {
		if latest.UsedAt != nil {
			g.mu.Unlock()
			return stale
		}
		used := *latest
		used.UsedAt = &now
		g.latest[approval.Region] = &used
	}
	g.mu.Unlock()

	if g.store == nil {
		return nil
	}
	if err := g.store.MarkApprovalUsed(ctx, approval.PendingID, now); err != nil {
		if errors.Is(err, ErrStaleApproval) {
			return stale
		}
		return fmt.Errorf("failed to mark approval %s used: %w", approval.PendingID, err)
	}
	return nil
}

// expire records Expired for a still-pending item.
func (g *ApprovalGate) expire(ctx context.Context, pendingID, actor string) {
	g.mu.Lock()
	item, ok := g.items[pendingID]
	if !ok || item.record != nil {
		g.mu.Unlock()
		return
	}
	rec := g.finishLocked(item, DecisionExpired, actor, "")
	g.mu.Unlock()

	g.persist(ctx, rec)
}

// finishLocked moves an item to its terminal state. g.mu must be held.
func (g *ApprovalGate) finishLocked(item *pendingItem, decision ApprovalDecision, actor, comment string) *ApprovalRecord {
	rec := &ApprovalRecord{
		PendingID:     item.pending.PendingID,
		Region:        item.pending.Region,
		Decision:      decision,
		Actor:         actor,
		Comment:       comment,
		ChangeSetHash: item.pending.ChangeSetHash,
		DecidedAt:     g.now().UTC(),
		ExpiresAt:     item.pending.ExpiresAt,
	}
	item.record = rec
	if item.timer != nil {
		item.timer.Stop()
	}
	close(item.done)
	g.latest[rec.Region] = rec

	g.observer.ApprovalDecided(rec, rec.DecidedAt.Sub(item.pending.SubmittedAt))
	return rec
}

func (g *ApprovalGate) persist(ctx context.Context, rec *ApprovalRecord) {
	g.logger.Info().
		Str("pending_id", rec.PendingID).
		Str("region", string(rec.Region)).
		Str("decision", string(rec.Decision)).
		Str("actor", rec.Actor).
		Msg("Approval decided")

	if g.store == nil {
		return
	}
	if err := g.store.SaveApproval(ctx, rec); err != nil {
		g.logger.Error().Err(err).
			Str("pending_id", rec.PendingID).
			Msg("Failed to persist approval record")
	}
}
