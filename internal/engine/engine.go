package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"qms/queue-engine/internal/clock"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/scoring"
	"qms/queue-engine/internal/store"
)

const defaultConflictRetries = 5

var ErrNotArrived = errors.New("token has not arrived")

// StorageError wraps a failure of the backing queue store.
type StorageError struct {
	Op       string
	BranchID string
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("queue store %s (branch %s): %v", e.Op, e.BranchID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Change describes a mutation of one branch queue.
type Change struct {
	Type     string `json:"type"`
	BranchID string `json:"branch_id"`
	TokenID  string `json:"token_id,omitempty"`
}

const (
	ChangeEnqueued   = "queue.enqueued"
	ChangeDequeued   = "queue.dequeued"
	ChangeRemoved    = "queue.removed"
	ChangeRebalanced = "queue.rebalanced"
)

type Notifier interface {
	QueueChanged(ctx context.Context, change Change)
}

type RebalanceResult struct {
	BranchID string `json:"branch_id"`
	Updated  int    `json:"updated"`
	// Gone counts tokens that left the queue while the pass was running.
	Gone int `json:"gone"`
}

type Options struct {
	Scoring         scoring.Options
	Clock           clock.Clock
	Notifier        Notifier
	ConflictRetries int
}

// Engine ranks and serves the branch queues. All queue state lives in the
// store; the engine never caches scores.
type Engine struct {
	store    store.QueueStore
	scoring  scoring.Options
	clock    clock.Clock
	notifier Notifier
	retries  int
	tracer   trace.Tracer
}

func New(queue store.QueueStore, options Options) *Engine {
	clk := options.Clock
	if clk == nil {
		clk = clock.System{}
	}
	retries := options.ConflictRetries
	if retries <= 0 {
		retries = defaultConflictRetries
	}
	return &Engine{
		store:    queue,
		scoring:  options.Scoring.Normalize(),
		clock:    clk,
		notifier: options.Notifier,
		retries:  retries,
		tracer:   otel.Tracer("qms/queue-engine/engine"),
	}
}

// Scoring exposes the effective scoring options.
func (e *Engine) Scoring() scoring.Options {
	return e.scoring
}

// Enqueue scores the token at the current time and inserts or updates it in
// its branch queue. It returns the stored score.
func (e *Engine) Enqueue(ctx context.Context, token models.Token) (float64, error) {
	ctx, span := e.start(ctx, "engine.Enqueue", token.BranchID)
	defer span.End()
	span.SetAttributes(attribute.String("token.id", token.TokenID))

	if err := token.Validate(); err != nil {
		return 0, err
	}
	if !token.Arrived() {
		return 0, fmt.Errorf("%w: %s", ErrNotArrived, token.TokenID)
	}

	var score float64
	err := e.withRetry(ctx, "enqueue", token.BranchID, func() error {
		score = e.scoring.Score(token, e.clock.Now())
		return e.store.Upsert(ctx, token.BranchID, token, score)
	})
	if err != nil {
		recordError(span, err)
		return 0, err
	}
	enqueuedTotal.Add(1)
	span.SetAttributes(attribute.Float64("token.score", score))
	e.notify(ctx, Change{Type: ChangeEnqueued, BranchID: token.BranchID, TokenID: token.TokenID})
	return score, nil
}

// Dequeue removes and returns the best ranked token. ok is false when the
// queue is empty. A token is handed to at most one caller.
func (e *Engine) Dequeue(ctx context.Context, branchID string) (models.Token, bool, error) {
	ctx, span := e.start(ctx, "engine.Dequeue", branchID)
	defer span.End()

	var entry store.Entry
	var ok bool
	err := e.withRetry(ctx, "dequeue", branchID, func() error {
		var err error
		entry, ok, err = e.store.PopMax(ctx, branchID)
		return err
	})
	if err != nil {
		recordError(span, err)
		return models.Token{}, false, err
	}
	if !ok {
		dequeueEmptyTotal.Add(1)
		return models.Token{}, false, nil
	}
	dequeuedTotal.Add(1)
	span.SetAttributes(attribute.String("token.id", entry.Token.TokenID), attribute.Float64("token.score", entry.Score))
	e.notify(ctx, Change{Type: ChangeDequeued, BranchID: branchID, TokenID: entry.Token.TokenID})
	return entry.Token, true, nil
}

// Peek lists the queue in serve order without removing anything.
func (e *Engine) Peek(ctx context.Context, branchID string) ([]store.Entry, error) {
	ctx, span := e.start(ctx, "engine.Peek", branchID)
	defer span.End()

	var entries []store.Entry
	err := e.withRetry(ctx, "peek", branchID, func() error {
		var err error
		entries, err = e.store.List(ctx, branchID)
		return err
	})
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	span.SetAttributes(attribute.Int("queue.length", len(entries)))
	return entries, nil
}

// RemoveFromQueue deletes the token if it is queued. Removing a token that is
// not present reports false and changes nothing.
func (e *Engine) RemoveFromQueue(ctx context.Context, tokenID, branchID string) (bool, error) {
	ctx, span := e.start(ctx, "engine.RemoveFromQueue", branchID)
	defer span.End()
	span.SetAttributes(attribute.String("token.id", tokenID))

	var removed bool
	err := e.withRetry(ctx, "remove", branchID, func() error {
		var err error
		removed, err = e.store.Remove(ctx, branchID, tokenID)
		return err
	})
	if err != nil {
		recordError(span, err)
		return false, err
	}
	if removed {
		removedTotal.Add(1)
		e.notify(ctx, Change{Type: ChangeRemoved, BranchID: branchID, TokenID: tokenID})
	}
	return removed, nil
}

// RebalanceAll rescores every queued token at the current time. Each write is
// its own atomic step and only applies to tokens still in the queue, so a
// concurrent Dequeue is never undone.
func (e *Engine) RebalanceAll(ctx context.Context, branchID string) (RebalanceResult, error) {
	ctx, span := e.start(ctx, "engine.RebalanceAll", branchID)
	defer span.End()

	result := RebalanceResult{BranchID: branchID}
	var entries []store.Entry
	err := e.withRetry(ctx, "rebalance list", branchID, func() error {
		var err error
		entries, err = e.store.List(ctx, branchID)
		return err
	})
	if err != nil {
		recordError(span, err)
		return result, err
	}

	now := e.clock.Now()
	for _, entry := range entries {
		score := e.scoring.Score(entry.Token, now)
		if score == entry.Score {
			continue
		}
		var updated bool
		err := e.withRetry(ctx, "rebalance update", branchID, func() error {
			var err error
			updated, err = e.store.UpdateScore(ctx, branchID, entry.Token.TokenID, score)
			return err
		})
		if err != nil {
			recordError(span, err)
			return result, err
		}
		if updated {
			result.Updated++
		} else {
			result.Gone++
		}
	}

	rebalanceRunsTotal.Add(1)
	span.SetAttributes(attribute.Int("rebalance.updated", result.Updated), attribute.Int("rebalance.gone", result.Gone))
	if result.Updated > 0 {
		e.notify(ctx, Change{Type: ChangeRebalanced, BranchID: branchID})
	}
	return result, nil
}

// Branches returns the branches that currently hold queued tokens.
func (e *Engine) Branches(ctx context.Context) ([]string, error) {
	var branches []string
	err := e.withRetry(ctx, "branches", "", func() error {
		var err error
		branches, err = e.store.Branches(ctx)
		return err
	})
	return branches, err
}

// withRetry repeats fn while the store reports a lost optimistic update.
// Any other failure is returned as a StorageError without retrying.
func (e *Engine) withRetry(ctx context.Context, op, branchID string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= e.retries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return e.storageError(op, branchID, err)
		}
		conflictsTotal.Add(1)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return e.storageError(op, branchID, ctxErr)
		}
	}
	return e.storageError(op, branchID, err)
}

func (e *Engine) storageError(op, branchID string, err error) error {
	storageErrorsTotal.Add(1)
	return &StorageError{Op: op, BranchID: branchID, Err: err}
}

func (e *Engine) notify(ctx context.Context, change Change) {
	if e.notifier == nil {
		return
	}
	e.notifier.QueueChanged(ctx, change)
}

func (e *Engine) start(ctx context.Context, name, branchID string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("branch.id", branchID)))
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
