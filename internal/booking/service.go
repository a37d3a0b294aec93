package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"qms/queue-engine/internal/clock"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

// Queue is the part of the engine the booking workflow drives.
type Queue interface {
	Enqueue(ctx context.Context, token models.Token) (float64, error)
	Dequeue(ctx context.Context, branchID string) (models.Token, bool, error)
	Peek(ctx context.Context, branchID string) ([]store.Entry, error)
	RemoveFromQueue(ctx context.Context, tokenID, branchID string) (bool, error)
}

type CreateInput struct {
	BranchID      string
	Kind          models.ReservationKind
	ScheduledTime *time.Time
}

// Service is the booking workflow around the queue: it owns token records
// and status, and feeds eligible tokens to the queue.
type Service struct {
	tokens store.TokenStore
	queue  Queue
	clock  clock.Clock
}

func NewService(tokens store.TokenStore, queue Queue, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{tokens: tokens, queue: queue, clock: clk}
}

// Create books a token. Walk-ins are queued right away; scheduled tokens wait
// for CheckIn.
func (s *Service) Create(ctx context.Context, input CreateInput) (models.Token, error) {
	now := s.clock.Now()
	id := uuid.NewString()

	var token models.Token
	var err error
	switch input.Kind {
	case models.KindWalkIn:
		if input.ScheduledTime != nil {
			return models.Token{}, fmt.Errorf("%w: walk-in tokens take no scheduled_time", models.ErrInvalidToken)
		}
		token, err = models.NewWalkIn(id, input.BranchID, now)
	case models.KindScheduled:
		if input.ScheduledTime == nil {
			return models.Token{}, fmt.Errorf("%w: scheduled_time is required", models.ErrInvalidToken)
		}
		token, err = models.NewScheduled(id, input.BranchID, *input.ScheduledTime, now)
	default:
		return models.Token{}, fmt.Errorf("%w: unknown reservation kind %q", models.ErrInvalidToken, input.Kind)
	}
	if err != nil {
		return models.Token{}, err
	}

	if err := s.tokens.Create(ctx, token); err != nil {
		return models.Token{}, err
	}
	if token.Arrived() {
		if _, err := s.queue.Enqueue(ctx, token); err != nil {
			return models.Token{}, err
		}
	}
	return token, nil
}

func (s *Service) Get(ctx context.Context, tokenID string) (models.Token, error) {
	return s.tokens.FindByID(ctx, tokenID)
}

// CheckIn marks a waiting token as present and queues it. Checking in again
// keeps the first arrival and refreshes the queue entry.
func (s *Service) CheckIn(ctx context.Context, tokenID string) (models.Token, error) {
	token, err := s.tokens.MarkArrived(ctx, tokenID, s.clock.Now())
	if err != nil {
		return models.Token{}, err
	}
	if _, err := s.queue.Enqueue(ctx, token); err != nil {
		return models.Token{}, err
	}

	// A serve or cancel may have finished between the arrival and the enqueue.
	current, err := s.tokens.FindByID(ctx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	if current.Status == models.StatusWaiting {
		return token, nil
	}
	if _, err := s.queue.RemoveFromQueue(ctx, tokenID, token.BranchID); err != nil {
		return models.Token{}, err
	}
	return models.Token{}, store.ErrInvalidState
}

// ServeNext hands the best ranked token of the branch to the caller and marks
// it served. ok is false when nobody is waiting.
func (s *Service) ServeNext(ctx context.Context, branchID string) (models.Token, bool, error) {
	for {
		token, ok, err := s.queue.Dequeue(ctx, branchID)
		if err != nil || !ok {
			return models.Token{}, false, err
		}

		served, err := s.tokens.Transition(ctx, token.TokenID, "serve")
		switch {
		case err == nil:
			return served, true, nil
		case errors.Is(err, store.ErrTokenNotFound):
			// The queue held a snapshot without a record; serve it anyway.
			token.Status = models.StatusServed
			return token, true, nil
		case errors.Is(err, store.ErrInvalidState):
			// Stale entry of a token served or cancelled elsewhere.
			continue
		default:
			if _, requeueErr := s.queue.Enqueue(ctx, token); requeueErr != nil {
				return models.Token{}, false, errors.Join(err, requeueErr)
			}
			return models.Token{}, false, err
		}
	}
}

// Cancel marks a waiting token cancelled and takes it out of its queue.
func (s *Service) Cancel(ctx context.Context, tokenID string) (models.Token, error) {
	token, err := s.tokens.Transition(ctx, tokenID, "cancel")
	if err != nil {
		return models.Token{}, err
	}
	if _, err := s.queue.RemoveFromQueue(ctx, tokenID, token.BranchID); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func (s *Service) ListQueue(ctx context.Context, branchID string) ([]store.Entry, error) {
	return s.queue.Peek(ctx, branchID)
}
