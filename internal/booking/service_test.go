package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qms/queue-engine/internal/clock"
	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/scoring"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/store/memory"
)

func newTestService(start time.Time) (*Service, *clock.Manual) {
	return newTestServiceWith(start, memory.NewTokenStore())
}

func newTestServiceWith(start time.Time, tokens store.TokenStore) (*Service, *clock.Manual) {
	clk := clock.NewManual(start)
	eng := engine.New(memory.NewQueueStore(), engine.Options{Scoring: scoring.DefaultOptions(), Clock: clk})
	return NewService(tokens, eng, clk), clk
}

// hookedTokens runs callbacks around MarkArrived and can replace Transition,
// so a test can land another booking call in the middle of a check-in.
type hookedTokens struct {
	*memory.TokenStore
	beforeArrive func()
	afterArrive  func()
	transitionFn func(ctx context.Context, tokenID, action string) (models.Token, error)
}

func (h *hookedTokens) MarkArrived(ctx context.Context, tokenID string, at time.Time) (models.Token, error) {
	if h.beforeArrive != nil {
		h.beforeArrive()
	}
	token, err := h.TokenStore.MarkArrived(ctx, tokenID, at)
	if h.afterArrive != nil {
		h.afterArrive()
	}
	return token, err
}

func (h *hookedTokens) Transition(ctx context.Context, tokenID, action string) (models.Token, error) {
	if h.transitionFn != nil {
		return h.transitionFn(ctx, tokenID, action)
	}
	return h.TokenStore.Transition(ctx, tokenID, action)
}

func TestCreateWalkInIsQueued(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	token, err := svc.Create(ctx, CreateInput{BranchID: "b1", Kind: models.KindWalkIn})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if token.TokenID == "" || !token.Arrived() {
		t.Fatalf("walk-in should have an id and arrival: %+v", token)
	}

	entries, err := svc.ListQueue(ctx, "b1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Score != scoring.WalkInBase {
		t.Fatalf("expected one walk-in entry scored %v, got %+v", scoring.WalkInBase, entries)
	}
}

func TestCreateScheduledWaitsForCheckIn(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc, clk := newTestService(start)

	slot := start.Add(30 * time.Minute)
	token, err := svc.Create(ctx, CreateInput{BranchID: "b1", Kind: models.KindScheduled, ScheduledTime: &slot})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	entries, _ := svc.ListQueue(ctx, "b1")
	if len(entries) != 0 {
		t.Fatalf("scheduled token should not be queued before check-in: %+v", entries)
	}

	clk.Set(slot.Add(2 * time.Minute))
	checked, err := svc.CheckIn(ctx, token.TokenID)
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	if !checked.Arrived() {
		t.Fatalf("expected arrival after check-in")
	}
	entries, _ = svc.ListQueue(ctx, "b1")
	if len(entries) != 1 || entries[0].Score != scoring.OnTimeBase {
		t.Fatalf("expected on-time entry, got %+v", entries)
	}
}

func TestCheckInTwiceKeepsFirstArrival(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc, clk := newTestService(start)

	slot := start
	token, _ := svc.Create(ctx, CreateInput{BranchID: "b1", Kind: models.KindScheduled, ScheduledTime: &slot})
	first, err := svc.CheckIn(ctx, token.TokenID)
	if err != nil {
		t.Fatalf("first check in: %v", err)
	}
	clk.Advance(20 * time.Minute)
	second, err := svc.CheckIn(ctx, token.TokenID)
	if err != nil {
		t.Fatalf("second check in: %v", err)
	}
	if !second.ArrivalTime.Equal(*first.ArrivalTime) {
		t.Fatalf("arrival moved from %v to %v", first.ArrivalTime, second.ArrivalTime)
	}
	entries, _ := svc.ListQueue(ctx, "b1")
	if len(entries) != 1 {
		t.Fatalf("expected a single queue entry, got %d", len(entries))
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	slot := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		input CreateInput
	}{
		{"missing branch", CreateInput{Kind: models.KindWalkIn}},
		{"scheduled without slot", CreateInput{BranchID: "b1", Kind: models.KindScheduled}},
		{"walk-in with slot", CreateInput{BranchID: "b1", Kind: models.KindWalkIn, ScheduledTime: &slot}},
		{"unknown kind", CreateInput{BranchID: "b1", Kind: "vip"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, tc.input); !errors.Is(err, models.ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestServeNextMarksServed(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc, clk := newTestService(start)

	walkIn, _ := svc.Create(ctx, CreateInput{BranchID: "b1", Kind: models.KindWalkIn})
	slot := start
	scheduled, _ := svc.Create(ctx, CreateInput{BranchID: "b1", Kind: models.KindScheduled, ScheduledTime: &slot})
	clk.Advance(time.Minute)
	if _, err := svc.CheckIn(ctx, scheduled.TokenID); err != nil {
		t.Fatalf("check in: %v", err)
	}

	served, ok, err := svc.ServeNext(ctx, "b1")
	if err != nil || !ok {
		t.Fatalf("serve next: ok=%v err=%v", ok, err)
	}
	if served.TokenID != scheduled.TokenID || served.Status != models.StatusServed {
		t.Fatalf("expected on-time scheduled token served first, got %+v", served)
	}
	stored, _ := svc.Get(ctx, scheduled.TokenID)
	if stored.Status != models.StatusServed {
		t.Fatalf("record status = %s", stored.Status)
	}

	served, ok, _ = svc.ServeNext(ctx, "b1")
	if !ok || served.TokenID != walkIn.TokenID {
		t.Fatalf("expected walk-in next, got %+v", served)
	}
	if _, ok, err := svc.ServeNext(ctx, "b1"); ok || err != nil {
		t.Fatalf("empty queue should report ok=false, got ok=%v err=%v", ok, err)
	}
}

func TestCancelRemovesFromQueue(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	token, _ := svc.Create(ctx, CreateInput{BranchID: "b1", Kind: models.KindWalkIn})
	cancelled, err := svc.Cancel(ctx, token.TokenID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
	entries, _ := svc.ListQueue(ctx, "b1")
	if len(entries) != 0 {
		t.Fatalf("cancelled token still queued: %+v", entries)
	}

	if _, err := svc.Cancel(ctx, token.TokenID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("second cancel should be invalid, got %v", err)
	}
	if _, err := svc.CheckIn(ctx, token.TokenID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("check in after cancel should be invalid, got %v", err)
	}
}

func TestUnknownToken(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("get: expected ErrTokenNotFound, got %v", err)
	}
	if _, err := svc.CheckIn(ctx, "missing"); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("check in: expected ErrTokenNotFound, got %v", err)
	}
	if _, err := svc.Cancel(ctx, "missing"); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("cancel: expected ErrTokenNotFound, got %v", err)
	}
}

func TestCheckInRacingServeOrCancel(t *testing.T) {
	serve := func(ctx context.Context, svc *Service, tokenID string) error {
		served, ok, err := svc.ServeNext(ctx, "b1")
		if err != nil || !ok || served.TokenID != tokenID {
			return errors.New("interleaved serve did not hand out the token")
		}
		return nil
	}
	cancel := func(ctx context.Context, svc *Service, tokenID string) error {
		_, err := svc.Cancel(ctx, tokenID)
		return err
	}

	tests := []struct {
		name       string
		interleave func(ctx context.Context, svc *Service, tokenID string) error
		after      bool
		want       string
	}{
		{name: "serve before arrival", interleave: serve, want: models.StatusServed},
		{name: "serve after arrival", interleave: serve, after: true, want: models.StatusServed},
		{name: "cancel before arrival", interleave: cancel, want: models.StatusCancelled},
		{name: "cancel after arrival", interleave: cancel, after: true, want: models.StatusCancelled},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			tokens := &hookedTokens{TokenStore: memory.NewTokenStore()}
			svc, _ := newTestServiceWith(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), tokens)

			token, err := svc.Create(ctx, CreateInput{BranchID: "b1", Kind: models.KindWalkIn})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			var interleaveErr error
			hook := func() { interleaveErr = tc.interleave(ctx, svc, token.TokenID) }
			if tc.after {
				tokens.afterArrive = hook
			} else {
				tokens.beforeArrive = hook
			}

			if _, err := svc.CheckIn(ctx, token.TokenID); !errors.Is(err, store.ErrInvalidState) {
				t.Fatalf("check in: expected ErrInvalidState, got %v", err)
			}
			if interleaveErr != nil {
				t.Fatalf("interleaved call: %v", interleaveErr)
			}
			entries, _ := svc.ListQueue(ctx, "b1")
			if len(entries) != 0 {
				t.Fatalf("token left in queue: %+v", entries)
			}
			if again, ok, err := svc.ServeNext(ctx, "b1"); ok || err != nil {
				t.Fatalf("token handed out twice: %+v err=%v", again, err)
			}
			stored, _ := svc.Get(ctx, token.TokenID)
			if stored.Status != tc.want {
				t.Fatalf("expected record %s, got %s", tc.want, stored.Status)
			}
		})
	}
}

func TestStatusWriteFailureKeepsTokenQueued(t *testing.T) {
	dbDown := errors.New("db down")
	tests := []struct {
		name string
		call func(ctx context.Context, svc *Service, tokenID string) error
	}{
		{
			name: "serve next",
			call: func(ctx context.Context, svc *Service, _ string) error {
				_, ok, err := svc.ServeNext(ctx, "b1")
				if ok {
					return errors.New("serve reported success")
				}
				return err
			},
		},
		{
			name: "cancel",
			call: func(ctx context.Context, svc *Service, tokenID string) error {
				_, err := svc.Cancel(ctx, tokenID)
				return err
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			tokens := &hookedTokens{TokenStore: memory.NewTokenStore()}
			svc, _ := newTestServiceWith(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), tokens)
			token, _ := svc.Create(ctx, CreateInput{BranchID: "b1", Kind: models.KindWalkIn})

			tokens.transitionFn = func(context.Context, string, string) (models.Token, error) {
				return models.Token{}, dbDown
			}
			if err := tc.call(ctx, svc, token.TokenID); !errors.Is(err, dbDown) {
				t.Fatalf("expected db down, got %v", err)
			}
			entries, _ := svc.ListQueue(ctx, "b1")
			if len(entries) != 1 || entries[0].Token.TokenID != token.TokenID {
				t.Fatalf("token should still be queued, got %+v", entries)
			}
			stored, _ := svc.Get(ctx, token.TokenID)
			if stored.Status != models.StatusWaiting {
				t.Fatalf("expected record waiting, got %s", stored.Status)
			}

			tokens.transitionFn = nil
			served, ok, err := svc.ServeNext(ctx, "b1")
			if err != nil || !ok || served.TokenID != token.TokenID {
				t.Fatalf("token should be served once the store recovers: %+v ok=%v err=%v", served, ok, err)
			}
		})
	}
}

func TestServeNextSkipsStaleEntries(t *testing.T) {
	ctx := context.Background()
	tokens := memory.NewTokenStore()
	svc, clk := newTestServiceWith(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), tokens)

	first, _ := svc.Create(ctx, CreateInput{BranchID: "b1", Kind: models.KindWalkIn})
	clk.Advance(time.Minute)
	second, _ := svc.Create(ctx, CreateInput{BranchID: "b1", Kind: models.KindWalkIn})
	if _, err := tokens.Transition(ctx, first.TokenID, "cancel"); err != nil {
		t.Fatalf("cancel record: %v", err)
	}

	served, ok, err := svc.ServeNext(ctx, "b1")
	if err != nil || !ok || served.TokenID != second.TokenID {
		t.Fatalf("expected %s served, got %+v ok=%v err=%v", second.TokenID, served, ok, err)
	}
	if _, ok, err := svc.ServeNext(ctx, "b1"); ok || err != nil {
		t.Fatalf("cancelled token must not be served, got ok=%v err=%v", ok, err)
	}
	stored, _ := svc.Get(ctx, first.TokenID)
	if stored.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled record, got %s", stored.Status)
	}
}

func TestConcurrentCheckInAndServeHandOutOnce(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	const tokens = 50
	ids := make([]string, 0, tokens)
	for i := 0; i < tokens; i++ {
		token, err := svc.Create(ctx, CreateInput{BranchID: "b1", Kind: models.KindWalkIn})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, token.TokenID)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	serveAll := func() error {
		for {
			token, ok, err := svc.ServeNext(ctx, "b1")
			if err != nil || !ok {
				return err
			}
			mu.Lock()
			seen[token.TokenID]++
			mu.Unlock()
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- serveAll()
		}()
		go func() {
			defer wg.Done()
			for _, id := range ids {
				if _, err := svc.CheckIn(ctx, id); err != nil && !errors.Is(err, store.ErrInvalidState) {
					errs <- err
					return
				}
			}
			errs <- nil
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent call: %v", err)
		}
	}
	if err := serveAll(); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if len(seen) != tokens {
		t.Fatalf("expected %d tokens served, got %d", tokens, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("token %s served %d times", id, n)
		}
	}
}
