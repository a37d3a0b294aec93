package store

import (
	"context"
	"sort"
	"time"

	"qms/queue-engine/internal/models"
)

// Entry is a queued token together with its current priority score.
type Entry struct {
	Token models.Token `json:"token"`
	Score float64      `json:"score"`
}

// QueueStore is the ordered per-branch container behind the engine. Every
// method is one atomic step with respect to the branch it touches.
type QueueStore interface {
	// Upsert inserts or rescores the token in branchID and stores its
	// snapshot. A token already queued in another branch is moved.
	Upsert(ctx context.Context, branchID string, token models.Token, score float64) error
	// PopMax removes and returns the best ranked entry. ok is false when the
	// branch is empty or unknown.
	PopMax(ctx context.Context, branchID string) (Entry, bool, error)
	// Remove deletes the token if present and reports whether it was.
	Remove(ctx context.Context, branchID, tokenID string) (bool, error)
	// UpdateScore rewrites the score only while the token is still queued.
	UpdateScore(ctx context.Context, branchID, tokenID string, score float64) (bool, error)
	// List returns the branch in rank order without removing anything.
	List(ctx context.Context, branchID string) ([]Entry, error)
	// Branches returns the ids of branches that currently hold entries.
	Branches(ctx context.Context) ([]string, error)
}

// TokenStore owns the durable token records. The queue only keeps snapshots.
type TokenStore interface {
	Create(ctx context.Context, token models.Token) error
	FindByID(ctx context.Context, tokenID string) (models.Token, error)
	// Transition applies action in one step with the status check and
	// returns ErrInvalidState when the current status does not allow it.
	Transition(ctx context.Context, tokenID, action string) (models.Token, error)
	// MarkArrived stamps the first arrival of a waiting token.
	MarkArrived(ctx context.Context, tokenID string, at time.Time) (models.Token, error)
}

// Ranks reports whether a is served before b: higher score first, then the
// earlier arrival, then the smaller token id.
func Ranks(a, b Entry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	aArrival, bArrival := arrivalOf(a.Token), arrivalOf(b.Token)
	if !aArrival.Equal(bArrival) {
		return aArrival.Before(bArrival)
	}
	return a.Token.TokenID < b.Token.TokenID
}

func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return Ranks(entries[i], entries[j])
	})
}

func arrivalOf(token models.Token) time.Time {
	if token.ArrivalTime == nil {
		return time.Time{}
	}
	return *token.ArrivalTime
}
