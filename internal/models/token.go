package models

import (
	"errors"
	"fmt"
	"time"
)

type ReservationKind string

const (
	KindScheduled ReservationKind = "scheduled"
	KindWalkIn    ReservationKind = "walk_in"
)

const (
	StatusWaiting   = "waiting"
	StatusServed    = "served"
	StatusCancelled = "cancelled"
)

var ErrInvalidToken = errors.New("invalid token")

// Token is one service request at a branch. ScheduledTime is only valid for
// scheduled tokens; ArrivalTime stays nil until the customer is present.
type Token struct {
	TokenID       string          `json:"token_id"`
	BranchID      string          `json:"branch_id"`
	Kind          ReservationKind `json:"reservation_kind"`
	ScheduledTime *time.Time      `json:"scheduled_time,omitempty"`
	ArrivalTime   *time.Time      `json:"arrival_time,omitempty"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewWalkIn builds a walk-in token that is eligible for queuing immediately.
func NewWalkIn(tokenID, branchID string, arrival time.Time) (Token, error) {
	arrival = arrival.UTC()
	token := Token{
		TokenID:     tokenID,
		BranchID:    branchID,
		Kind:        KindWalkIn,
		ArrivalTime: &arrival,
		Status:      StatusWaiting,
		CreatedAt:   arrival,
	}
	return token, token.Validate()
}

// NewScheduled builds a scheduled token for the given slot. It becomes
// eligible once CheckIn stamps the arrival.
func NewScheduled(tokenID, branchID string, slot, createdAt time.Time) (Token, error) {
	slot = slot.UTC()
	token := Token{
		TokenID:       tokenID,
		BranchID:      branchID,
		Kind:          KindScheduled,
		ScheduledTime: &slot,
		Status:        StatusWaiting,
		CreatedAt:     createdAt.UTC(),
	}
	return token, token.Validate()
}

func (t Token) Validate() error {
	if t.TokenID == "" {
		return fmt.Errorf("%w: token_id is required", ErrInvalidToken)
	}
	if t.BranchID == "" {
		return fmt.Errorf("%w: branch_id is required", ErrInvalidToken)
	}
	switch t.Kind {
	case KindScheduled:
		if t.ScheduledTime == nil || t.ScheduledTime.IsZero() {
			return fmt.Errorf("%w: scheduled token %s has no scheduled_time", ErrInvalidToken, t.TokenID)
		}
	case KindWalkIn:
		if t.ScheduledTime != nil {
			return fmt.Errorf("%w: walk-in token %s carries a scheduled_time", ErrInvalidToken, t.TokenID)
		}
	default:
		return fmt.Errorf("%w: unknown reservation kind %q", ErrInvalidToken, t.Kind)
	}
	return nil
}

// Arrived reports whether the token may sit in a branch queue.
func (t Token) Arrived() bool {
	return t.ArrivalTime != nil && !t.ArrivalTime.IsZero()
}

// CheckIn returns a copy of the token with the arrival stamped at the given time.
func (t Token) CheckIn(at time.Time) Token {
	at = at.UTC()
	t.ArrivalTime = &at
	return t
}

func ParseReservationKind(raw string) (ReservationKind, bool) {
	switch ReservationKind(raw) {
	case KindScheduled, KindWalkIn:
		return ReservationKind(raw), true
	case "online":
		return KindScheduled, true
	case "offline":
		return KindWalkIn, true
	}
	return "", false
}
