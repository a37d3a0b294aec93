package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"sort"
	"strings"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/migrations"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// TokenStore keeps the durable token records in Postgres.
type TokenStore struct {
	pool *pgxpool.Pool
}

func NewTokenStore(pool *pgxpool.Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

func (s *TokenStore) Create(ctx context.Context, token models.Token) error {
	createdAt := token.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := token.Status
	if status == "" {
		status = models.StatusWaiting
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tokens (token_id, branch_id, reservation_kind, scheduled_time, arrival_time, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
	`, token.TokenID, token.BranchID, string(token.Kind), token.ScheduledTime, token.ArrivalTime, status, createdAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.ErrTokenExists
		}
		return err
	}
	return nil
}

func (s *TokenStore) FindByID(ctx context.Context, tokenID string) (models.Token, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT token_id, branch_id, reservation_kind, scheduled_time, arrival_time, status, created_at
		FROM tokens
		WHERE token_id = $1
	`, tokenID)
	return scanToken(row)
}

// Transition locks the row, checks the action against the current status
// and writes the target status in the same transaction.
func (s *TokenStore) Transition(ctx context.Context, tokenID, action string) (token models.Token, err error) {
	target, ok := store.TargetStatus(action)
	if !ok {
		return models.Token{}, store.ErrInvalidState
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var current string
	err = tx.QueryRow(ctx, `
		SELECT status FROM tokens
		WHERE token_id = $1
		FOR UPDATE
	`, tokenID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTokenNotFound
		}
		return models.Token{}, err
	}
	if !store.ValidTransition(action, current) {
		err = store.ErrInvalidState
		return models.Token{}, err
	}

	token, err = scanToken(tx.QueryRow(ctx, `
		UPDATE tokens SET status = $2, updated_at = now()
		WHERE token_id = $1
		RETURNING token_id, branch_id, reservation_kind, scheduled_time, arrival_time, status, created_at
	`, tokenID, target))
	if err != nil {
		return models.Token{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

// MarkArrived stamps the arrival once; later calls keep the first value.
// Only waiting tokens can arrive.
func (s *TokenStore) MarkArrived(ctx context.Context, tokenID string, at time.Time) (models.Token, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tokens
		SET arrival_time = COALESCE(arrival_time, $2), updated_at = now()
		WHERE token_id = $1 AND status = $3
		RETURNING token_id, branch_id, reservation_kind, scheduled_time, arrival_time, status, created_at
	`, tokenID, at.UTC(), models.StatusWaiting)
	token, err := scanToken(row)
	if errors.Is(err, store.ErrTokenNotFound) {
		if _, findErr := s.FindByID(ctx, tokenID); findErr == nil {
			return models.Token{}, store.ErrInvalidState
		}
	}
	return token, err
}

// Migrate applies the embedded SQL files in name order.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func scanToken(row pgx.Row) (models.Token, error) {
	var token models.Token
	var kind string
	var scheduledNull sql.NullTime
	var arrivalNull sql.NullTime
	if err := row.Scan(&token.TokenID, &token.BranchID, &kind, &scheduledNull, &arrivalNull, &token.Status, &token.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, err
	}
	token.Kind = models.ReservationKind(kind)
	token.ScheduledTime = nullTimePtr(scheduledNull)
	token.ArrivalTime = nullTimePtr(arrivalNull)
	token.CreatedAt = token.CreatedAt.UTC()
	return token, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}
