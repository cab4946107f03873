package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Dhoini/entitlement-service/internal/models"
	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/jmoiron/sqlx"
)

const trialColumns = `user_id, uses_remaining, tools_used, created_at, updated_at`

type postgresTrialRepo struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewPostgresTrialRepository создает репозиторий пробных балансов.
func NewPostgresTrialRepository(db *sqlx.DB, log *logger.Logger) TrialRepository {
	return &postgresTrialRepo{db: db, log: log}
}

func (r *postgresTrialRepo) Get(ctx context.Context, userID string) (*models.TrialBalance, error) {
	var tb models.TrialBalance
	query := `SELECT ` + trialColumns + ` FROM trial_balances WHERE user_id = $1`

	if err := r.db.GetContext(ctx, &tb, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.log.Errorw("Failed to get trial balance", "error", err, "userID", userID)
		return nil, fmt.Errorf("repository: failed to get trial: %w", err)
	}
	return &tb, nil
}

// GetOrCreate вставляет баланс, если его нет. При гонке двух вставок
// побеждает первая, вторая читает ее результат.
func (r *postgresTrialRepo) GetOrCreate(ctx context.Context, userID string, initial int64) (*models.TrialBalance, bool, error) {
	var tb models.TrialBalance
	query := `
        INSERT INTO trial_balances (user_id, uses_remaining, tools_used, created_at, updated_at)
        VALUES ($1, $2, '{}'::jsonb, now(), now())
        ON CONFLICT (user_id) DO NOTHING
        RETURNING ` + trialColumns

	err := r.db.GetContext(ctx, &tb, query, userID, initial)
	switch {
	case err == nil:
		r.log.Infow("Trial balance created", "userID", userID, "uses", initial)
		return &tb, true, nil
	case errors.Is(err, sql.ErrNoRows):
		existing, err := r.Get(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("repository: trial for %s vanished after conflict", userID)
		}
		return existing, false, nil
	default:
		r.log.Errorw("Failed to create trial balance", "error", err, "userID", userID)
		return nil, false, fmt.Errorf("repository: failed to create trial: %w", err)
	}
}

// Consume списывает одно использование. consumed=false без ошибки значит,
// что баланса нет или он уже нулевой; remaining тогда 0.
func (r *postgresTrialRepo) Consume(ctx context.Context, userID, toolName string) (int64, bool, error) {
	var remaining int64
	query := `
        UPDATE trial_balances SET
            uses_remaining = uses_remaining - 1,
            tools_used     = jsonb_set(tools_used, ARRAY[$2::text],
                                 to_jsonb(COALESCE((tools_used ->> $2::text)::bigint, 0) + 1)),
            updated_at     = now()
        WHERE user_id = $1 AND uses_remaining > 0
        RETURNING uses_remaining`

	if err := r.db.GetContext(ctx, &remaining, query, userID, toolName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		r.log.Errorw("Failed to consume trial use", "error", err, "userID", userID, "tool", toolName)
		return 0, false, fmt.Errorf("repository: failed to consume trial: %w", err)
	}
	return remaining, true, nil
}
