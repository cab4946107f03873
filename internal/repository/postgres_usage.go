package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/entitlement-service/internal/models"
	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/jmoiron/sqlx"
)

type postgresUsageRepo struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewPostgresUsageRepository создает репозиторий счетчиков использования.
func NewPostgresUsageRepository(db *sqlx.DB, log *logger.Logger) UsageRepository {
	return &postgresUsageRepo{db: db, log: log}
}

func (r *postgresUsageRepo) Get(ctx context.Context, userID, toolName string, periodStart time.Time) (int64, error) {
	var count int64
	query := `SELECT count FROM usage_counters WHERE user_id = $1 AND tool_name = $2 AND period_start = $3`

	if err := r.db.GetContext(ctx, &count, query, userID, toolName, periodStart.UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		r.log.Errorw("Failed to read usage counter", "error", err, "userID", userID, "tool", toolName)
		return 0, fmt.Errorf("repository: failed to get usage: %w", err)
	}
	return count, nil
}

// Increment - один upsert, без read-modify-write.
func (r *postgresUsageRepo) Increment(ctx context.Context, userID, toolName string, periodStart time.Time) (int64, error) {
	var count int64
	query := `
        INSERT INTO usage_counters (user_id, tool_name, period_start, count, updated_at)
        VALUES ($1, $2, $3, 1, now())
        ON CONFLICT (user_id, tool_name, period_start)
        DO UPDATE SET count = usage_counters.count + 1, updated_at = now()
        RETURNING count`

	if err := r.db.GetContext(ctx, &count, query, userID, toolName, periodStart.UTC()); err != nil {
		r.log.Errorw("Failed to increment usage counter", "error", err, "userID", userID, "tool", toolName)
		return 0, fmt.Errorf("repository: failed to increment usage: %w", err)
	}
	return count, nil
}

func (r *postgresUsageRepo) ListForPeriod(ctx context.Context, userID string, periodStart time.Time) ([]models.UsageCounter, error) {
	var counters []models.UsageCounter
	query := `
        SELECT user_id, tool_name, period_start, count, updated_at
        FROM usage_counters
        WHERE user_id = $1 AND period_start = $2
        ORDER BY tool_name`

	if err := r.db.SelectContext(ctx, &counters, query, userID, periodStart.UTC()); err != nil {
		r.log.Errorw("Failed to list usage counters", "error", err, "userID", userID)
		return nil, fmt.Errorf("repository: failed to list usage: %w", err)
	}
	return counters, nil
}
