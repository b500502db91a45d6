package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"review-responder/internal/jobs"
)

// Budget scopes for costly operations.
const (
	BudgetScopeAI   = "AI"
	BudgetScopePost = "POST_REPLY"
)

// UTCDay formats t as the YYYY-MM-DD UTC day bucket key.
func UTCDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ConsumeDailyBudget spends one unit of the tenant's daily quota for a scope.
// Same conditional-upsert shape as the rate limiter: zero rows affected means
// the budget is exhausted, returned as a terminal BUDGET_EXCEEDED error.
// bypass skips the ledger entirely (operator override).
func (s *Store) ConsumeDailyBudget(ctx context.Context, tenant, scope string, limit int, now time.Time, bypass bool) error {
	if bypass {
		return nil
	}
	day := UTCDay(now)

	var used int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO budget_ledger (tenant, scope, day, used, updated_at)
		VALUES ($1, $2, $3, 1, now())
		ON CONFLICT (tenant, scope, day)
		DO UPDATE SET used = budget_ledger.used + 1, updated_at = now()
		WHERE budget_ledger.used < $4
		RETURNING used`,
		tenant, scope, day, limit).Scan(&used)

	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Terminal(jobs.CodeBudgetExceeded, "daily budget exceeded", map[string]any{
			"scope": scope,
			"limit": limit,
		})
	}
	if err != nil {
		return fmt.Errorf("consume daily budget: %w", err)
	}
	return nil
}

// BudgetUsed reads the current day's usage for observability endpoints.
func (s *Store) BudgetUsed(ctx context.Context, tenant, scope string, now time.Time) (int, error) {
	var used int
	err := s.pool.QueryRow(ctx, `
		SELECT used FROM budget_ledger WHERE tenant = $1 AND scope = $2 AND day = $3`,
		tenant, scope, UTCDay(now)).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read budget: %w", err)
	}
	return used, nil
}
