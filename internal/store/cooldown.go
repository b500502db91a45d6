package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"review-responder/internal/jobs"
)

// Cooldown scopes gate repeated costly operations on the same target.
const (
	CooldownScopeGenerate = "GENERATE_DRAFT"
	CooldownScopeVerify   = "VERIFY_DRAFT"
)

// CheckCooldown rejects with a terminal COOLDOWN_ACTIVE error while the
// (tenant, scope, key) gate is closed. Absence of a row means available.
func (s *Store) CheckCooldown(ctx context.Context, tenant, scope, key string, now time.Time) error {
	var availableAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT available_at FROM cooldowns WHERE tenant = $1 AND scope = $2 AND key = $3`,
		tenant, scope, key).Scan(&availableAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check cooldown: %w", err)
	}
	if !availableAt.After(now) {
		return nil
	}

	retryAfter := int(math.Ceil(availableAt.Sub(now).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return jobs.Terminal(jobs.CodeCooldownActive, "cooldown active", map[string]any{
		"retryAfterSec": retryAfter,
	})
}

// SetCooldown arms the gate after a successful costly operation.
func (s *Store) SetCooldown(ctx context.Context, tenant, scope, key string, d time.Duration, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cooldowns (tenant, scope, key, available_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant, scope, key) DO UPDATE SET available_at = EXCLUDED.available_at`,
		tenant, scope, key, now.Add(d))
	if err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	return nil
}
