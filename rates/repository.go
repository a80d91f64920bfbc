// Package rates loads the platform's fee/VAT configuration into a
// money.Schedule snapshot and caches it with a TTL so the pure breakdown
// functions never reach for global state.
package rates

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"marketflow/money"
)

// Repository provides read access to the rate configuration tables.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Load reads the current defaults and override rows into a schedule
// snapshot. Rates are stored as percents and normalized by the money
// package at computation time.
func (r *Repository) Load(ctx context.Context) (money.Schedule, error) {
	var sched money.Schedule

	const defaultsSQL = `SELECT fee_rate, vat_rate FROM rate_defaults WHERE id = 1`
	if err := r.pool.QueryRow(ctx, defaultsSQL).Scan(&sched.DefaultFeeRate, &sched.DefaultVATRate); err != nil {
		return money.Schedule{}, fmt.Errorf("rates: load defaults: %w", err)
	}

	const overridesSQL = `SELECT scope, key, fee_rate FROM rate_overrides ORDER BY created_at`
	rows, err := r.pool.Query(ctx, overridesSQL)
	if err != nil {
		return money.Schedule{}, fmt.Errorf("rates: load overrides: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			scope string
			key   string
			rate  decimal.Decimal
		)
		if err := rows.Scan(&scope, &key, &rate); err != nil {
			return money.Schedule{}, fmt.Errorf("rates: scan override: %w", err)
		}
		sched.Overrides = append(sched.Overrides, money.Override{
			Scope: money.OverrideScope(scope),
			Key:   key,
			Rate:  rate,
		})
	}
	if err := rows.Err(); err != nil {
		return money.Schedule{}, fmt.Errorf("rates: iterate overrides: %w", err)
	}

	return sched, nil
}
