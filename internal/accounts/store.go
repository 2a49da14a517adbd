package accounts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skridlevsky/expert-voter/internal/strategy"
)

// Store keeps accounts in the accounts table
type Store struct {
	pool     *pgxpool.Pool
	registry *strategy.Registry
}

// NewStore creates a new account store. Strategy names read from the
// table are resolved through reg.
func NewStore(pool *pgxpool.Pool, reg *strategy.Registry) *Store {
	return &Store{pool: pool, registry: reg}
}

// Load implements Source and returns every enabled account
func (s *Store) Load(ctx context.Context) ([]Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT login, secret, category_id, strategy
		FROM accounts
		WHERE enabled
		ORDER BY login
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var (
			acc  Account
			name string
		)
		if err := rows.Scan(&acc.Login, &acc.Secret, &acc.CategoryID, &name); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}

		acc.Strategy, err = s.registry.Resolve(name)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", acc.Login, err)
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read accounts: %w", err)
	}

	return accounts, nil
}

// Upsert inserts or updates accounts by login and enables them
func (s *Store) Upsert(ctx context.Context, accounts []Account) error {
	batch := &pgx.Batch{}
	for _, acc := range accounts {
		batch.Queue(`
			INSERT INTO accounts (login, secret, category_id, strategy, enabled)
			VALUES ($1, $2, $3, $4, TRUE)
			ON CONFLICT (login) DO UPDATE SET
				secret = EXCLUDED.secret,
				category_id = EXCLUDED.category_id,
				strategy = EXCLUDED.strategy,
				enabled = TRUE,
				updated_at = NOW()
		`, acc.Login, acc.Secret, acc.CategoryID, acc.Strategy.Name)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert accounts: %w", err)
	}

	slog.Info("Accounts upserted", "count", len(accounts))
	return nil
}

// DisableExcept disables every account whose login is not in keep.
// Returns the number of accounts disabled.
func (s *Store) DisableExcept(ctx context.Context, keep []string) (int64, error) {
	if keep == nil {
		keep = []string{}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET enabled = FALSE, updated_at = NOW()
		WHERE enabled AND NOT (login = ANY($1))
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to disable accounts: %w", err)
	}

	return tag.RowsAffected(), nil
}
