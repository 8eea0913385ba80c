package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreditBalance returns the stored balance for addonID. The second return is
// false when no balance has been recorded yet.
func (s *Store) CreditBalance(ctx context.Context, addonID string) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var balance int
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM credit_balances WHERE addon_id = ?`, addonID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load credit balance for %s: %w", addonID, err)
	}
	return balance, true, nil
}

// SetCreditBalance overwrites the balance for addonID.
func (s *Store) SetCreditBalance(ctx context.Context, addonID string, balance int) error {
	if balance < 0 {
		return ErrNegativeCredit
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_balances (addon_id, balance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(addon_id) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		addonID, balance, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store credit balance for %s: %w", addonID, err)
	}
	return nil
}

// SwapCreditBalance sets the balance to next only if it currently equals prev.
// It reports whether the swap happened.
func (s *Store) SwapCreditBalance(ctx context.Context, addonID string, prev, next int) (bool, error) {
	if next < 0 {
		return false, ErrNegativeCredit
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE credit_balances SET balance = ?, updated_at = ? WHERE addon_id = ? AND balance = ?`,
		next, s.now().UnixMilli(), addonID, prev)
	if err != nil {
		return false, fmt.Errorf("swap credit balance for %s: %w", addonID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("swap credit balance for %s: %w", addonID, err)
	}
	return n == 1, nil
}

// DeleteCreditBalance forgets the balance for addonID.
func (s *Store) DeleteCreditBalance(ctx context.Context, addonID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credit_balances WHERE addon_id = ?`, addonID); err != nil {
		return fmt.Errorf("delete credit balance for %s: %w", addonID, err)
	}
	return nil
}
