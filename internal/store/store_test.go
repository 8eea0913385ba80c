package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rcourtman/pulse-licensing/internal/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	sealer, err := crypto.NewCryptoManager("store-test-secret-0123456789", "https://example.com")
	require.NoError(t, err)

	s, err := Open(Config{DataDir: t.TempDir(), Sealer: sealer, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSecretsAreEncryptedAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSecret(ctx, "license_key", "LICENSE-KEY-PLAINTEXT-0000000000000"))

	var raw string
	require.NoError(t, s.db.QueryRow(`SELECT ciphertext FROM secrets WHERE name = ?`, "license_key").Scan(&raw))
	assert.NotContains(t, raw, "PLAINTEXT")

	got, ok, err := s.Secret(ctx, "license_key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "LICENSE-KEY-PLAINTEXT-0000000000000", got)

	require.NoError(t, s.DeleteSecrets(ctx, "license_key", "missing"))
	_, ok, err = s.Secret(ctx, "license_key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSecretWithoutSealerFails(t *testing.T) {
	s, err := Open(Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()

	assert.ErrorIs(t, s.PutSecret(context.Background(), "a", "b"), ErrNoSealer)
	_, _, err = s.Secret(context.Background(), "a")
	assert.ErrorIs(t, err, ErrNoSealer)
}

func TestValuesRoundTripAndOverwrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Value(ctx, "snapshot")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutValue(ctx, "snapshot", `{"tier":"pro"}`))
	require.NoError(t, s.PutValue(ctx, "snapshot", `{"tier":"agency"}`))

	got, ok, err := s.Value(ctx, "snapshot")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"tier":"agency"}`, got)

	require.NoError(t, s.DeleteValues(ctx, "snapshot"))
	_, ok, _ = s.Value(ctx, "snapshot")
	assert.False(t, ok)
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	sealer, err := crypto.NewCryptoManager("store-test-secret-0123456789", "salt")
	require.NoError(t, err)

	s, err := Open(Config{DataDir: dir, Sealer: sealer})
	require.NoError(t, err)
	require.NoError(t, s.PutSecret(context.Background(), "access_token", "tok"))
	require.NoError(t, s.Close())

	reopened, err := Open(Config{DataDir: dir, Sealer: sealer})
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.Secret(context.Background(), "access_token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok", got)
}

func TestCreditBalanceSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.CreditBalance(ctx, "automation_agents")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetCreditBalance(ctx, "automation_agents", 50))

	swapped, err := s.SwapCreditBalance(ctx, "automation_agents", 40, 30)
	require.NoError(t, err)
	assert.False(t, swapped, "stale previous balance must not swap")

	swapped, err = s.SwapCreditBalance(ctx, "automation_agents", 50, 40)
	require.NoError(t, err)
	assert.True(t, swapped)

	balance, _, err := s.CreditBalance(ctx, "automation_agents")
	require.NoError(t, err)
	assert.Equal(t, 40, balance)

	_, err = s.SwapCreditBalance(ctx, "automation_agents", 40, -10)
	assert.ErrorIs(t, err, ErrNegativeCredit)
	assert.ErrorIs(t, s.SetCreditBalance(ctx, "automation_agents", -1), ErrNegativeCredit)

	require.NoError(t, s.DeleteCreditBalance(ctx, "automation_agents"))
	_, ok, _ = s.CreditBalance(ctx, "automation_agents")
	assert.False(t, ok)
}

func TestConcurrentSwapsNeverDoubleSpend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetCreditBalance(ctx, "ai_content_generation", 100))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.SwapCreditBalance(ctx, "ai_content_generation", 100, 75)
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestDenialLogIsBounded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < 105; i++ {
		require.NoError(t, s.AppendDenial(ctx, DenialEvent{
			Feature:      fmt.Sprintf("feature_%d", i),
			Principal:    "user-1",
			Reason:       "tier_insufficient",
			CurrentTier:  "free",
			RequiredTier: "pro",
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}, 100))
	}

	all, err := s.RecentDenials(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 100)
	assert.Equal(t, "feature_104", all[0].Feature)
	assert.Equal(t, "feature_5", all[len(all)-1].Feature)
	assert.NotEmpty(t, all[0].ID)

	recent, err := s.DenialsSince(ctx, base.Add(100*time.Minute))
	require.NoError(t, err)
	assert.Len(t, recent, 5)

	limited, err := s.RecentDenials(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, limited, 3)

	require.NoError(t, s.ClearDenials(ctx))
	all, err = s.RecentDenials(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestOpenRequiresDataDir(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
