package ledger

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns every ledger that can run without external services.
func backends(t *testing.T) map[string]Ledger {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return map[string]Ledger{
		"memory": NewMemoryLedger(),
		"redis":  NewRedisLedger(rdb, nil, zerolog.Nop()),
	}
}

func TestDebitAndCredit(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, l.EnsureAccount(ctx, 1, 100))

			bal, err := l.Debit(ctx, 1, 55, Reference{Kind: KindCharge, ID: "gen-1"})
			require.NoError(t, err)
			assert.Equal(t, int64(45), bal)

			bal, err = l.Credit(ctx, 1, 55, Reference{Kind: KindRefund, ID: "gen-1"})
			require.NoError(t, err)
			assert.Equal(t, int64(100), bal)

			bal, err = l.Balance(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(100), bal)
		})
	}
}

func TestDebitInsufficientLeavesBalance(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, l.EnsureAccount(ctx, 2, DefaultStartingBalance))

			_, err := l.Debit(ctx, 2, 55, Reference{Kind: KindCharge, ID: "gen-2"})
			assert.ErrorIs(t, err, ErrInsufficientBalance)

			bal, err := l.Balance(ctx, 2)
			require.NoError(t, err)
			assert.Equal(t, int64(6), bal)
		})
	}
}

func TestUnknownUser(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := l.Balance(ctx, 404)
			assert.ErrorIs(t, err, ErrUserNotFound)
			_, err = l.Debit(ctx, 404, 1, Reference{Kind: KindCharge, ID: "x"})
			assert.ErrorIs(t, err, ErrUserNotFound)
			_, err = l.Credit(ctx, 404, 1, Reference{Kind: KindRefund, ID: "x"})
			assert.ErrorIs(t, err, ErrUserNotFound)
		})
	}
}

func TestReferenceAppliedOnce(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, l.EnsureAccount(ctx, 3, 100))

			ref := Reference{Kind: KindRefund, ID: "gen-3"}
			for i := 0; i < 3; i++ {
				bal, err := l.Credit(ctx, 3, 55, ref)
				require.NoError(t, err)
				assert.Equal(t, int64(155), bal)
			}
		})
	}
}

func TestEnsureAccountKeepsExisting(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, l.EnsureAccount(ctx, 4, 6))
			_, err := l.Credit(ctx, 4, 10, Reference{Kind: KindTopUp, ID: "pay-1"})
			require.NoError(t, err)
			require.NoError(t, l.EnsureAccount(ctx, 4, 6))

			bal, err := l.Balance(ctx, 4)
			require.NoError(t, err)
			assert.Equal(t, int64(16), bal)
		})
	}
}

func TestConcurrentDebitsNeverOverspend(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, l.EnsureAccount(ctx, 5, 300))

			var wg sync.WaitGroup
			var approved int64
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := l.Debit(ctx, 5, 55, Reference{Kind: KindCharge, ID: fmt.Sprintf("gen-%d", i)})
					if err == nil {
						atomic.AddInt64(&approved, 1)
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, int64(5), approved)
			bal, err := l.Balance(ctx, 5)
			require.NoError(t, err)
			assert.Equal(t, int64(25), bal)
		})
	}
}

func TestRedisReferenceExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	l := NewRedisLedger(rdb, nil, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, l.EnsureAccount(ctx, 9, 100))
	_, err := l.Debit(ctx, 9, 10, Reference{Kind: KindCharge, ID: "gen-9"})
	require.NoError(t, err)

	assert.Equal(t, referenceTTL, mr.TTL("ledger:ref:9:generation_charge:gen-9"))
	assert.Equal(t, time.Duration(0), mr.TTL(BalanceKey(9)), "balances never expire")
}

func TestPostgresLedger_Integration(t *testing.T) {
	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		t.Skip("POSTGRES_URL not set; skipping postgres ledger integration test")
	}

	ctx := context.Background()
	db, err := OpenPostgres(ctx, url)
	require.NoError(t, err)
	l := NewPostgresLedger(db, zerolog.Nop())
	defer l.Close()

	userID := time.Now().UnixNano()
	require.NoError(t, l.EnsureAccount(ctx, userID, 100))

	bal, err := l.Debit(ctx, userID, 55, Reference{Kind: KindCharge, ID: "it-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(45), bal)

	bal, err = l.Debit(ctx, userID, 55, Reference{Kind: KindCharge, ID: "it-1"})
	require.NoError(t, err, "repeated reference is a no-op")
	assert.Equal(t, int64(45), bal)

	_, err = l.Debit(ctx, userID, 55, Reference{Kind: KindCharge, ID: "it-2"})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	bal, err = l.Credit(ctx, userID, 55, Reference{Kind: KindRefund, ID: "it-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}
