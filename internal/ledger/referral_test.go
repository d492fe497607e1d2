package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse-bot/internal/db/dbtest"
	"pulse-bot/internal/ledger"
	"pulse-bot/internal/models"
	"pulse-bot/pkg/logger"
)

func completedPayment(userID int64, at time.Time) models.Payment {
	return models.Payment{
		UserID:      userID,
		Amount:      299,
		Currency:    "RUB",
		Plan:        "1month_premium",
		Status:      models.PaymentCompleted,
		CompletedAt: &at,
	}
}

func TestCreditReferralBonusOncePerPayment(t *testing.T) {
	l, mem, c := newLedger(t)
	ctx := context.Background()

	r := mem.PutUser(models.User{TelegramID: 10})
	_, err := l.Activate(ctx, r.ID, "1month_basic")
	require.NoError(t, err)
	f := mem.PutUser(models.User{TelegramID: 11, ReferrerID: &r.ID})
	p := mem.PutPayment(completedPayment(f.ID, c.Now()))

	before := l.Requests(mustUser(t, mem, r.ID)).Bonus
	ok, err := l.CreditReferralBonus(ctx, f.ID, p.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before+ledger.BonusPerReferral, l.Requests(mustUser(t, mem, r.ID)).Bonus)

	ok, err = l.CreditReferralBonus(ctx, f.ID, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, before+ledger.BonusPerReferral, mustUser(t, mem, r.ID).Bonus)

	refs := mem.Referrals()
	require.Len(t, refs, 1)
	assert.Equal(t, r.ID, refs[0].ReferrerID)
	assert.Equal(t, f.ID, refs[0].ReferredUserID)
	assert.Equal(t, p.ID, refs[0].PaymentID)
	assert.Equal(t, ledger.BonusPerReferral, refs[0].BonusRequests)

	p2 := mem.PutPayment(completedPayment(f.ID, c.Now()))
	ok, err = l.CreditReferralBonus(ctx, f.ID, p2.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, before+2*ledger.BonusPerReferral, mustUser(t, mem, r.ID).Bonus)
}

func TestCreditReferralBonusLapsedReferrer(t *testing.T) {
	l, mem, c := newLedger(t)
	ctx := context.Background()

	r := mem.PutUser(models.User{TelegramID: 10})
	_, err := l.Activate(ctx, r.ID, "1month_basic")
	require.NoError(t, err)
	f := mem.PutUser(models.User{TelegramID: 11, ReferrerID: &r.ID})

	c.Advance(40 * day)
	p := mem.PutPayment(completedPayment(f.ID, c.Now()))
	ok, err := l.CreditReferralBonus(ctx, f.ID, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, mem.Referrals())
	assert.Equal(t, 0, mustUser(t, mem, r.ID).Bonus)

	// renewing later does not pay out retroactively
	_, err = l.Activate(ctx, r.ID, "1month_basic")
	require.NoError(t, err)
	assert.Equal(t, 0, mustUser(t, mem, r.ID).Bonus)
}

func TestCreditReferralBonusRejections(t *testing.T) {
	l, mem, c := newLedger(t)
	ctx := context.Background()

	r := mem.PutUser(models.User{TelegramID: 10})
	_, err := l.Activate(ctx, r.ID, "1month_premium")
	require.NoError(t, err)
	orphan := mem.PutUser(models.User{TelegramID: 12})
	f := mem.PutUser(models.User{TelegramID: 11, ReferrerID: &r.ID})

	pending := completedPayment(f.ID, c.Now())
	pending.Status = models.PaymentPending
	pending.CompletedAt = nil
	pendingP := mem.PutPayment(pending)
	orphanP := mem.PutPayment(completedPayment(orphan.ID, c.Now()))
	foreignP := mem.PutPayment(completedPayment(orphan.ID, c.Now()))

	cases := []struct {
		name      string
		referred  int64
		paymentID int64
	}{
		{"no referrer", orphan.ID, orphanP.ID},
		{"payment not completed", f.ID, pendingP.ID},
		{"payment missing", f.ID, 99999},
		{"payment of another user", f.ID, foreignP.ID},
		{"unknown referred user", 88888, orphanP.ID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := l.CreditReferralBonus(ctx, tc.referred, tc.paymentID)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
	assert.Empty(t, mem.Referrals())
	assert.Equal(t, 0, mustUser(t, mem, r.ID).Bonus)
}

func TestCreditReferralBonusConcurrentDeliveries(t *testing.T) {
	l, mem, c := newLedger(t)
	ctx := context.Background()

	r := mem.PutUser(models.User{TelegramID: 10})
	_, err := l.Activate(ctx, r.ID, "1month_premium")
	require.NoError(t, err)
	f := mem.PutUser(models.User{TelegramID: 11, ReferrerID: &r.ID})
	p := mem.PutPayment(completedPayment(f.ID, c.Now()))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.CreditReferralBonus(ctx, f.ID, p.ID)
		}()
	}
	wg.Wait()
	assert.Len(t, mem.Referrals(), 1)
	assert.Equal(t, ledger.BonusPerReferral, mustUser(t, mem, r.ID).Bonus)
}

// staleReadStore hides existing referral records from the pre-check, the way a
// concurrent delivery in another process sees the table before the other commits.
type staleReadStore struct {
	*dbtest.Memory
}

func (s staleReadStore) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.Memory.InTx(ctx, func(tx ledger.Tx) error {
		return fn(staleReadTx{tx})
	})
}

type staleReadTx struct {
	ledger.Tx
}

func (staleReadTx) ReferralExists(context.Context, int64) (bool, error) { return false, nil }

func TestCreditReferralBonusInsertConflictIsNoOp(t *testing.T) {
	l, mem, c := newLedger(t)
	ctx := context.Background()

	r := mem.PutUser(models.User{TelegramID: 10})
	_, err := l.Activate(ctx, r.ID, "1month_premium")
	require.NoError(t, err)
	f := mem.PutUser(models.User{TelegramID: 11, ReferrerID: &r.ID})
	p := mem.PutPayment(completedPayment(f.ID, c.Now()))

	ok, err := l.CreditReferralBonus(ctx, f.ID, p.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ledger.BonusPerReferral, mustUser(t, mem, r.ID).Bonus)

	racer := ledger.New(staleReadStore{mem}, logger.NewNop(), ledger.WithClock(c.Now))
	ok, err = racer.CreditReferralBonus(ctx, f.ID, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ledger.BonusPerReferral, mustUser(t, mem, r.ID).Bonus)
	assert.Len(t, mem.Referrals(), 1)
}

func TestReferralCodeIsStable(t *testing.T) {
	l, mem, _ := newLedger(t)
	ctx := context.Background()
	u := mem.PutUser(models.User{TelegramID: 1})

	code, err := l.EnsureReferralCode(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, code, 12)
	assert.Regexp(t, `^[A-Z0-9]+$`, code)

	again, err := l.EnsureReferralCode(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, code, again)

	stats, err := l.ReferralStats(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, code, stats.Code)
	assert.Zero(t, stats.Referrals)
}

func TestAttachReferrer(t *testing.T) {
	l, mem, _ := newLedger(t)
	ctx := context.Background()
	r := mem.PutUser(models.User{TelegramID: 1, ReferralCode: "ABCDEF234567"})
	other := mem.PutUser(models.User{TelegramID: 2, ReferralCode: "ZZZZZZ234567"})
	u := mem.PutUser(models.User{TelegramID: 3})

	ok, err := l.AttachReferrer(ctx, r.ID, "abcdef234567")
	require.NoError(t, err)
	assert.False(t, ok, "self referral")

	ok, err = l.AttachReferrer(ctx, u.ID, "NOPE")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.AttachReferrer(ctx, u.ID, " abcdef234567 ")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.AttachReferrer(ctx, u.ID, other.ReferralCode)
	require.NoError(t, err)
	assert.False(t, ok, "referrer is set at most once")
	assert.Equal(t, r.ID, *mustUser(t, mem, u.ID).ReferrerID)

	ref, err := l.ReferrerFor(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, ref.ID)
}
