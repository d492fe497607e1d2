package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse-bot/internal/db/dbtest"
	"pulse-bot/internal/models"
)

func pendingPayment(userID int64, plan string, at time.Time) models.Payment {
	return models.Payment{
		UserID:    userID,
		Amount:    299,
		Currency:  "RUB",
		Plan:      plan,
		Status:    models.PaymentPending,
		CreatedAt: at,
	}
}

func mustPayment(t *testing.T, mem *dbtest.Memory, id int64) *models.Payment {
	t.Helper()
	p, err := mem.GetPayment(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestActivatePaymentCompletesAndActivates(t *testing.T) {
	l, mem, c := newLedger(t)
	ctx := context.Background()
	u := mem.PutUser(models.User{TelegramID: 1})
	p := mem.PutPayment(pendingPayment(u.ID, "3months_premium", c.Now()))

	completed, err := l.ActivatePayment(ctx, &p)
	require.NoError(t, err)
	assert.True(t, completed)

	got := mustPayment(t, mem, p.ID)
	assert.Equal(t, models.PaymentCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, c.Now(), *got.CompletedAt)

	user := mustUser(t, mem, u.ID)
	assert.True(t, l.IsPremium(user))
	assert.Equal(t, c.Now().Add(90*day), *user.ExpireAt)
	checkInvariants(t, l, user)
}

func TestActivatePaymentRedeliveryIsNoOp(t *testing.T) {
	l, mem, c := newLedger(t)
	ctx := context.Background()
	u := mem.PutUser(models.User{TelegramID: 1})
	p := mem.PutPayment(pendingPayment(u.ID, "1month_basic", c.Now()))

	_, err := l.ActivatePayment(ctx, &p)
	require.NoError(t, err)
	first := mustUser(t, mem, u.ID)

	c.Advance(day)
	completed, err := l.ActivatePayment(ctx, &p)
	require.NoError(t, err)
	assert.False(t, completed)
	assert.Equal(t, first.ExpireAt, mustUser(t, mem, u.ID).ExpireAt)
}

func TestActivatePaymentRollsBackBothWrites(t *testing.T) {
	l, mem, c := newLedger(t)
	ctx := context.Background()
	u := mem.PutUser(models.User{TelegramID: 1})
	p := mem.PutPayment(pendingPayment(u.ID, "1month_premium", c.Now()))

	mem.Fail("save_entitlement", errors.New("disk full"))
	completed, err := l.ActivatePayment(ctx, &p)
	require.Error(t, err)
	assert.False(t, completed)
	assert.Equal(t, models.PaymentPending, mustPayment(t, mem, p.ID).Status)
	mem.Fail("save_entitlement", nil)

	mem.Fail("complete_payment", errors.New("connection reset"))
	_, err = l.ActivatePayment(ctx, &p)
	require.Error(t, err)
	assert.False(t, l.IsActive(mustUser(t, mem, u.ID)), "entitlement write is undone with the payment")
	assert.Equal(t, models.PaymentPending, mustPayment(t, mem, p.ID).Status)
	mem.Fail("complete_payment", nil)

	completed, err = l.ActivatePayment(ctx, &p)
	require.NoError(t, err)
	assert.True(t, completed)
	assert.True(t, l.IsActive(mustUser(t, mem, u.ID)))
}

func TestActivatePaymentRejectsUnknownPlanAndPayment(t *testing.T) {
	l, mem, c := newLedger(t)
	ctx := context.Background()
	u := mem.PutUser(models.User{TelegramID: 1})
	p := mem.PutPayment(pendingPayment(u.ID, "lifetime_gold", c.Now()))

	_, err := l.ActivatePayment(ctx, &p)
	require.Error(t, err)
	assert.Equal(t, models.PaymentPending, mustPayment(t, mem, p.ID).Status)

	_, err = l.ActivatePayment(ctx, &models.Payment{ID: 999, UserID: u.ID})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestActivatePaymentConcurrentDeliveries(t *testing.T) {
	l, mem, c := newLedger(t)
	ctx := context.Background()
	u := mem.PutUser(models.User{TelegramID: 1})
	p := mem.PutPayment(pendingPayment(u.ID, "1month_basic", c.Now()))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			completed, err := l.ActivatePayment(ctx, &p)
			assert.NoError(t, err)
			if completed {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, c.Now().Add(30*day), *mustUser(t, mem, u.ID).ExpireAt)
}
