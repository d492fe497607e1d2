package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse-bot/internal/db/dbtest"
	"pulse-bot/internal/ledger"
	"pulse-bot/internal/models"
	"pulse-bot/internal/payment"
	"pulse-bot/pkg/logger"
)

func (h *harness) webhook(signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", signature)
	rec := httptest.NewRecorder()
	h.bot.HandlePaymentWebhook(rec, req)
	return rec
}

// referredPurchase prepares an active referrer, a referred user and a pending payment.
func (h *harness) referredPurchase(t *testing.T, plan string) (referrer models.User, buyer models.User, p models.Payment) {
	t.Helper()
	referrer = h.user(t, 10, "ref", "1month_premium")
	buyer = h.mem.PutUser(models.User{TelegramID: 20, Username: "buyer", ReferrerID: &referrer.ID})
	p = h.mem.PutPayment(models.Payment{
		UserID:            buyer.ID,
		Amount:            299,
		Currency:          "RUB",
		Plan:              plan,
		Status:            models.PaymentPending,
		ProviderPaymentID: "cs_test_1",
		CreatedAt:         h.clock.Now(),
	})
	h.provider.event = payment.Event{
		Type:              "checkout.session.completed",
		Kind:              payment.EventPaid,
		ProviderPaymentID: "cs_test_1",
	}
	return referrer, buyer, p
}

func TestWebhookActivatesAndCreditsReferrer(t *testing.T) {
	h := newHarness(t)
	referrer, buyer, p := h.referredPurchase(t, "3months_premium")

	rec := h.webhook("good")
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := h.mem.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, got.Status)

	u := h.reload(t, buyer.ID)
	assert.True(t, h.ledger.IsPremium(u))
	assert.Equal(t, 15, u.Total.Count())

	assert.Equal(t, ledger.BonusPerReferral, h.reload(t, referrer.ID).Bonus)
	require.Len(t, h.mem.Referrals(), 1)

	texts := h.api.texts()
	assert.Contains(t, texts, textPaid)
	assert.Contains(t, texts, fmt.Sprintf(textReferralCredited, ledger.BonusPerReferral))
}

func TestWebhookDuplicateDeliveryIsNoOp(t *testing.T) {
	h := newHarness(t)
	referrer, buyer, _ := h.referredPurchase(t, "1month_premium")

	require.Equal(t, http.StatusOK, h.webhook("good").Code)
	first := h.reload(t, buyer.ID)
	h.api.reset()

	require.Equal(t, http.StatusOK, h.webhook("good").Code)
	second := h.reload(t, buyer.ID)

	assert.Equal(t, first.ExpireAt, second.ExpireAt)
	assert.Equal(t, first.Total, second.Total)
	assert.Equal(t, ledger.BonusPerReferral, h.reload(t, referrer.ID).Bonus)
	assert.Len(t, h.mem.Referrals(), 1)
	assert.Empty(t, h.api.texts())
}

func TestWebhookRollsBackWhenActivationFails(t *testing.T) {
	h := newHarness(t)
	_, buyer, p := h.referredPurchase(t, "1month_premium")
	h.mem.Fail("save_entitlement", errors.New("disk full"))

	rec := h.webhook("good")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	got, err := h.mem.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, got.Status)
	assert.False(t, h.ledger.IsActive(h.reload(t, buyer.ID)))

	h.mem.Fail("save_entitlement", nil)
	require.Equal(t, http.StatusOK, h.webhook("good").Code)
	assert.True(t, h.ledger.IsActive(h.reload(t, buyer.ID)))
	assert.Len(t, h.mem.Referrals(), 1)
}

// cancellingStore aborts a transaction at commit once ctx is cancelled, like a
// database driver does. It cancels the request as soon as the payment row is
// marked completed.
type cancellingStore struct {
	*dbtest.Memory
	cancel context.CancelFunc
}

func (s *cancellingStore) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Memory.InTx(ctx, func(tx ledger.Tx) error {
		if err := fn(cancellingTx{Tx: tx, store: s}); err != nil {
			return err
		}
		return ctx.Err()
	})
}

type cancellingTx struct {
	ledger.Tx
	store *cancellingStore
}

func (t cancellingTx) CompletePayment(ctx context.Context, id int64, at time.Time) error {
	if err := t.Tx.CompletePayment(ctx, id, at); err != nil {
		return err
	}
	if t.store.cancel != nil {
		t.store.cancel()
		t.store.cancel = nil
	}
	return nil
}

func TestWebhookCancelledMidActivationIsRetried(t *testing.T) {
	h := newHarness(t)
	referrer, buyer, p := h.referredPurchase(t, "1month_premium")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancellingStore{Memory: h.mem, cancel: cancel}
	h.bot.ledger = ledger.New(store, logger.NewNop(), ledger.WithClock(h.clock.Now))

	req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", strings.NewReader(`{}`)).WithContext(ctx)
	req.Header.Set("Stripe-Signature", "good")
	rec := httptest.NewRecorder()
	h.bot.HandlePaymentWebhook(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	got, err := h.mem.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, got.Status, "payment must not stay completed without an activation")
	assert.False(t, h.ledger.IsActive(h.reload(t, buyer.ID)))
	assert.Empty(t, h.mem.Referrals())

	rec = h.webhook("good")
	require.Equal(t, http.StatusOK, rec.Code)
	got, err = h.mem.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, got.Status)
	assert.True(t, h.ledger.IsPremium(h.reload(t, buyer.ID)))
	assert.Equal(t, ledger.BonusPerReferral, h.reload(t, referrer.ID).Bonus)
	assert.Contains(t, h.api.texts(), textPaid)
}

func TestWebhookFailedEvent(t *testing.T) {
	h := newHarness(t)
	_, buyer, p := h.referredPurchase(t, "1month_premium")
	h.provider.event = payment.Event{Type: "checkout.session.expired", Kind: payment.EventFailed, PaymentRecordID: p.ID}

	require.Equal(t, http.StatusOK, h.webhook("good").Code)
	got, err := h.mem.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, got.Status)
	assert.False(t, h.ledger.IsActive(h.reload(t, buyer.ID)))
}

func TestWebhookRejections(t *testing.T) {
	h := newHarness(t)
	h.referredPurchase(t, "1month_premium")

	assert.Equal(t, http.StatusBadRequest, h.webhook("forged").Code)
	assert.Empty(t, h.mem.Referrals())

	req := httptest.NewRequest(http.MethodGet, "/webhook/stripe", nil)
	rec := httptest.NewRecorder()
	h.bot.HandlePaymentWebhook(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookUnknownPaymentAndIgnoredEvents(t *testing.T) {
	h := newHarness(t)

	h.provider.event = payment.Event{Type: "checkout.session.completed", Kind: payment.EventPaid, ProviderPaymentID: "cs_missing"}
	assert.Equal(t, http.StatusOK, h.webhook("good").Code)

	h.provider.event = payment.Event{Type: "customer.created", Kind: payment.EventIgnored}
	assert.Equal(t, http.StatusOK, h.webhook("good").Code)
}

func TestWebhookResolvesByRecordID(t *testing.T) {
	h := newHarness(t)
	_, buyer, p := h.referredPurchase(t, "1month_basic")
	h.provider.event = payment.Event{
		Type:              "checkout.session.async_payment_succeeded",
		Kind:              payment.EventPaid,
		ProviderPaymentID: "cs_other",
		PaymentRecordID:   p.ID,
	}

	require.Equal(t, http.StatusOK, h.webhook("good").Code)
	u := h.reload(t, buyer.ID)
	assert.True(t, h.ledger.IsActive(u))
	assert.False(t, h.ledger.IsPremium(u))
}

func TestDeliverNotification(t *testing.T) {
	h := newHarness(t)
	err := h.bot.Deliver(context.Background(), models.Notification{ID: 1, TelegramID: 42, Text: "Сдать анализ"})
	require.NoError(t, err)
	last := h.api.last()
	assert.Equal(t, int64(42), last.ChatID)
	assert.Equal(t, "⏰ Сдать анализ", last.Text)
}
