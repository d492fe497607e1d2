package payment_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse-bot/internal/db/dbtest"
	"pulse-bot/internal/ledger"
	"pulse-bot/internal/models"
	"pulse-bot/internal/payment"
	"pulse-bot/pkg/logger"
)

type fakeProvider struct {
	reqs []payment.CheckoutRequest
	err  error
}

func (f *fakeProvider) CreateCheckout(_ context.Context, req payment.CheckoutRequest) (payment.Checkout, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return payment.Checkout{}, f.err
	}
	return payment.Checkout{ID: "cs_test", URL: "https://checkout.stripe.com/c/cs_test"}, nil
}

func (f *fakeProvider) ParseWebhook([]byte, string) (payment.Event, error) {
	return payment.Event{}, nil
}

func TestCreateCheckout(t *testing.T) {
	mem := dbtest.NewMemory()
	u := mem.PutUser(models.User{TelegramID: 1})
	prov := &fakeProvider{}
	svc := payment.NewService(mem, prov, "RUB", logger.NewNop())

	url, err := svc.CreateCheckout(context.Background(), u.ID, "3months_premium")
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.com/c/cs_test", url)

	require.Len(t, prov.reqs, 1)
	req := prov.reqs[0]
	assert.Equal(t, 799, req.Amount)
	assert.Equal(t, "3months_premium", req.Plan)
	assert.NotEmpty(t, req.IdempotencyKey)

	p, err := mem.GetPaymentByProviderID(context.Background(), "cs_test")
	require.NoError(t, err)
	assert.Equal(t, req.PaymentRecordID, p.ID)
	assert.Equal(t, models.PaymentPending, p.Status)
	assert.Equal(t, "RUB", p.Currency)
}

func TestCreateCheckoutUnknownPlan(t *testing.T) {
	mem := dbtest.NewMemory()
	svc := payment.NewService(mem, &fakeProvider{}, "", logger.NewNop())
	_, err := svc.CreateCheckout(context.Background(), 1, "forever_free")
	assert.ErrorIs(t, err, ledger.ErrUnknownPlan)
}

func TestCreateCheckoutProviderFailureMarksFailed(t *testing.T) {
	mem := dbtest.NewMemory()
	u := mem.PutUser(models.User{TelegramID: 1})
	svc := payment.NewService(mem, &fakeProvider{err: errors.New("stripe down")}, "RUB", logger.NewNop())

	_, err := svc.CreateCheckout(context.Background(), u.ID, "1month_basic")
	require.Error(t, err)

	list, err := mem.ListPayments(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.PaymentFailed, list[0].Status)
}
