package payment

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"pulse-bot/internal/ledger"
	"pulse-bot/internal/models"
	"pulse-bot/pkg/logger"
)

// Store is the payments table as seen by checkout creation.
type Store interface {
	CreatePayment(ctx context.Context, p *models.Payment) error
	SetProviderPaymentID(ctx context.Context, id int64, providerID string) error
	FailPayment(ctx context.Context, id int64) (bool, error)
}

type Service struct {
	store    Store
	provider Provider
	currency string
	log      *logger.Logger
}

func NewService(store Store, provider Provider, currency string, log *logger.Logger) *Service {
	if currency == "" {
		currency = "RUB"
	}
	return &Service{store: store, provider: provider, currency: strings.ToUpper(currency), log: log}
}

// CreateCheckout records a pending payment for the plan and returns the URL the user pays at.
func (s *Service) CreateCheckout(ctx context.Context, userID int64, planKey string) (string, error) {
	plan, ok := ledger.LookupPlan(planKey)
	if !ok {
		return "", fmt.Errorf("%w: %s", ledger.ErrUnknownPlan, planKey)
	}

	p := &models.Payment{
		UserID:   userID,
		Amount:   plan.Price,
		Currency: s.currency,
		Plan:     plan.Key,
		Status:   models.PaymentPending,
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return "", err
	}

	checkout, err := s.provider.CreateCheckout(ctx, CheckoutRequest{
		PaymentRecordID: p.ID,
		UserID:          userID,
		Plan:            plan.Key,
		Description:     "Pulse: " + plan.Key,
		Amount:          plan.Price,
		Currency:        s.currency,
		IdempotencyKey:  uuid.NewString(),
	})
	if err != nil {
		s.log.Errorw("Failed to create checkout", "payment_id", p.ID, "user_id", userID, "error", err)
		if _, ferr := s.store.FailPayment(ctx, p.ID); ferr != nil {
			s.log.Errorw("Failed to mark payment failed", "payment_id", p.ID, "error", ferr)
		}
		return "", err
	}

	if err := s.store.SetProviderPaymentID(ctx, p.ID, checkout.ID); err != nil {
		return "", err
	}
	s.log.Infow("Checkout created", "payment_id", p.ID, "user_id", userID, "plan", plan.Key)
	return checkout.URL, nil
}
