package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"pulse-bot/internal/ledger"
	"pulse-bot/internal/metrics"
	"pulse-bot/internal/models"
	"pulse-bot/internal/payment"
)

const maxWebhookBody = 64 << 10

// HandlePaymentWebhook applies a verified provider event to the payment and the ledger.
// A 5xx response makes the provider redeliver; every step is safe to repeat.
func (t *TelegramBot) HandlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		t.logger.Errorw("Failed to read webhook body", "error", err)
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	ev, err := t.payments.ParseWebhook(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		if errors.Is(err, payment.ErrBadSignature) {
			t.logger.Warnw("Rejected webhook with invalid signature", "error", err)
			http.Error(w, "Invalid signature", http.StatusBadRequest)
			return
		}
		t.logger.Errorw("Failed to parse webhook", "error", err)
		http.Error(w, "Failed to parse event", http.StatusBadRequest)
		return
	}

	status, result := t.applyPaymentEvent(r.Context(), ev)
	metrics.WebhookEvents.WithLabelValues(ev.Type, result).Inc()
	if status != http.StatusOK {
		http.Error(w, "Processing failed", status)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (t *TelegramBot) applyPaymentEvent(ctx context.Context, ev payment.Event) (int, string) {
	if ev.Kind == payment.EventIgnored {
		return http.StatusOK, "ignored"
	}

	p, err := t.resolvePayment(ctx, ev)
	if errors.Is(err, models.ErrNotFound) {
		t.logger.Warnw("Webhook for unknown payment", "provider_payment_id", ev.ProviderPaymentID, "payment_id", ev.PaymentRecordID)
		return http.StatusOK, "unknown_payment"
	}
	if err != nil {
		t.logger.Errorw("Failed to load payment", "provider_payment_id", ev.ProviderPaymentID, "error", err)
		return http.StatusInternalServerError, "error"
	}
	log := t.logger.With("payment_id", p.ID, "user_id", p.UserID, "event", ev.Type)

	if ev.Kind == payment.EventFailed {
		failed, err := t.store.FailPayment(ctx, p.ID)
		if err != nil {
			log.Errorw("Failed to mark payment failed", "error", err)
			return http.StatusInternalServerError, "error"
		}
		log.Infow("Payment failed", "changed", failed)
		return http.StatusOK, "failed"
	}

	completed, err := t.ledger.ActivatePayment(ctx, p)
	if err != nil {
		log.Errorw("Failed to complete payment", "error", err)
		return http.StatusInternalServerError, "error"
	}

	// The payment is committed; follow-ups must not depend on the caller staying connected.
	ctx = context.WithoutCancel(ctx)
	if completed {
		log.Infow("Subscription activated", "plan", p.Plan)
		t.notifyUser(ctx, p.UserID, textPaid)
	} else {
		log.Infow("Duplicate payment notification")
	}

	credited, err := t.ledger.CreditReferralBonus(ctx, p.UserID, p.ID)
	if err != nil {
		log.Errorw("Failed to credit referral bonus", "error", err)
		return http.StatusInternalServerError, "error"
	}
	if credited && completed {
		if ref, err := t.ledger.ReferrerFor(ctx, p.UserID); err == nil && ref != nil {
			t.notifyUser(ctx, ref.ID, fmt.Sprintf(textReferralCredited, ledger.BonusPerReferral))
		}
	}

	if completed {
		return http.StatusOK, "completed"
	}
	return http.StatusOK, "duplicate"
}

func (t *TelegramBot) resolvePayment(ctx context.Context, ev payment.Event) (*models.Payment, error) {
	if ev.ProviderPaymentID != "" {
		p, err := t.store.GetPaymentByProviderID(ctx, ev.ProviderPaymentID)
		if err == nil || !errors.Is(err, models.ErrNotFound) || ev.PaymentRecordID == 0 {
			return p, err
		}
	}
	if ev.PaymentRecordID == 0 {
		return nil, models.ErrNotFound
	}
	return t.store.GetPayment(ctx, ev.PaymentRecordID)
}

func (t *TelegramBot) notifyUser(ctx context.Context, userID int64, text string) {
	u, err := t.store.GetUser(ctx, userID)
	if err != nil {
		t.logger.Errorw("Failed to load user for notification", "user_id", userID, "error", err)
		return
	}
	t.send(u.TelegramID, text, nil)
}

// Deliver sends a scheduled reminder. Used by the notification dispatcher.
func (t *TelegramBot) Deliver(ctx context.Context, n models.Notification) error {
	if _, err := t.api.Send(tgbotapi.NewMessage(n.TelegramID, "⏰ "+n.Text)); err != nil {
		return fmt.Errorf("failed to deliver notification %d: %w", n.ID, err)
	}
	return nil
}
