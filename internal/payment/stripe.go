// internal/payment/stripe.go
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/checkout/session"
	"github.com/stripe/stripe-go/v72/webhook"

	"pulse-bot/internal/config"
)

var ErrBadSignature = errors.New("invalid webhook signature")

// EventKind is what the webhook means for our payment record.
type EventKind int

const (
	EventIgnored EventKind = iota
	EventPaid
	EventFailed
)

// Event is a verified provider notification reduced to what the bot needs.
type Event struct {
	Type              string
	Kind              EventKind
	ProviderPaymentID string
	PaymentRecordID   int64
}

type CheckoutRequest struct {
	PaymentRecordID int64
	UserID          int64
	Plan            string
	Description     string
	Amount          int
	Currency        string
	IdempotencyKey  string
}

type Checkout struct {
	ID  string
	URL string
}

// Provider is the payment gateway.
type Provider interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error)
	ParseWebhook(payload []byte, signature string) (Event, error)
}

type StripeClient struct {
	sessions      session.Client
	webhookSecret string
	successURL    string
	cancelURL     string
}

func NewStripeClient(cfg config.StripeConfig) *StripeClient {
	return NewStripeClientWithBackend(cfg, stripe.GetBackend(stripe.APIBackend))
}

// NewStripeClientWithBackend lets tests point the client at a fake API.
func NewStripeClientWithBackend(cfg config.StripeConfig, backend stripe.Backend) *StripeClient {
	return &StripeClient{
		sessions:      session.Client{B: backend, Key: cfg.SecretKey},
		webhookSecret: cfg.WebhookKey,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
	}
}

// CreateCheckout opens a Checkout Session with inline price data. Amount is in whole rubles.
func (s *StripeClient) CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error) {
	recordID := strconv.FormatInt(req.PaymentRecordID, 10)
	metadata := map[string]string{
		"user_id":           strconv.FormatInt(req.UserID, 10),
		"payment_record_id": recordID,
		"plan":              req.Plan,
	}

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(int64(req.Amount) * 100),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(s.successURL),
		CancelURL:         stripe.String(s.cancelURL),
		ClientReferenceID: stripe.String(recordID),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	sess, err := s.sessions.New(params)
	if err != nil {
		return Checkout{}, fmt.Errorf("failed to create checkout session: %w", err)
	}
	return Checkout{ID: sess.ID, URL: sess.URL}, nil
}

// ParseWebhook verifies the signature and maps the event onto our payment lifecycle.
func (s *StripeClient) ParseWebhook(payload []byte, signature string) (Event, error) {
	if s.webhookSecret == "" {
		return Event{}, fmt.Errorf("webhook secret is not configured")
	}
	if signature == "" {
		return Event{}, ErrBadSignature
	}
	ev, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return mapEvent(ev)
}

func mapEvent(ev stripe.Event) (Event, error) {
	out := Event{Type: ev.Type}

	switch ev.Type {
	case "checkout.session.completed",
		"checkout.session.async_payment_succeeded",
		"checkout.session.expired",
		"checkout.session.async_payment_failed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
			return out, fmt.Errorf("failed to parse checkout session: %w", err)
		}
		out.ProviderPaymentID = sess.ID
		out.PaymentRecordID = recordID(sess.Metadata)

		switch ev.Type {
		case "checkout.session.completed":
			// delayed methods complete unpaid and report later via async_payment_succeeded
			if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
				sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
				out.Kind = EventPaid
			}
		case "checkout.session.async_payment_succeeded":
			out.Kind = EventPaid
		default:
			out.Kind = EventFailed
		}

	case "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &intent); err != nil {
			return out, fmt.Errorf("failed to parse payment intent: %w", err)
		}
		out.PaymentRecordID = recordID(intent.Metadata)
		if out.PaymentRecordID != 0 {
			out.Kind = EventFailed
		}
	}
	return out, nil
}

func recordID(metadata map[string]string) int64 {
	id, err := strconv.ParseInt(metadata["payment_record_id"], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
