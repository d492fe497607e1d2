package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"pulse-bot/internal/metrics"
	"pulse-bot/internal/models"
)

const (
	referralCodeLen      = 12
	referralCodeAttempts = 10
	referralAlphabet     = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

type ReferralStats struct {
	Code       string
	Referrals  int
	BonusTotal int
}

// CreditReferralBonus awards BonusPerReferral to the referrer of referredID for
// paymentID. A payment that already has a referral record is a successful no-op.
// Nothing is written when the referrer is not active at this moment.
func (l *Ledger) CreditReferralBonus(ctx context.Context, referredID, paymentID int64) (ok bool, err error) {
	defer func() { metrics.LedgerOps.WithLabelValues("referral_bonus", metrics.Outcome(ok, err)).Inc() }()

	unlock := l.locks.Lock(referredID)
	defer unlock()

	var credited bool
	err = l.store.InTx(ctx, func(tx Tx) error {
		exists, err := tx.ReferralExists(ctx, paymentID)
		if err != nil {
			return err
		}
		if exists {
			ok = true
			return nil
		}

		referred, err := tx.GetUser(ctx, referredID)
		if err != nil {
			return err
		}
		if referred.ReferrerID == nil {
			return nil
		}
		referrer, err := tx.LockUser(ctx, *referred.ReferrerID)
		if err != nil {
			return err
		}
		if !l.IsActive(referrer) {
			return nil
		}

		payment, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != models.PaymentCompleted || payment.UserID != referredID {
			return nil
		}

		paidAt := payment.CreatedAt
		if payment.CompletedAt != nil {
			paidAt = *payment.CompletedAt
		}
		inserted, err := tx.InsertReferral(ctx, &models.Referral{
			ReferrerID:     referrer.ID,
			ReferredUserID: referredID,
			PaymentID:      paymentID,
			BonusRequests:  BonusPerReferral,
			PaymentDate:    paidAt,
		})
		if err != nil {
			return err
		}
		ok = true
		if !inserted {
			return nil
		}

		e := referrer.Entitlement
		e.Bonus += BonusPerReferral
		if err := tx.SaveEntitlement(ctx, referrer.ID, e); err != nil {
			return err
		}
		credited = true
		return nil
	})
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("credit referral bonus for payment %d: %w", paymentID, err)
	}
	if credited {
		l.log.Infow("referral bonus credited", "user_id", referredID, "payment_id", paymentID, "bonus", BonusPerReferral)
	}
	return ok, nil
}

// ReferrerFor returns the referrer of userID, or nil when there is none.
func (l *Ledger) ReferrerFor(ctx context.Context, userID int64) (*models.User, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.ReferrerID == nil {
		return nil, nil
	}
	return l.store.GetUser(ctx, *u.ReferrerID)
}

// EnsureReferralCode returns the user's code, generating it on first use.
func (l *Ledger) EnsureReferralCode(ctx context.Context, userID int64) (string, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("ensure referral code: %w", err)
	}
	if u.ReferralCode != "" {
		return u.ReferralCode, nil
	}
	for i := 0; i < referralCodeAttempts; i++ {
		code, err := newReferralCode()
		if err != nil {
			return "", err
		}
		stored, err := l.store.SetReferralCode(ctx, userID, code)
		if errors.Is(err, models.ErrConflict) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("ensure referral code: %w", err)
		}
		return stored, nil
	}
	return "", fmt.Errorf("ensure referral code: %d collisions", referralCodeAttempts)
}

// AttachReferrer links userID to the owner of code. The link is written once
// and never to the user itself.
func (l *Ledger) AttachReferrer(ctx context.Context, userID int64, code string) (bool, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return false, nil
	}
	ref, err := l.store.FindUserByReferralCode(ctx, code)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("attach referrer: %w", err)
	}
	if ref.ID == userID {
		return false, nil
	}
	ok, err := l.store.SetReferrer(ctx, userID, ref.ID)
	if err != nil {
		return false, fmt.Errorf("attach referrer: %w", err)
	}
	return ok, nil
}

func (l *Ledger) ReferralStats(ctx context.Context, userID int64) (ReferralStats, error) {
	code, err := l.EnsureReferralCode(ctx, userID)
	if err != nil {
		return ReferralStats{}, err
	}
	n, bonus, err := l.store.ReferralTotals(ctx, userID)
	if err != nil {
		return ReferralStats{}, fmt.Errorf("referral stats: %w", err)
	}
	return ReferralStats{Code: code, Referrals: n, BonusTotal: bonus}, nil
}

func newReferralCode() (string, error) {
	buf := make([]byte, referralCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate referral code: %w", err)
	}
	for i, b := range buf {
		buf[i] = referralAlphabet[int(b)%len(referralAlphabet)]
	}
	return string(buf), nil
}
