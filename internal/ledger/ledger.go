// Package ledger owns subscription and credit counters. No other package mutates them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pulse-bot/internal/metrics"
	"pulse-bot/internal/models"
	"pulse-bot/pkg/logger"
)

// Store is the durable side of the ledger.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
	ExpireDue(ctx context.Context, now time.Time) (int, error)
	ReferralTotals(ctx context.Context, referrerID int64) (count int, bonus int, err error)
	// SetReferralCode stores code if the user has none and returns the code in effect.
	// A code already owned by someone else yields models.ErrConflict.
	SetReferralCode(ctx context.Context, userID int64, code string) (string, error)
	FindUserByReferralCode(ctx context.Context, code string) (*models.User, error)
	// SetReferrer writes referrer_id only while it is still empty.
	SetReferrer(ctx context.Context, userID, referrerID int64) (bool, error)
}

// Tx runs inside one transaction. LockUser takes a row lock held until commit.
type Tx interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	LockUser(ctx context.Context, id int64) (*models.User, error)
	SaveEntitlement(ctx context.Context, userID int64, e models.Entitlement) error
	GetPayment(ctx context.Context, id int64) (*models.Payment, error)
	// LockPayment reads a payment and holds its row lock until commit.
	LockPayment(ctx context.Context, id int64) (*models.Payment, error)
	CompletePayment(ctx context.Context, id int64, at time.Time) error
	ReferralExists(ctx context.Context, paymentID int64) (bool, error)
	// InsertReferral returns false when a record for the payment already exists.
	InsertReferral(ctx context.Context, r *models.Referral) (bool, error)
}

// Balance is a read-only view of one metered feature.
type Balance struct {
	Available int
	Total     int
	Bonus     int
	Used      int
	Unlimited bool
}

type Ledger struct {
	store Store
	locks *keyedMutex
	now   func() time.Time
	log   *logger.Logger
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store Store, log *logger.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		locks: newKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
		log:   log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Now() time.Time { return l.now() }

func (l *Ledger) IsActive(u *models.User) bool {
	return u != nil && u.IsActive(l.now())
}

// IsPremium reports an active premium subscription.
func (l *Ledger) IsPremium(u *models.User) bool {
	return l.IsActive(u) && u.Plan == models.TierPremium
}

// Requests returns the upload balance; zeros unless active.
func (l *Ledger) Requests(u *models.User) Balance {
	if !l.IsActive(u) {
		return Balance{}
	}
	b := Balance{Bonus: u.Bonus, Used: u.Used}
	if u.Total.IsUnlimited() {
		b.Unlimited = true
		return b
	}
	b.Total = u.Total.Count()
	b.Available = max(0, b.Total+b.Bonus-b.Used)
	return b
}

// AskRequests returns the Ask Pulse balance. Bonus credits do not apply to it.
func (l *Ledger) AskRequests(u *models.User) Balance {
	if !l.IsActive(u) {
		return Balance{}
	}
	b := Balance{Used: u.AskUsed}
	if u.AskTotal.IsUnlimited() {
		b.Unlimited = true
		return b
	}
	b.Total = u.AskTotal.Count()
	b.Available = max(0, b.Total-b.Used)
	return b
}

func (l *Ledger) allowed(u *models.User, f Feature) bool {
	if !l.IsActive(u) || !grants(u.Plan, f) {
		return false
	}
	var b Balance
	switch f {
	case FeatureUpload:
		b = l.Requests(u)
	case FeatureAsk:
		b = l.AskRequests(u)
	default:
		return false
	}
	return b.Unlimited || b.Available > 0
}

// CanPerform checks tier and balance for a metered feature against the current row.
func (l *Ledger) CanPerform(ctx context.Context, userID int64, f Feature) (bool, error) {
	u, err := l.store.GetUser(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("can perform %s: %w", f, err)
	}
	return l.allowed(u, f), nil
}

// Activate applies a plan. A still-active subscription is extended from its
// previous expiry with allotments replaced; otherwise a fresh period starts now
// and usage counters reset. Bonus credits are kept in both cases.
func (l *Ledger) Activate(ctx context.Context, userID int64, planKey string) (ok bool, err error) {
	defer func() { metrics.LedgerOps.WithLabelValues("activate", metrics.Outcome(ok, err)).Inc() }()

	plan, found := LookupPlan(planKey)
	if !found {
		l.log.Warnw("activate with unknown plan", "user_id", userID, "plan", planKey)
		return false, nil
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	err = l.store.InTx(ctx, func(tx Tx) error {
		u, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		return tx.SaveEntitlement(ctx, userID, applyPlan(u.Entitlement, plan, l.now()))
	})
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("activate %s for user %d: %w", planKey, userID, err)
	}
	l.log.Infow("subscription activated", "user_id", userID, "plan", planKey)
	return true, nil
}

// ActivatePayment completes a paid payment and applies its plan to the owner
// in one transaction: either both are written or neither is. It reports false
// for a payment that was already completed, so a redelivered event is a no-op.
// An unknown plan or owner is an error and leaves the payment as it was.
func (l *Ledger) ActivatePayment(ctx context.Context, p *models.Payment) (completed bool, err error) {
	defer func() { metrics.LedgerOps.WithLabelValues("activate_payment", metrics.Outcome(completed, err)).Inc() }()

	unlock := l.locks.Lock(p.UserID)
	defer unlock()

	err = l.store.InTx(ctx, func(tx Tx) error {
		cur, err := tx.LockPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		if cur.Status == models.PaymentCompleted {
			return nil
		}
		plan, found := LookupPlan(cur.Plan)
		if !found {
			return fmt.Errorf("unknown plan %q", cur.Plan)
		}
		u, err := tx.LockUser(ctx, cur.UserID)
		if err != nil {
			return err
		}
		now := l.now()
		if err := tx.SaveEntitlement(ctx, u.ID, applyPlan(u.Entitlement, plan, now)); err != nil {
			return err
		}
		if err := tx.CompletePayment(ctx, cur.ID, now); err != nil {
			return err
		}
		completed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("activate payment %d: %w", p.ID, err)
	}
	if completed {
		l.log.Infow("payment completed, subscription activated", "user_id", p.UserID, "payment_id", p.ID, "plan", p.Plan)
	}
	return completed, nil
}

func applyPlan(e models.Entitlement, plan Plan, now time.Time) models.Entitlement {
	period := time.Duration(plan.Days) * 24 * time.Hour
	var expire time.Time
	if e.IsActive(now) {
		expire = e.ExpireAt.Add(period)
	} else {
		expire = now.Add(period)
		e.Used = 0
		e.AskUsed = 0
	}
	e.ExpireAt = &expire
	e.Status = models.StatusActive
	e.Plan = plan.Tier
	e.Total = plan.Upload
	e.AskTotal = plan.Ask
	return e
}

// Deactivate removes a subscription (admin action).
func (l *Ledger) Deactivate(ctx context.Context, userID int64) (ok bool, err error) {
	defer func() { metrics.LedgerOps.WithLabelValues("deactivate", metrics.Outcome(ok, err)).Inc() }()

	unlock := l.locks.Lock(userID)
	defer unlock()

	err = l.store.InTx(ctx, func(tx Tx) error {
		u, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		e := u.Entitlement
		e.Status = models.StatusInactive
		e.ExpireAt = nil
		e.Bonus = 0
		return tx.SaveEntitlement(ctx, userID, e)
	})
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("deactivate user %d: %w", userID, err)
	}
	return true, nil
}

// Consume re-validates the feature against the locked row and spends one credit.
func (l *Ledger) Consume(ctx context.Context, userID int64, f Feature) (ok bool, err error) {
	defer func() { metrics.LedgerOps.WithLabelValues("consume_"+string(f), metrics.Outcome(ok, err)).Inc() }()

	unlock := l.locks.Lock(userID)
	defer unlock()

	err = l.store.InTx(ctx, func(tx Tx) error {
		u, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		if !l.allowed(u, f) {
			return nil
		}
		e := u.Entitlement
		switch f {
		case FeatureUpload:
			e.Used++
		case FeatureAsk:
			if e.AskTotal.IsUnlimited() {
				ok = true
				return nil
			}
			e.AskUsed++
		}
		if err := tx.SaveEntitlement(ctx, userID, e); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consume %s for user %d: %w", f, userID, err)
	}
	return ok, nil
}

// AddBonus credits upload bonus to an active subscriber.
func (l *Ledger) AddBonus(ctx context.Context, userID int64, amount int) (ok bool, err error) {
	defer func() { metrics.LedgerOps.WithLabelValues("add_bonus", metrics.Outcome(ok, err)).Inc() }()
	if amount <= 0 {
		return false, nil
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	err = l.store.InTx(ctx, func(tx Tx) error {
		ok, err = l.addBonus(ctx, tx, userID, amount)
		return err
	})
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("add bonus for user %d: %w", userID, err)
	}
	return ok, nil
}

func (l *Ledger) addBonus(ctx context.Context, tx Tx, userID int64, amount int) (bool, error) {
	u, err := tx.LockUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if !l.IsActive(u) {
		return false, nil
	}
	e := u.Entitlement
	e.Bonus += amount
	if err := tx.SaveEntitlement(ctx, userID, e); err != nil {
		return false, err
	}
	return true, nil
}

// ExpireSweep flips lapsed active subscriptions to expired and zeroes their
// bonus and usage counters. Running it twice is harmless.
func (l *Ledger) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	n, err := l.store.ExpireDue(ctx, now)
	if err != nil {
		metrics.LedgerOps.WithLabelValues("expire_sweep", "error").Inc()
		return 0, fmt.Errorf("expire sweep: %w", err)
	}
	metrics.LedgerOps.WithLabelValues("expire_sweep", "ok").Inc()
	metrics.SubscriptionsExpired.Add(float64(n))
	if n > 0 {
		l.log.Infow("subscriptions expired", "count", n)
	}
	return n, nil
}
