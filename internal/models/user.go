package models

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type SubscriptionStatus string

const (
	StatusInactive SubscriptionStatus = "inactive"
	StatusActive   SubscriptionStatus = "active"
	StatusExpired  SubscriptionStatus = "expired"
)

type Tier string

const (
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
)

// Allotment is either unlimited or a fixed number of credits.
type Allotment struct {
	unlimited bool
	n         int
}

var Unlimited = Allotment{unlimited: true}

func Limited(n int) Allotment {
	if n < 0 {
		n = 0
	}
	return Allotment{n: n}
}

func (a Allotment) IsUnlimited() bool { return a.unlimited }

// Count is meaningless for an unlimited allotment and returns 0.
func (a Allotment) Count() int {
	if a.unlimited {
		return 0
	}
	return a.n
}

// Nullable maps the allotment onto a nullable column, NULL meaning unlimited.
func (a Allotment) Nullable() *int {
	if a.unlimited {
		return nil
	}
	n := a.n
	return &n
}

func AllotmentFromNullable(n *int) Allotment {
	if n == nil {
		return Unlimited
	}
	return Limited(*n)
}

// MarshalJSON encodes unlimited as null, the same as the database column.
func (a Allotment) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Nullable())
}

func (a *Allotment) UnmarshalJSON(b []byte) error {
	var n *int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*a = AllotmentFromNullable(n)
	return nil
}

// Entitlement is the subscription and credit state of one user.
type Entitlement struct {
	Status   SubscriptionStatus `json:"subscription_status"`
	Plan     Tier               `json:"subscription_plan"`
	ExpireAt *time.Time         `json:"subscription_expire_at"`
	Total    Allotment          `json:"total_requests"`
	Bonus    int                `json:"bonus_requests"`
	Used     int                `json:"used_requests"`
	AskTotal Allotment          `json:"total_ask_pulse_requests"`
	AskUsed  int                `json:"used_ask_requests"`
}

// IsActive reports whether the subscription is active at now.
func (e Entitlement) IsActive(now time.Time) bool {
	return e.Status == StatusActive && e.ExpireAt != nil && e.ExpireAt.After(now)
}

type User struct {
	ID           int64     `json:"id"`
	TelegramID   int64     `json:"telegram_id"`
	Username     string    `json:"username"`
	ReferrerID   *int64    `json:"referrer_id,omitempty"`
	ReferralCode string    `json:"referral_code,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Entitlement
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

type Payment struct {
	ID                int64         `json:"id"`
	UserID            int64         `json:"user_id"`
	Amount            int           `json:"amount"`
	Currency          string        `json:"currency"`
	Plan              string        `json:"plan"`
	Status            PaymentStatus `json:"status"`
	ProviderPaymentID string        `json:"provider_payment_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}

// Referral records a bonus credited to ReferrerID for one payment.
type Referral struct {
	ID             int64     `json:"id"`
	ReferrerID     int64     `json:"referrer_id"`
	ReferredUserID int64     `json:"referred_user_id"`
	PaymentID      int64     `json:"payment_id"`
	BonusRequests  int       `json:"bonus_requests"`
	PaymentDate    time.Time `json:"payment_date"`
	CreatedAt      time.Time `json:"created_at"`
}

type Analysis struct {
	ID              int64             `json:"id"`
	UserID          int64             `json:"user_id"`
	Structured      json.RawMessage   `json:"structured,omitempty"`
	ClinicalContext map[string]string `json:"clinical_context,omitempty"`
	Report          string            `json:"report,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

type FollowUp struct {
	ID         int64     `json:"id"`
	AnalysisID int64     `json:"analysis_id"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	CreatedAt  time.Time `json:"created_at"`
}

type Notification struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	TelegramID  int64     `json:"telegram_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Text        string    `json:"text"`
	Sent        bool      `json:"sent"`
	CreatedAt   time.Time `json:"created_at"`
}

// Overview is the admin dashboard summary.
type Overview struct {
	TotalUsers          int     `json:"total_users"`
	ActiveSubscriptions int     `json:"active_subscriptions"`
	TotalAnalyses       int     `json:"total_analyses"`
	TotalRevenue        float64 `json:"total_revenue"`
}
