// Package dbtest is an in-memory stand-in for the Postgres store.
// A transaction holds the store mutex for its whole duration and
// restores a snapshot if the callback fails.
package dbtest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"pulse-bot/internal/ledger"
	"pulse-bot/internal/models"
)

type Memory struct {
	Now func() time.Time

	mu            sync.Mutex
	seq           int64
	users         map[int64]models.User
	payments      map[int64]models.Payment
	referrals     map[int64]models.Referral
	analyses      map[int64]models.Analysis
	followUps     []models.FollowUp
	notifications map[int64]models.Notification
	failures      map[string]error
}

func NewMemory() *Memory {
	return &Memory{
		Now:           func() time.Time { return time.Now().UTC() },
		users:         make(map[int64]models.User),
		payments:      make(map[int64]models.Payment),
		referrals:     make(map[int64]models.Referral),
		analyses:      make(map[int64]models.Analysis),
		notifications: make(map[int64]models.Notification),
		failures:      make(map[string]error),
	}
}

// Fail makes the named operation return err until cleared with a nil err.
func (m *Memory) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *Memory) next() int64 {
	m.seq++
	return m.seq
}

// PutUser inserts or replaces a user as-is. Zero ID gets a fresh one.
func (m *Memory) PutUser(u models.User) models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		u.ID = m.next()
	}
	if u.Status == "" {
		u.Status = models.StatusInactive
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.Now()
	}
	m.users[u.ID] = u
	return u
}

// PutPayment inserts or replaces a payment as-is.
func (m *Memory) PutPayment(p models.Payment) models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		p.ID = m.next()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.Now()
	}
	m.payments[p.ID] = p
	return p
}

func (m *Memory) Referrals() []models.Referral {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Referral, 0, len(m.referrals))
	for _, r := range m.referrals {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) FollowUps() []models.FollowUp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.FollowUp(nil), m.followUps...)
}

func (m *Memory) Notifications() []models.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Notification, 0, len(m.notifications))
	for _, n := range m.notifications {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ledger.Store

func (m *Memory) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["tx"]; err != nil {
		return err
	}
	users := cloneMap(m.users)
	payments := cloneMap(m.payments)
	referrals := cloneMap(m.referrals)
	if err := fn(memTx{m}); err != nil {
		m.users, m.payments, m.referrals = users, payments, referrals
		return err
	}
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getUser(id)
}

func (m *Memory) getUser(id int64) (*models.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &u, nil
}

func (m *Memory) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["expire"]; err != nil {
		return 0, err
	}
	n := 0
	for id, u := range m.users {
		if u.Status != models.StatusActive || u.ExpireAt == nil || !u.ExpireAt.Before(now) {
			continue
		}
		u.Status = models.StatusExpired
		u.Bonus = 0
		u.Used = 0
		u.AskUsed = 0
		m.users[id] = u
		n++
	}
	return n, nil
}

func (m *Memory) ReferralTotals(ctx context.Context, referrerID int64) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count, bonus := 0, 0
	for _, r := range m.referrals {
		if r.ReferrerID == referrerID {
			count++
			bonus += r.BonusRequests
		}
	}
	return count, bonus, nil
}

func (m *Memory) SetReferralCode(ctx context.Context, userID int64, code string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return "", models.ErrNotFound
	}
	if u.ReferralCode != "" {
		return u.ReferralCode, nil
	}
	for _, other := range m.users {
		if other.ReferralCode == code {
			return "", models.ErrConflict
		}
	}
	u.ReferralCode = code
	m.users[userID] = u
	return code, nil
}

func (m *Memory) FindUserByReferralCode(ctx context.Context, code string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ReferralCode != "" && u.ReferralCode == code {
			return &u, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *Memory) SetReferrer(ctx context.Context, userID, referrerID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.ReferrerID != nil || userID == referrerID {
		return false, nil
	}
	u.ReferrerID = &referrerID
	m.users[userID] = u
	return true, nil
}

type memTx struct{ m *Memory }

func (t memTx) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return t.m.getUser(id)
}

func (t memTx) LockUser(ctx context.Context, id int64) (*models.User, error) {
	return t.m.getUser(id)
}

func (t memTx) SaveEntitlement(ctx context.Context, userID int64, e models.Entitlement) error {
	if err := t.m.failures["save_entitlement"]; err != nil {
		return err
	}
	u, ok := t.m.users[userID]
	if !ok {
		return models.ErrNotFound
	}
	u.Entitlement = e
	t.m.users[userID] = u
	return nil
}

func (t memTx) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	p, ok := t.m.payments[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &p, nil
}

func (t memTx) LockPayment(ctx context.Context, id int64) (*models.Payment, error) {
	return t.GetPayment(ctx, id)
}

func (t memTx) CompletePayment(ctx context.Context, id int64, at time.Time) error {
	if err := t.m.failures["complete_payment"]; err != nil {
		return err
	}
	p, ok := t.m.payments[id]
	if !ok {
		return models.ErrNotFound
	}
	p.Status = models.PaymentCompleted
	p.CompletedAt = &at
	t.m.payments[id] = p
	return nil
}

func (t memTx) ReferralExists(ctx context.Context, paymentID int64) (bool, error) {
	for _, r := range t.m.referrals {
		if r.PaymentID == paymentID {
			return true, nil
		}
	}
	return false, nil
}

func (t memTx) InsertReferral(ctx context.Context, r *models.Referral) (bool, error) {
	if exists, _ := t.ReferralExists(ctx, r.PaymentID); exists {
		return false, nil
	}
	r.ID = t.m.next()
	r.CreatedAt = t.m.Now()
	t.m.referrals[r.ID] = *r
	return true, nil
}

// users

func (m *Memory) UpsertUser(ctx context.Context, telegramID int64, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range m.users {
		if u.TelegramID == telegramID {
			if username != "" {
				u.Username = username
				m.users[id] = u
			}
			return &u, nil
		}
	}
	u := models.User{
		ID:          m.next(),
		TelegramID:  telegramID,
		Username:    username,
		CreatedAt:   m.Now(),
		Entitlement: models.Entitlement{Status: models.StatusInactive},
	}
	m.users[u.ID] = u
	return &u, nil
}

func (m *Memory) GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.TelegramID == telegramID {
			return &u, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *Memory) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username != "" && strings.EqualFold(u.Username, username) {
			return &u, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *Memory) ListUsers(ctx context.Context, skip, limit int) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, skip, limit), nil
}

// payments

func (m *Memory) CreatePayment(ctx context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.next()
	p.CreatedAt = m.Now()
	if p.Status == "" {
		p.Status = models.PaymentPending
	}
	m.payments[p.ID] = *p
	return nil
}

func (m *Memory) SetProviderPaymentID(ctx context.Context, id int64, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return models.ErrNotFound
	}
	for _, other := range m.payments {
		if other.ID != id && other.ProviderPaymentID == providerID {
			return models.ErrConflict
		}
	}
	p.ProviderPaymentID = providerID
	m.payments[id] = p
	return nil
}

func (m *Memory) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &p, nil
}

func (m *Memory) GetPaymentByProviderID(ctx context.Context, providerID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.ProviderPaymentID != "" && p.ProviderPaymentID == providerID {
			return &p, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *Memory) FailPayment(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if p.Status != models.PaymentPending {
		return false, nil
	}
	p.Status = models.PaymentFailed
	m.payments[id] = p
	return true, nil
}

func (m *Memory) ListPayments(ctx context.Context, skip, limit int) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return page(out, skip, limit), nil
}

func (m *Memory) CompletedPaymentsByPlan(ctx context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for _, p := range m.payments {
		if p.Status == models.PaymentCompleted {
			out[p.Plan]++
		}
	}
	return out, nil
}

// analyses

func (m *Memory) CreateAnalysis(ctx context.Context, a *models.Analysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.next()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.Now()
	}
	m.analyses[a.ID] = *a
	return nil
}

func (m *Memory) SaveReport(ctx context.Context, id int64, clinical map[string]string, report string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[id]
	if !ok {
		return models.ErrNotFound
	}
	a.ClinicalContext = clinical
	a.Report = report
	m.analyses[id] = a
	return nil
}

func (m *Memory) GetAnalysis(ctx context.Context, userID, id int64) (*models.Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[id]
	if !ok || a.UserID != userID {
		return nil, models.ErrNotFound
	}
	return &a, nil
}

func (m *Memory) RecentAnalyses(ctx context.Context, userID int64, limit int) ([]models.Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return page(m.userAnalyses(userID), 0, limit), nil
}

func (m *Memory) userAnalyses(userID int64) []models.Analysis {
	var out []models.Analysis
	for _, a := range m.analyses {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sortNewestFirst(out)
	return out
}

func (m *Memory) PruneAnalyses(ctx context.Context, userID int64, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.userAnalyses(userID)
	if len(all) <= keep {
		return 0, nil
	}
	for _, a := range all[keep:] {
		m.deleteAnalysis(a.ID)
	}
	return len(all) - keep, nil
}

func (m *Memory) DeleteAnalysesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, a := range m.analyses {
		if a.CreatedAt.Before(cutoff) {
			m.deleteAnalysis(id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) deleteAnalysis(id int64) {
	delete(m.analyses, id)
	kept := m.followUps[:0]
	for _, f := range m.followUps {
		if f.AnalysisID != id {
			kept = append(kept, f)
		}
	}
	m.followUps = kept
}

func (m *Memory) AddFollowUp(ctx context.Context, f *models.FollowUp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.analyses[f.AnalysisID]; !ok {
		return models.ErrNotFound
	}
	f.ID = m.next()
	f.CreatedAt = m.Now()
	m.followUps = append(m.followUps, *f)
	return nil
}

func (m *Memory) ListAnalyses(ctx context.Context, skip, limit int) ([]models.Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Analysis, 0, len(m.analyses))
	for _, a := range m.analyses {
		out = append(out, a)
	}
	sortNewestFirst(out)
	return page(out, skip, limit), nil
}

func (m *Memory) Overview(ctx context.Context, now time.Time) (models.Overview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := models.Overview{TotalUsers: len(m.users), TotalAnalyses: len(m.analyses)}
	for _, u := range m.users {
		if u.IsActive(now) {
			o.ActiveSubscriptions++
		}
	}
	for _, p := range m.payments {
		if p.Status == models.PaymentCompleted {
			o.TotalRevenue += float64(p.Amount)
		}
	}
	return o, nil
}

// notifications

func (m *Memory) CreateNotification(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = m.next()
	n.CreatedAt = m.Now()
	m.notifications[n.ID] = *n
	return nil
}

func (m *Memory) DueNotifications(ctx context.Context, now time.Time, limit int) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Notification
	for _, n := range m.notifications {
		if n.Sent || n.ScheduledAt.After(now) {
			continue
		}
		if u, ok := m.users[n.UserID]; ok {
			n.TelegramID = u.TelegramID
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return page(out, 0, limit), nil
}

func (m *Memory) MarkNotificationSent(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return models.ErrNotFound
	}
	n.Sent = true
	m.notifications[id] = n
	return nil
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortNewestFirst(as []models.Analysis) {
	sort.Slice(as, func(i, j int) bool {
		if as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].ID > as[j].ID
		}
		return as[i].CreatedAt.After(as[j].CreatedAt)
	})
}

func page[T any](in []T, skip, limit int) []T {
	if skip >= len(in) {
		return []T{}
	}
	in = in[skip:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
