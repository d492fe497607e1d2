package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse-bot/internal/config"
	"pulse-bot/internal/db/dbtest"
	"pulse-bot/internal/ledger"
	"pulse-bot/internal/models"
	"pulse-bot/pkg/logger"
)

type recorder struct {
	mu      sync.Mutex
	sent    []models.Notification
	failFor int64
}

func (r *recorder) Deliver(_ context.Context, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.ID == r.failFor {
		return errors.New("chat not found")
	}
	r.sent = append(r.sent, n)
	return nil
}

func newScheduler(t *testing.T, mem *dbtest.Memory, d Deliverer, now time.Time) *Scheduler {
	t.Helper()
	clock := func() time.Time { return now }
	mem.Now = clock
	l := ledger.New(mem, logger.NewNop(), ledger.WithClock(clock))
	s, err := New(config.SchedulerConfig{SweepAt: "03:00", NotificationInterval: time.Minute, RetentionDays: 60}, l, mem, d, logger.NewNop())
	require.NoError(t, err)
	s.now = clock
	return s
}

func TestNextDaily(t *testing.T) {
	cases := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC), time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC), time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, nextDaily(c.now, 3, 0), c.now.String())
	}
}

func TestNewRejectsBadSweepTime(t *testing.T) {
	_, err := New(config.SchedulerConfig{SweepAt: "25:99"}, nil, nil, nil, logger.NewNop())
	assert.Error(t, err)
}

func TestDispatchSendsDueAndKeepsFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mem := dbtest.NewMemory()
	u := mem.PutUser(models.User{TelegramID: 77})
	ctx := context.Background()

	due := &models.Notification{UserID: u.ID, ScheduledAt: now.Add(-time.Minute), Text: "due"}
	broken := &models.Notification{UserID: u.ID, ScheduledAt: now.Add(-2 * time.Minute), Text: "broken"}
	future := &models.Notification{UserID: u.ID, ScheduledAt: now.Add(time.Hour), Text: "later"}
	for _, n := range []*models.Notification{due, broken, future} {
		require.NoError(t, mem.CreateNotification(ctx, n))
	}

	rec := &recorder{failFor: broken.ID}
	s := newScheduler(t, mem, rec, now)
	s.Dispatch(ctx)

	require.Len(t, rec.sent, 1)
	assert.Equal(t, "due", rec.sent[0].Text)
	assert.Equal(t, int64(77), rec.sent[0].TelegramID)

	left, err := mem.DueNotifications(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, broken.ID, left[0].ID)

	s.Dispatch(ctx)
	assert.Len(t, rec.sent, 1)
}

func TestDailyExpiresAndCleansUp(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	mem := dbtest.NewMemory()
	mem.Now = func() time.Time { return start }
	l := ledger.New(mem, logger.NewNop(), ledger.WithClock(func() time.Time { return start }))
	u := mem.PutUser(models.User{TelegramID: 1})
	ok, err := l.Activate(context.Background(), u.ID, "1month_premium")
	require.NoError(t, err)
	require.True(t, ok)
	old := &models.Analysis{UserID: u.ID, Structured: []byte(`{}`)}
	require.NoError(t, mem.CreateAnalysis(context.Background(), old))

	now := start.AddDate(0, 3, 0)
	s := newScheduler(t, mem, &recorder{}, now)
	fresh := &models.Analysis{UserID: u.ID, Structured: []byte(`{}`)}
	require.NoError(t, mem.CreateAnalysis(context.Background(), fresh))

	s.Daily(context.Background())

	got, err := mem.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)

	list, err := mem.RecentAnalyses(context.Background(), u.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, fresh.ID, list[0].ID)
}

func TestSafelyRecovers(t *testing.T) {
	s := newScheduler(t, dbtest.NewMemory(), &recorder{}, time.Now())
	assert.NotPanics(t, func() {
		s.safely(context.Background(), "boom", func(context.Context) { panic("boom") })
	})
}

func TestSafelyJobSeesShutdown(t *testing.T) {
	s := newScheduler(t, dbtest.NewMemory(), &recorder{}, time.Now())
	parent, cancel := context.WithCancel(context.Background())

	var jobErr error
	s.safely(parent, "live", func(ctx context.Context) {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		assert.NoError(t, ctx.Err())
	})

	cancel()
	s.safely(parent, "stopped", func(ctx context.Context) {
		select {
		case <-ctx.Done():
			jobErr = ctx.Err()
		case <-time.After(time.Second):
		}
	})
	assert.ErrorIs(t, jobErr, context.Canceled)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := newScheduler(t, dbtest.NewMemory(), &recorder{}, time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
