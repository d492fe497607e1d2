package scheduler

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"pulse-bot/internal/config"
	"pulse-bot/internal/models"
	"pulse-bot/pkg/logger"
)

const jobTimeout = 5 * time.Minute

const dispatchBatch = 100

type Sweeper interface {
	ExpireSweep(ctx context.Context, now time.Time) (int, error)
}

type Store interface {
	DeleteAnalysesBefore(ctx context.Context, cutoff time.Time) (int, error)
	DueNotifications(ctx context.Context, now time.Time, limit int) ([]models.Notification, error)
	MarkNotificationSent(ctx context.Context, id int64) error
}

type Deliverer interface {
	Deliver(ctx context.Context, n models.Notification) error
}

// Scheduler runs the daily maintenance job and the reminder dispatcher.
type Scheduler struct {
	sweeper   Sweeper
	store     Store
	deliverer Deliverer
	sweepHour int
	sweepMin  int
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *logger.Logger
}

func New(cfg config.SchedulerConfig, sweeper Sweeper, store Store, deliverer Deliverer, log *logger.Logger) (*Scheduler, error) {
	at, err := time.Parse("15:04", cfg.SweepAt)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep time %q: %w", cfg.SweepAt, err)
	}
	interval := cfg.NotificationInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		sweeper:   sweeper,
		store:     store,
		deliverer: deliverer,
		sweepHour: at.Hour(),
		sweepMin:  at.Minute(),
		interval:  interval,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    log,
	}, nil
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.runDaily(ctx)
		return nil
	})
	g.Go(func() error {
		s.runDispatcher(ctx)
		return nil
	})
	return g.Wait()
}

func (s *Scheduler) runDaily(ctx context.Context) {
	s.safely(ctx, "daily", s.Daily)
	for {
		wait := nextDaily(s.now(), s.sweepHour, s.sweepMin).Sub(s.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.safely(ctx, "daily", s.Daily)
		}
	}
}

func (s *Scheduler) runDispatcher(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safely(ctx, "dispatch", s.Dispatch)
		}
	}
}

// Daily expires lapsed subscriptions and deletes analyses past retention.
func (s *Scheduler) Daily(ctx context.Context) {
	now := s.now()
	if _, err := s.sweeper.ExpireSweep(ctx, now); err != nil {
		s.logger.Errorw("Expire sweep failed", "error", err)
	}
	if s.retention <= 0 {
		return
	}
	n, err := s.store.DeleteAnalysesBefore(ctx, now.Add(-s.retention))
	if err != nil {
		s.logger.Errorw("Analysis cleanup failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Infow("Old analyses deleted", "count", n)
	}
}

// Dispatch sends due reminders. Failed sends stay unsent for the next tick.
func (s *Scheduler) Dispatch(ctx context.Context) {
	due, err := s.store.DueNotifications(ctx, s.now(), dispatchBatch)
	if err != nil {
		s.logger.Errorw("Failed to load due notifications", "error", err)
		return
	}
	for _, n := range due {
		if err := s.deliverer.Deliver(ctx, n); err != nil {
			s.logger.Warnw("Failed to deliver notification", "notification_id", n.ID, "user_id", n.UserID, "error", err)
			continue
		}
		if err := s.store.MarkNotificationSent(ctx, n.ID); err != nil {
			s.logger.Errorw("Failed to mark notification sent", "notification_id", n.ID, "error", err)
		}
	}
}

// safely runs one job bounded by jobTimeout; cancelling parent stops it.
func (s *Scheduler) safely(parent context.Context, job string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("Recovered from panic in scheduled job", "job", job, "error", r)
		}
	}()
	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()
	fn(ctx)
}

// nextDaily returns the first hh:mm UTC strictly after now.
func nextDaily(now time.Time, hour, minute int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
