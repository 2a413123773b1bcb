/**
 * @description
 * Cron scheduler setup for the billing jobs: the daily recurring-billing pass
 * and the hourly retry pass.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	jobRecurringBilling = "recurring_billing"
	jobRetries          = "billing_retries"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron            *cron.Cron
	billing         *Billing
	lock            *RedisRunLock
	logger          *slog.Logger
	billingSchedule string
	retrySchedule   string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(billing *Billing, lock *RedisRunLock, logger *slog.Logger, billingSchedule, retrySchedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:            c,
		billing:         billing,
		lock:            lock,
		logger:          logger,
		billingSchedule: billingSchedule,
		retrySchedule:   retrySchedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.billingSchedule, s.runRecurringBilling); err != nil {
		s.logger.Error("failed to schedule recurring billing job", "error", err)
	} else {
		s.logger.Info("scheduled recurring billing job", "schedule", s.billingSchedule)
	}

	if _, err := s.cron.AddFunc(s.retrySchedule, s.runRetries); err != nil {
		s.logger.Error("failed to schedule retry job", "error", err)
	} else {
		s.logger.Info("scheduled retry job", "schedule", s.retrySchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runRecurringBilling() {
	ctx := context.Background()
	token, ok := s.acquire(ctx, jobRecurringBilling, 30*time.Minute)
	if !ok {
		return
	}
	defer func() { _ = s.lock.Release(ctx, jobRecurringBilling, token) }()

	summary, err := s.billing.ProcessRecurringBilling(ctx)
	if err != nil {
		s.logger.Error("recurring billing run failed", "error", err)
		return
	}
	s.logger.Info("recurring billing cycle complete",
		"processed", summary.Processed, "succeeded", summary.Succeeded,
		"failed", summary.Failed, "skipped", summary.Skipped)
}

func (s *Scheduler) runRetries() {
	ctx := context.Background()
	token, ok := s.acquire(ctx, jobRetries, 15*time.Minute)
	if !ok {
		return
	}
	defer func() { _ = s.lock.Release(ctx, jobRetries, token) }()

	summary, err := s.billing.ProcessRetries(ctx)
	if err != nil {
		s.logger.Error("retry run failed", "error", err)
		return
	}
	s.logger.Info("retry cycle complete",
		"processed", summary.Processed, "succeeded", summary.Succeeded,
		"failed", summary.Failed, "skipped", summary.Skipped)
}

// acquire takes the distributed run-lock for a job. Lock errors do not block
// the cycle: durable payment history keeps concurrent runs safe regardless.
func (s *Scheduler) acquire(ctx context.Context, job string, ttl time.Duration) (string, bool) {
	token, ok, err := s.lock.Acquire(ctx, job, ttl)
	if err != nil {
		s.logger.Warn("run lock unavailable, running anyway", "job", job, "error", err)
		return "", true
	}
	if !ok {
		s.logger.Info("skipping cycle, another replica holds the lock", "job", job)
		return "", false
	}
	return token, true
}
