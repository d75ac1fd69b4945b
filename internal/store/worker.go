package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Worker defaults.
const (
	DefaultStaleThreshold    = 5 * time.Minute
	DefaultClaimLimit        = 10
	DefaultJobTimeout        = 2 * time.Minute
	DefaultOutboxMaxAttempts = 8
)

// JobHandler executes one job given its payload JSON.
type JobHandler func(ctx context.Context, payload string) error

// OutboxSendFunc delivers one outbox message.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// JobRunner claims due jobs and runs the handler registered for their kind.
type JobRunner struct {
	repo     JobRepo
	interval time.Duration

	mu       sync.RWMutex
	handlers map[string]JobHandler
}

// NewJobRunner polls repo every interval (10s when zero).
func NewJobRunner(repo JobRepo, interval time.Duration) *JobRunner {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &JobRunner{repo: repo, interval: interval, handlers: map[string]JobHandler{}}
}

func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	r.handlers[kind] = handler
	r.mu.Unlock()
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs a previous process left running. Call once
// before Run.
func (r *JobRunner) RecoverStaleJobs() error {
	n, err := r.repo.RequeueStaleRunningJobs(time.Now().Add(-DefaultStaleThreshold))
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued", "count", n)
	}
	return err
}

// Run blocks until ctx is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	pollLoop(ctx, "JobRunner", r.interval, func(ctx context.Context) {
		now := time.Now()
		jobs, err := r.repo.ClaimDueJobs(now, DefaultClaimLimit)
		if err != nil {
			slog.Error("JobRunner.Run: claim failed", "error", err)
			return
		}
		for _, job := range jobs {
			r.runJob(ctx, job, now)
		}
	})
}

func (r *JobRunner) runJob(ctx context.Context, job Job, now time.Time) {
	r.mu.RLock()
	handler := r.handlers[job.Kind]
	r.mu.RUnlock()

	var err error
	if handler == nil {
		err = fmt.Errorf("no handler registered for kind %q", job.Kind)
	} else {
		jobCtx, cancel := context.WithTimeout(ctx, DefaultJobTimeout)
		err = safeCall(func() error { return handler(jobCtx, job.PayloadJSON) })
		cancel()
	}

	if err == nil {
		if err := r.repo.CompleteJob(job.ID); err != nil {
			slog.Error("JobRunner.runJob: complete failed", "id", job.ID, "error", err)
			return
		}
		slog.Debug("JobRunner.runJob: done", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
		return
	}

	slog.Warn("JobRunner.runJob: job failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt+1, "error", err)
	retryAt := now.Add(backoff(30*time.Second, job.Attempt, 30*time.Minute))
	if ferr := r.repo.FailJob(job.ID, err.Error(), retryAt); ferr != nil {
		slog.Error("JobRunner.runJob: recording failure failed", "id", job.ID, "error", ferr)
	}
}

// OutboxSender drains the outbox through a delivery function, retrying with
// backoff and giving up after maxAttempts.
type OutboxSender struct {
	repo        OutboxRepo
	send        OutboxSendFunc
	interval    time.Duration
	maxAttempts int
}

// NewOutboxSender polls repo every interval (5s when zero).
func NewOutboxSender(repo OutboxRepo, send OutboxSendFunc, interval time.Duration) *OutboxSender {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &OutboxSender{repo: repo, send: send, interval: interval, maxAttempts: DefaultOutboxMaxAttempts}
}

// RecoverStaleMessages requeues messages a previous process left sending.
func (s *OutboxSender) RecoverStaleMessages() error {
	n, err := s.repo.RequeueStaleSendingMessages(time.Now().Add(-DefaultStaleThreshold))
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued", "count", n)
	}
	return err
}

// Run blocks until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	pollLoop(ctx, "OutboxSender", s.interval, s.poll)
}

func (s *OutboxSender) poll(ctx context.Context) {
	now := time.Now()
	msgs, err := s.repo.ClaimDueOutboxMessages(now, DefaultClaimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return
	}
	for _, msg := range msgs {
		s.deliver(ctx, msg, now)
	}
}

func (s *OutboxSender) deliver(ctx context.Context, msg OutboxMessage, now time.Time) {
	err := safeCall(func() error { return s.send(ctx, msg) })
	switch {
	case err == nil:
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.deliver: mark sent failed", "id", msg.ID, "error", err)
			return
		}
		slog.Debug("OutboxSender.deliver: sent", "id", msg.ID, "userID", msg.UserID, "kind", msg.Kind)
	case msg.Attempts+1 >= s.maxAttempts:
		slog.Error("OutboxSender.deliver: giving up", "id", msg.ID, "userID", msg.UserID, "kind", msg.Kind, "error", err)
		if aerr := s.repo.AbandonOutboxMessage(msg.ID, err.Error()); aerr != nil {
			slog.Error("OutboxSender.deliver: abandon failed", "id", msg.ID, "error", aerr)
		}
	default:
		slog.Warn("OutboxSender.deliver: send failed", "id", msg.ID, "attempt", msg.Attempts+1, "error", err)
		retryAt := now.Add(backoff(10*time.Second, msg.Attempts, time.Hour))
		if ferr := s.repo.FailOutboxMessage(msg.ID, err.Error(), retryAt); ferr != nil {
			slog.Error("OutboxSender.deliver: reschedule failed", "id", msg.ID, "error", ferr)
		}
	}
}

// safeCall turns a panic in fn into an error so the work is retried.
func safeCall(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}

// pollLoop runs fn once immediately and then every interval until ctx is done.
func pollLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	slog.Info(name+".Run: starting", "pollInterval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			slog.Info(name + ".Run: stopping")
			return
		case <-ticker.C:
		}
	}
}

// backoff returns base doubled per attempt, capped at max.
func backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	return min(d, max)
}
