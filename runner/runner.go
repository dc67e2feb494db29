// Package runner supervises the long-lived scraper workers. Each task runs,
// sleeps for its interval and repeats until the supervisor's context is
// cancelled; the supervisor then waits for every task to return.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/streamscraper/notify"
	"github.com/onnwee/streamscraper/ratelimit"
)

// DefaultSleepStep is the longest single wait between cancellation checks.
const DefaultSleepStep = 30 * time.Second

// Task is one periodic procedure.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Supervisor owns a set of tasks and their shared cancellation.
type Supervisor struct {
	Tasks     []Task
	SleepStep time.Duration
	// Notifier receives the start and stop messages. Nil disables them.
	Notifier notify.Notifier
	Logger   *slog.Logger
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default().With(slog.String("component", "runner"))
}

// Run starts every task and blocks until ctx is cancelled and all tasks have
// returned. In-flight procedure runs are not interrupted mid-write.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.Tasks) == 0 {
		return fmt.Errorf("no tasks to run")
	}
	names := make([]string, len(s.Tasks))
	for i, t := range s.Tasks {
		if t.Run == nil || t.Interval <= 0 {
			return fmt.Errorf("task %q: run func and positive interval required", t.Name)
		}
		names[i] = t.Name
	}
	log := s.logger()
	log.Info("starting workers", slog.Int("count", len(s.Tasks)), slog.Any("tasks", names))
	notify.Send(ctx, s.Notifier, "scraper started: "+strings.Join(names, ", "))

	var g errgroup.Group
	for _, t := range s.Tasks {
		g.Go(func() error {
			s.loop(ctx, t)
			return nil
		})
	}
	err := g.Wait()

	log.Info("workers stopped")
	notify.Send(context.WithoutCancel(ctx), s.Notifier, "scraper stopped")
	return err
}

func (s *Supervisor) loop(ctx context.Context, t Task) {
	log := s.logger().With(slog.String("task", t.Name))
	log.Info("worker starting", slog.Duration("interval", t.Interval))
	for {
		if ctx.Err() != nil {
			break
		}
		s.runOnce(ctx, t, log)
		if err := Sleep(ctx, t.Interval, s.SleepStep); err != nil {
			break
		}
	}
	log.Info("worker stopped")
}

func (s *Supervisor) runOnce(ctx context.Context, t Task, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker panicked", slog.Any("panic", r))
		}
	}()
	if err := t.Run(ctx); err != nil {
		if ctx.Err() != nil {
			log.Info("run interrupted by shutdown", slog.Any("err", err))
			return
		}
		log.Warn("run failed", slog.Any("err", err))
	}
}

// Sleep waits for d in increments of at most step, returning early with the
// context error once ctx is done.
func Sleep(ctx context.Context, d, step time.Duration) error {
	if step <= 0 {
		step = DefaultSleepStep
	}
	for d > 0 {
		chunk := min(d, step)
		if err := ratelimit.Sleep(ctx, chunk); err != nil {
			return err
		}
		d -= chunk
	}
	return ctx.Err()
}
