package queue

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Monitor periodically logs the queue depth so operators can watch backlog
// growth without an external metrics pipeline.
type Monitor struct {
	service  *Service
	logger   *slog.Logger
	schedule string
	cron     *cron.Cron
}

// NewMonitor creates a queue monitor. Schedule uses cron syntax, e.g.
// "@every 1m".
func NewMonitor(service *Service, logger *slog.Logger, schedule string) *Monitor {
	if schedule == "" {
		schedule = "@every 1m"
	}

	return &Monitor{
		service:  service,
		logger:   logger.With("module", "queue_monitor"),
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Start begins periodic reporting. It returns immediately; reporting runs on
// the cron's own goroutine until Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	_, err := m.cron.AddFunc(m.schedule, func() {
		count, err := m.service.PendingCount(ctx)
		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to count pending jobs", "error", err)

			return
		}

		m.logger.InfoContext(ctx, "Queue depth", "pending_jobs", count)
	})
	if err != nil {
		return err
	}

	m.cron.Start()

	return nil
}

// Stop halts periodic reporting, waiting for an in-flight report to finish.
func (m *Monitor) Stop() {
	stopCtx := m.cron.Stop()
	<-stopCtx.Done()
}
