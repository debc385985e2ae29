package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/caasmo/idbroker/abuse"
)

// abuseLogDaemon periodically logs the top-K rate-limited email domains so
// an operator without a metrics scraper still gets visibility. It never
// affects request handling; abuse.Monitor.Observe is fed directly from
// authflow.Flow.
type abuseLogDaemon struct {
	monitor  *abuse.Monitor
	logger   *slog.Logger
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func newAbuseLogDaemon(monitor *abuse.Monitor, logger *slog.Logger, interval time.Duration) *abuseLogDaemon {
	return &abuseLogDaemon{
		monitor:  monitor,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (d *abuseLogDaemon) Name() string { return "abuse-log" }

func (d *abuseLogDaemon) Start() error {
	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, dc := range d.monitor.Snapshot() {
					d.logger.Info("abuse top domain", "domain", dc.Domain, "count", dc.Count)
				}
			case <-d.stop:
				return
			}
		}
	}()
	return nil
}

func (d *abuseLogDaemon) Stop(ctx context.Context) error {
	close(d.stop)
	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
