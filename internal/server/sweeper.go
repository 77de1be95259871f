package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/brandlens/brandlens/internal/diagnosis"
)

// Sweeper periodically re-drives unresolved dead letter entries through the
// dispatcher. A redis SetNX lock keeps a fleet from sweeping concurrently.
type Sweeper struct {
	DLQ        *diagnosis.DeadLetterService
	Dispatcher *diagnosis.Dispatcher
	Rdb        *redis.Client
	CronSpec   string
	Interval   time.Duration
	Stop       chan struct{}

	lastSweep time.Time
}

func (s *Sweeper) Start() {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Sweeper) tick() {
	if !s.due() {
		return
	}
	ctx := context.Background()

	if s.Rdb != nil {
		ok, _ := s.Rdb.SetNX(ctx, "dlq:sweep:lock", "1", 2*time.Minute).Result()
		if !ok {
			return
		}
		defer s.Rdb.Del(ctx, "dlq:sweep:lock")
	}

	entries, err := s.DLQ.List(ctx, diagnosis.DeadLetterFilter{UnresolvedOnly: true, Limit: 50})
	if err != nil {
		log.Printf("[SWEEP] list dead letters: %v", err)
		return
	}
	for _, entry := range entries {
		// execution-level entries (timeouts, cancellations) are left for a
		// human decision; only failed cells are re-driven automatically
		if entry.CellKey == "" {
			continue
		}
		if err := s.Dispatcher.RetryDeadLetter(ctx, entry.ID); err != nil {
			log.Printf("[SWEEP] retry %s: %v", entry.ID, err)
		}
	}
	s.lastSweep = time.Now()
}

// due evaluates the sweep schedule. Supports "@hourly", "@daily" and
// standard cron expressions.
func (s *Sweeper) due() bool {
	now := time.Now()
	if s.lastSweep.IsZero() {
		return true
	}
	switch s.CronSpec {
	case "@daily":
		return now.Sub(s.lastSweep) >= 24*time.Hour
	case "@hourly", "":
		return now.Sub(s.lastSweep) >= time.Hour
	default:
		expr, err := cronexpr.Parse(s.CronSpec)
		if err != nil {
			return now.Sub(s.lastSweep) >= time.Hour
		}
		return !expr.Next(s.lastSweep).After(now)
	}
}
