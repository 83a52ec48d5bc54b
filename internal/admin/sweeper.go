// Package admin implements the background lifecycle sweep: expiring
// streams past their TTL/expiresAt and evicting idle producer state, on
// a schedule instead of a per-request check.
package admin

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/durablelog/dstream/internal/store"
)

// ProducerEvictor is implemented by store backends that keep
// producer state in a table rather than purely in producer.Cache
// (store.SQLStore). store.MemoryStore does not implement it: its
// SweepExpired drops the producer state of the streams it removes, and
// it has no idle-TTL eviction of producer state.
type ProducerEvictor interface {
	EvictExpiredProducers(ctx context.Context, cutoff time.Time) (int, error)
}

// Sweeper drives store.Store.SweepExpired and, where supported,
// producer-state eviction on a cron schedule using
// github.com/robfig/cron/v3.
type Sweeper struct {
	store        store.Store
	producerTTL  time.Duration
	log          *zap.Logger
	cron         *cron.Cron
}

// NewSweeper builds a Sweeper that runs schedule (a cron expression,
// e.g. "@every 1m") against st, evicting producer state untouched for
// longer than producerTTL.
func NewSweeper(st store.Store, schedule string, producerTTL time.Duration, log *zap.Logger) (*Sweeper, error) {
	s := &Sweeper{store: st, producerTTL: producerTTL, log: log, cron: cron.New()}
	if _, err := s.cron.AddFunc(schedule, s.runOnce); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins running the schedule in the background. It returns
// immediately; call Stop to shut it down.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for any in-flight run to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()
	removed, err := s.store.SweepExpired(ctx, now)
	if err != nil {
		s.log.Warn("stream sweep failed", zap.Error(err))
	} else if removed > 0 {
		s.log.Info("swept expired streams", zap.Int("removed", removed))
	}

	if evictor, ok := s.store.(ProducerEvictor); ok {
		evicted, err := evictor.EvictExpiredProducers(ctx, now.Add(-s.producerTTL))
		if err != nil {
			s.log.Warn("producer state eviction failed", zap.Error(err))
		} else if evicted > 0 {
			s.log.Info("evicted idle producer state", zap.Int("evicted", evicted))
		}
	}
}
