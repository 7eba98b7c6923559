package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vyx/signal-engine/internal/eventbus"
	"github.com/vyx/signal-engine/internal/logger"
)

// CandleScheduler keeps a cursor on the next expected candle close for each
// interval and publishes a wildcard close event once that boundary passes.
// The grace delay gives the stream ingestor time to land the final bar
// before dispatch reads the cache.
type CandleScheduler struct {
	eventBus  *eventbus.EventBus
	intervals []string
	grace     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// Config holds scheduler configuration.
type Config struct {
	Intervals []string
	Grace     time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Intervals: SupportedIntervals(),
		Grace:     2 * time.Second,
	}
}

// NewCandleScheduler creates a new candle scheduler.
func NewCandleScheduler(eventBus *eventbus.EventBus, config *Config) *CandleScheduler {
	if config == nil {
		config = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &CandleScheduler{
		eventBus:  eventBus,
		intervals: config.Intervals,
		grace:     config.Grace,
		ctx:       ctx,
		cancel:    cancel,
		log:       logger.WithComponent("scheduler"),
	}
}

// Start begins close-boundary tracking for all intervals.
func (s *CandleScheduler) Start() error {
	for _, interval := range s.intervals {
		duration, err := ParseInterval(interval)
		if err != nil {
			return err
		}

		s.wg.Add(1)
		go s.scheduleInterval(interval, duration)
	}

	s.log.Info().Strs("intervals", s.intervals).Msg("Candle scheduler started")
	return nil
}

// Stop gracefully shuts down the scheduler.
func (s *CandleScheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.log.Info().Msg("Candle scheduler stopped")
}

// scheduleInterval walks the close-boundary cursor for a single interval.
func (s *CandleScheduler) scheduleInterval(interval string, duration time.Duration) {
	defer s.wg.Done()

	// Cursor: the next close boundary after now.
	nextClose := time.Now().Truncate(duration).Add(duration)

	for {
		timer := time.NewTimer(time.Until(nextClose.Add(s.grace)))

		select {
		case <-s.ctx.Done():
			timer.Stop()
			return

		case <-timer.C:
			s.eventBus.PublishCandleClose(&eventbus.CandleCloseEvent{
				Symbol:    "*",
				Interval:  interval,
				CloseTime: nextClose,
			})

			s.log.Debug().
				Str("interval", interval).
				Time("close", nextClose).
				Msg("Candle close boundary")

			nextClose = nextClose.Add(duration)
		}
	}
}

// Intervals returns the monitored intervals.
func (s *CandleScheduler) Intervals() []string {
	return s.intervals
}
