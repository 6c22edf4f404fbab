package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/klingbot/internal/generation"
	"github.com/kelpejol/klingbot/internal/kling"
	"github.com/kelpejol/klingbot/internal/metrics"
)

// StatusFetcher queries the provider for a task's state.
type StatusFetcher interface {
	RecordInfo(ctx context.Context, taskID string) (*kling.TaskInfo, error)
}

// PollerConfig is the polling budget.
type PollerConfig struct {
	MaxAttempts int
	Interval    time.Duration

	// AttemptTimeout bounds one status query.
	AttemptTimeout time.Duration
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		MaxAttempts:    60,
		Interval:       5 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

// Poller runs one tracking goroutine per submitted generation. Each tracker
// leaves through exactly one Transition call, unless the poller is stopped
// first; a stopped tracker leaves the record pending for Resume.
type Poller struct {
	fetcher StatusFetcher
	rec     *Reconciler
	cfg     PollerConfig
	metrics *metrics.Metrics
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

func NewPoller(fetcher StatusFetcher, rec *Reconciler, cfg PollerConfig, m *metrics.Metrics, logger zerolog.Logger) *Poller {
	def := DefaultPollerConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		fetcher: fetcher,
		rec:     rec,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("component", "poller").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[string]struct{}),
	}
}

// Track starts polling taskID on behalf of generationID. A generation that
// is already tracked is not tracked twice.
func (p *Poller) Track(generationID, taskID string) bool {
	p.mu.Lock()
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		return false
	}
	if _, ok := p.active[generationID]; ok {
		p.mu.Unlock()
		return false
	}
	p.active[generationID] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.ActiveTrackers.Inc()
	}
	go p.run(generationID, taskID)
	return true
}

// Resume re-tracks pending generations that already have a task id, e.g.
// after a restart.
func (p *Poller) Resume(ctx context.Context, store generation.Store, limit int) (int, error) {
	pending, err := store.ListPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending generations: %w", err)
	}
	started := 0
	for _, rec := range pending {
		if p.Track(rec.ID, rec.TaskID) {
			started++
		}
	}
	if started > 0 {
		p.logger.Info().Int("count", started).Msg("Resumed tracking pending generations")
	}
	return started, nil
}

// Active returns the number of running trackers.
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Stop cancels all trackers. Trackers sleeping between attempts return
// without a transition.
func (p *Poller) Stop() {
	p.cancel()
}

// Wait blocks until every tracker has exited.
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) run(generationID, taskID string) {
	started := time.Now()
	log := p.logger.With().
		Str("generation_id", generationID).
		Str("task_id", taskID).
		Logger()

	defer func() {
		p.mu.Lock()
		delete(p.active, generationID)
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.ActiveTrackers.Dec()
		}
		p.wg.Done()
	}()

	outcome, ok := p.poll(generationID, taskID, log)
	if !ok {
		log.Info().Msg("Tracking stopped before a terminal state, generation left pending")
		return
	}

	// The final write must not be cut short by shutdown.
	ctx, cancel := context.WithTimeout(WithSource(context.Background(), SourcePoller), time.Minute)
	defer cancel()
	if _, err := p.rec.Transition(ctx, generationID, outcome); err != nil {
		log.Error().Err(err).Msg("Transition from poller failed")
	}
	if p.metrics != nil {
		p.metrics.PollDuration.Observe(time.Since(started).Seconds())
	}
}

// poll returns the terminal outcome, or false when the poller was stopped.
func (p *Poller) poll(generationID, taskID string, log zerolog.Logger) (Outcome, bool) {
	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		select {
		case <-p.ctx.Done():
			return nil, false
		case <-timer.C:
		}

		info, err := p.fetch(taskID)
		switch {
		case err != nil:
			p.count("error")
			log.Warn().Err(err).Int("attempt", attempt).Msg("Status query failed")
		case info.State == kling.StateWaiting || info.State == "":
			p.count("waiting")
			log.Debug().Int("attempt", attempt).Msg("Task still running")
		default:
			if outcome, terminal := OutcomeFromTask(*info); terminal {
				p.count(string(info.State))
				log.Info().Int("attempt", attempt).Str("state", string(info.State)).Msg("Task reached terminal state")
				return outcome, true
			}
			p.count("unknown")
			log.Warn().Str("state", string(info.State)).Msg("Unknown task state")
		}

		timer.Reset(p.cfg.Interval)
	}

	log.Warn().Int("attempts", p.cfg.MaxAttempts).Msg("Polling budget exhausted")
	return Fail{Reason: TimeoutReason}, true
}

func (p *Poller) fetch(taskID string) (*kling.TaskInfo, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.AttemptTimeout)
	defer cancel()
	return p.fetcher.RecordInfo(ctx, taskID)
}

func (p *Poller) count(outcome string) {
	if p.metrics != nil {
		p.metrics.PollAttempts.WithLabelValues(outcome).Inc()
	}
}

// OutcomeFromTask maps a provider task record to an Outcome. The second
// result is false while the task is still running. A success without a
// usable result URL counts as a failure.
func OutcomeFromTask(info kling.TaskInfo) (Outcome, bool) {
	switch info.State {
	case kling.StateSuccess:
		urls, err := info.ResultURLs()
		if err != nil {
			return Fail{Reason: fmt.Sprintf("unreadable result: %v", err)}, true
		}
		if len(urls) == 0 || urls[0] == "" {
			return Fail{Reason: "no result url returned"}, true
		}
		return Success{ResultURL: urls[0]}, true
	case kling.StateFail:
		reason := info.FailMsg
		if reason == "" {
			reason = "generation failed"
		}
		return Fail{Reason: reason}, true
	}
	return nil, false
}
