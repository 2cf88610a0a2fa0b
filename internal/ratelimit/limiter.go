package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// usedWeightHeader is the exchange's authoritative per-minute weight
	// counter, reported on every response.
	usedWeightHeader = "X-Mbx-Used-Weight-1m"

	secondWindow = time.Second
	minuteWindow = time.Minute
)

// Config bounds the limiter. Zero values are replaced by DefaultConfig.
type Config struct {
	MaxRequestsPerSecond int           `json:"max_requests_per_second"`
	MaxRequestsPerMinute int           `json:"max_requests_per_minute"`
	MaxWeightPerMinute   int           `json:"max_weight_per_minute"`
	BaseInterval         time.Duration `json:"base_interval"`
	MinCooldown          time.Duration `json:"min_cooldown"`
}

// DefaultConfig mirrors the public spot API limits with headroom.
func DefaultConfig() Config {
	return Config{
		MaxRequestsPerSecond: 10,
		MaxRequestsPerMinute: 1100,
		MaxWeightPerMinute:   5800,
		BaseInterval:         100 * time.Millisecond,
		MinCooldown:          60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRequestsPerSecond <= 0 {
		c.MaxRequestsPerSecond = def.MaxRequestsPerSecond
	}
	if c.MaxRequestsPerMinute <= 0 {
		c.MaxRequestsPerMinute = def.MaxRequestsPerMinute
	}
	if c.MaxWeightPerMinute <= 0 {
		c.MaxWeightPerMinute = def.MaxWeightPerMinute
	}
	if c.BaseInterval <= 0 {
		c.BaseInterval = def.BaseInterval
	}
	if c.MinCooldown <= 0 {
		c.MinCooldown = def.MinCooldown
	}
	return c
}

// Limiter serializes quota decisions for all workers. It is the only place
// the shared Budget is mutated; workers interact with it exclusively through
// Acquire and the Report methods.
type Limiter struct {
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	budget        Budget
	cooldownUntil time.Time

	// spacing enforces the minimum inter-request interval
	// (BaseInterval × BackoffMultiplier). Retuned whenever the multiplier
	// moves.
	spacing *rate.Limiter

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewLimiter creates a limiter. Call Start to run the window-reset timers and
// Stop on shutdown.
func NewLimiter(cfg Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Limiter{
		cfg:     cfg,
		logger:  logger,
		budget:  newBudget(),
		spacing: rate.NewLimiter(rate.Every(cfg.BaseInterval), 1),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background timers that reset the second and minute
// counters. Resets happen on wall-clock ticks regardless of request activity.
func (l *Limiter) Start() {
	l.wg.Add(1)
	go l.resetLoop()
}

// Stop halts the reset timers. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

func (l *Limiter) resetLoop() {
	defer l.wg.Done()

	secondTick := time.NewTicker(secondWindow)
	minuteTick := time.NewTicker(minuteWindow)
	defer secondTick.Stop()
	defer minuteTick.Stop()

	for {
		select {
		case <-secondTick.C:
			l.mu.Lock()
			l.budget.resetSecond()
			l.mu.Unlock()
		case <-minuteTick.C:
			l.mu.Lock()
			l.budget.resetMinute()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// Acquire blocks until the request fits every quota: weight headroom, the
// per-second and per-minute request ceilings, any active cooldown, and the
// adaptive inter-request spacing. On success all counters are charged.
// Acquire returns early only when ctx is done.
func (l *Limiter) Acquire(ctx context.Context, weight int) error {
	if weight <= 0 {
		weight = 1
	}
	if weight > l.cfg.MaxWeightPerMinute {
		return fmt.Errorf("request weight %d exceeds the per-minute weight ceiling %d",
			weight, l.cfg.MaxWeightPerMinute)
	}

	for {
		l.mu.Lock()
		now := time.Now()

		if wait := l.blockedFor(weight, now); wait > 0 {
			l.mu.Unlock()
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		// Reserve before releasing the lock so concurrent acquirers see the
		// charge immediately.
		l.budget.note(weight, now)
		l.mu.Unlock()

		if err := l.spacing.Wait(ctx); err != nil {
			l.mu.Lock()
			l.budget.unnote(weight)
			l.mu.Unlock()
			return err
		}
		return nil
	}
}

// blockedFor returns how long the caller must wait before re-checking, or 0
// when the request can be admitted now. Called with the lock held.
func (l *Limiter) blockedFor(weight int, now time.Time) time.Duration {
	if until := l.cooldownUntil; now.Before(until) {
		return until.Sub(now)
	}
	if l.budget.RequestsThisSecond >= l.cfg.MaxRequestsPerSecond {
		// Wait out the remainder of the current second window.
		return secondWindow - time.Duration(now.UnixNano())%secondWindow
	}
	if l.budget.RequestsThisMinute >= l.cfg.MaxRequestsPerMinute ||
		l.budget.WeightUsed+weight > l.cfg.MaxWeightPerMinute {
		return minuteWindow - time.Duration(now.UnixNano())%minuteWindow
	}
	return 0
}

// ReportHeaders feeds a successful response's headers back into the budget.
// The exchange's used-weight counter is adopted verbatim, and the backoff
// multiplier is adjusted from the observed utilization.
func (l *Limiter) ReportHeaders(h http.Header) {
	if h == nil {
		return
	}
	raw := h.Get(usedWeightHeader)
	if raw == "" {
		return
	}
	used, err := strconv.Atoi(raw)
	if err != nil {
		l.logger.Warn("unparseable used-weight header", "value", raw, "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.budget.adoptWeight(used)
	utilization := float64(used) / float64(l.cfg.MaxWeightPerMinute)

	changed := false
	switch {
	case utilization > weightHighWater:
		changed = l.budget.raiseBackoff(backoffStep)
	case utilization < weightLowWater:
		changed = l.budget.decayBackoff()
	}
	if changed {
		l.retuneSpacing()
		l.logger.Debug("backoff multiplier adjusted",
			"multiplier", l.budget.BackoffMultiplier,
			"weight_used", used,
			"utilization", utilization)
	}
}

// ReportRateLimited doubles the backoff multiplier and imposes a cooldown
// during which no request is admitted. The cooldown honors the server's
// Retry-After when it is longer than the configured minimum.
func (l *Limiter) ReportRateLimited(retryAfter time.Duration) {
	cooldown := l.cfg.MinCooldown
	if retryAfter > cooldown {
		cooldown = retryAfter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.budget.raiseBackoff(2.0)
	l.retuneSpacing()
	l.cooldownUntil = time.Now().Add(cooldown)
	l.logger.Warn("rate limited by exchange, entering cooldown",
		"cooldown", cooldown,
		"multiplier", l.budget.BackoffMultiplier)
}

// retuneSpacing re-derives the spacing limiter from the current multiplier.
// Called with the lock held.
func (l *Limiter) retuneSpacing() {
	interval := time.Duration(float64(l.cfg.BaseInterval) * l.budget.BackoffMultiplier)
	l.spacing.SetLimit(rate.Every(interval))
}

// Snapshot returns a copy of the current budget for observability and tests.
func (l *Limiter) Snapshot() Budget {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.budget
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
