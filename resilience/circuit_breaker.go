package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/altis0725/OKAMI/core"
)

// CircuitState is one of closed, open, half-open.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrorClassifier decides whether an error should count toward the breaker's
// error-rate threshold. Configuration and cancellation errors are excluded by
// default so caller mistakes don't trip the breaker for a downstream call.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts everything except configuration errors and
// context cancellation.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsConfigurationError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrCancelled) {
		return false
	}
	return true
}

// Config holds the tunables for a sliding-window circuit breaker.
type Config struct {
	Name             string
	ErrorThreshold   float64       // error rate (0..1) that trips the breaker
	VolumeThreshold  int           // minimum requests before evaluation
	SleepWindow      time.Duration // how long to stay open before probing
	HalfOpenRequests int           // probes admitted per half-open period
	SuccessThreshold float64       // success rate needed to close from half-open
	WindowSize       time.Duration
	BucketCount      int
	ErrorClassifier  ErrorClassifier
	Logger           core.Logger
}

// DefaultConfig returns production-reasonable defaults for a Completer or
// tool-call circuit breaker.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		ErrorThreshold:   0.5,
		VolumeThreshold:  10,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 3,
		SuccessThreshold: 0.6,
		WindowSize:       60 * time.Second,
		BucketCount:      10,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
	}
}

func (c *Config) validate() error {
	if c.Name == "" {
		return errors.New("circuit breaker name is required")
	}
	if c.ErrorThreshold < 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("error threshold must be between 0 and 1, got %f", c.ErrorThreshold)
	}
	if c.HalfOpenRequests < 1 {
		return fmt.Errorf("half-open requests must be at least 1, got %d", c.HalfOpenRequests)
	}
	return nil
}

type token struct {
	id         uint64
	isHalfOpen bool
}

// CircuitBreaker implements core.CircuitBreaker with a sliding error-rate
// window and token-gated half-open probing.
type CircuitBreaker struct {
	config *Config

	state          atomic.Value // CircuitState
	stateChangedAt atomic.Value // time.Time

	window *slidingWindow

	halfOpenTotal     atomic.Int32
	halfOpenSuccesses atomic.Int32
	halfOpenFailures  atomic.Int32
	tokenCounter      atomic.Uint64

	mu sync.Mutex

	rejectedExecutions atomic.Uint64
	totalExecutions    atomic.Uint64
}

var _ core.CircuitBreaker = (*CircuitBreaker)(nil)

// New creates a circuit breaker from config, applying defaults for any unset field.
func New(config *Config) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig("default")
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	if config.WindowSize == 0 {
		config.WindowSize = 60 * time.Second
	}
	if config.BucketCount == 0 {
		config.BucketCount = 10
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 0.6
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 3
	}

	cb := &CircuitBreaker{
		config: config,
		window: newSlidingWindow(config.WindowSize, config.BucketCount),
	}
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())

	config.Logger.Info("circuit breaker created", map[string]interface{}{
		"name":             config.Name,
		"error_threshold":  config.ErrorThreshold,
		"volume_threshold": config.VolumeThreshold,
	})

	return cb, nil
}

// Execute runs fn under circuit breaker protection with no timeout.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	return cb.ExecuteWithTimeout(ctx, 0, fn)
}

// ExecuteWithTimeout runs fn under circuit breaker protection, aborting via
// ctx if timeout elapses first.
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	tok, allowed := cb.reserve()
	if !allowed {
		cb.rejectedExecutions.Add(1)
		return fmt.Errorf("circuit breaker %q is open: %w", cb.config.Name, ErrCircuitOpen)
	}
	cb.totalExecutions.Add(1)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		cb.complete(tok, err)
		return err
	case <-ctx.Done():
		go func() {
			cb.complete(tok, <-done)
		}()
		return ctx.Err()
	}
}

func (cb *CircuitBreaker) reserve() (token, bool) {
	switch cb.state.Load().(CircuitState) {
	case StateClosed:
		return token{id: cb.tokenCounter.Add(1)}, true

	case StateOpen:
		changedAt := cb.stateChangedAt.Load().(time.Time)
		if time.Since(changedAt) <= cb.config.SleepWindow {
			return token{}, false
		}
		cb.mu.Lock()
		if cb.state.Load().(CircuitState) == StateOpen {
			cb.transition(StateHalfOpen)
		}
		cb.mu.Unlock()
		return cb.reserve()

	case StateHalfOpen:
		for {
			current := cb.halfOpenTotal.Load()
			if int(current) >= cb.config.HalfOpenRequests {
				return token{}, false
			}
			if cb.halfOpenTotal.CompareAndSwap(current, current+1) {
				return token{id: cb.tokenCounter.Add(1), isHalfOpen: true}, true
			}
		}

	default:
		return token{}, false
	}
}

func (cb *CircuitBreaker) complete(tok token, err error) {
	if err == nil {
		cb.window.recordSuccess()
		if tok.isHalfOpen {
			cb.halfOpenSuccesses.Add(1)
		}
	} else if cb.config.ErrorClassifier(err) {
		cb.window.recordFailure()
		if tok.isHalfOpen {
			cb.halfOpenFailures.Add(1)
		}
	}
	cb.evaluate()
}

func (cb *CircuitBreaker) evaluate() {
	switch cb.state.Load().(CircuitState) {
	case StateClosed:
		errRate := cb.window.errorRate()
		total := cb.window.total()
		if cb.config.VolumeThreshold > 0 && total >= uint64(cb.config.VolumeThreshold) && errRate >= cb.config.ErrorThreshold {
			cb.mu.Lock()
			cb.transition(StateOpen)
			cb.mu.Unlock()
		}

	case StateHalfOpen:
		successes := cb.halfOpenSuccesses.Load()
		failures := cb.halfOpenFailures.Load()
		total := successes + failures
		if int(total) >= cb.config.HalfOpenRequests {
			cb.mu.Lock()
			if float64(successes)/float64(total) >= cb.config.SuccessThreshold {
				cb.transition(StateClosed)
			} else {
				cb.transition(StateOpen)
			}
			cb.mu.Unlock()
		}
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state.Load().(CircuitState)
	if from == to {
		return
	}
	cb.state.Store(to)
	cb.stateChangedAt.Store(time.Now())
	if to == StateHalfOpen {
		cb.halfOpenTotal.Store(0)
		cb.halfOpenSuccesses.Store(0)
		cb.halfOpenFailures.Store(0)
	}
	cb.config.Logger.Info("circuit breaker state changed", map[string]interface{}{
		"name": cb.config.Name,
		"from": from.String(),
		"to":   to.String(),
	})
}

// GetState returns "closed", "open" or "half-open".
func (cb *CircuitBreaker) GetState() string {
	return cb.state.Load().(CircuitState).String()
}

// CanExecute reports whether a call would currently be allowed, without
// reserving a half-open slot.
func (cb *CircuitBreaker) CanExecute() bool {
	switch cb.state.Load().(CircuitState) {
	case StateClosed:
		return true
	case StateOpen:
		changedAt := cb.stateChangedAt.Load().(time.Time)
		return time.Since(changedAt) > cb.config.SleepWindow
	default:
		return int(cb.halfOpenTotal.Load()) < cb.config.HalfOpenRequests
	}
}

// GetMetrics returns a snapshot suitable for logging or a metrics exporter.
func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	success, failure := cb.window.counts()
	return map[string]interface{}{
		"name":                cb.config.Name,
		"state":               cb.GetState(),
		"success":             success,
		"failure":             failure,
		"error_rate":          cb.window.errorRate(),
		"total_executions":    cb.totalExecutions.Load(),
		"rejected_executions": cb.rejectedExecutions.Load(),
	}
}

// Reset forces the breaker back to closed and clears its window.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())
	cb.halfOpenTotal.Store(0)
	cb.halfOpenSuccesses.Store(0)
	cb.halfOpenFailures.Store(0)
	cb.window = newSlidingWindow(cb.config.WindowSize, cb.config.BucketCount)
}

type bucket struct {
	timestamp time.Time
	success   uint64
	failure   uint64
}

// slidingWindow tracks success/failure counts over a rolling time window
// divided into fixed buckets, so old data ages out without a separate sweep.
type slidingWindow struct {
	mu         sync.RWMutex
	buckets    []bucket
	windowSize time.Duration
	bucketSize time.Duration
	currentIdx int
	lastRotate time.Time
}

func newSlidingWindow(windowSize time.Duration, bucketCount int) *slidingWindow {
	if bucketCount <= 0 {
		bucketCount = 10
	}
	now := time.Now()
	buckets := make([]bucket, bucketCount)
	for i := range buckets {
		buckets[i].timestamp = now
	}
	return &slidingWindow{
		buckets:    buckets,
		windowSize: windowSize,
		bucketSize: windowSize / time.Duration(bucketCount),
		lastRotate: now,
	}
}

func (sw *slidingWindow) rotate() {
	now := time.Now()
	elapsed := now.Sub(sw.lastRotate)
	if elapsed < 0 {
		// Clock moved backward; drop stale data rather than risk a negative rotation count.
		for i := range sw.buckets {
			sw.buckets[i] = bucket{timestamp: now}
		}
		sw.currentIdx = 0
		sw.lastRotate = now
		return
	}
	if elapsed < sw.bucketSize {
		return
	}
	toRotate := int(elapsed / sw.bucketSize)
	if toRotate > len(sw.buckets) {
		toRotate = len(sw.buckets)
	}
	for i := 0; i < toRotate; i++ {
		sw.currentIdx = (sw.currentIdx + 1) % len(sw.buckets)
		sw.buckets[sw.currentIdx] = bucket{timestamp: now}
	}
	sw.lastRotate = now
}

func (sw *slidingWindow) recordSuccess() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotate()
	sw.buckets[sw.currentIdx].success++
}

func (sw *slidingWindow) recordFailure() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotate()
	sw.buckets[sw.currentIdx].failure++
}

func (sw *slidingWindow) counts() (success, failure uint64) {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	cutoff := time.Now().Add(-sw.windowSize)
	for _, b := range sw.buckets {
		if b.timestamp.After(cutoff) {
			success += b.success
			failure += b.failure
		}
	}
	return success, failure
}

func (sw *slidingWindow) total() uint64 {
	success, failure := sw.counts()
	return success + failure
}

func (sw *slidingWindow) errorRate() float64 {
	success, failure := sw.counts()
	total := success + failure
	if total == 0 {
		return 0
	}
	return float64(failure) / float64(total)
}
