package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RelayMetrics receives counters from the relay loop.
type RelayMetrics interface {
	Tick()
	Claimed()
	Sent()
	Failed()
	StoreError()
}

type noopMetrics struct{}

func (noopMetrics) Tick()       {}
func (noopMetrics) Claimed()    {}
func (noopMetrics) Sent()       {}
func (noopMetrics) Failed()     {}
func (noopMetrics) StoreError() {}

// Relay periodically claims pending outbox records, publishes them and marks them as
// sent, or reschedules them with backoff when publishing fails.
//
// Ticks never overlap: the next tick is scheduled only after the previous one,
// including all of its record processing, has finished.
type Relay struct {
	store     Store
	publisher MessagePublisher

	pollInterval   time.Duration
	batchSize      int
	lockTTL        time.Duration
	publishTimeout time.Duration
	storeTimeout   time.Duration
	delayFunc      DelayFunc
	logger         *zap.Logger
	metrics        RelayMetrics
	now            func() time.Time

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	errCh   chan error
}

// RelayOption is a function that configures a Relay instance.
type RelayOption func(*Relay)

// WithPollInterval sets the pause between the end of one tick and the start of the next.
// Default is 3 seconds.
func WithPollInterval(interval time.Duration) RelayOption {
	return func(r *Relay) {
		if interval > 0 {
			r.pollInterval = interval
		}
	}
}

// WithBatchSize sets the maximum number of records claimed in a single tick.
// Default is 20. Must be positive.
func WithBatchSize(batchSize int) RelayOption {
	return func(r *Relay) {
		if batchSize > 0 {
			r.batchSize = batchSize
		}
	}
}

// WithLockTTL sets how long a claim lease is honoured. A record whose lease is older
// than this becomes claimable again, which recovers records held by a crashed relay.
// Default is 30 seconds.
func WithLockTTL(ttl time.Duration) RelayOption {
	return func(r *Relay) {
		if ttl > 0 {
			r.lockTTL = ttl
		}
	}
}

// WithPublishTimeout sets the timeout for a single publish, confirmation included.
// Default is 10 seconds.
func WithPublishTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		if timeout > 0 {
			r.publishTimeout = timeout
		}
	}
}

// WithStoreTimeout sets the timeout for each claim and mark operation.
// Default is 5 seconds.
func WithStoreTimeout(timeout time.Duration) RelayOption {
	return func(r *Relay) {
		if timeout > 0 {
			r.storeTimeout = timeout
		}
	}
}

// WithExponentialDelay reschedules failed records after min(base * 2^(attempts-1), maxDelay).
func WithExponentialDelay(base time.Duration, maxDelay time.Duration) RelayOption {
	return WithDelay(Exponential(base, maxDelay))
}

// WithFixedDelay reschedules failed records after the same delay every time.
func WithFixedDelay(delay time.Duration) RelayOption {
	return WithDelay(Fixed(delay))
}

// WithDelay sets the delay function applied after a failed publish.
// Default is Exponential(2s, 60s).
func WithDelay(delayFunc DelayFunc) RelayOption {
	return func(r *Relay) {
		if delayFunc != nil {
			r.delayFunc = delayFunc
		}
	}
}

// WithErrorChannelSize sets the size of the error channel.
// Default is 128. Size must be positive.
func WithErrorChannelSize(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.errCh = make(chan error, size)
		}
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink. Default discards everything.
func WithMetrics(metrics RelayMetrics) RelayOption {
	return func(r *Relay) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RelayOption {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRelay creates a new outbox Relay over the given store and publisher.
func NewRelay(store Store, publisher MessagePublisher, opts ...RelayOption) *Relay {
	r := &Relay{
		store:          store,
		publisher:      publisher,
		pollInterval:   3 * time.Second,
		batchSize:      20,
		lockTTL:        30 * time.Second,
		publishTimeout: 10 * time.Second,
		storeTimeout:   5 * time.Second,
		delayFunc:      Exponential(2*time.Second, 60*time.Second),
		logger:         zap.NewNop(),
		metrics:        noopMetrics{},
		now:            func() time.Time { return time.Now().UTC() },
		stopCh:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.errCh == nil {
		r.errCh = make(chan error, 128)
	}

	return r
}

// Start launches the relay loop. The first tick runs immediately.
// Calling Start more than once, or after Stop, has no effect.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started || r.stopped {
		return
	}
	r.started = true

	r.wg.Add(1)
	go r.run()

	r.logger.Info("outbox relay started",
		zap.Duration("poll_interval", r.pollInterval),
		zap.Int("batch_size", r.batchSize),
		zap.Duration("lock_ttl", r.lockTTL))
}

// Stop prevents new ticks from starting and waits for the tick in flight, if any, to
// finish processing every record it has claimed. The provided context bounds the wait;
// if it expires first Stop returns the context's error and the tick keeps draining in
// the background.
// Calling Stop multiple times is safe and only the first call has an effect.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.stopCh)
	if !r.started {
		r.started = true
		close(r.errCh)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		r.logger.Info("outbox relay stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) run() {
	timer := time.NewTimer(0)

	defer r.wg.Done()
	defer close(r.errCh)
	defer timer.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-timer.C:
			r.tick()
			timer.Reset(r.pollInterval)
		}
	}
}

func (r *Relay) stopping() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// tick claims and processes up to batchSize records, one at a time.
func (r *Relay) tick() {
	r.metrics.Tick()

	for processed := 0; processed < r.batchSize && !r.stopping(); processed++ {
		rec, err := r.claim()
		if errors.Is(err, ErrNoClaimableRecord) {
			return
		}
		if err != nil {
			r.metrics.StoreError()
			r.reportError(&ClaimError{Err: err})
			return
		}
		r.metrics.Claimed()

		if err := r.process(rec); err != nil {
			// the lease expires and the record is retried by a later claim
			return
		}
	}
}

func (r *Relay) claim() (*Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
	defer cancel()

	return r.store.Claim(ctx, r.now(), r.lockTTL)
}

// process publishes one claimed record and settles it. The returned error is only
// non-nil when the store could not record the outcome.
func (r *Relay) process(rec *Record) error {
	pubErr := r.publish(rec)
	if pubErr == nil {
		return r.markSent(rec)
	}

	r.metrics.Failed()
	r.reportError(&PublishError{Record: *rec, Err: pubErr})

	return r.reschedule(rec, pubErr)
}

func (r *Relay) publish(rec *Record) error {
	msg, err := rec.Message()
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	// not derived from stopCh: a claimed record is always settled before Stop returns
	ctx, cancel := context.WithTimeout(context.Background(), r.publishTimeout)
	defer cancel()

	return r.publisher.Publish(ctx, msg)
}

func (r *Relay) markSent(rec *Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
	defer cancel()

	if err := r.store.MarkSent(ctx, rec.EventID, r.now()); err != nil {
		r.metrics.StoreError()
		r.reportError(&UpdateError{Record: *rec, Err: err})
		return err
	}

	r.metrics.Sent()
	r.logger.Debug("outbox event published",
		zap.String("event_id", rec.EventID),
		zap.String("event_type", rec.EventType))
	return nil
}

func (r *Relay) reschedule(rec *Record, pubErr error) error {
	attempts := rec.Attempts + 1
	delay := r.delayFunc(attempts)
	nextAttemptAt := r.now().Add(delay)

	ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
	defer cancel()

	if err := r.store.MarkFailed(ctx, rec.EventID, pubErr.Error(), nextAttemptAt); err != nil {
		r.metrics.StoreError()
		r.reportError(&UpdateError{Record: *rec, Err: err})
		return err
	}

	r.logger.Warn("outbox publish failed; event rescheduled",
		zap.String("event_id", rec.EventID),
		zap.String("event_type", rec.EventType),
		zap.Int("attempts", attempts),
		zap.Duration("retry_in", delay),
		zap.Error(pubErr))
	return nil
}

// ClaimError indicates an error when claiming a record from the store.
type ClaimError struct {
	Err error
}

func (e *ClaimError) Error() string { return fmt.Sprintf("claiming outbox record: %v", e.Err) }

func (e *ClaimError) Unwrap() error { return e.Err }

// PublishError indicates an error during record publication.
// It includes the record that failed to be published and the original error.
type PublishError struct {
	Record Record
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing event %s: %v", e.Record.EventID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// UpdateError indicates an error when recording the outcome of a publish attempt.
// The record keeps its lease until the lease expires.
type UpdateError struct {
	Record Record
	Err    error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("updating event %s: %v", e.Record.EventID, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// Errors returns a channel that receives errors from the relay.
// The channel is buffered to prevent blocking the relay. If the buffer becomes
// full, subsequent errors are dropped. The channel is closed when the relay stops.
//
// The returned error is one of *ClaimError, *PublishError or *UpdateError.
// Every error is also logged, so draining the channel is optional.
func (r *Relay) Errors() <-chan error {
	return r.errCh
}

func (r *Relay) reportError(err error) {
	var publishErr *PublishError
	if !errors.As(err, &publishErr) {
		r.logger.Error("outbox relay error", zap.Error(err))
	}

	select {
	case r.errCh <- err:
	default:
		// Channel buffer full, drop the error to prevent blocking
	}
}
