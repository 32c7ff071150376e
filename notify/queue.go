package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-retry"
)

const (
	defaultWorkers     = 2
	defaultBuffer      = 256
	defaultMaxRetries  = 3
	defaultBackoffBase = 5 * time.Second
	jitterPercent      = 20
)

// Sender delivers a rendered Email.
type Sender interface {
	Send(ctx context.Context, e Email) error
}

// Permanent wraps err so the queue gives up without retrying.
func Permanent(err error) error {
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Check runs before every delivery of a given Kind. Returning an error
// wrapping ErrIgnored ends the job as Ignored. A Check may also rewrite the
// message, for example to load the recipient's current address.
type Check func(ctx context.Context, m Message) (Message, error)

// Result describes a finished job.
type Result struct {
	Message  Message
	State    State
	Attempts int
	Err      error
}

// Queue is a bounded worker pool delivering Messages.
type Queue struct {
	sender   Sender
	renderer *Renderer
	logger   *slog.Logger
	checks   map[Kind]Check
	observer func(Result)
	outcomes *prometheus.CounterVec

	workers     int
	maxRetries  uint64
	backoffBase time.Duration

	jobs   chan Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var _ Sink = (*Queue)(nil)

// Option configures a Queue.
type Option func(*queueConfig)

type queueConfig struct {
	logger      *slog.Logger
	workers     int
	buffer      int
	maxRetries  uint64
	backoffBase time.Duration
	checks      map[Kind]Check
	observer    func(Result)
	registerer  prometheus.Registerer
}

func WithLogger(l *slog.Logger) Option {
	return func(c *queueConfig) { c.logger = l }
}

// WithWorkers sets the number of delivery goroutines.
func WithWorkers(n int) Option {
	return func(c *queueConfig) { c.workers = n }
}

// WithBuffer sets how many messages may wait before Enqueue blocks.
func WithBuffer(n int) Option {
	return func(c *queueConfig) { c.buffer = n }
}

// WithRetry sets the retry count and the first backoff interval.
func WithRetry(maxRetries uint64, base time.Duration) Option {
	return func(c *queueConfig) {
		c.maxRetries = maxRetries
		c.backoffBase = base
	}
}

// WithCheck registers a pre-delivery Check for kind.
func WithCheck(kind Kind, fn Check) Option {
	return func(c *queueConfig) { c.checks[kind] = fn }
}

// WithObserver is called once per finished job.
func WithObserver(fn func(Result)) Option {
	return func(c *queueConfig) { c.observer = fn }
}

// WithRegisterer registers the outcome counter on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *queueConfig) { c.registerer = reg }
}

// NewQueue starts the worker pool.
func NewQueue(sender Sender, opts ...Option) (*Queue, error) {
	cfg := queueConfig{
		logger:      slog.Default(),
		workers:     defaultWorkers,
		buffer:      defaultBuffer,
		maxRetries:  defaultMaxRetries,
		backoffBase: defaultBackoffBase,
		checks:      make(map[Kind]Check),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.workers < 1 {
		cfg.workers = 1
	}

	renderer, err := NewRenderer()
	if err != nil {
		return nil, err
	}

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskward_notifications_total",
		Help: "Finished notification jobs by kind and outcome.",
	}, []string{"kind", "outcome"})
	if cfg.registerer != nil {
		if err := cfg.registerer.Register(outcomes); err != nil {
			return nil, fmt.Errorf("registering notification metrics: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		sender:      sender,
		renderer:    renderer,
		logger:      cfg.logger.With("component", "notify"),
		checks:      cfg.checks,
		observer:    cfg.observer,
		outcomes:    outcomes,
		workers:     cfg.workers,
		maxRetries:  cfg.maxRetries,
		backoffBase: cfg.backoffBase,
		jobs:        make(chan Message, cfg.buffer),
		ctx:         ctx,
		cancel:      cancel,
	}
	for range q.workers {
		q.wg.Add(1)
		go q.work()
	}
	return q, nil
}

// Enqueue schedules m. It blocks only while the buffer is full.
func (q *Queue) Enqueue(ctx context.Context, m Message) error {
	if _, ok := subjects[m.Kind]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting messages and waits for queued ones to finish. If
// ctx ends first, in-flight retries are abandoned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) work() {
	defer q.wg.Done()
	for m := range q.jobs {
		q.finish(q.deliver(q.ctx, m))
	}
}

func (q *Queue) backoff() retry.Backoff {
	b := retry.NewExponential(q.backoffBase)
	b = retry.WithJitterPercent(jitterPercent, b)
	return retry.WithMaxRetries(q.maxRetries, b)
}

func (q *Queue) deliver(ctx context.Context, m Message) Result {
	res := Result{Message: m, State: Pending}
	err := retry.Do(ctx, q.backoff(), func(ctx context.Context) error {
		res.Attempts++
		msg := m
		if check, ok := q.checks[m.Kind]; ok {
			var err error
			if msg, err = check(ctx, m); err != nil {
				return classify(err)
			}
		}
		email, err := q.renderer.Render(msg)
		if err != nil {
			return err
		}
		return classify(q.sender.Send(ctx, email))
	})

	switch {
	case err == nil:
		res.State = Delivered
	case errors.Is(err, ErrIgnored):
		res.State = Ignored
		res.Err = err
	default:
		res.State = Failed
		res.Err = err
	}
	return res
}

// classify marks errors retryable unless they are ignores or permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var perm *permanentError
	if errors.Is(err, ErrIgnored) || errors.As(err, &perm) {
		return err
	}
	return retry.RetryableError(err)
}

func (q *Queue) finish(res Result) {
	q.outcomes.WithLabelValues(string(res.Message.Kind), res.State.String()).Inc()

	attrs := []slog.Attr{
		slog.String("kind", string(res.Message.Kind)),
		slog.Int64("user_id", res.Message.UserID),
		slog.String("state", res.State.String()),
		slog.Int("attempts", res.Attempts),
	}
	switch res.State {
	case Delivered:
		q.logger.LogAttrs(context.Background(), slog.LevelInfo, "notification delivered", attrs...)
	case Ignored:
		attrs = append(attrs, slog.String("reason", res.Err.Error()))
		q.logger.LogAttrs(context.Background(), slog.LevelInfo, "notification ignored", attrs...)
	default:
		attrs = append(attrs, slog.String("error", res.Err.Error()))
		q.logger.LogAttrs(context.Background(), slog.LevelError, "notification failed", attrs...)
	}

	if q.observer != nil {
		q.observer(res)
	}
}
