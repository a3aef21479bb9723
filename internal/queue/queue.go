// Package queue implements the relay's outbound delivery engine: a
// bounded job queue drained by a worker pool, with per-domain rate
// limiting, capped exponential retry backoff, and failure accounting
// against the inbox table.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/klppl/relay/internal/ap"
	"github.com/klppl/relay/internal/db"
)

// ErrBackpressure is returned when the queue stays full past the enqueue
// timeout. The inbox handler maps it to 503.
var ErrBackpressure = errors.New("delivery queue full")

const (
	queueCapacity = 10000

	maxAttempts     = 6
	deliveryTimeout = 30 * time.Second
)

// enqueueTimeout is how long a full queue blocks the caller before
// ErrBackpressure. A variable so tests can shorten the wait.
var enqueueTimeout = 30 * time.Second

// retryDelay computes the wait before a retry. A variable so tests can
// collapse the schedule.
var retryDelay = Backoff

// Backoff returns the wait before retry number attempt (1-based),
// doubling from one minute and capping at one hour.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 7 {
		attempt = 7
	}
	secs := 60 << (attempt - 1)
	if secs > 3600 {
		secs = 3600
	}
	return time.Duration(secs) * time.Second
}

// Delivery is one signed POST to one remote inbox.
type Delivery struct {
	Domain  string
	Inbox   string
	Payload []byte
	Attempt int
}

// Pool drains the delivery queue with a fixed set of workers.
type Pool struct {
	client  *ap.Client
	store   *db.Store
	workers int
	jobs    chan *Delivery

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	wg sync.WaitGroup
}

// NewPool builds a delivery pool. Start must be called before deliveries
// flow.
func NewPool(workers int, client *ap.Client, store *db.Store) *Pool {
	return &Pool{
		client:   client,
		store:    store,
		workers:  workers,
		jobs:     make(chan *Delivery, queueCapacity),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Start launches the workers. They exit when ctx is cancelled; Wait
// blocks until they have drained.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	slog.Info("delivery pool started", "workers", p.workers)
}

// Wait blocks until all workers have stopped.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Pending returns the number of queued deliveries.
func (p *Pool) Pending() int {
	return len(p.jobs)
}

// TryDequeue pops one queued delivery without blocking, returning nil
// when the queue is empty.
func (p *Pool) TryDequeue() *Delivery {
	select {
	case d := <-p.jobs:
		return d
	default:
		return nil
	}
}

// Enqueue adds a delivery, blocking up to the enqueue timeout when the
// queue is full before giving up with ErrBackpressure.
func (p *Pool) Enqueue(ctx context.Context, d *Delivery) error {
	timer := time.NewTimer(enqueueTimeout)
	defer timer.Stop()

	select {
	case p.jobs <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrBackpressure
	}
}

// Fanout enqueues the payload for every accepted subscriber except the
// origin domain, so activities are never reflected back to their source.
// Returns the number of deliveries enqueued.
func (p *Pool) Fanout(ctx context.Context, payload []byte, origin string) (int, error) {
	inboxes, err := p.store.GetInboxes()
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, inst := range inboxes {
		if strings.EqualFold(inst.Domain, origin) {
			continue
		}
		d := &Delivery{Domain: inst.Domain, Inbox: inst.Inbox, Payload: payload}
		if err := p.Enqueue(ctx, d); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// limiter returns the per-domain rate limiter, creating it on first use.
func (p *Pool) limiter(domain string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[domain]
	if !ok {
		l = rate.NewLimiter(rate.Every(250*time.Millisecond), 4)
		p.limiters[domain] = l
	}
	return l
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-p.jobs:
			p.process(ctx, d)
		}
	}
}

func (p *Pool) process(ctx context.Context, d *Delivery) {
	if err := p.limiter(d.Domain).Wait(ctx); err != nil {
		return
	}

	dctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	err := p.client.Deliver(dctx, d.Inbox, d.Payload)
	cancel()

	switch {
	case err == nil:
		if err := p.store.RecordDeliverySuccess(d.Domain); err != nil {
			slog.Warn("record delivery success", "domain", d.Domain, "error", err)
		}
		slog.Debug("delivered", "domain", d.Domain, "attempt", d.Attempt)

	case errors.Is(err, ap.ErrGone):
		// The instance says it no longer exists. Mark the failure streak
		// and let the prune pass drop the row if that holds for a week;
		// a one-off 410 from a misconfigured proxy must not kill the
		// subscription.
		slog.Info("instance gone, marking failed", "domain", d.Domain)
		if err := p.store.RecordDeliveryFailure(d.Domain, time.Now()); err != nil {
			slog.Warn("record delivery failure", "domain", d.Domain, "error", err)
		}

	case errors.Is(err, ap.ErrBlocked):
		// Policy changed while the job was queued.
		slog.Debug("delivery dropped by policy", "domain", d.Domain)

	case ap.IsTransient(err) && d.Attempt+1 < maxAttempts:
		d.Attempt++
		delay := retryDelay(d.Attempt)
		slog.Debug("delivery failed, will retry",
			"domain", d.Domain, "attempt", d.Attempt, "delay", delay, "error", err)
		p.scheduleRetry(ctx, d, delay)

	default:
		slog.Warn("delivery failed permanently",
			"domain", d.Domain, "attempt", d.Attempt, "error", err)
		if err := p.store.RecordDeliveryFailure(d.Domain, time.Now()); err != nil {
			slog.Warn("record delivery failure", "domain", d.Domain, "error", err)
		}
	}
}

// scheduleRetry re-enqueues the delivery after the backoff delay. If the
// queue is full when the timer fires, the job counts as a failure rather
// than blocking the timer goroutine.
func (p *Pool) scheduleRetry(ctx context.Context, d *Delivery, delay time.Duration) {
	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		select {
		case p.jobs <- d:
		default:
			slog.Warn("retry dropped, queue full", "domain", d.Domain)
			if err := p.store.RecordDeliveryFailure(d.Domain, time.Now()); err != nil {
				slog.Warn("record delivery failure", "domain", d.Domain, "error", err)
			}
		}
	})
}

// PruneFailed removes subscribers that have been failing longer than
// maxDowntime. The supervisor runs this on a timer.
func (p *Pool) PruneFailed(maxDowntime time.Duration) {
	removed, err := p.store.PruneFailedInboxes(time.Now().Add(-maxDowntime))
	if err != nil {
		slog.Warn("prune failed inboxes", "error", err)
		return
	}
	for _, domain := range removed {
		slog.Info("pruned unreachable instance", "domain", domain)
	}
}
