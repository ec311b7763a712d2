package dispatcher

import (
	"accessd/internal/observability"
	"accessd/pkg/backoff"
	"accessd/pkg/circuitbreaker"
	"accessd/pkg/cloudevent"
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// deliveryTimeout bounds one delivery including its retries.
const deliveryTimeout = 30 * time.Second

// counters are the running totals behind Stats.
type counters struct {
	queued, delivered, failed, dropped, requeued, retries atomic.Int64
}

// MemoryDispatcher buffers events in a bounded channel and delivers them
// from a fixed set of goroutines. A full buffer drops the event.
type MemoryDispatcher struct {
	cfg      MemoryConfig
	events   chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Set // keyed by destination host
	logger   *slog.Logger
	metrics  *observability.Metrics
	counts   counters

	stopping context.Context
	stop     context.CancelFunc
	closed   atomic.Bool
	workers  sync.WaitGroup
	holds    sync.WaitGroup // events waiting out a breaker cooldown
}

// NewMemory starts a dispatcher. metrics may be nil.
func NewMemory(cfg MemoryConfig, metrics *observability.Metrics) *MemoryDispatcher {
	cfg = cfg.withDefaults()
	stopping, stop := context.WithCancel(context.Background())

	d := &MemoryDispatcher{
		cfg:    cfg,
		events: make(chan *Event, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewSet(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		stopping: stopping,
		stop:     stop,
	}

	for range cfg.Workers {
		d.workers.Go(d.run)
	}
	if metrics != nil {
		go d.gaugeQueue()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// Dispatch accepts an event without blocking.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}
	select {
	case d.events <- event:
		d.counts.queued.Add(1)
		return nil
	default:
		d.drop(event, "buffer full")
		return ErrBufferFull
	}
}

func (d *MemoryDispatcher) Stats() Stats {
	return Stats{
		QueueDepth: len(d.events),
		Queued:     d.counts.queued.Load(),
		Delivered:  d.counts.delivered.Load(),
		Failed:     d.counts.failed.Load(),
		Dropped:    d.counts.dropped.Load(),
		Requeued:   d.counts.requeued.Load(),
		Retries:    d.counts.retries.Load(),
	}
}

// Close stops intake, lets the workers deliver what is buffered and waits
// for them until ctx ends. Events that come back from a cooldown after the
// workers exit are counted as dropped. Calling it again is a no-op.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}
	d.logger.Info("Dispatcher shutting down", "buffered", len(d.events))
	d.stop()

	finished := make(chan struct{})
	go func() {
		d.workers.Wait()
		d.holds.Wait()
		d.dropUndelivered()
		close(finished)
	}()

	select {
	case <-finished:
		st := d.Stats()
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", st.Delivered,
			"failed", st.Failed,
			"dropped", st.Dropped,
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.events))
		return ctx.Err()
	}
}

// run delivers events until the dispatcher stops, then empties the buffer.
func (d *MemoryDispatcher) run() {
	for {
		select {
		case ev := <-d.events:
			d.deliver(ev)
		case <-d.stopping.Done():
			for {
				select {
				case ev := <-d.events:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *MemoryDispatcher) gaugeQueue() {
	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-d.stopping.Done():
			return
		case <-tick.C:
			d.metrics.RecordNotificationQueueSize(context.Background(), int64(len(d.events)))
		}
	}
}

// deliver sends one event through its host's breaker. An open circuit
// holds the event back instead of counting a failure.
func (d *MemoryDispatcher) deliver(ev *Event) {
	host := extractHost(ev.Destination)
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	began := time.Now()
	err := d.breakers.Get(host).Do(ctx, func() error { return d.send(ctx, ev) })

	if errors.Is(err, circuitbreaker.ErrOpen) {
		d.holdBack(ev, host)
		return
	}
	if err != nil {
		d.counts.failed.Add(1)
		d.metrics.RecordNotificationFailed(ctx)
		d.logger.Warn("Delivery failed", "destination", host, "type", ev.Payload.Type, "error", err)
		return
	}
	d.counts.delivered.Add(1)
	d.metrics.RecordNotificationDelivered(ctx, time.Since(began).Seconds())
}

// send posts the event, retrying transient failures with backoff.
func (d *MemoryDispatcher) send(ctx context.Context, ev *Event) error {
	delays := &backoff.Config{Initial: d.cfg.RetryBackoff}
	err := d.sender.Send(ctx, ev.Destination, ev.Payload, ev.SigningKey)
	for attempt := 1; attempt <= d.cfg.MaxRetries && err != nil && !cloudevent.Permanent(err); attempt++ {
		d.counts.retries.Add(1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff.Exponential(attempt, delays)):
		}
		err = d.sender.Send(ctx, ev.Destination, ev.Payload, ev.SigningKey)
	}
	return err
}

// holdBack re-buffers ev once the breaker cooldown has passed.
func (d *MemoryDispatcher) holdBack(ev *Event, host string) {
	switch {
	case ev.requeues >= d.cfg.MaxRequeues:
		d.drop(ev, "max requeues reached")
		return
	case d.closed.Load():
		d.drop(ev, "circuit open at shutdown")
		return
	}
	ev.requeues++
	d.counts.requeued.Add(1)

	d.holds.Go(func() {
		select {
		case <-d.stopping.Done():
			d.drop(ev, "circuit open at shutdown")
		case <-time.After(d.cfg.BreakerCooldown):
			select {
			case d.events <- ev:
				d.logger.Debug("Event requeued", "destination", host, "type", ev.Payload.Type)
			default:
				d.drop(ev, "buffer full on requeue")
			}
		}
	})
}

// dropUndelivered empties the buffer once no worker is left to read it.
func (d *MemoryDispatcher) dropUndelivered() {
	for {
		select {
		case ev := <-d.events:
			d.drop(ev, "undelivered at shutdown")
		default:
			return
		}
	}
}

func (d *MemoryDispatcher) drop(ev *Event, reason string) {
	d.counts.dropped.Add(1)
	d.metrics.RecordNotificationDropped(context.Background())
	d.logger.Warn("Event dropped",
		"reason", reason,
		"destination", extractHost(ev.Destination),
		"type", ev.Payload.Type,
		"subject", ev.Payload.Subject,
	)
}

// extractHost returns the URL's host, or the raw string when it has none.
func extractHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
