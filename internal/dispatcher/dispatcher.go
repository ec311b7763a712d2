// Package dispatcher delivers job lifecycle events to a webhook in the
// background. Delivery is best effort: events are buffered in memory,
// retried with backoff, and held back while the receiver's circuit is open.
package dispatcher

import (
	"accessd/pkg/cloudevent"
	"context"
	"errors"
)

var (
	// ErrBufferFull is returned when the buffer is full and the event is dropped.
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Dispatcher handles async delivery of events.
type Dispatcher interface {
	// Dispatch queues an event for delivery without blocking.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close stops accepting events and delivers what is queued until the
	// context ends.
	Close(ctx context.Context) error
}

// Event is an event bound for one destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // webhook URL
	SigningKey  string // HMAC key, empty for unsigned delivery
	requeues    int    // times held back by an open circuit
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth int   // current queue size
	Queued     int64 // total events accepted
	Delivered  int64 // successful deliveries
	Failed     int64 // failed after retries
	Dropped    int64 // dropped due to a full buffer or too many requeues
	Requeued   int64 // held back by an open circuit
	Retries    int64 // total retry attempts
}
