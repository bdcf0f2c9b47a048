package bus

import (
	"context"
	"errors"
	"sync"
)

// DefaultQueueSize is the number of events an Async buffers when no size is
// given.
const DefaultQueueSize = 256

var (
	// ErrQueueFull is returned by Async.Publish when the event was dropped.
	ErrQueueFull = errors.New("bus: publish queue full")
	// ErrClosed is returned by Async.Publish after Close.
	ErrClosed = errors.New("bus: publisher closed")
)

// Publisher is anything events can be handed to. *Bus and *Recorder satisfy
// it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

type queued struct {
	subject string
	v       any
}

// Async forwards events to another Publisher from a background goroutine.
// Publish never waits for the downstream publisher, so it is safe to call
// from a deadline bound loop.
type Async struct {
	next    Publisher
	onError func(subject string, err error)
	queue   chan queued
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts forwarding to next. onError, if not nil, is called from the
// forwarding goroutine for every failed publish.
func NewAsync(next Publisher, size int, onError func(subject string, err error)) *Async {
	if size <= 0 {
		size = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Async{
		next:    next,
		onError: onError,
		queue:   make(chan queued, size),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go a.forward()
	return a
}

func (a *Async) forward() {
	defer close(a.done)
	for ev := range a.queue {
		// Close gave up waiting; drop what is left.
		if a.ctx.Err() != nil {
			continue
		}
		if err := a.next.Publish(a.ctx, ev.subject, ev.v); err != nil && a.onError != nil {
			a.onError(ev.subject, err)
		}
	}
}

// Publish queues v for subject. The caller's ctx is not used for the
// downstream publish since it may end before the event goes out.
func (a *Async) Publish(_ context.Context, subject string, v any) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- queued{subject: subject, v: v}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and waits until the queued ones are
// published. When ctx ends first the publish in flight is cancelled, the
// remaining events are dropped and ctx's error is returned.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		return ctx.Err()
	}
}
