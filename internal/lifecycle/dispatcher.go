package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tphakala/offlinecache/internal/errors"
	"github.com/tphakala/offlinecache/internal/logger"
)

// Handler processes one event. It runs in its own goroutine.
type Handler func(ctx context.Context, ev *Event) error

var (
	// ErrNoHandler is returned when no handler is registered for an event kind.
	ErrNoHandler = errors.NewStd("no handler registered for event")
	// ErrStopped is returned for events delivered after Stop.
	ErrStopped = errors.NewStd("dispatcher stopped")
	// ErrQueueFull is returned by Post when the queue has no room.
	ErrQueueFull = errors.NewStd("event queue full")
	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.NewStd("event handler panicked")
)

// queueSize is the capacity of the event queue.
const queueSize = 256

type envelope struct {
	ctx     context.Context
	ev      *Event
	handler Handler
	done    chan error // nil for posted events
}

// Dispatcher owns the handler table and the single dispatch loop. Each event
// is handed to its handler in a new goroutine; handlers and the work they
// extend with WaitUntil are tracked so Stop can wait for them.
type Dispatcher struct {
	log logger.Logger

	mu       sync.RWMutex
	handlers map[Kind]Handler
	started  bool
	stopped  bool

	queue     chan *envelope
	stopCh    chan struct{}
	loopDone  chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once

	inflight sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewDispatcher creates a dispatcher. Call Start before delivering events.
func NewDispatcher(log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Global()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		log:      log.Module("lifecycle"),
		handlers: make(map[Kind]Handler),
		queue:    make(chan *envelope, queueSize),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Register sets the handler for kind, replacing any previous one.
func (d *Dispatcher) Register(kind Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

// Registered reports whether kind has a handler.
func (d *Dispatcher) Registered(kind Kind) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[kind]
	return ok
}

// Start launches the dispatch loop. Calling it again has no effect.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.stopped {
			return
		}
		d.started = true
		go d.loop()
	})
}

// Dispatch delivers ev and blocks until its handler returns or ctx ends.
// The handler's error is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) error {
	env, err := d.enqueue(ctx, ev, true)
	if err != nil {
		return err
	}
	select {
	case err := <-env.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post delivers ev without waiting for the handler. Handler errors are logged.
func (d *Dispatcher) Post(ev *Event) error {
	_, err := d.enqueue(nil, ev, false)
	return err
}

func (d *Dispatcher) enqueue(ctx context.Context, ev *Event, wait bool) (*envelope, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped || !d.started {
		return nil, ErrStopped
	}
	h, ok := d.handlers[ev.Kind]
	if !ok {
		return nil, errors.New(ErrNoHandler).
			Component("lifecycle").
			Category(errors.CategoryValidation).
			Context("kind", string(ev.Kind)).
			Build()
	}

	ev.mu.Lock()
	ev.extend = d.extend
	ev.mu.Unlock()

	env := &envelope{ev: ev, handler: h}
	if !wait {
		env.ctx = d.baseCtx
		select {
		case d.queue <- env:
			return env, nil
		default:
			d.log.Warn("event queue full, dropping event", logger.String("kind", string(ev.Kind)))
			return nil, ErrQueueFull
		}
	}

	env.ctx = ctx
	env.done = make(chan error, 1)
	select {
	case d.queue <- env:
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitUntil runs fn in the background and makes Stop wait for it.
func (d *Dispatcher) WaitUntil(fn func(ctx context.Context) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	d.extend(fn)
	return nil
}

// extend must only be called while the in-flight count is positive or
// before Stop began waiting.
func (d *Dispatcher) extend(fn func(ctx context.Context) error) {
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		if err := d.safeCall(func() error { return fn(d.baseCtx) }); err != nil {
			d.log.Warn("extended work failed", logger.Error(err))
		}
	}()
}

func (d *Dispatcher) loop() {
	defer close(d.loopDone)
	for {
		select {
		case env := <-d.queue:
			d.run(env)
		case <-d.stopCh:
			// Drain remaining events before exiting
			for {
				select {
				case env := <-d.queue:
					d.run(env)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) run(env *envelope) {
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		err := d.safeCall(func() error { return env.handler(env.ctx, env.ev) })
		if env.done != nil {
			env.done <- err
			return
		}
		if err != nil {
			d.log.Warn("event handler failed",
				logger.String("kind", string(env.ev.Kind)),
				logger.Error(err))
		}
	}()
}

// safeCall converts a handler panic into ErrHandlerPanic so one broken handler
// cannot take down the dispatcher.
func (d *Dispatcher) safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("recovered panic in event handler", logger.Any("panic", r))
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return fn()
}

// Stop refuses new events, drains the queue and waits for running handlers
// and extended work. If ctx ends first, the handlers' context is cancelled
// and ctx's error returned. Safe to call multiple times.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		started := d.started
		d.mu.Unlock()
		close(d.stopCh)
		if !started {
			close(d.loopDone)
		}
	})
	<-d.loopDone

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
