// Package engine serialises storage commands onto a single writer goroutine.
// Commands run in arrival order, each to completion, and each produces
// exactly one event.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dataplayground/storage-engine/backup"
	"github.com/dataplayground/storage-engine/cache"
	"github.com/dataplayground/storage-engine/notebook"
	"github.com/dataplayground/storage-engine/preferences"
	"github.com/dataplayground/storage-engine/protocol"
	"github.com/dataplayground/storage-engine/quota"
	"github.com/dataplayground/storage-engine/telemetry"
)

// DefaultQueueSize is the number of commands that may wait for the writer.
const DefaultQueueSize = 64

// ErrStopped is returned by Dispatch once the engine has stopped.
var ErrStopped = errors.New("engine stopped")

// Services are the stores commands are routed to.
type Services struct {
	Cache       *cache.Store
	Notebooks   *notebook.Store
	Preferences *preferences.Store
	Backup      *backup.Service
	Quota       *quota.Monitor
}

// Engine routes commands to the stores.
type Engine struct {
	svc       Services
	hub       *Hub
	logger    *slog.Logger
	queueSize int
	onClose   []func() error

	queue   chan *job
	pending atomic.Int64

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type job struct {
	ctx  context.Context
	cmd  protocol.Command
	done chan protocol.Event
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithQueueSize sets how many commands may wait for the writer.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		e.queueSize = n
	}
}

// WithHub sets the hub events are broadcast on. The quota monitor's warning
// sink should publish to the same hub.
func WithHub(hub *Hub) Option {
	return func(e *Engine) {
		e.hub = hub
	}
}

// New creates an engine. Call Start before dispatching.
func New(svc Services, opts ...Option) *Engine {
	e := &Engine{
		svc:       svc,
		logger:    slog.Default(),
		queueSize: DefaultQueueSize,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.queueSize <= 0 {
		e.queueSize = DefaultQueueSize
	}
	if e.hub == nil {
		e.hub = NewHub(e.logger)
	}
	e.logger = e.logger.With("component", "engine")
	e.queue = make(chan *job, e.queueSize)
	return e
}

// Hub returns the hub events are broadcast on.
func (e *Engine) Hub() *Hub {
	return e.hub
}

// Services returns the stores the engine routes to.
func (e *Engine) Services() Services {
	return e.svc
}

// Start begins the writer goroutine and, when configured, the quota
// monitor's maintenance loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped || e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	if e.svc.Quota != nil {
		if err := e.svc.Quota.Start(ctx); err != nil {
			return err
		}
	}

	go e.run(ctx)
	e.logger.Info("engine started", "queue_size", e.queueSize)
	return nil
}

// Stop stops the writer after the commands already queued have run, then
// stops the quota monitor.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running || e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	close(e.stopCh)
	<-e.doneCh

	if e.svc.Quota != nil {
		e.svc.Quota.Stop()
	}
	e.hub.Close()
	e.logger.Info("engine stopped")
}

// Close stops the engine and releases the resources it was opened with.
func (e *Engine) Close() error {
	e.Stop()
	var errs []error
	for _, fn := range e.onClose {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

// Dispatch queues cmd and waits for its event. ctx bounds only the wait:
// once queued, the command runs to completion even if ctx ends first, and
// its event is dropped.
func (e *Engine) Dispatch(ctx context.Context, cmd protocol.Command) (protocol.Event, error) {
	j := &job{ctx: ctx, cmd: cmd, done: make(chan protocol.Event, 1)}

	select {
	case <-e.stopCh:
		return protocol.Event{}, ErrStopped
	default:
	}

	select {
	case e.queue <- j:
		telemetry.UpdateQueueDepth(ctx, int(e.pending.Add(1)))
	case <-ctx.Done():
		return protocol.Event{}, ctx.Err()
	case <-e.stopCh:
		return protocol.Event{}, ErrStopped
	}

	select {
	case evt := <-j.done:
		return evt, nil
	case <-ctx.Done():
		return protocol.Event{}, ctx.Err()
	case <-e.doneCh:
		// The writer may have answered just before exiting
		select {
		case evt := <-j.done:
			return evt, nil
		default:
			return protocol.Event{}, ErrStopped
		}
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	for {
		select {
		case j := <-e.queue:
			e.execute(j)
		case <-ctx.Done():
			e.drain()
			return
		case <-e.stopCh:
			e.drain()
			return
		}
	}
}

// drain runs the commands still queued when Stop was called.
func (e *Engine) drain() {
	for {
		select {
		case j := <-e.queue:
			e.execute(j)
		default:
			return
		}
	}
}

func (e *Engine) execute(j *job) {
	telemetry.UpdateQueueDepth(j.ctx, int(e.pending.Add(-1)))

	name := string(j.cmd.Type)
	ctx := telemetry.WithCommandContext(context.WithoutCancel(j.ctx), name)

	start := time.Now()
	evt := e.handle(ctx, j.cmd)
	duration := time.Since(start)

	outcome := "ok"
	if body, ok := evt.Payload.(*protocol.ErrorBody); ok && evt.IsError() {
		outcome = string(body.Error.Kind)
		e.logger.Warn("command failed",
			"command", name,
			"error", body.Error.Error(),
			"duration", duration,
		)
	} else {
		e.logger.Debug("command completed", "command", name, "duration", duration)
	}
	telemetry.RecordCommand(ctx, name, outcome, duration)

	j.done <- evt
}
