package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBufferSize   = 256
	defaultWriteTimeout = 5 * time.Second
)

var (
	// ErrDispatcherClosed is returned by Emit after Close.
	ErrDispatcherClosed = errors.New("audit: dispatcher closed")
	// ErrQueueFull is returned by Emit when the buffer has no room; the event is dropped.
	ErrQueueFull = errors.New("audit: queue full")

	errMissingWriter = errors.New("audit: writer is required")
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Writer       Writer
	BufferSize   int
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// Dispatcher is a Sink that queues events and persists them on a background
// worker, so Emit never blocks the calling operation.
type Dispatcher struct {
	writer       Writer
	writeTimeout time.Duration
	logger       *zap.Logger

	mu      sync.RWMutex
	closed  bool
	stream  chan Event
	done    chan struct{}
	dropped atomic.Int64
}

// NewDispatcher starts the background worker.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Writer == nil {
		return nil, errMissingWriter
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dispatcher := &Dispatcher{
		writer:       cfg.Writer,
		writeTimeout: writeTimeout,
		logger:       logger,
		stream:       make(chan Event, bufferSize),
		done:         make(chan struct{}),
	}
	go dispatcher.run()
	return dispatcher, nil
}

// Emit enqueues the event without blocking.
func (d *Dispatcher) Emit(_ context.Context, event Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.stream <- event:
		return nil
	default:
		d.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting events and waits for queued events to be written,
// or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.stream)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.stream {
		writeCtx, cancel := context.WithTimeout(context.Background(), d.writeTimeout)
		if err := d.writer.Write(writeCtx, event); err != nil {
			d.logger.Warn("audit write failed",
				zap.String("operation", string(event.Operation)),
				zap.String("user_id", event.UserID),
				zap.Error(err))
		}
		cancel()
	}
}
