package telemetry

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EmitterConfig controls buffering for the event pipeline.
//   - BufferSize: size of the internal channel (default 1024).
//   - SinkTimeout: per-sink timeout while delivering (default 10s).
//   - Logger: optional structured logger used for warnings.
type EmitterConfig struct {
	BufferSize  int
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

const (
	defaultBufferSize  = 1024
	defaultSinkTimeout = 10 * time.Second
	dropLogInterval    = 5 * time.Second
)

// Fanout delivers events to registered sinks from a background goroutine.
// Emit never blocks; if the buffer is full the event is dropped and a
// rate-limited warning is logged.
type Fanout struct {
	cfg     EmitterConfig
	sinks   []Sink
	events  chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	host    string
	dropped atomic.Int64
	lastLog atomic.Int64
	closed  atomic.Bool

	closeOnce sync.Once
}

// NewFanout starts the delivery goroutine over the supplied sinks. The
// returned Fanout is immediately ready to accept events.
func NewFanout(cfg EmitterConfig, sinks ...Sink) *Fanout {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	host, _ := os.Hostname()
	f := &Fanout{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
		host:   host,
	}
	go f.run()
	return f
}

// Emit enqueues an event for delivery. Safe for concurrent use; never blocks.
func (f *Fanout) Emit(eventType string, payload map[string]any) {
	if f == nil || f.closed.Load() {
		return
	}
	evt := Event{
		Type:    eventType,
		TS:      time.Now().UTC(),
		Host:    f.host,
		Payload: payload,
	}
	if err := evt.Validate(); err != nil {
		f.logger.Debug("discarding invalid telemetry event", zap.Error(err))
		return
	}
	select {
	case f.events <- evt:
	default:
		f.dropped.Add(1)
		f.maybeLogDrops()
	}
}

func (f *Fanout) maybeLogDrops() {
	now := time.Now().UnixNano()
	last := f.lastLog.Load()
	if now-last < dropLogInterval.Nanoseconds() {
		return
	}
	if f.lastLog.CompareAndSwap(last, now) {
		f.logger.Warn("telemetry events dropped due to backpressure",
			zap.Int64("dropped", f.dropped.Swap(0)))
	}
}

// Close drains buffered events, closes sinks, and blocks until the delivery
// goroutine exits or ctx expires. Safe to call multiple times.
func (f *Fanout) Close(ctx context.Context) error {
	if f == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	f.closeOnce.Do(func() {
		f.closed.Store(true)
		close(f.stopCh)
	})
	select {
	case <-f.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telemetry fanout close wait: %w", ctx.Err())
	}
}

func (f *Fanout) run() {
	defer close(f.doneCh)
	for {
		select {
		case evt := <-f.events:
			f.deliver(evt)
		case <-f.stopCh:
			f.drain()
			f.closeSinks()
			return
		}
	}
}

func (f *Fanout) drain() {
	for {
		select {
		case evt := <-f.events:
			f.deliver(evt)
		default:
			return
		}
	}
}

func (f *Fanout) deliver(evt Event) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), f.cfg.SinkTimeout)
		if err := sink.Consume(ctx, evt); err != nil {
			f.logger.Warn("telemetry sink consume failed",
				zap.String("event", evt.Type), zap.Error(err))
		}
		cancel()
	}
}

func (f *Fanout) closeSinks() {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.SinkTimeout)
	defer cancel()
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			f.logger.Warn("telemetry sink close failed", zap.Error(err))
		}
	}
}
