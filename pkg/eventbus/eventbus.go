// Package eventbus is a small in-process pub/sub bus for finalization
// events. Delivery is asynchronous with a bounded per-subscriber queue: a
// subscriber that can't keep up loses events instead of stalling the
// publisher, since every consumer is a cache invalidator that can recover
// from a missed event through TTL expiry.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/pkg/metrics"
)

// DefaultQueueSize is the per-subscriber queue bound.
const DefaultQueueSize = 256

// handlerTimeout bounds a single handler invocation.
const handlerTimeout = time.Second * 10

// Handler processes one event. It must not retain the event.
type Handler func(ctx context.Context, e feedmesh.Event)

// Bus fans out published events to all subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool

	log zerolog.Logger
	wg  sync.WaitGroup

	publishedCount instrument.Int64Counter
	droppedCount   instrument.Int64Counter
}

type subscriber struct {
	name string
	ch   chan feedmesh.Event
}

// New creates an empty bus.
func New() (*Bus, error) {
	log := logger.With().Str("component", "eventbus").Logger()

	meter := global.MeterProvider().Meter("feedmesh")
	publishedCount, err := meter.Int64Counter("feedmesh.eventbus.published")
	if err != nil {
		return nil, err
	}
	droppedCount, err := meter.Int64Counter("feedmesh.eventbus.dropped")
	if err != nil {
		return nil, err
	}

	return &Bus{
		log:            log,
		publishedCount: publishedCount,
		droppedCount:   droppedCount,
	}, nil
}

// Subscribe registers a handler under a name used in logs and metrics.
// Must not be called after Close.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.log.Error().Str("subscriber", name).Msg("subscribe on closed bus")
		return
	}
	sub := &subscriber{name: name, ch: make(chan feedmesh.Event, DefaultQueueSize)}
	b.subs = append(b.subs, sub)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for e := range sub.ch {
			b.dispatch(sub.name, h, e)
		}
	}()
}

// Publish delivers e to every subscriber without blocking. When a
// subscriber's queue is full the event is dropped for that subscriber.
func (b *Bus) Publish(e feedmesh.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.publishedCount.Add(context.Background(), 1,
		append([]attribute.KeyValue{attribute.String("event", e.EventName())}, metrics.BaseAttrs...)...)
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			b.droppedCount.Add(context.Background(), 1,
				append([]attribute.KeyValue{attribute.String("subscriber", sub.name)}, metrics.BaseAttrs...)...)
			b.log.Warn().
				Str("subscriber", sub.name).
				Str("event", e.EventName()).
				Msg("subscriber queue full, dropping event")
		}
	}
}

// Close stops delivery and waits for in-flight handlers to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) dispatch(name string, h Handler, e feedmesh.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("subscriber", name).
				Str("event", e.EventName()).
				Interface("panic", r).
				Msg("recovered panic in event handler")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	h(ctx, e)
}
