// Package projections holds the cache projection services. Each service
// owns one key family and one TTL policy, converts every cache failure
// into a miss (reads) or a no-op (writes), and keeps hit/miss/error
// counters.
package projections

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
	"go.uber.org/atomic"

	"github.com/feedmesh/go-feedmesh/pkg/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TTL policy per projection family.
const (
	TTLUserFeeds    = 5 * time.Minute
	TTLFeedMetadata = 24 * time.Hour
	TTLMessageTail  = 24 * time.Hour
	TTLReadMarks    = 30 * 24 * time.Hour
	TTLProfile      = 7 * 24 * time.Hour
	TTLGroup        = time.Hour
	TTLPushTokens   = 7 * 24 * time.Hour
)

// Stats are the per-projection operation counters.
type Stats struct {
	Hits        atomic.Int64
	Misses      atomic.Int64
	Writes      atomic.Int64
	WriteErrors atomic.Int64
	ReadErrors  atomic.Int64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Hits        int64
	Misses      int64
	Writes      int64
	WriteErrors int64
	ReadErrors  int64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Hits:        s.Hits.Load(),
		Misses:      s.Misses.Load(),
		Writes:      s.Writes.Load(),
		WriteErrors: s.WriteErrors.Load(),
		ReadErrors:  s.ReadErrors.Load(),
	}
}

// registerStatsMetrics exports the counters of one projection through the
// global meter provider.
func registerStatsMetrics(projection string, stats *Stats) error {
	meter := global.MeterProvider().Meter("feedmesh")

	hits, err := meter.Int64ObservableCounter("feedmesh.projection.hits")
	if err != nil {
		return fmt.Errorf("creating hits counter: %s", err)
	}
	misses, err := meter.Int64ObservableCounter("feedmesh.projection.misses")
	if err != nil {
		return fmt.Errorf("creating misses counter: %s", err)
	}
	writes, err := meter.Int64ObservableCounter("feedmesh.projection.writes")
	if err != nil {
		return fmt.Errorf("creating writes counter: %s", err)
	}
	errs, err := meter.Int64ObservableCounter("feedmesh.projection.errors")
	if err != nil {
		return fmt.Errorf("creating errors counter: %s", err)
	}

	attrs := append([]attribute.KeyValue{
		attribute.String("projection", projection),
	}, metrics.BaseAttrs...)

	if _, err := meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(hits, stats.Hits.Load(), attrs...)
			o.ObserveInt64(misses, stats.Misses.Load(), attrs...)
			o.ObserveInt64(writes, stats.Writes.Load(), attrs...)
			o.ObserveInt64(errs, stats.WriteErrors.Load()+stats.ReadErrors.Load(), attrs...)
			return nil
		},
		[]instrument.Asynchronous{hits, misses, writes, errs}...,
	); err != nil {
		return fmt.Errorf("registering callback: %s", err)
	}
	return nil
}
