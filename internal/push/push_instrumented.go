package push

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/pkg/metrics"
)

// InstrumentedPush implements an instrumented Push.
type InstrumentedPush struct {
	push             Push
	callCount        instrument.Int64Counter
	latencyHistogram instrument.Int64Histogram
}

var _ Push = (*InstrumentedPush)(nil)

// NewInstrumentedPush creates a new InstrumentedPush.
func NewInstrumentedPush(push Push) (Push, error) {
	meter := global.MeterProvider().Meter("feedmesh")
	callCount, err := meter.Int64Counter("feedmesh.push.call.count")
	if err != nil {
		return &InstrumentedPush{}, fmt.Errorf("registering call counter: %s", err)
	}
	latencyHistogram, err := meter.Int64Histogram("feedmesh.push.call.latency")
	if err != nil {
		return &InstrumentedPush{}, fmt.Errorf("registering latency histogram: %s", err)
	}

	return &InstrumentedPush{push, callCount, latencyHistogram}, nil
}

func (p *InstrumentedPush) record(ctx context.Context, method string, start time.Time, err error) {
	latency := time.Since(start).Milliseconds()
	attributes := append([]attribute.KeyValue{
		{Key: "method", Value: attribute.StringValue(method)},
		{Key: "success", Value: attribute.BoolValue(err == nil)},
	}, metrics.BaseAttrs...)

	p.callCount.Add(ctx, 1, attributes...)
	p.latencyHistogram.Record(ctx, latency, attributes...)
}

// Register implements push.Push.
func (p *InstrumentedPush) Register(
	ctx context.Context, token feedmesh.DeviceToken,
) (feedmesh.DeviceToken, error) {
	start := time.Now()
	stored, err := p.push.Register(ctx, token)
	p.record(ctx, "Register", start, err)
	return stored, err
}

// Remove implements push.Push.
func (p *InstrumentedPush) Remove(
	ctx context.Context, address feedmesh.Address, tokenID string,
) error {
	start := time.Now()
	err := p.push.Remove(ctx, address, tokenID)
	p.record(ctx, "Remove", start, err)
	return err
}

// List implements push.Push.
func (p *InstrumentedPush) List(
	ctx context.Context, address feedmesh.Address,
) ([]feedmesh.DeviceToken, error) {
	start := time.Now()
	tokens, err := p.push.List(ctx, address)
	p.record(ctx, "List", start, err)
	return tokens, err
}
