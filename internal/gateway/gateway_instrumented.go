package gateway

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/pkg/metrics"
	"github.com/feedmesh/go-feedmesh/pkg/projections"
)

// InstrumentedGateway implements an instrumented Gateway.
type InstrumentedGateway struct {
	gateway          Gateway
	callCount        instrument.Int64Counter
	latencyHistogram instrument.Int64Histogram
}

var _ Gateway = (*InstrumentedGateway)(nil)

// NewInstrumentedGateway creates a new InstrumentedGateway.
func NewInstrumentedGateway(gateway Gateway) (Gateway, error) {
	meter := global.MeterProvider().Meter("feedmesh")
	callCount, err := meter.Int64Counter("feedmesh.gateway.call.count")
	if err != nil {
		return &InstrumentedGateway{}, fmt.Errorf("registering call counter: %s", err)
	}
	latencyHistogram, err := meter.Int64Histogram("feedmesh.gateway.call.latency")
	if err != nil {
		return &InstrumentedGateway{}, fmt.Errorf("registering latency histogram: %s", err)
	}

	return &InstrumentedGateway{gateway, callCount, latencyHistogram}, nil
}

func (g *InstrumentedGateway) record(ctx context.Context, method string, start time.Time, err error) {
	latency := time.Since(start).Milliseconds()
	attributes := append([]attribute.KeyValue{
		{Key: "method", Value: attribute.StringValue(method)},
		{Key: "success", Value: attribute.BoolValue(err == nil)},
	}, metrics.BaseAttrs...)

	g.callCount.Add(ctx, 1, attributes...)
	g.latencyHistogram.Record(ctx, latency, attributes...)
}

// HasPersonalFeed implements gateway.Gateway.
func (g *InstrumentedGateway) HasPersonalFeed(ctx context.Context, address feedmesh.Address) (bool, error) {
	start := time.Now()
	has, err := g.gateway.HasPersonalFeed(ctx, address)
	g.record(ctx, "HasPersonalFeed", start, err)
	return has, err
}

// IsFeedInBlockchain implements gateway.Gateway.
func (g *InstrumentedGateway) IsFeedInBlockchain(ctx context.Context, feedID feedmesh.FeedID) (bool, error) {
	start := time.Now()
	exists, err := g.gateway.IsFeedInBlockchain(ctx, feedID)
	g.record(ctx, "IsFeedInBlockchain", start, err)
	return exists, err
}

// GetFeeds implements gateway.Gateway.
func (g *InstrumentedGateway) GetFeeds(
	ctx context.Context, address feedmesh.Address, sinceBlock feedmesh.BlockIndex,
) ([]FeedInfo, error) {
	start := time.Now()
	feeds, err := g.gateway.GetFeeds(ctx, address, sinceBlock)
	g.record(ctx, "GetFeeds", start, err)
	return feeds, err
}

// GetFeedMessages implements gateway.Gateway.
func (g *InstrumentedGateway) GetFeedMessages(
	ctx context.Context,
	address feedmesh.Address,
	sinceBlock feedmesh.BlockIndex,
	sinceTallyVersion int64,
) (FeedMessagesResult, error) {
	start := time.Now()
	res, err := g.gateway.GetFeedMessages(ctx, address, sinceBlock, sinceTallyVersion)
	g.record(ctx, "GetFeedMessages", start, err)
	return res, err
}

// GetMessageByID implements gateway.Gateway.
func (g *InstrumentedGateway) GetMessageByID(
	ctx context.Context, messageID feedmesh.MessageID,
) (feedmesh.FeedMessage, error) {
	start := time.Now()
	msg, err := g.gateway.GetMessageByID(ctx, messageID)
	g.record(ctx, "GetMessageByID", start, err)
	return msg, err
}

// GetGroupMembers implements gateway.Gateway.
func (g *InstrumentedGateway) GetGroupMembers(
	ctx context.Context, feedID feedmesh.FeedID,
) ([]projections.EnrichedMember, error) {
	start := time.Now()
	members, err := g.gateway.GetGroupMembers(ctx, feedID)
	g.record(ctx, "GetGroupMembers", start, err)
	return members, err
}

// GetKeyGenerations implements gateway.Gateway.
func (g *InstrumentedGateway) GetKeyGenerations(
	ctx context.Context, feedID feedmesh.FeedID, requester feedmesh.Address,
) ([]KeyGenerationInfo, error) {
	start := time.Now()
	gens, err := g.gateway.GetKeyGenerations(ctx, feedID, requester)
	g.record(ctx, "GetKeyGenerations", start, err)
	return gens, err
}

// GetReadPositions implements gateway.Gateway.
func (g *InstrumentedGateway) GetReadPositions(
	ctx context.Context, address feedmesh.Address,
) (map[feedmesh.FeedID]feedmesh.BlockIndex, error) {
	start := time.Now()
	positions, err := g.gateway.GetReadPositions(ctx, address)
	g.record(ctx, "GetReadPositions", start, err)
	return positions, err
}

// SetReadPosition implements gateway.Gateway.
func (g *InstrumentedGateway) SetReadPosition(
	ctx context.Context, address feedmesh.Address, feedID feedmesh.FeedID, blockIndex feedmesh.BlockIndex,
) (bool, error) {
	start := time.Now()
	moved, err := g.gateway.SetReadPosition(ctx, address, feedID, blockIndex)
	g.record(ctx, "SetReadPosition", start, err)
	return moved, err
}
