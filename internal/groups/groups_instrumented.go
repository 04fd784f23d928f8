package groups

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

// InstrumentedGroups implements an instrumented Groups.
type InstrumentedGroups struct {
	groups           Groups
	callCount        instrument.Int64Counter
	latencyHistogram instrument.Int64Histogram
}

var _ Groups = (*InstrumentedGroups)(nil)

// NewInstrumentedGroups creates a new InstrumentedGroups.
func NewInstrumentedGroups(groups Groups) (Groups, error) {
	meter := global.MeterProvider().Meter("feedmesh")
	callCount, err := meter.Int64Counter("feedmesh.groups.call.count")
	if err != nil {
		return &InstrumentedGroups{}, fmt.Errorf("registering call counter: %s", err)
	}
	latencyHistogram, err := meter.Int64Histogram("feedmesh.groups.call.latency")
	if err != nil {
		return &InstrumentedGroups{}, fmt.Errorf("registering latency histogram: %s", err)
	}

	return &InstrumentedGroups{groups, callCount, latencyHistogram}, nil
}

func (g *InstrumentedGroups) record(ctx context.Context, method string, start time.Time, res Result, err error) {
	latency := time.Since(start).Milliseconds()
	attributes := append([]attribute.KeyValue{
		{Key: "method", Value: attribute.StringValue(method)},
		{Key: "success", Value: attribute.BoolValue(err == nil && res.Success)},
	}, metrics.BaseAttrs...)

	g.callCount.Add(ctx, 1, attributes...)
	g.latencyHistogram.Record(ctx, latency, attributes...)
}

// Create implements groups.Groups.
func (g *InstrumentedGroups) Create(
	ctx context.Context,
	feedID feedmesh.FeedID,
	title string,
	description string,
	isPublic bool,
	participants []NewParticipant,
) (Result, error) {
	start := time.Now()
	res, err := g.groups.Create(ctx, feedID, title, description, isPublic, participants)
	g.record(ctx, "Create", start, res, err)
	return res, err
}

// Join implements groups.Groups.
func (g *InstrumentedGroups) Join(
	ctx context.Context, feedID feedmesh.FeedID, address feedmesh.Address,
) (Result, error) {
	start := time.Now()
	res, err := g.groups.Join(ctx, feedID, address)
	g.record(ctx, "Join", start, res, err)
	return res, err
}

// Leave implements groups.Groups.
func (g *InstrumentedGroups) Leave(
	ctx context.Context, feedID feedmesh.FeedID, address feedmesh.Address,
) (Result, error) {
	start := time.Now()
	res, err := g.groups.Leave(ctx, feedID, address)
	g.record(ctx, "Leave", start, res, err)
	return res, err
}

// AddMember implements groups.Groups.
func (g *InstrumentedGroups) AddMember(
	ctx context.Context,
	feedID feedmesh.FeedID,
	admin feedmesh.Address,
	newMember feedmesh.Address,
	newMemberEncryptKey string,
) (Result, error) {
	start := time.Now()
	res, err := g.groups.AddMember(ctx, feedID, admin, newMember, newMemberEncryptKey)
	g.record(ctx, "AddMember", start, res, err)
	return res, err
}

// Ban implements groups.Groups.
func (g *InstrumentedGroups) Ban(
	ctx context.Context, feedID feedmesh.FeedID, admin, target feedmesh.Address,
) (Result, error) {
	start := time.Now()
	res, err := g.groups.Ban(ctx, feedID, admin, target)
	g.record(ctx, "Ban", start, res, err)
	return res, err
}

// Unban implements groups.Groups.
func (g *InstrumentedGroups) Unban(
	ctx context.Context, feedID feedmesh.FeedID, admin, target feedmesh.Address,
) (Result, error) {
	start := time.Now()
	res, err := g.groups.Unban(ctx, feedID, admin, target)
	g.record(ctx, "Unban", start, res, err)
	return res, err
}

// Block implements groups.Groups.
func (g *InstrumentedGroups) Block(
	ctx context.Context, feedID feedmesh.FeedID, admin, target feedmesh.Address,
) (Result, error) {
	start := time.Now()
	res, err := g.groups.Block(ctx, feedID, admin, target)
	g.record(ctx, "Block", start, res, err)
	return res, err
}

// Unblock implements groups.Groups.
func (g *InstrumentedGroups) Unblock(
	ctx context.Context, feedID feedmesh.FeedID, admin, target feedmesh.Address,
) (Result, error) {
	start := time.Now()
	res, err := g.groups.Unblock(ctx, feedID, admin, target)
	g.record(ctx, "Unblock", start, res, err)
	return res, err
}

// Promote implements groups.Groups.
func (g *InstrumentedGroups) Promote(
	ctx context.Context, feedID feedmesh.FeedID, admin, member feedmesh.Address,
) (Result, error) {
	start := time.Now()
	res, err := g.groups.Promote(ctx, feedID, admin, member)
	g.record(ctx, "Promote", start, res, err)
	return res, err
}

// UpdateTitle implements groups.Groups.
func (g *InstrumentedGroups) UpdateTitle(
	ctx context.Context, feedID feedmesh.FeedID, admin feedmesh.Address, title string,
) (Result, error) {
	start := time.Now()
	res, err := g.groups.UpdateTitle(ctx, feedID, admin, title)
	g.record(ctx, "UpdateTitle", start, res, err)
	return res, err
}

// UpdateDescription implements groups.Groups.
func (g *InstrumentedGroups) UpdateDescription(
	ctx context.Context, feedID feedmesh.FeedID, admin feedmesh.Address, description string,
) (Result, error) {
	start := time.Now()
	res, err := g.groups.UpdateDescription(ctx, feedID, admin, description)
	g.record(ctx, "UpdateDescription", start, res, err)
	return res, err
}

// Delete implements groups.Groups.
func (g *InstrumentedGroups) Delete(
	ctx context.Context, feedID feedmesh.FeedID, owner feedmesh.Address,
) (Result, error) {
	start := time.Now()
	res, err := g.groups.Delete(ctx, feedID, owner)
	g.record(ctx, "Delete", start, res, err)
	return res, err
}
