package rpcservice

import (
	"context"
	"fmt"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/internal/ingest"
)

// ApplyProfileRequest is an ApplyProfile request.
type ApplyProfileRequest struct {
	Profile feedmesh.Profile `json:"profile"`
}

// ApplyFeedRequest is an ApplyFeed request.
type ApplyFeedRequest struct {
	Feed feedmesh.Feed `json:"feed"`
}

// ApplyMessageRequest is an ApplyMessage request.
type ApplyMessageRequest struct {
	Message feedmesh.FeedMessage `json:"message"`
}

// ApplyReactionTallyRequest is an ApplyReactionTally request.
type ApplyReactionTallyRequest struct {
	Tally feedmesh.ReactionTally `json:"tally"`
}

// ApplyResponse is the response of every ingest method.
type ApplyResponse struct {
	Success bool `json:"success"`
}

// IngestService is the ingest JSON RPC API. It is registered under its
// own namespace and meant for the finalization pipeline, not for public
// clients.
type IngestService struct {
	ing *ingest.Ingestor
}

// NewIngestService creates a new IngestService.
func NewIngestService(ing *ingest.Ingestor) *IngestService {
	return &IngestService{ing: ing}
}

// ApplyProfile applies a finalized identity registration or update.
func (is *IngestService) ApplyProfile(ctx context.Context, req ApplyProfileRequest) (ApplyResponse, error) {
	if err := is.ing.ApplyProfile(ctx, req.Profile); err != nil {
		return ApplyResponse{}, fmt.Errorf("calling ApplyProfile: %s", err)
	}
	return ApplyResponse{Success: true}, nil
}

// ApplyFeed applies a finalized feed creation.
func (is *IngestService) ApplyFeed(ctx context.Context, req ApplyFeedRequest) (ApplyResponse, error) {
	if err := is.ing.ApplyFeed(ctx, req.Feed); err != nil {
		return ApplyResponse{}, fmt.Errorf("calling ApplyFeed: %s", err)
	}
	return ApplyResponse{Success: true}, nil
}

// ApplyMessage applies a finalized message.
func (is *IngestService) ApplyMessage(ctx context.Context, req ApplyMessageRequest) (ApplyResponse, error) {
	if err := is.ing.ApplyMessage(ctx, req.Message); err != nil {
		return ApplyResponse{}, fmt.Errorf("calling ApplyMessage: %s", err)
	}
	return ApplyResponse{Success: true}, nil
}

// ApplyReactionTally applies a finalized reaction tally aggregate.
func (is *IngestService) ApplyReactionTally(
	ctx context.Context, req ApplyReactionTallyRequest,
) (ApplyResponse, error) {
	if err := is.ing.ApplyReactionTally(ctx, req.Tally); err != nil {
		return ApplyResponse{}, fmt.Errorf("calling ApplyReactionTally: %s", err)
	}
	return ApplyResponse{Success: true}, nil
}
