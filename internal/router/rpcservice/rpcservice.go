// Package rpcservice exposes the gateway, groups and push services over
// JSON-RPC. Expected failures of mutating methods are reported in the
// success/message envelope, not as JSON-RPC errors.
package rpcservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/internal/gateway"
	"github.com/feedmesh/go-feedmesh/internal/groups"
	"github.com/feedmesh/go-feedmesh/internal/push"
	"github.com/feedmesh/go-feedmesh/pkg/projections"
)

// HasPersonalFeedRequest is a HasPersonalFeed request.
type HasPersonalFeedRequest struct {
	Address feedmesh.Address `json:"address"`
}

// HasPersonalFeedResponse is a HasPersonalFeed response.
type HasPersonalFeedResponse struct {
	HasPersonalFeed bool `json:"hasPersonalFeed"`
}

// IsFeedInBlockchainRequest is an IsFeedInBlockchain request.
type IsFeedInBlockchainRequest struct {
	FeedID feedmesh.FeedID `json:"feedId"`
}

// IsFeedInBlockchainResponse is an IsFeedInBlockchain response.
type IsFeedInBlockchainResponse struct {
	Exists bool `json:"exists"`
}

// GetFeedsRequest is a GetFeeds request.
type GetFeedsRequest struct {
	Address    feedmesh.Address    `json:"address"`
	SinceBlock feedmesh.BlockIndex `json:"sinceBlock"`
}

// GetFeedsResponse is a GetFeeds response.
type GetFeedsResponse struct {
	Feeds []gateway.FeedInfo `json:"feeds"`
}

// GetFeedMessagesRequest is a GetFeedMessages request.
type GetFeedMessagesRequest struct {
	Address           feedmesh.Address    `json:"address"`
	SinceBlock        feedmesh.BlockIndex `json:"sinceBlock"`
	SinceTallyVersion int64               `json:"sinceTallyVersion"`
}

// GetFeedMessagesResponse is a GetFeedMessages response.
type GetFeedMessagesResponse struct {
	Messages        []gateway.Message        `json:"messages"`
	ReactionTallies []feedmesh.ReactionTally `json:"reactionTallies"`
	MaxTallyVersion int64                    `json:"maxTallyVersion"`
}

// GetMessageRequest is a GetMessage request.
type GetMessageRequest struct {
	MessageID feedmesh.MessageID `json:"messageId"`
}

// GetMessageResponse is a GetMessage response.
type GetMessageResponse struct {
	Message feedmesh.FeedMessage `json:"message"`
}

// GetGroupMembersRequest is a GetGroupMembers request.
type GetGroupMembersRequest struct {
	FeedID feedmesh.FeedID `json:"feedId"`
}

// GetGroupMembersResponse is a GetGroupMembers response.
type GetGroupMembersResponse struct {
	Members []projections.EnrichedMember `json:"members"`
}

// GetKeyGenerationsRequest is a GetKeyGenerations request.
type GetKeyGenerationsRequest struct {
	FeedID  feedmesh.FeedID  `json:"feedId"`
	Address feedmesh.Address `json:"address"`
}

// GetKeyGenerationsResponse is a GetKeyGenerations response.
type GetKeyGenerationsResponse struct {
	KeyGenerations []gateway.KeyGenerationInfo `json:"keyGenerations"`
}

// GetReadPositionsRequest is a GetReadPositions request.
type GetReadPositionsRequest struct {
	Address feedmesh.Address `json:"address"`
}

// GetReadPositionsResponse is a GetReadPositions response.
type GetReadPositionsResponse struct {
	Positions map[feedmesh.FeedID]feedmesh.BlockIndex `json:"positions"`
}

// SetReadPositionRequest is a SetReadPosition request.
type SetReadPositionRequest struct {
	Address    feedmesh.Address    `json:"address"`
	FeedID     feedmesh.FeedID     `json:"feedId"`
	BlockIndex feedmesh.BlockIndex `json:"blockIndex"`
}

// SetReadPositionResponse is a SetReadPosition response. Moved is false
// when the stored watermark was already at or past the requested block.
type SetReadPositionResponse struct {
	Success bool `json:"success"`
	Moved   bool `json:"moved"`
}

// MutationResponse is the envelope of every group mutation.
type MutationResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// CreateGroupRequest is a CreateGroup request.
type CreateGroupRequest struct {
	FeedID       feedmesh.FeedID          `json:"feedId"`
	Title        string                   `json:"title"`
	Description  string                   `json:"description"`
	IsPublic     bool                     `json:"isPublic"`
	Participants []groups.NewParticipant  `json:"participants"`
}

// GroupMembershipRequest is a self-service membership request.
type GroupMembershipRequest struct {
	FeedID  feedmesh.FeedID  `json:"feedId"`
	Address feedmesh.Address `json:"address"`
}

// GroupModerationRequest is an admin-initiated membership request.
type GroupModerationRequest struct {
	FeedID feedmesh.FeedID  `json:"feedId"`
	Admin  feedmesh.Address `json:"admin"`
	Target feedmesh.Address `json:"target"`
}

// AddGroupMemberRequest is an AddGroupMember request.
type AddGroupMemberRequest struct {
	FeedID              feedmesh.FeedID  `json:"feedId"`
	Admin               feedmesh.Address `json:"admin"`
	NewMember           feedmesh.Address `json:"newMember"`
	NewMemberEncryptKey string           `json:"newMemberEncryptKey,omitempty"`
}

// UpdateGroupTitleRequest is an UpdateGroupTitle request.
type UpdateGroupTitleRequest struct {
	FeedID feedmesh.FeedID  `json:"feedId"`
	Admin  feedmesh.Address `json:"admin"`
	Title  string           `json:"title"`
}

// UpdateGroupDescriptionRequest is an UpdateGroupDescription request.
type UpdateGroupDescriptionRequest struct {
	FeedID      feedmesh.FeedID  `json:"feedId"`
	Admin       feedmesh.Address `json:"admin"`
	Description string           `json:"description"`
}

// DeleteGroupRequest is a DeleteGroup request.
type DeleteGroupRequest struct {
	FeedID feedmesh.FeedID  `json:"feedId"`
	Owner  feedmesh.Address `json:"owner"`
}

// RegisterDeviceTokenRequest is a RegisterDeviceToken request.
type RegisterDeviceTokenRequest struct {
	Address    feedmesh.Address `json:"address"`
	Platform   string           `json:"platform"`
	Token      string           `json:"token"`
	DeviceName string           `json:"deviceName,omitempty"`
}

// RegisterDeviceTokenResponse is a RegisterDeviceToken response.
type RegisterDeviceTokenResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	TokenID string `json:"tokenId,omitempty"`
}

// RemoveDeviceTokenRequest is a RemoveDeviceToken request.
type RemoveDeviceTokenRequest struct {
	Address feedmesh.Address `json:"address"`
	TokenID string           `json:"tokenId"`
}

// ListDeviceTokensRequest is a ListDeviceTokens request.
type ListDeviceTokensRequest struct {
	Address feedmesh.Address `json:"address"`
}

// ListDeviceTokensResponse is a ListDeviceTokens response.
type ListDeviceTokensResponse struct {
	Tokens []feedmesh.DeviceToken `json:"tokens"`
}

// RPCService provides the JSON RPC API.
type RPCService struct {
	gateway gateway.Gateway
	groups  groups.Groups
	push    push.Push
}

// NewRPCService creates a new RPCService.
func NewRPCService(gw gateway.Gateway, grp groups.Groups, psh push.Push) *RPCService {
	return &RPCService{
		gateway: gw,
		groups:  grp,
		push:    psh,
	}
}

// HasPersonalFeed reports whether the address already owns a personal feed.
func (rs *RPCService) HasPersonalFeed(
	ctx context.Context, req HasPersonalFeedRequest,
) (HasPersonalFeedResponse, error) {
	has, err := rs.gateway.HasPersonalFeed(ctx, req.Address)
	if err != nil {
		return HasPersonalFeedResponse{}, fmt.Errorf("calling HasPersonalFeed: %s", err)
	}
	return HasPersonalFeedResponse{HasPersonalFeed: has}, nil
}

// IsFeedInBlockchain reports whether the feed is finalized on chain.
func (rs *RPCService) IsFeedInBlockchain(
	ctx context.Context, req IsFeedInBlockchainRequest,
) (IsFeedInBlockchainResponse, error) {
	exists, err := rs.gateway.IsFeedInBlockchain(ctx, req.FeedID)
	if err != nil {
		return IsFeedInBlockchainResponse{}, fmt.Errorf("calling IsFeedInBlockchain: %s", err)
	}
	return IsFeedInBlockchainResponse{Exists: exists}, nil
}

// GetFeeds returns the caller's feeds changed since the given block,
// newest first.
func (rs *RPCService) GetFeeds(ctx context.Context, req GetFeedsRequest) (GetFeedsResponse, error) {
	feeds, err := rs.gateway.GetFeeds(ctx, req.Address, req.SinceBlock)
	if err != nil {
		return GetFeedsResponse{}, fmt.Errorf("calling GetFeeds: %s", err)
	}
	return GetFeedsResponse{Feeds: feeds}, nil
}

// GetFeedMessages returns recent messages of all the caller's feeds plus
// the reaction tallies that changed since the given tally version.
func (rs *RPCService) GetFeedMessages(
	ctx context.Context, req GetFeedMessagesRequest,
) (GetFeedMessagesResponse, error) {
	res, err := rs.gateway.GetFeedMessages(ctx, req.Address, req.SinceBlock, req.SinceTallyVersion)
	if err != nil {
		return GetFeedMessagesResponse{}, fmt.Errorf("calling GetFeedMessages: %s", err)
	}
	return GetFeedMessagesResponse{
		Messages:        res.Messages,
		ReactionTallies: res.ReactionTallies,
		MaxTallyVersion: res.MaxTallyVersion,
	}, nil
}

// GetMessage returns a single message by id.
func (rs *RPCService) GetMessage(ctx context.Context, req GetMessageRequest) (GetMessageResponse, error) {
	msg, err := rs.gateway.GetMessageByID(ctx, req.MessageID)
	if err != nil {
		return GetMessageResponse{}, fmt.Errorf("calling GetMessage: %s", err)
	}
	return GetMessageResponse{Message: msg}, nil
}

// GetGroupMembers returns the member roster of a group, departed members
// included.
func (rs *RPCService) GetGroupMembers(
	ctx context.Context, req GetGroupMembersRequest,
) (GetGroupMembersResponse, error) {
	members, err := rs.gateway.GetGroupMembers(ctx, req.FeedID)
	if err != nil {
		return GetGroupMembersResponse{}, fmt.Errorf("calling GetGroupMembers: %s", err)
	}
	return GetGroupMembersResponse{Members: members}, nil
}

// GetKeyGenerations returns every key epoch of the group with the
// requester's wrapped key.
func (rs *RPCService) GetKeyGenerations(
	ctx context.Context, req GetKeyGenerationsRequest,
) (GetKeyGenerationsResponse, error) {
	gens, err := rs.gateway.GetKeyGenerations(ctx, req.FeedID, req.Address)
	if err != nil {
		return GetKeyGenerationsResponse{}, fmt.Errorf("calling GetKeyGenerations: %s", err)
	}
	return GetKeyGenerationsResponse{KeyGenerations: gens}, nil
}

// GetReadPositions returns the caller's per-feed read watermarks.
func (rs *RPCService) GetReadPositions(
	ctx context.Context, req GetReadPositionsRequest,
) (GetReadPositionsResponse, error) {
	positions, err := rs.gateway.GetReadPositions(ctx, req.Address)
	if err != nil {
		return GetReadPositionsResponse{}, fmt.Errorf("calling GetReadPositions: %s", err)
	}
	return GetReadPositionsResponse{Positions: positions}, nil
}

// SetReadPosition advances a read watermark. Regressions are ignored.
func (rs *RPCService) SetReadPosition(
	ctx context.Context, req SetReadPositionRequest,
) (SetReadPositionResponse, error) {
	moved, err := rs.gateway.SetReadPosition(ctx, req.Address, req.FeedID, req.BlockIndex)
	if err != nil {
		return SetReadPositionResponse{}, fmt.Errorf("calling SetReadPosition: %s", err)
	}
	return SetReadPositionResponse{Success: true, Moved: moved}, nil
}

// CreateGroup creates a new group feed with its initial key generation.
func (rs *RPCService) CreateGroup(ctx context.Context, req CreateGroupRequest) (MutationResponse, error) {
	return rs.mutation(rs.groups.Create(
		ctx, req.FeedID, req.Title, req.Description, req.IsPublic, req.Participants))
}

// JoinGroup joins a public group.
func (rs *RPCService) JoinGroup(ctx context.Context, req GroupMembershipRequest) (MutationResponse, error) {
	return rs.mutation(rs.groups.Join(ctx, req.FeedID, req.Address))
}

// LeaveGroup leaves a group.
func (rs *RPCService) LeaveGroup(ctx context.Context, req GroupMembershipRequest) (MutationResponse, error) {
	return rs.mutation(rs.groups.Leave(ctx, req.FeedID, req.Address))
}

// AddGroupMember adds a member to a group.
func (rs *RPCService) AddGroupMember(ctx context.Context, req AddGroupMemberRequest) (MutationResponse, error) {
	return rs.mutation(rs.groups.AddMember(ctx, req.FeedID, req.Admin, req.NewMember, req.NewMemberEncryptKey))
}

// BanGroupMember bans a member from a group.
func (rs *RPCService) BanGroupMember(ctx context.Context, req GroupModerationRequest) (MutationResponse, error) {
	return rs.mutation(rs.groups.Ban(ctx, req.FeedID, req.Admin, req.Target))
}

// UnbanGroupMember readmits a banned member.
func (rs *RPCService) UnbanGroupMember(ctx context.Context, req GroupModerationRequest) (MutationResponse, error) {
	return rs.mutation(rs.groups.Unban(ctx, req.FeedID, req.Admin, req.Target))
}

// BlockGroupMember blocks a member from posting.
func (rs *RPCService) BlockGroupMember(ctx context.Context, req GroupModerationRequest) (MutationResponse, error) {
	return rs.mutation(rs.groups.Block(ctx, req.FeedID, req.Admin, req.Target))
}

// UnblockGroupMember lifts a posting block.
func (rs *RPCService) UnblockGroupMember(
	ctx context.Context, req GroupModerationRequest,
) (MutationResponse, error) {
	return rs.mutation(rs.groups.Unblock(ctx, req.FeedID, req.Admin, req.Target))
}

// PromoteGroupMember promotes a member to admin.
func (rs *RPCService) PromoteGroupMember(
	ctx context.Context, req GroupModerationRequest,
) (MutationResponse, error) {
	return rs.mutation(rs.groups.Promote(ctx, req.FeedID, req.Admin, req.Target))
}

// UpdateGroupTitle renames a group.
func (rs *RPCService) UpdateGroupTitle(
	ctx context.Context, req UpdateGroupTitleRequest,
) (MutationResponse, error) {
	return rs.mutation(rs.groups.UpdateTitle(ctx, req.FeedID, req.Admin, req.Title))
}

// UpdateGroupDescription changes a group's description.
func (rs *RPCService) UpdateGroupDescription(
	ctx context.Context, req UpdateGroupDescriptionRequest,
) (MutationResponse, error) {
	return rs.mutation(rs.groups.UpdateDescription(ctx, req.FeedID, req.Admin, req.Description))
}

// DeleteGroup deletes a group. Owner only.
func (rs *RPCService) DeleteGroup(ctx context.Context, req DeleteGroupRequest) (MutationResponse, error) {
	return rs.mutation(rs.groups.Delete(ctx, req.FeedID, req.Owner))
}

// RegisterDeviceToken registers a push-notification token.
func (rs *RPCService) RegisterDeviceToken(
	ctx context.Context, req RegisterDeviceTokenRequest,
) (RegisterDeviceTokenResponse, error) {
	stored, err := rs.push.Register(ctx, feedmesh.DeviceToken{
		Address:    req.Address,
		Platform:   req.Platform,
		Token:      req.Token,
		DeviceName: req.DeviceName,
	})
	if err != nil {
		return RegisterDeviceTokenResponse{}, fmt.Errorf("calling RegisterDeviceToken: %s", err)
	}
	return RegisterDeviceTokenResponse{Success: true, TokenID: stored.TokenID}, nil
}

// RemoveDeviceToken removes a push-notification token.
func (rs *RPCService) RemoveDeviceToken(
	ctx context.Context, req RemoveDeviceTokenRequest,
) (MutationResponse, error) {
	if err := rs.push.Remove(ctx, req.Address, req.TokenID); err != nil {
		if errors.Is(err, push.ErrTokenNotFound) {
			return MutationResponse{Success: false, Message: err.Error()}, nil
		}
		return MutationResponse{}, fmt.Errorf("calling RemoveDeviceToken: %s", err)
	}
	return MutationResponse{Success: true}, nil
}

// ListDeviceTokens lists the caller's push-notification tokens.
func (rs *RPCService) ListDeviceTokens(
	ctx context.Context, req ListDeviceTokensRequest,
) (ListDeviceTokensResponse, error) {
	tokens, err := rs.push.List(ctx, req.Address)
	if err != nil {
		return ListDeviceTokensResponse{}, fmt.Errorf("calling ListDeviceTokens: %s", err)
	}
	return ListDeviceTokensResponse{Tokens: tokens}, nil
}

func (rs *RPCService) mutation(res groups.Result, err error) (MutationResponse, error) {
	if err != nil {
		return MutationResponse{}, err
	}
	return MutationResponse{Success: res.Success, Message: res.Message}, nil
}
