package impl

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/pkg/sqlstore"
)

// GetFeed implements sqlstore.FeedStore. The returned feed carries its
// full participant list.
func (s *SQLStore) GetFeed(ctx context.Context, feedID feedmesh.FeedID) (feedmesh.Feed, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT feed_id, type, title, description, is_public, block_index, created_at_block
		 FROM feeds WHERE feed_id = ?`, string(feedID))
	feed, err := scanFeed(row)
	if err == sql.ErrNoRows {
		return feedmesh.Feed{}, sqlstore.ErrNotFound
	}
	if err != nil {
		return feedmesh.Feed{}, fmt.Errorf("querying feed: %s", err)
	}
	participants, err := s.GetParticipants(ctx, feedID)
	if err != nil {
		return feedmesh.Feed{}, fmt.Errorf("querying feed participants: %s", err)
	}
	feed.Participants = participants
	return feed, nil
}

// GetFeedsForAddress implements sqlstore.FeedStore. It returns every feed
// where the address is an active participant, each with its full
// participant list.
func (s *SQLStore) GetFeedsForAddress(
	ctx context.Context, address feedmesh.Address,
) ([]feedmesh.Feed, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT f.feed_id, f.type, f.title, f.description, f.is_public, f.block_index, f.created_at_block
		 FROM feeds f
		 JOIN feed_participants p ON p.feed_id = f.feed_id
		 WHERE p.address = ? AND p.left_at_block IS NULL AND p.role != ?
		 ORDER BY f.block_index DESC`, string(address), string(feedmesh.RoleBanned))
	if err != nil {
		return nil, fmt.Errorf("querying feeds for address: %s", err)
	}
	defer closeRows(rows, s.log)

	var feeds []feedmesh.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning feed: %s", err)
		}
		feeds = append(feeds, feed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating feeds: %s", err)
	}
	for i := range feeds {
		participants, err := s.GetParticipants(ctx, feeds[i].FeedID)
		if err != nil {
			return nil, fmt.Errorf("querying feed participants: %s", err)
		}
		feeds[i].Participants = participants
	}
	return feeds, nil
}

// FeedExists implements sqlstore.FeedStore.
func (s *SQLStore) FeedExists(ctx context.Context, feedID feedmesh.FeedID) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx,
		`SELECT 1 FROM feeds WHERE feed_id = ?`, string(feedID)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying feed existence: %s", err)
	}
	return true, nil
}

// HasPersonalFeed implements sqlstore.FeedStore.
func (s *SQLStore) HasPersonalFeed(ctx context.Context, address feedmesh.Address) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx,
		`SELECT 1 FROM feeds f
		 JOIN feed_participants p ON p.feed_id = f.feed_id
		 WHERE f.type = ? AND p.address = ? AND p.role = ?`,
		string(feedmesh.FeedTypePersonal), string(address), string(feedmesh.RoleOwner)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying personal feed: %s", err)
	}
	return true, nil
}

// InsertFeed implements sqlstore.FeedStore. Participants carried on the
// feed are inserted as well.
func (s *SQLStore) InsertFeed(ctx context.Context, feed feedmesh.Feed) error {
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO feeds (feed_id, type, title, description, is_public, block_index, created_at_block)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(feed.FeedID), string(feed.Type), feed.Title, feed.Description,
		feed.IsPublic, int64(feed.BlockIndex), int64(feed.CreatedAt)); err != nil {
		return fmt.Errorf("inserting feed: %s", err)
	}
	for _, p := range feed.Participants {
		if err := s.UpsertParticipant(ctx, p); err != nil {
			return fmt.Errorf("inserting feed participant: %s", err)
		}
	}
	return nil
}

// DeleteFeed implements sqlstore.FeedStore. Participants and key
// generations go with the feed; finalized messages stay.
func (s *SQLStore) DeleteFeed(ctx context.Context, feedID feedmesh.FeedID) error {
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM feed_participants WHERE feed_id = ?`, string(feedID)); err != nil {
		return fmt.Errorf("deleting feed participants: %s", err)
	}
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM key_generations WHERE feed_id = ?`, string(feedID)); err != nil {
		return fmt.Errorf("deleting feed key generations: %s", err)
	}
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM feeds WHERE feed_id = ?`, string(feedID)); err != nil {
		return fmt.Errorf("deleting feed: %s", err)
	}
	return nil
}

// UpdateFeedTitle implements sqlstore.FeedStore.
func (s *SQLStore) UpdateFeedTitle(
	ctx context.Context, feedID feedmesh.FeedID, title string, atBlock feedmesh.BlockIndex,
) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE feeds SET title = ?, block_index = ? WHERE feed_id = ?`,
		title, int64(atBlock), string(feedID))
	if err != nil {
		return fmt.Errorf("updating feed title: %s", err)
	}
	return requireAffected(res)
}

// UpdateFeedDescription implements sqlstore.FeedStore.
func (s *SQLStore) UpdateFeedDescription(
	ctx context.Context, feedID feedmesh.FeedID, description string, atBlock feedmesh.BlockIndex,
) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE feeds SET description = ?, block_index = ? WHERE feed_id = ?`,
		description, int64(atBlock), string(feedID))
	if err != nil {
		return fmt.Errorf("updating feed description: %s", err)
	}
	return requireAffected(res)
}

// UpdateFeedBlockIndex implements sqlstore.FeedStore.
func (s *SQLStore) UpdateFeedBlockIndex(
	ctx context.Context, feedID feedmesh.FeedID, blockIndex feedmesh.BlockIndex,
) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE feeds SET block_index = ? WHERE feed_id = ?`,
		int64(blockIndex), string(feedID))
	if err != nil {
		return fmt.Errorf("updating feed block index: %s", err)
	}
	return requireAffected(res)
}

// GetParticipants implements sqlstore.FeedStore.
func (s *SQLStore) GetParticipants(
	ctx context.Context, feedID feedmesh.FeedID,
) ([]feedmesh.FeedParticipant, error) {
	return s.queryParticipants(ctx,
		`SELECT feed_id, address, role, joined_at_block, left_at_block, last_leave_block, encrypted_feed_key
		 FROM feed_participants WHERE feed_id = ? ORDER BY joined_at_block`, string(feedID))
}

// GetActiveParticipants implements sqlstore.FeedStore.
func (s *SQLStore) GetActiveParticipants(
	ctx context.Context, feedID feedmesh.FeedID,
) ([]feedmesh.FeedParticipant, error) {
	return s.queryParticipants(ctx,
		`SELECT feed_id, address, role, joined_at_block, left_at_block, last_leave_block, encrypted_feed_key
		 FROM feed_participants
		 WHERE feed_id = ? AND left_at_block IS NULL AND role != ?
		 ORDER BY joined_at_block`, string(feedID), string(feedmesh.RoleBanned))
}

// GetParticipant implements sqlstore.FeedStore.
func (s *SQLStore) GetParticipant(
	ctx context.Context, feedID feedmesh.FeedID, address feedmesh.Address,
) (feedmesh.FeedParticipant, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT feed_id, address, role, joined_at_block, left_at_block, last_leave_block, encrypted_feed_key
		 FROM feed_participants WHERE feed_id = ? AND address = ?`,
		string(feedID), string(address))
	p, err := scanParticipant(row)
	if err == sql.ErrNoRows {
		return feedmesh.FeedParticipant{}, sqlstore.ErrNotFound
	}
	if err != nil {
		return feedmesh.FeedParticipant{}, fmt.Errorf("querying participant: %s", err)
	}
	return p, nil
}

// UpsertParticipant implements sqlstore.FeedStore.
func (s *SQLStore) UpsertParticipant(ctx context.Context, p feedmesh.FeedParticipant) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO feed_participants
		   (feed_id, address, role, joined_at_block, left_at_block, last_leave_block, encrypted_feed_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (feed_id, address) DO UPDATE SET
		   role = excluded.role,
		   joined_at_block = excluded.joined_at_block,
		   left_at_block = excluded.left_at_block,
		   last_leave_block = excluded.last_leave_block,
		   encrypted_feed_key = excluded.encrypted_feed_key`,
		string(p.FeedID), string(p.Address), string(p.Role), int64(p.JoinedAtBlock),
		nullableBlock(p.LeftAtBlock), nullableBlock(p.LastLeaveBlock), p.EncryptedFeedKey)
	if err != nil {
		return fmt.Errorf("upserting participant: %s", err)
	}
	return nil
}

// SetParticipantRole implements sqlstore.FeedStore.
func (s *SQLStore) SetParticipantRole(
	ctx context.Context, feedID feedmesh.FeedID, address feedmesh.Address, role feedmesh.Role,
) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE feed_participants SET role = ? WHERE feed_id = ? AND address = ?`,
		string(role), string(feedID), string(address))
	if err != nil {
		return fmt.Errorf("updating participant role: %s", err)
	}
	return requireAffected(res)
}

// SetParticipantLeft implements sqlstore.FeedStore. It records both the
// departure block and the cooldown anchor.
func (s *SQLStore) SetParticipantLeft(
	ctx context.Context, feedID feedmesh.FeedID, address feedmesh.Address, atBlock feedmesh.BlockIndex,
) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE feed_participants SET left_at_block = ?, last_leave_block = ?
		 WHERE feed_id = ? AND address = ?`,
		int64(atBlock), int64(atBlock), string(feedID), string(address))
	if err != nil {
		return fmt.Errorf("marking participant left: %s", err)
	}
	return requireAffected(res)
}

func (s *SQLStore) queryParticipants(
	ctx context.Context, query string, args ...interface{},
) ([]feedmesh.FeedParticipant, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %s", err)
	}
	defer closeRows(rows, s.log)

	var out []feedmesh.FeedParticipant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning participant: %s", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participants: %s", err)
	}
	return out, nil
}

func scanFeed(row scannable) (feedmesh.Feed, error) {
	var (
		f                       feedmesh.Feed
		feedID, feedType        string
		blockIndex, createdAt   int64
	)
	if err := row.Scan(&feedID, &feedType, &f.Title, &f.Description, &f.IsPublic, &blockIndex, &createdAt); err != nil {
		return feedmesh.Feed{}, err
	}
	f.FeedID = feedmesh.FeedID(feedID)
	f.Type = feedmesh.FeedType(feedType)
	f.BlockIndex = feedmesh.BlockIndex(blockIndex)
	f.CreatedAt = feedmesh.BlockIndex(createdAt)
	return f, nil
}

func scanParticipant(row scannable) (feedmesh.FeedParticipant, error) {
	var (
		p                         feedmesh.FeedParticipant
		feedID, address, role     string
		joinedAt                  int64
		leftAt, lastLeave         sql.NullInt64
	)
	if err := row.Scan(&feedID, &address, &role, &joinedAt, &leftAt, &lastLeave, &p.EncryptedFeedKey); err != nil {
		return feedmesh.FeedParticipant{}, err
	}
	p.FeedID = feedmesh.FeedID(feedID)
	p.Address = feedmesh.Address(address)
	p.Role = feedmesh.Role(role)
	p.JoinedAtBlock = feedmesh.BlockIndex(joinedAt)
	p.LeftAtBlock = blockPtr(leftAt)
	p.LastLeaveBlock = blockPtr(lastLeave)
	return p, nil
}

func nullableBlock(b *feedmesh.BlockIndex) interface{} {
	if b == nil {
		return nil
	}
	return int64(*b)
}

func blockPtr(n sql.NullInt64) *feedmesh.BlockIndex {
	if !n.Valid {
		return nil
	}
	b := feedmesh.BlockIndex(n.Int64)
	return &b
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting affected rows: %s", err)
	}
	if affected == 0 {
		return sqlstore.ErrNotFound
	}
	return nil
}
