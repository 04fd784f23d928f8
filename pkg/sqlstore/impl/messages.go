package impl

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/pkg/sqlstore"
)

// GetMessage implements sqlstore.MessageStore.
func (s *SQLStore) GetMessage(ctx context.Context, messageID feedmesh.MessageID) (feedmesh.FeedMessage, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT message_id, feed_id, content, issuer_address, block_index, timestamp,
		        key_generation, reply_to_id, author_commitment
		 FROM feed_messages WHERE message_id = ?`, string(messageID))
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return feedmesh.FeedMessage{}, sqlstore.ErrNotFound
	}
	if err != nil {
		return feedmesh.FeedMessage{}, fmt.Errorf("querying message: %s", err)
	}
	return msg, nil
}

// GetFeedMessages implements sqlstore.MessageStore. Messages are returned
// newest first; limit <= 0 means no limit.
func (s *SQLStore) GetFeedMessages(
	ctx context.Context, feedID feedmesh.FeedID, sinceBlock feedmesh.BlockIndex, limit int,
) ([]feedmesh.FeedMessage, error) {
	query := `SELECT message_id, feed_id, content, issuer_address, block_index, timestamp,
	                 key_generation, reply_to_id, author_commitment
	          FROM feed_messages WHERE feed_id = ? AND block_index > ?
	          ORDER BY block_index DESC, timestamp DESC`
	args := []interface{}{string(feedID), int64(sinceBlock)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying feed messages: %s", err)
	}
	defer closeRows(rows, s.log)

	var out []feedmesh.FeedMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %s", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %s", err)
	}
	return out, nil
}

// InsertMessage implements sqlstore.MessageStore.
func (s *SQLStore) InsertMessage(ctx context.Context, msg feedmesh.FeedMessage) error {
	var keyGen interface{}
	if msg.KeyGeneration != nil {
		keyGen = int64(*msg.KeyGeneration)
	}
	var replyTo interface{}
	if msg.ReplyToID != nil {
		replyTo = string(*msg.ReplyToID)
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO feed_messages
		   (message_id, feed_id, content, issuer_address, block_index, timestamp,
		    key_generation, reply_to_id, author_commitment)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(msg.MessageID), string(msg.FeedID), msg.Content, string(msg.IssuerAddress),
		int64(msg.BlockIndex), msg.Timestamp, keyGen, replyTo, msg.AuthorCommitment)
	if err != nil {
		return fmt.Errorf("inserting message: %s", err)
	}
	return nil
}

func scanMessage(row scannable) (feedmesh.FeedMessage, error) {
	var (
		m                 feedmesh.FeedMessage
		messageID, feedID string
		issuer            string
		blockIndex        int64
		keyGen            sql.NullInt64
		replyTo           sql.NullString
	)
	if err := row.Scan(&messageID, &feedID, &m.Content, &issuer, &blockIndex,
		&m.Timestamp, &keyGen, &replyTo, &m.AuthorCommitment); err != nil {
		return feedmesh.FeedMessage{}, err
	}
	m.MessageID = feedmesh.MessageID(messageID)
	m.FeedID = feedmesh.FeedID(feedID)
	m.IssuerAddress = feedmesh.Address(issuer)
	m.BlockIndex = feedmesh.BlockIndex(blockIndex)
	if keyGen.Valid {
		g := feedmesh.Generation(keyGen.Int64)
		m.KeyGeneration = &g
	}
	if replyTo.Valid {
		id := feedmesh.MessageID(replyTo.String)
		m.ReplyToID = &id
	}
	return m, nil
}
