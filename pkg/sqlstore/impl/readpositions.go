package impl

import (
	"context"
	"fmt"
	"time"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
)

// GetReadPositions implements sqlstore.ReadPositionStore.
func (s *SQLStore) GetReadPositions(
	ctx context.Context, address feedmesh.Address,
) (map[feedmesh.FeedID]feedmesh.BlockIndex, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT feed_id, last_read_block_index FROM read_positions WHERE address = ?`,
		string(address))
	if err != nil {
		return nil, fmt.Errorf("querying read positions: %s", err)
	}
	defer closeRows(rows, s.log)

	out := map[feedmesh.FeedID]feedmesh.BlockIndex{}
	for rows.Next() {
		var (
			feedID     string
			blockIndex int64
		)
		if err := rows.Scan(&feedID, &blockIndex); err != nil {
			return nil, fmt.Errorf("scanning read position: %s", err)
		}
		out[feedmesh.FeedID(feedID)] = feedmesh.BlockIndex(blockIndex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating read positions: %s", err)
	}
	return out, nil
}

// UpsertReadPosition implements sqlstore.ReadPositionStore. The watermark
// only moves forward; a stale value leaves the row untouched and reports
// false.
func (s *SQLStore) UpsertReadPosition(
	ctx context.Context, address feedmesh.Address, feedID feedmesh.FeedID, blockIndex feedmesh.BlockIndex,
) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO read_positions (address, feed_id, last_read_block_index, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (address, feed_id) DO UPDATE SET
		   last_read_block_index = excluded.last_read_block_index,
		   updated_at = excluded.updated_at
		 WHERE excluded.last_read_block_index > read_positions.last_read_block_index`,
		string(address), string(feedID), int64(blockIndex), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("upserting read position: %s", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting affected rows: %s", err)
	}
	return affected > 0, nil
}
