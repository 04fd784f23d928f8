package impl

import (
	"context"
	"fmt"
	"strings"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
)

// GetReactionTalliesSince implements sqlstore.ReactionStore. Tallies belong
// to messages, so the feed filter goes through the messages table.
func (s *SQLStore) GetReactionTalliesSince(
	ctx context.Context, feedIDs []feedmesh.FeedID, sinceVersion int64,
) ([]feedmesh.ReactionTally, int64, error) {
	if len(feedIDs) == 0 {
		return nil, sinceVersion, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(feedIDs)), ",")
	args := make([]interface{}, 0, len(feedIDs)+1)
	for _, id := range feedIDs {
		args = append(args, string(id))
	}
	args = append(args, sinceVersion)
	rows, err := s.q.QueryContext(ctx,
		`SELECT t.message_id, t.version, t.total_count, t.tally_c1, t.tally_c2
		 FROM reaction_tallies t
		 JOIN feed_messages m ON m.message_id = t.message_id
		 WHERE m.feed_id IN (`+placeholders+`) AND t.version > ?
		 ORDER BY t.version`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying reaction tallies: %s", err)
	}
	defer closeRows(rows, s.log)

	maxVersion := sinceVersion
	var out []feedmesh.ReactionTally
	for rows.Next() {
		var (
			tally     feedmesh.ReactionTally
			messageID string
			c1, c2    string
		)
		if err := rows.Scan(&messageID, &tally.Version, &tally.TotalCount, &c1, &c2); err != nil {
			return nil, 0, fmt.Errorf("scanning reaction tally: %s", err)
		}
		tally.MessageID = feedmesh.MessageID(messageID)
		if err := json.Unmarshal([]byte(c1), &tally.TallyC1); err != nil {
			return nil, 0, fmt.Errorf("unmarshaling tally points: %s", err)
		}
		if err := json.Unmarshal([]byte(c2), &tally.TallyC2); err != nil {
			return nil, 0, fmt.Errorf("unmarshaling tally points: %s", err)
		}
		if tally.Version > maxVersion {
			maxVersion = tally.Version
		}
		out = append(out, tally)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating reaction tallies: %s", err)
	}
	return out, maxVersion, nil
}

// UpsertReactionTally implements sqlstore.ReactionStore.
func (s *SQLStore) UpsertReactionTally(ctx context.Context, tally feedmesh.ReactionTally) error {
	c1, err := json.Marshal(tally.TallyC1)
	if err != nil {
		return fmt.Errorf("marshaling tally points: %s", err)
	}
	c2, err := json.Marshal(tally.TallyC2)
	if err != nil {
		return fmt.Errorf("marshaling tally points: %s", err)
	}
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO reaction_tallies (message_id, version, total_count, tally_c1, tally_c2)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (message_id) DO UPDATE SET
		   version = excluded.version,
		   total_count = excluded.total_count,
		   tally_c1 = excluded.tally_c1,
		   tally_c2 = excluded.tally_c2`,
		string(tally.MessageID), tally.Version, tally.TotalCount, string(c1), string(c2)); err != nil {
		return fmt.Errorf("upserting reaction tally: %s", err)
	}
	return nil
}
