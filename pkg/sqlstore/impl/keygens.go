package impl

import (
	"context"
	"database/sql"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// GetKeyGenerations implements sqlstore.KeyGenerationStore. Generations are
// returned in ascending order.
func (s *SQLStore) GetKeyGenerations(
	ctx context.Context, feedID feedmesh.FeedID,
) ([]feedmesh.KeyGeneration, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT feed_id, generation, valid_from_block, valid_to_block, trigger_kind, encrypted_keys
		 FROM key_generations WHERE feed_id = ? ORDER BY generation`, string(feedID))
	if err != nil {
		return nil, fmt.Errorf("querying key generations: %s", err)
	}
	defer closeRows(rows, s.log)

	var out []feedmesh.KeyGeneration
	for rows.Next() {
		var (
			gen               feedmesh.KeyGeneration
			id, trigger, keys string
			generation        int64
			validFrom         int64
			validTo           sql.NullInt64
		)
		if err := rows.Scan(&id, &generation, &validFrom, &validTo, &trigger, &keys); err != nil {
			return nil, fmt.Errorf("scanning key generation: %s", err)
		}
		gen.FeedID = feedmesh.FeedID(id)
		gen.Generation = feedmesh.Generation(generation)
		gen.ValidFromBlock = feedmesh.BlockIndex(validFrom)
		gen.ValidToBlock = blockPtr(validTo)
		gen.Trigger = feedmesh.RotationTrigger(trigger)
		if err := json.Unmarshal([]byte(keys), &gen.EncryptedKeys); err != nil {
			return nil, fmt.Errorf("unmarshaling encrypted keys: %s", err)
		}
		out = append(out, gen)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating key generations: %s", err)
	}
	return out, nil
}

// GetMaxGeneration implements sqlstore.KeyGenerationStore. The boolean is
// false when the feed has no generations yet.
func (s *SQLStore) GetMaxGeneration(
	ctx context.Context, feedID feedmesh.FeedID,
) (feedmesh.Generation, bool, error) {
	var max sql.NullInt64
	err := s.q.QueryRowContext(ctx,
		`SELECT MAX(generation) FROM key_generations WHERE feed_id = ?`, string(feedID)).Scan(&max)
	if err != nil {
		return 0, false, fmt.Errorf("querying max generation: %s", err)
	}
	if !max.Valid {
		return 0, false, nil
	}
	return feedmesh.Generation(max.Int64), true, nil
}

// InsertKeyGeneration implements sqlstore.KeyGenerationStore.
func (s *SQLStore) InsertKeyGeneration(ctx context.Context, gen feedmesh.KeyGeneration) error {
	keys, err := json.Marshal(gen.EncryptedKeys)
	if err != nil {
		return fmt.Errorf("marshaling encrypted keys: %s", err)
	}
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO key_generations
		   (feed_id, generation, valid_from_block, valid_to_block, trigger_kind, encrypted_keys)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(gen.FeedID), int64(gen.Generation), int64(gen.ValidFromBlock),
		nullableBlock(gen.ValidToBlock), string(gen.Trigger), string(keys)); err != nil {
		return fmt.Errorf("inserting key generation: %s", err)
	}
	return nil
}

// SetKeyGenerationValidTo implements sqlstore.KeyGenerationStore.
func (s *SQLStore) SetKeyGenerationValidTo(
	ctx context.Context, feedID feedmesh.FeedID, gen feedmesh.Generation, validTo feedmesh.BlockIndex,
) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE key_generations SET valid_to_block = ? WHERE feed_id = ? AND generation = ?`,
		int64(validTo), string(feedID), int64(gen))
	if err != nil {
		return fmt.Errorf("updating key generation validity: %s", err)
	}
	return requireAffected(res)
}
