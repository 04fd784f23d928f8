package impl

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/pkg/sqlstore"
)

// GetProfile implements sqlstore.ProfileStore.
func (s *SQLStore) GetProfile(ctx context.Context, address feedmesh.Address) (feedmesh.Profile, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT address, alias, short_alias, public_encryption_key, is_public, block_index
		 FROM profiles WHERE address = ?`, string(address))
	profile, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return feedmesh.Profile{}, sqlstore.ErrNotFound
	}
	if err != nil {
		return feedmesh.Profile{}, fmt.Errorf("querying profile: %s", err)
	}
	return profile, nil
}

// GetProfiles implements sqlstore.ProfileStore. Absent addresses are
// simply missing from the result map.
func (s *SQLStore) GetProfiles(
	ctx context.Context, addresses []feedmesh.Address,
) (map[feedmesh.Address]feedmesh.Profile, error) {
	out := make(map[feedmesh.Address]feedmesh.Profile, len(addresses))
	if len(addresses) == 0 {
		return out, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(addresses)), ",")
	args := make([]interface{}, len(addresses))
	for i, a := range addresses {
		args[i] = string(a)
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT address, alias, short_alias, public_encryption_key, is_public, block_index
		 FROM profiles WHERE address IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying profiles: %s", err)
	}
	defer closeRows(rows, s.log)
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning profile: %s", err)
		}
		out[profile.Address] = profile
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating profiles: %s", err)
	}
	return out, nil
}

// UpsertProfile implements sqlstore.ProfileStore.
func (s *SQLStore) UpsertProfile(ctx context.Context, profile feedmesh.Profile) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO profiles (address, alias, short_alias, public_encryption_key, is_public, block_index)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (address) DO UPDATE SET
		   alias = excluded.alias,
		   short_alias = excluded.short_alias,
		   public_encryption_key = excluded.public_encryption_key,
		   is_public = excluded.is_public,
		   block_index = excluded.block_index`,
		string(profile.Address), profile.Alias, profile.ShortAlias,
		profile.PublicEncryptionKey, profile.IsPublic, int64(profile.BlockIndex))
	if err != nil {
		return fmt.Errorf("upserting profile: %s", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row scannable) (feedmesh.Profile, error) {
	var (
		p          feedmesh.Profile
		address    string
		isPublic   bool
		blockIndex int64
	)
	if err := row.Scan(&address, &p.Alias, &p.ShortAlias, &p.PublicEncryptionKey, &isPublic, &blockIndex); err != nil {
		return feedmesh.Profile{}, err
	}
	p.Address = feedmesh.Address(address)
	p.IsPublic = isPublic
	p.BlockIndex = feedmesh.BlockIndex(blockIndex)
	return p, nil
}
