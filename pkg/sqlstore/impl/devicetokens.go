package impl

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/pkg/sqlstore"
)

// GetDeviceTokens implements sqlstore.DeviceTokenStore.
func (s *SQLStore) GetDeviceTokens(
	ctx context.Context, address feedmesh.Address,
) ([]feedmesh.DeviceToken, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT token_id, address, platform, token, device_name, created_at, last_used_at, is_active
		 FROM device_tokens WHERE address = ? AND is_active = 1
		 ORDER BY last_used_at DESC`, string(address))
	if err != nil {
		return nil, fmt.Errorf("querying device tokens: %s", err)
	}
	defer closeRows(rows, s.log)

	var out []feedmesh.DeviceToken
	for rows.Next() {
		token, err := scanDeviceToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device token: %s", err)
		}
		out = append(out, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device tokens: %s", err)
	}
	return out, nil
}

// GetDeviceTokenByToken implements sqlstore.DeviceTokenStore.
func (s *SQLStore) GetDeviceTokenByToken(ctx context.Context, token string) (feedmesh.DeviceToken, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT token_id, address, platform, token, device_name, created_at, last_used_at, is_active
		 FROM device_tokens WHERE token = ?`, token)
	dt, err := scanDeviceToken(row)
	if err == sql.ErrNoRows {
		return feedmesh.DeviceToken{}, sqlstore.ErrNotFound
	}
	if err != nil {
		return feedmesh.DeviceToken{}, fmt.Errorf("querying device token: %s", err)
	}
	return dt, nil
}

// UpsertDeviceToken implements sqlstore.DeviceTokenStore. The conflict
// target is the token value so a token re-registered from another account
// moves to the new owner.
func (s *SQLStore) UpsertDeviceToken(ctx context.Context, token feedmesh.DeviceToken) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO device_tokens
		   (token_id, address, platform, token, device_name, created_at, last_used_at, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (token) DO UPDATE SET
		   address = excluded.address,
		   platform = excluded.platform,
		   device_name = excluded.device_name,
		   last_used_at = excluded.last_used_at,
		   is_active = excluded.is_active`,
		token.TokenID, string(token.Address), token.Platform, token.Token,
		token.DeviceName, token.CreatedAt, token.LastUsedAt, token.IsActive)
	if err != nil {
		return fmt.Errorf("upserting device token: %s", err)
	}
	return nil
}

// DeleteDeviceToken implements sqlstore.DeviceTokenStore.
func (s *SQLStore) DeleteDeviceToken(ctx context.Context, tokenID string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM device_tokens WHERE token_id = ?`, tokenID)
	if err != nil {
		return fmt.Errorf("deleting device token: %s", err)
	}
	return requireAffected(res)
}

func scanDeviceToken(row scannable) (feedmesh.DeviceToken, error) {
	var (
		t       feedmesh.DeviceToken
		address string
	)
	if err := row.Scan(&t.TokenID, &address, &t.Platform, &t.Token, &t.DeviceName,
		&t.CreatedAt, &t.LastUsedAt, &t.IsActive); err != nil {
		return feedmesh.DeviceToken{}, err
	}
	t.Address = feedmesh.Address(address)
	return t, nil
}
