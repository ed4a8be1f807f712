package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// StoreRow is a linked store as persisted on disk. APIKeySealed holds
// the sealed credential envelope, never the plaintext key.
type StoreRow struct {
	StoreID             string
	DisplayName         string
	APIKeySealed        string
	APIKeyValid         bool
	LastRefreshedUnixMs int64
	CreatedAtUnixMs     int64
	UpdatedAtUnixMs     int64
}

// UpsertStore links a store or replaces the credentials of an existing
// link. Replacing credentials clears the invalid flag so the next
// refresh retries with the new key.
func (db *DB) UpsertStore(ctx context.Context, storeID, displayName, apiKeySealed string) error {
	now := nowUnixMilli()
	_, err := db.writer.ExecContext(ctx,
		`INSERT INTO store (store_id, display_name, api_key_sealed, api_key_valid, created_at_unix_ms, updated_at_unix_ms)
		 VALUES (?, ?, ?, 1, ?, ?)
		 ON CONFLICT (store_id) DO UPDATE SET
		     display_name       = excluded.display_name,
		     api_key_sealed     = excluded.api_key_sealed,
		     api_key_valid      = 1,
		     updated_at_unix_ms = excluded.updated_at_unix_ms`,
		storeID, displayName, apiKeySealed, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert store %s: %w", storeID, err)
	}
	return nil
}

// GetStore loads a single store row. ErrNotFound when the store is not
// linked.
func (db *DB) GetStore(ctx context.Context, storeID string) (*StoreRow, error) {
	row := db.reader.QueryRowContext(ctx,
		`SELECT store_id, display_name, api_key_sealed, api_key_valid,
		        last_refreshed_unix_ms, created_at_unix_ms, updated_at_unix_ms
		 FROM store WHERE store_id = ?`,
		storeID,
	)
	s, err := scanStoreRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store %s: %w", storeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load store %s: %w", storeID, err)
	}
	return s, nil
}

// ListStores returns all linked stores ordered by store ID.
func (db *DB) ListStores(ctx context.Context) ([]*StoreRow, error) {
	rows, err := db.reader.QueryContext(ctx,
		`SELECT store_id, display_name, api_key_sealed, api_key_valid,
		        last_refreshed_unix_ms, created_at_unix_ms, updated_at_unix_ms
		 FROM store ORDER BY store_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}
	defer rows.Close()

	var stores []*StoreRow
	for rows.Next() {
		s, err := scanStoreRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan store row: %w", err)
		}
		stores = append(stores, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}
	return stores, nil
}

// DeleteStore unlinks a store. Catalog rows and activation audit rows
// cascade. ErrNotFound when the store is not linked.
func (db *DB) DeleteStore(ctx context.Context, storeID string) error {
	res, err := db.writer.ExecContext(ctx, `DELETE FROM store WHERE store_id = ?`, storeID)
	if err != nil {
		return fmt.Errorf("failed to delete store %s: %w", storeID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete store %s: %w", storeID, err)
	}
	if affected == 0 {
		return fmt.Errorf("store %s: %w", storeID, ErrNotFound)
	}
	return nil
}

// SetAPIKeyValid persists the credential flag so the invalid marker
// survives restarts.
func (db *DB) SetAPIKeyValid(ctx context.Context, storeID string, valid bool) error {
	validInt := 0
	if valid {
		validInt = 1
	}
	_, err := db.writer.ExecContext(ctx,
		`UPDATE store SET api_key_valid = ?, updated_at_unix_ms = ? WHERE store_id = ?`,
		validInt, nowUnixMilli(), storeID,
	)
	if err != nil {
		return fmt.Errorf("failed to update credential flag for store %s: %w", storeID, err)
	}
	return nil
}

// SetLastRefreshed records a successful catalog refresh time.
func (db *DB) SetLastRefreshed(ctx context.Context, storeID string, unixMs int64) error {
	_, err := db.writer.ExecContext(ctx,
		`UPDATE store SET last_refreshed_unix_ms = ?, updated_at_unix_ms = ? WHERE store_id = ?`,
		unixMs, nowUnixMilli(), storeID,
	)
	if err != nil {
		return fmt.Errorf("failed to update refresh time for store %s: %w", storeID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStoreRow(row rowScanner) (*StoreRow, error) {
	var (
		s           StoreRow
		displayName sql.NullString
		validInt    int
	)
	err := row.Scan(
		&s.StoreID, &displayName, &s.APIKeySealed, &validInt,
		&s.LastRefreshedUnixMs, &s.CreatedAtUnixMs, &s.UpdatedAtUnixMs,
	)
	if err != nil {
		return nil, err
	}
	s.DisplayName = displayName.String
	s.APIKeyValid = validInt != 0
	return &s, nil
}
