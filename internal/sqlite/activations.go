package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// ActivationRow is one activation this gateway created, kept as a local
// audit trail. The upstream store API remains the source of truth.
type ActivationRow struct {
	StoreID         string
	LicenseID       string
	Identity        string
	ActivationID    string
	CreatedAtUnixMs int64
}

// RecordActivation appends to the audit trail. Replays of the same
// activation are ignored.
func (db *DB) RecordActivation(ctx context.Context, storeID, licenseID, identity, activationID string) error {
	_, err := db.writer.ExecContext(ctx,
		`INSERT OR IGNORE INTO license_activation
		     (store_id, license_id, identity, activation_id, created_at_unix_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		storeID, licenseID, identity, activationID, nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record activation %s: %w", activationID, err)
	}
	return nil
}

// DeleteActivation removes audit rows for a revoked activation.
func (db *DB) DeleteActivation(ctx context.Context, storeID, licenseID, activationID string) error {
	_, err := db.writer.ExecContext(ctx,
		`DELETE FROM license_activation
		 WHERE store_id = ? AND license_id = ? AND activation_id = ?`,
		storeID, licenseID, activationID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete activation %s: %w", activationID, err)
	}
	return nil
}

// ListActivationsByIdentity finds every license an identity activated
// across all stores.
func (db *DB) ListActivationsByIdentity(ctx context.Context, identity string) ([]*ActivationRow, error) {
	rows, err := db.reader.QueryContext(ctx,
		`SELECT store_id, license_id, identity, activation_id, created_at_unix_ms
		 FROM license_activation WHERE identity = ?
		 ORDER BY created_at_unix_ms`,
		identity,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list activations for identity: %w", err)
	}
	return collectActivationRows(rows)
}

// ListActivationsByLicense finds the audit rows for one license.
func (db *DB) ListActivationsByLicense(ctx context.Context, storeID, licenseID string) ([]*ActivationRow, error) {
	rows, err := db.reader.QueryContext(ctx,
		`SELECT store_id, license_id, identity, activation_id, created_at_unix_ms
		 FROM license_activation WHERE store_id = ? AND license_id = ?
		 ORDER BY created_at_unix_ms`,
		storeID, licenseID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list activations for license %s: %w", licenseID, err)
	}
	return collectActivationRows(rows)
}

// ListActivationsByStore returns the full audit trail for one store,
// newest first. Feeds the activation report export.
func (db *DB) ListActivationsByStore(ctx context.Context, storeID string) ([]*ActivationRow, error) {
	rows, err := db.reader.QueryContext(ctx,
		`SELECT store_id, license_id, identity, activation_id, created_at_unix_ms
		 FROM license_activation WHERE store_id = ?
		 ORDER BY created_at_unix_ms DESC`,
		storeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list activations for store %s: %w", storeID, err)
	}
	return collectActivationRows(rows)
}

// CountActivations reports audit rows per store.
func (db *DB) CountActivations(ctx context.Context, storeID string) (int64, error) {
	var count int64
	err := db.reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM license_activation WHERE store_id = ?`, storeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count activations for store %s: %w", storeID, err)
	}
	return count, nil
}

func collectActivationRows(rows *sql.Rows) ([]*ActivationRow, error) {
	defer rows.Close()
	var activations []*ActivationRow
	for rows.Next() {
		var a ActivationRow
		err := rows.Scan(&a.StoreID, &a.LicenseID, &a.Identity, &a.ActivationID, &a.CreatedAtUnixMs)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activation row: %w", err)
		}
		activations = append(activations, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read activation rows: %w", err)
	}
	return activations, nil
}
