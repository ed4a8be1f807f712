package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// ProductRow is a cached product name.
type ProductRow struct {
	ProductID   string
	ProductName string
}

// VersionRow is a cached product version name.
type VersionRow struct {
	ProductID   string
	VersionID   string
	VersionName string
}

// ReplaceCatalog swaps the persisted catalog mirror for one store in a
// single transaction. A refresh either lands completely or not at all,
// so a crash mid-write never leaves a half-replaced catalog behind.
func (db *DB) ReplaceCatalog(ctx context.Context, storeID string, products []ProductRow, versions []VersionRow, refreshedUnixMs int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM product WHERE store_id = ?`, storeID); err != nil {
			return fmt.Errorf("failed to clear products for store %s: %w", storeID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM product_version WHERE store_id = ?`, storeID); err != nil {
			return fmt.Errorf("failed to clear versions for store %s: %w", storeID, err)
		}

		productStmt, err := tx.PrepareContext(ctx,
			`INSERT INTO product (store_id, product_id, product_name) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare product insert: %w", err)
		}
		defer productStmt.Close()
		for _, p := range products {
			if _, err := productStmt.ExecContext(ctx, storeID, p.ProductID, p.ProductName); err != nil {
				return fmt.Errorf("failed to insert product %s: %w", p.ProductID, err)
			}
		}

		versionStmt, err := tx.PrepareContext(ctx,
			`INSERT INTO product_version (store_id, product_id, version_id, version_name) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare version insert: %w", err)
		}
		defer versionStmt.Close()
		for _, v := range versions {
			if _, err := versionStmt.ExecContext(ctx, storeID, v.ProductID, v.VersionID, v.VersionName); err != nil {
				return fmt.Errorf("failed to insert version %s/%s: %w", v.ProductID, v.VersionID, err)
			}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE store SET last_refreshed_unix_ms = ?, updated_at_unix_ms = ? WHERE store_id = ?`,
			refreshedUnixMs, nowUnixMilli(), storeID,
		)
		if err != nil {
			return fmt.Errorf("failed to update refresh time for store %s: %w", storeID, err)
		}
		return nil
	})
}

// LoadCatalog reads the persisted catalog mirror for one store. Used to
// warm the in-memory cache at startup.
func (db *DB) LoadCatalog(ctx context.Context, storeID string) ([]ProductRow, []VersionRow, error) {
	productRows, err := db.reader.QueryContext(ctx,
		`SELECT product_id, product_name FROM product WHERE store_id = ? ORDER BY product_id`,
		storeID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load products for store %s: %w", storeID, err)
	}
	defer productRows.Close()

	var products []ProductRow
	for productRows.Next() {
		var p ProductRow
		if err := productRows.Scan(&p.ProductID, &p.ProductName); err != nil {
			return nil, nil, fmt.Errorf("failed to scan product row: %w", err)
		}
		products = append(products, p)
	}
	if err := productRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to load products for store %s: %w", storeID, err)
	}

	versionRows, err := db.reader.QueryContext(ctx,
		`SELECT product_id, version_id, version_name FROM product_version
		 WHERE store_id = ? ORDER BY product_id, version_id`,
		storeID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load versions for store %s: %w", storeID, err)
	}
	defer versionRows.Close()

	var versions []VersionRow
	for versionRows.Next() {
		var v VersionRow
		if err := versionRows.Scan(&v.ProductID, &v.VersionID, &v.VersionName); err != nil {
			return nil, nil, fmt.Errorf("failed to scan version row: %w", err)
		}
		versions = append(versions, v)
	}
	if err := versionRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to load versions for store %s: %w", storeID, err)
	}

	return products, versions, nil
}

// CountCatalog reports how many products and versions are mirrored for
// one store.
func (db *DB) CountCatalog(ctx context.Context, storeID string) (products, versions int64, err error) {
	err = db.reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM product WHERE store_id = ?`, storeID).Scan(&products)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count products for store %s: %w", storeID, err)
	}
	err = db.reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM product_version WHERE store_id = ?`, storeID).Scan(&versions)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count versions for store %s: %w", storeID, err)
	}
	return products, versions, nil
}
