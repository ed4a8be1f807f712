package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	schemaMinorVersionKey = "schema_minor_version"
	schemaPatchVersionKey = "schema_patch_version"

	// Increment on a backwards-incompatible schema change, such as
	// deleting a column.
	schemaMinorVersion = 0
	// Increment on a backwards-compatible change, such as adding a new
	// column.
	schemaPatchVersion = 0
)

// schemaStatements creates all tables and indexes. Statements are
// idempotent so they run on every startup.
var schemaStatements = []string{
	// simple key-value settings
	`CREATE TABLE IF NOT EXISTS settings (
	     key    TEXT NOT NULL PRIMARY KEY,
	     value  ANY NOT NULL
	 ) STRICT, WITHOUT ROWID`,

	// linked stores with sealed credentials and refresh bookkeeping
	`CREATE TABLE IF NOT EXISTS store (
	     store_id                TEXT NOT NULL PRIMARY KEY,
	     display_name            TEXT,
	     api_key_sealed          TEXT NOT NULL,
	     api_key_valid           INTEGER NOT NULL DEFAULT 1,
	     last_refreshed_unix_ms  INTEGER NOT NULL DEFAULT 0,
	     created_at_unix_ms      INTEGER NOT NULL,
	     updated_at_unix_ms      INTEGER NOT NULL
	 ) STRICT, WITHOUT ROWID`,

	// disk mirror of product names
	`CREATE TABLE IF NOT EXISTS product (
	     store_id      TEXT NOT NULL,
	     product_id    TEXT NOT NULL,
	     product_name  TEXT NOT NULL,
	     PRIMARY KEY   (store_id, product_id),
	     FOREIGN KEY   (store_id) REFERENCES store ON DELETE CASCADE
	 ) STRICT, WITHOUT ROWID`,

	// disk mirror of product version names
	`CREATE TABLE IF NOT EXISTS product_version (
	     store_id      TEXT NOT NULL,
	     product_id    TEXT NOT NULL,
	     version_id    TEXT NOT NULL,
	     version_name  TEXT NOT NULL,
	     PRIMARY KEY   (store_id, product_id, version_id),
	     FOREIGN KEY   (store_id) REFERENCES store ON DELETE CASCADE
	 ) STRICT, WITHOUT ROWID`,

	// audit mirror of activations this gateway created. Source of truth
	// is the upstream store API.
	`CREATE TABLE IF NOT EXISTS license_activation (
	     store_id            TEXT NOT NULL,
	     license_id          TEXT NOT NULL,
	     identity            TEXT NOT NULL,
	     activation_id       TEXT NOT NULL,
	     created_at_unix_ms  INTEGER NOT NULL,
	     PRIMARY KEY         (store_id, license_id, identity, activation_id),
	     FOREIGN KEY         (store_id) REFERENCES store ON DELETE CASCADE
	 ) STRICT, WITHOUT ROWID`,

	`CREATE INDEX IF NOT EXISTS activation_lookup_by_identity
	     ON license_activation (identity)`,

	`CREATE INDEX IF NOT EXISTS activation_lookup_by_license
	     ON license_activation (store_id, license_id)`,
}

// applySchema creates missing tables and enforces the version guard.
// Opening a database written by a newer incompatible build fails
// instead of silently corrupting it.
func (db *DB) applySchema(ctx context.Context) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range schemaStatements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}
		}

		minor, err := getIntSettingTx(ctx, tx, schemaMinorVersionKey, schemaMinorVersion)
		if err != nil {
			return err
		}
		patch, err := getIntSettingTx(ctx, tx, schemaPatchVersionKey, schemaPatchVersion)
		if err != nil {
			return err
		}

		if minor > schemaMinorVersion {
			return fmt.Errorf(
				"database schema is v%d.%d, newer than v%d.%d supported by this build",
				minor, patch, schemaMinorVersion, schemaPatchVersion,
			)
		}

		if err := setIntSettingTx(ctx, tx, schemaMinorVersionKey, schemaMinorVersion); err != nil {
			return err
		}
		return setIntSettingTx(ctx, tx, schemaPatchVersionKey, schemaPatchVersion)
	})
}

// SchemaVersion reports the persisted schema version.
func (db *DB) SchemaVersion(ctx context.Context) (minor, patch int64, err error) {
	minor, err = db.getIntSetting(ctx, schemaMinorVersionKey)
	if err != nil {
		return 0, 0, err
	}
	patch, err = db.getIntSetting(ctx, schemaPatchVersionKey)
	if err != nil {
		return 0, 0, err
	}
	return minor, patch, nil
}

func (db *DB) getIntSetting(ctx context.Context, key string) (int64, error) {
	var value int64
	err := db.reader.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

func getIntSettingTx(ctx context.Context, tx *sql.Tx, key string, fallback int64) (int64, error) {
	var value int64
	err := tx.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

func setIntSettingTx(ctx context.Context, tx *sql.Tx, key string, value int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// GetSetting reads a string setting. ErrNotFound when absent.
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := db.reader.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting writes a string setting.
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := db.writer.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}
