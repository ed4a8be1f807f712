// Package catalog keeps each linked store's product metadata in memory
// for instant autocomplete lookups, with SQLite behind it so a restart
// comes back warm instead of empty.
//
// Entries are immutable snapshots. Replace installs a whole new entry
// per store; readers holding the previous snapshot keep a consistent
// view for as long as they need it. The invalid flag rides next to the
// entry and never blocks reads.
package catalog

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"keygate/internal/infrastructure"
	"keygate/internal/sqlite"
)

// Product is one sellable item in a store's catalog.
type Product struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Version is one version of a product.
type Version struct {
	ProductID string `json:"product_id"`
	ID        string `json:"id"`
	Name      string `json:"name"`
}

// Entry is one store's cached catalog. Treat it as read-only; Replace
// swaps in a fresh one instead of mutating.
type Entry struct {
	Products      []Product
	Versions      []Version
	LastRefreshed time.Time
}

// StoreStatus summarizes one store for operator listings.
type StoreStatus struct {
	StoreID       string    `json:"store_id"`
	ProductCount  int       `json:"product_count"`
	VersionCount  int       `json:"version_count"`
	LastRefreshed time.Time `json:"last_refreshed"`
	Invalid       bool      `json:"credentials_invalid"`
}

// Persistence is the slice of the database the cache reads at startup
// and writes through to.
type Persistence interface {
	ReplaceCatalog(ctx context.Context, storeID string, products []sqlite.ProductRow, versions []sqlite.VersionRow, refreshedUnixMs int64) error
	LoadCatalog(ctx context.Context, storeID string) ([]sqlite.ProductRow, []sqlite.VersionRow, error)
	ListStores(ctx context.Context) ([]*sqlite.StoreRow, error)
	SetAPIKeyValid(ctx context.Context, storeID string, valid bool) error
}

type record struct {
	entry   *Entry
	invalid bool
}

// Cache is the concurrency-safe per-store catalog map.
type Cache struct {
	mu      sync.RWMutex
	records map[string]*record
	db      Persistence
	metrics *infrastructure.Metrics
	logger  *slog.Logger
}

// NewCache creates an empty cache. db may be nil for tests that do not
// need persistence.
func NewCache(db Persistence, metrics *infrastructure.Metrics, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		records: make(map[string]*record),
		db:      db,
		metrics: metrics,
		logger:  logger,
	}
}

// Load rehydrates every linked store from persistence. Stores that were
// never refreshed get a record with no entry so their invalid flag is
// still tracked. Returns the number of stores loaded.
func (c *Cache) Load(ctx context.Context) (int, error) {
	if c.db == nil {
		return 0, nil
	}

	rows, err := c.db.ListStores(ctx)
	if err != nil {
		return 0, err
	}

	for _, row := range rows {
		productRows, versionRows, err := c.db.LoadCatalog(ctx, row.StoreID)
		if err != nil {
			return 0, err
		}

		var entry *Entry
		if row.LastRefreshedUnixMs > 0 || len(productRows) > 0 || len(versionRows) > 0 {
			entry = buildEntry(fromProductRows(productRows), fromVersionRows(versionRows), unixMsTime(row.LastRefreshedUnixMs))
		}
		invalid := !row.APIKeyValid

		c.mu.Lock()
		c.records[row.StoreID] = &record{entry: entry, invalid: invalid}
		c.mu.Unlock()

		c.adjustGauges(ctx, row.StoreID, int64(entryProductCount(entry)), int64(entryVersionCount(entry)))
		if invalid {
			c.adjustInvalid(ctx, 1)
		}

		c.logger.DebugContext(ctx, "catalog loaded from storage",
			"store_id", row.StoreID,
			"products", entryProductCount(entry),
			"versions", entryVersionCount(entry),
			"credentials_invalid", invalid)
	}

	return len(rows), nil
}

// Get returns the store's current catalog snapshot. The second return
// is false when the store is unknown or has never been refreshed.
func (c *Cache) Get(storeID string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[storeID]
	if !ok || rec.entry == nil {
		return nil, false
	}
	return rec.entry, true
}

// Replace installs a new catalog snapshot for the store and writes it
// through to persistence. On a persistence failure nothing changes in
// memory, so memory never claims data a restart would lose.
func (c *Cache) Replace(ctx context.Context, storeID string, products []Product, versions []Version, refreshedAt time.Time) (*Entry, error) {
	entry := buildEntry(products, versions, refreshedAt)

	if c.db != nil {
		err := c.db.ReplaceCatalog(ctx, storeID, toProductRows(entry.Products), toVersionRows(entry.Versions), refreshedAt.UnixMilli())
		if err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	rec, ok := c.records[storeID]
	if !ok {
		rec = &record{}
		c.records[storeID] = rec
	}
	previous := rec.entry
	rec.entry = entry
	c.mu.Unlock()

	c.adjustGauges(ctx, storeID,
		int64(len(entry.Products)-entryProductCount(previous)),
		int64(len(entry.Versions)-entryVersionCount(previous)))

	return entry, nil
}

// MarkInvalid flags the store's credentials as rejected by the
// upstream. Cached data keeps serving; only refreshes stop.
func (c *Cache) MarkInvalid(ctx context.Context, storeID string) {
	c.setInvalid(ctx, storeID, true)
}

// ClearInvalid removes the rejected-credentials flag after a refresh
// succeeds again.
func (c *Cache) ClearInvalid(ctx context.Context, storeID string) {
	c.setInvalid(ctx, storeID, false)
}

func (c *Cache) setInvalid(ctx context.Context, storeID string, invalid bool) {
	c.mu.Lock()
	rec, ok := c.records[storeID]
	if !ok {
		rec = &record{}
		c.records[storeID] = rec
	}
	changed := rec.invalid != invalid
	rec.invalid = invalid
	c.mu.Unlock()

	if !changed {
		return
	}
	if invalid {
		c.adjustInvalid(ctx, 1)
	} else {
		c.adjustInvalid(ctx, -1)
	}

	// Persisting outside the lock keeps flag writes off the read path.
	if c.db != nil {
		if err := c.db.SetAPIKeyValid(ctx, storeID, !invalid); err != nil {
			c.logger.ErrorContext(ctx, "failed to persist credential flag",
				"store_id", storeID, "invalid", invalid, "error", err)
		}
	}
}

// IsInvalid reports whether the store's credentials are currently
// flagged.
func (c *Cache) IsInvalid(storeID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[storeID]
	return ok && rec.invalid
}

// Remove drops the store from memory. Persistence cleanup is the
// owner's job; unlinking a store cascades its rows in the database.
func (c *Cache) Remove(ctx context.Context, storeID string) {
	c.mu.Lock()
	rec, ok := c.records[storeID]
	if ok {
		delete(c.records, storeID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	c.adjustGauges(ctx, storeID,
		-int64(entryProductCount(rec.entry)),
		-int64(entryVersionCount(rec.entry)))
	if rec.invalid {
		c.adjustInvalid(ctx, -1)
	}
}

// Snapshot lists every known store's status, ordered by store ID.
func (c *Cache) Snapshot() []StoreStatus {
	c.mu.RLock()
	statuses := make([]StoreStatus, 0, len(c.records))
	for storeID, rec := range c.records {
		status := StoreStatus{
			StoreID:      storeID,
			ProductCount: entryProductCount(rec.entry),
			VersionCount: entryVersionCount(rec.entry),
			Invalid:      rec.invalid,
		}
		if rec.entry != nil {
			status.LastRefreshed = rec.entry.LastRefreshed
		}
		statuses = append(statuses, status)
	}
	c.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].StoreID < statuses[j].StoreID
	})
	return statuses
}

// Autocomplete returns up to limit products whose names start with
// prefix, matched case-insensitively. An empty prefix matches every
// product. limit <= 0 means no limit.
func (c *Cache) Autocomplete(storeID, prefix string, limit int) []Product {
	entry, ok := c.Get(storeID)
	if !ok {
		return nil
	}

	needle := strings.ToLower(prefix)

	// Products are ordered by lowercased name, so every match sits in
	// one contiguous run starting at the first name >= the prefix.
	start := sort.Search(len(entry.Products), func(i int) bool {
		return strings.ToLower(entry.Products[i].Name) >= needle
	})

	var matches []Product
	for i := start; i < len(entry.Products); i++ {
		if !strings.HasPrefix(strings.ToLower(entry.Products[i].Name), needle) {
			break
		}
		matches = append(matches, entry.Products[i])
		if limit > 0 && len(matches) == limit {
			break
		}
	}
	return matches
}

func (c *Cache) adjustGauges(ctx context.Context, storeID string, productDelta, versionDelta int64) {
	if c.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("store_id", storeID))
	if productDelta != 0 {
		c.metrics.CatalogProducts.Add(ctx, productDelta, attrs)
	}
	if versionDelta != 0 {
		c.metrics.CatalogVersions.Add(ctx, versionDelta, attrs)
	}
}

func (c *Cache) adjustInvalid(ctx context.Context, delta int64) {
	if c.metrics == nil {
		return
	}
	c.metrics.InvalidCredentials.Add(ctx, delta)
}

// buildEntry sorts the catalog into its canonical order: products by
// lowercased name (autocomplete relies on the contiguity of prefix
// runs), versions by product then version ID.
func buildEntry(products []Product, versions []Version, refreshedAt time.Time) *Entry {
	sortedProducts := append([]Product(nil), products...)
	sort.Slice(sortedProducts, func(i, j int) bool {
		ni, nj := strings.ToLower(sortedProducts[i].Name), strings.ToLower(sortedProducts[j].Name)
		if ni != nj {
			return ni < nj
		}
		return sortedProducts[i].ID < sortedProducts[j].ID
	})

	sortedVersions := append([]Version(nil), versions...)
	sort.Slice(sortedVersions, func(i, j int) bool {
		if sortedVersions[i].ProductID != sortedVersions[j].ProductID {
			return sortedVersions[i].ProductID < sortedVersions[j].ProductID
		}
		return sortedVersions[i].ID < sortedVersions[j].ID
	})

	return &Entry{
		Products:      sortedProducts,
		Versions:      sortedVersions,
		LastRefreshed: refreshedAt,
	}
}

func entryProductCount(entry *Entry) int {
	if entry == nil {
		return 0
	}
	return len(entry.Products)
}

func entryVersionCount(entry *Entry) int {
	if entry == nil {
		return 0
	}
	return len(entry.Versions)
}

func unixMsTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toProductRows(products []Product) []sqlite.ProductRow {
	rows := make([]sqlite.ProductRow, len(products))
	for i, product := range products {
		rows[i] = sqlite.ProductRow{ProductID: product.ID, ProductName: product.Name}
	}
	return rows
}

func toVersionRows(versions []Version) []sqlite.VersionRow {
	rows := make([]sqlite.VersionRow, len(versions))
	for i, version := range versions {
		rows[i] = sqlite.VersionRow{ProductID: version.ProductID, VersionID: version.ID, VersionName: version.Name}
	}
	return rows
}

func fromProductRows(rows []sqlite.ProductRow) []Product {
	products := make([]Product, len(rows))
	for i, row := range rows {
		products[i] = Product{ID: row.ProductID, Name: row.ProductName}
	}
	return products
}

func fromVersionRows(rows []sqlite.VersionRow) []Version {
	versions := make([]Version, len(rows))
	for i, row := range rows {
		versions[i] = Version{ProductID: row.ProductID, ID: row.VersionID, Name: row.VersionName}
	}
	return versions
}
