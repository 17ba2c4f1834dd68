package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zirconsol/drshaq-backend/pkg/models"
)

// CatalogReader is the read-only slice of the catalog the gateway needs
// for reference validation and name/price snapshots.
type CatalogReader interface {
	ProductsByID(ctx context.Context, ids []string) (map[string]models.ProductRef, error)
	CatalogExists(ctx context.Context, id string) (bool, error)
}

type CatalogRepo struct {
	DB DB
}

func (r *CatalogRepo) ProductsByID(ctx context.Context, ids []string) (map[string]models.ProductRef, error) {
	out := map[string]models.ProductRef{}
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.DB.Query(ctx, `
		SELECT id, name, price_cents FROM products WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var ref models.ProductRef
		if err := rows.Scan(&ref.ID, &ref.Name, &ref.PriceCents); err != nil {
			return nil, err
		}
		out[ref.ID] = ref
	}
	return out, rows.Err()
}

func (r *CatalogRepo) CatalogExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM catalogs WHERE id=$1)`, id).Scan(&exists)
	return exists, err
}

// CachedCatalog puts a short TTL cache in front of product lookups. Only
// positive hits are cached; a missing product always goes back to the
// database so newly published products become referenceable immediately.
type CachedCatalog struct {
	Inner CatalogReader
	Cache Cache
	TTL   time.Duration
}

func NewCachedCatalog(inner CatalogReader, cache Cache) *CachedCatalog {
	return &CachedCatalog{Inner: inner, Cache: cache, TTL: 5 * time.Minute}
}

func (c *CachedCatalog) ProductsByID(ctx context.Context, ids []string) (map[string]models.ProductRef, error) {
	out := map[string]models.ProductRef{}
	missing := []string{}
	for _, id := range ids {
		raw, err := c.Cache.Get(ctx, "catalog:product:"+id)
		if err != nil || raw == "" {
			missing = append(missing, id)
			continue
		}
		var ref models.ProductRef
		if json.Unmarshal([]byte(raw), &ref) != nil {
			missing = append(missing, id)
			continue
		}
		out[id] = ref
	}
	if len(missing) == 0 {
		return out, nil
	}
	fetched, err := c.Inner.ProductsByID(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, ref := range fetched {
		out[id] = ref
		if encoded, err := json.Marshal(ref); err == nil {
			_ = c.Cache.Set(ctx, "catalog:product:"+id, string(encoded), c.TTL)
		}
	}
	return out, nil
}

func (c *CachedCatalog) CatalogExists(ctx context.Context, id string) (bool, error) {
	raw, err := c.Cache.Get(ctx, "catalog:exists:"+id)
	if err == nil && raw == "1" {
		return true, nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		// Cache trouble is not a reason to fail validation.
		return c.Inner.CatalogExists(ctx, id)
	}
	exists, err := c.Inner.CatalogExists(ctx, id)
	if err != nil {
		return false, err
	}
	if exists {
		_ = c.Cache.Set(ctx, "catalog:exists:"+id, "1", c.TTL)
	}
	return exists, nil
}
