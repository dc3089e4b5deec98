// Package catalog owns the symbol universe. The database is the source of
// truth; a refreshed in-memory snapshot serves the hot read path and the
// api:symbols:all Redis key serves the REST surface.
package catalog

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"

	"github.com/mytechsonamy/crypto-stock-platform/internal/cache"
	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
	"github.com/mytechsonamy/crypto-stock-platform/internal/store"
)

// CacheTTL bounds how stale the REST symbol listing may get.
const CacheTTL = time.Hour

// Store is the subset of the persistence layer the catalog uses.
type Store interface {
	GetActiveSymbols(ctx context.Context, exchange string, assetClass models.AssetClass) ([]models.Symbol, error)
	UpsertSymbol(ctx context.Context, s models.Symbol) (int64, error)
	SetSymbolActive(ctx context.Context, symbol, exchange string, active bool) error
}

// Cache is the subset of the Redis layer the catalog uses.
type Cache interface {
	CacheSymbols(ctx context.Context, symbols []models.Symbol, ttl time.Duration) error
	GetCachedSymbols(ctx context.Context) ([]models.Symbol, error)
}

// Catalog serves symbol lookups from an in-memory snapshot and keeps the
// Redis listing warm.
type Catalog struct {
	store Store
	cache Cache

	mu       sync.RWMutex
	snapshot []models.Symbol
}

func New(st Store, ca Cache) *Catalog {
	return &Catalog{store: st, cache: ca}
}

// Refresh reloads the active set from the database and rewrites the Redis
// listing. Collectors call this at startup; mutations call it afterwards.
func (c *Catalog) Refresh(ctx context.Context) error {
	symbols, err := c.store.GetActiveSymbols(ctx, "", "")
	if err != nil {
		return fmt.Errorf("failed to refresh symbol catalog: %w", err)
	}

	c.mu.Lock()
	c.snapshot = symbols
	c.mu.Unlock()

	if c.cache != nil {
		if err := c.cache.CacheSymbols(ctx, symbols, CacheTTL); err != nil {
			log.Warn().Err(err).Msg("failed to cache symbol listing")
		}
	}

	log.Info().Int("count", len(symbols)).Msg("Symbol catalog refreshed")
	return nil
}

// ActiveSymbols returns the current snapshot, loading it on first use.
func (c *Catalog) ActiveSymbols(ctx context.Context) ([]models.Symbol, error) {
	c.mu.RLock()
	snap := c.snapshot
	c.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot, nil
}

// SymbolsForExchange returns the active symbol strings one venue collects.
func (c *Catalog) SymbolsForExchange(ctx context.Context, exchange string) ([]string, error) {
	all, err := c.ActiveSymbols(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range all {
		if s.Exchange == exchange {
			out = append(out, s.Symbol)
		}
	}
	return out, nil
}

// GroupedByExchange returns the active set keyed by venue, the shape the
// REST listing uses. Tries the Redis listing first so API replicas do not
// all hit the database.
func (c *Catalog) GroupedByExchange(ctx context.Context) (map[string][]models.Symbol, error) {
	var symbols []models.Symbol
	if c.cache != nil {
		cached, err := c.cache.GetCachedSymbols(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("symbol listing cache read failed")
		}
		symbols = cached
	}
	if symbols == nil {
		var err error
		symbols, err = c.ActiveSymbols(ctx)
		if err != nil {
			return nil, err
		}
	}

	grouped := make(map[string][]models.Symbol)
	for _, s := range symbols {
		grouped[s.Exchange] = append(grouped[s.Exchange], s)
	}
	return grouped, nil
}

// Enable turns collection on for a symbol.
func (c *Catalog) Enable(ctx context.Context, symbol, exchange string) error {
	if err := c.store.SetSymbolActive(ctx, symbol, exchange, true); err != nil {
		return err
	}
	return c.Refresh(ctx)
}

// Disable turns collection off. Rows stay in place so history keeps its
// referent.
func (c *Catalog) Disable(ctx context.Context, symbol, exchange string) error {
	if err := c.store.SetSymbolActive(ctx, symbol, exchange, false); err != nil {
		return err
	}
	return c.Refresh(ctx)
}

// seedFile is the YAML shape of config/symbols.yaml.
type seedFile struct {
	Symbols []seedSymbol `yaml:"symbols"`
}

type seedSymbol struct {
	AssetClass  string            `yaml:"asset_class"`
	Symbol      string            `yaml:"symbol"`
	DisplayName string            `yaml:"display_name"`
	Exchange    string            `yaml:"exchange"`
	Metadata    map[string]string `yaml:"metadata"`
}

// Seed upserts the symbols declared in a YAML file and refreshes the
// snapshot. Existing rows keep their id; display names and metadata are
// overwritten.
func (c *Catalog) Seed(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read symbol seed file %s: %w", path, err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse symbol seed file: %w", err)
	}

	for _, s := range seed.Symbols {
		if s.Symbol == "" || s.Exchange == "" || s.AssetClass == "" {
			return fmt.Errorf("seed entry missing asset_class/symbol/exchange: %+v", s)
		}
		meta := make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			meta[k] = v
		}
		id, err := c.store.UpsertSymbol(ctx, models.Symbol{
			AssetClass:  models.AssetClass(s.AssetClass),
			Symbol:      s.Symbol,
			DisplayName: s.DisplayName,
			Exchange:    s.Exchange,
			IsActive:    true,
			Metadata:    meta,
		})
		if err != nil {
			return fmt.Errorf("failed to seed symbol %s/%s: %w", s.Exchange, s.Symbol, err)
		}
		log.Debug().Str("symbol", s.Symbol).Str("exchange", s.Exchange).Int64("id", id).Msg("seeded symbol")
	}

	log.Info().Int("count", len(seed.Symbols)).Str("path", path).Msg("Symbol seed applied")
	return c.Refresh(ctx)
}

var _ Store = (*store.Manager)(nil)
var _ Cache = (*cache.Cache)(nil)
