package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
	"github.com/rs/zerolog/log"
)

const symbolColumns = `id, asset_class, symbol, display_name, exchange,
	is_active, metadata, created_at, updated_at`

type symbolRow struct {
	ID          int64     `db:"id"`
	AssetClass  string    `db:"asset_class"`
	Symbol      string    `db:"symbol"`
	DisplayName string    `db:"display_name"`
	Exchange    string    `db:"exchange"`
	IsActive    bool      `db:"is_active"`
	Metadata    []byte    `db:"metadata"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r symbolRow) symbol() models.Symbol {
	s := models.Symbol{
		ID:          r.ID,
		AssetClass:  models.AssetClass(r.AssetClass),
		Symbol:      r.Symbol,
		DisplayName: r.DisplayName,
		Exchange:    r.Exchange,
		IsActive:    r.IsActive,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &s.Metadata); err != nil {
			log.Warn().Err(err).Str("symbol", r.Symbol).Msg("dropping unreadable symbol metadata")
		}
	}
	return s
}

// GetActiveSymbols returns the active catalog entries, optionally filtered
// by exchange and asset class. Empty filter strings match everything.
func (m *Manager) GetActiveSymbols(ctx context.Context, exchange string, assetClass models.AssetClass) ([]models.Symbol, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	query := `SELECT ` + symbolColumns + ` FROM symbols WHERE is_active = true`
	args := []any{}
	if exchange != "" {
		args = append(args, exchange)
		query += fmt.Sprintf(" AND exchange = $%d", len(args))
	}
	if assetClass != "" {
		args = append(args, string(assetClass))
		query += fmt.Sprintf(" AND asset_class = $%d", len(args))
	}
	query += " ORDER BY asset_class, symbol"

	start := time.Now()
	var rows []symbolRow
	err := m.db.SelectContext(ctx, &rows, query, args...)
	m.observe("select", "symbols", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query active symbols: %w", err)
	}

	symbols := make([]models.Symbol, 0, len(rows))
	for _, r := range rows {
		symbols = append(symbols, r.symbol())
	}
	return symbols, nil
}

// GetSymbol fetches one catalog entry by (symbol, exchange).
func (m *Manager) GetSymbol(ctx context.Context, symbol, exchange string) (*models.Symbol, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	query := `
		SELECT ` + symbolColumns + `
		FROM symbols
		WHERE symbol = $1 AND exchange = $2`

	start := time.Now()
	var row symbolRow
	err := m.db.GetContext(ctx, &row, query, symbol, exchange)
	m.observe("select", "symbols", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query symbol: %w", err)
	}
	s := row.symbol()
	return &s, nil
}

// UpsertSymbol inserts or refreshes a catalog entry keyed by
// (asset_class, symbol, exchange) and returns its id.
func (m *Manager) UpsertSymbol(ctx context.Context, s models.Symbol) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	meta := s.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("failed to encode symbol metadata: %w", err)
	}

	query := `
		INSERT INTO symbols (asset_class, symbol, display_name, exchange, is_active, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (asset_class, symbol, exchange) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    is_active = EXCLUDED.is_active,
		    metadata = EXCLUDED.metadata,
		    updated_at = NOW()
		RETURNING id`

	start := time.Now()
	var id int64
	err = m.db.GetContext(ctx, &id, query,
		string(s.AssetClass), s.Symbol, s.DisplayName, s.Exchange, s.IsActive, raw,
	)
	m.observe("upsert", "symbols", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert symbol: %w", err)
	}
	return id, nil
}

// SetSymbolActive toggles collection for a symbol. Deactivation is the only
// removal path; rows are never deleted.
func (m *Manager) SetSymbolActive(ctx context.Context, symbol, exchange string, active bool) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	query := `
		UPDATE symbols
		SET is_active = $1, updated_at = NOW()
		WHERE symbol = $2 AND exchange = $3`

	start := time.Now()
	res, err := m.db.ExecContext(ctx, query, active, symbol, exchange)
	m.observe("update", "symbols", start, err)
	if err != nil {
		return fmt.Errorf("failed to update symbol state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
