package store

import (
	"context"
	"database/sql"
	"time"

	"control_plane/internal/models"
)

const marketDataColumns = `exchange, symbol, token, ltp, open, high, low, close,
	volume, bid_price, bid_qty, ask_price, ask_qty, last_updated, data_source`

func scanMarketData(row interface{ Scan(...interface{}) error }) (*models.MarketDataRow, error) {
	var (
		m                               models.MarketDataRow
		ltp, open, high, low, closeP    sql.NullString
		bidPrice, askPrice, lastUpdated sql.NullString
	)
	err := row.Scan(
		&m.Exchange, &m.Symbol, &m.Token, &ltp, &open, &high, &low, &closeP,
		&m.Volume, &bidPrice, &m.BidQty, &askPrice, &m.AskQty, &lastUpdated, &m.DataSource,
	)
	if err != nil {
		return nil, err
	}
	m.LTP = scanDec(ltp)
	m.Open = scanDec(open)
	m.High = scanDec(high)
	m.Low = scanDec(low)
	m.Close = scanDec(closeP)
	m.BidPrice = scanDec(bidPrice)
	m.AskPrice = scanDec(askPrice)
	m.LastUpdated = scanTS(lastUpdated)
	return &m, nil
}

// UpsertMarketData replaces the persisted quote for (exchange, symbol).
// The in-memory cache is authoritative at runtime; this table survives
// restarts for the dashboard's first paint.
func (s *Store) UpsertMarketData(ctx context.Context, m *models.MarketDataRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO market_data
			(exchange, symbol, token, ltp, open, high, low, close,
			 volume, bid_price, bid_qty, ask_price, ask_qty, last_updated, data_source)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(exchange, symbol) DO UPDATE SET
			token = excluded.token, ltp = excluded.ltp,
			open = excluded.open, high = excluded.high,
			low = excluded.low, close = excluded.close,
			volume = excluded.volume,
			bid_price = excluded.bid_price, bid_qty = excluded.bid_qty,
			ask_price = excluded.ask_price, ask_qty = excluded.ask_qty,
			last_updated = excluded.last_updated, data_source = excluded.data_source`,
		m.Exchange, m.Symbol, m.Token,
		decText(m.LTP), decText(m.Open), decText(m.High), decText(m.Low), decText(m.Close),
		m.Volume, decText(m.BidPrice), m.BidQty, decText(m.AskPrice), m.AskQty,
		tsText(time.Now()), m.DataSource)
	return err
}

// ListMarketData returns every persisted quote row.
func (s *Store) ListMarketData(ctx context.Context) ([]*models.MarketDataRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+marketDataColumns+` FROM market_data ORDER BY exchange, symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.MarketDataRow
	for rows.Next() {
		m, err := scanMarketData(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
