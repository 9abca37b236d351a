package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"control_plane/internal/models"
	"control_plane/pkg/apperrors"
)

const positionColumns = `id, watchlist_id, instance_id, symbol_id, direction, quantity,
	entry_price, current_price, exit_price, target_price, sl_price,
	trailing_stop_price, trailing_activated, highest_price_seen, lowest_price_seen,
	status, is_closed, exit_reason, pnl, entered_at, exited_at`

func scanPosition(row interface{ Scan(...interface{}) error }) (*models.WatchlistPosition, error) {
	var (
		p                                    models.WatchlistPosition
		entry, current, exit                 sql.NullString
		target, sl, trailing, highest, lower sql.NullString
		pnl                                  sql.NullString
		trailingActivated, isClosed          int
		enteredAt, exitedAt                  sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.WatchlistID, &p.InstanceID, &p.SymbolID, &p.Direction, &p.Quantity,
		&entry, &current, &exit, &target, &sl,
		&trailing, &trailingActivated, &highest, &lower,
		&p.Status, &isClosed, &p.ExitReason, &pnl, &enteredAt, &exitedAt,
	)
	if err != nil {
		return nil, err
	}
	p.EntryPrice = scanDec(entry)
	p.CurrentPrice = scanDec(current)
	p.ExitPrice = scanDec(exit)
	p.TargetPrice = scanDec(target)
	p.SLPrice = scanDec(sl)
	p.TrailingStopPrice = scanDec(trailing)
	p.HighestPriceSeen = scanDec(highest)
	p.LowestPriceSeen = scanDec(lower)
	p.PnL = scanDec(pnl)
	p.TrailingActivated = trailingActivated != 0
	p.IsClosed = isClosed != 0
	p.EnteredAt = scanTS(enteredAt)
	p.ExitedAt = scanTS(exitedAt)
	return &p, nil
}

// CreatePosition records a new tracked position, usually PENDING until
// the entry leg fills.
func (s *Store) CreatePosition(ctx context.Context, p *models.WatchlistPosition) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO watchlist_positions
			(watchlist_id, instance_id, symbol_id, direction, quantity,
			 entry_price, current_price, target_price, sl_price,
			 trailing_stop_price, trailing_activated, highest_price_seen, lowest_price_seen,
			 status, is_closed, exit_reason, pnl, entered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.WatchlistID, p.InstanceID, p.SymbolID, string(p.Direction), p.Quantity,
		decText(p.EntryPrice), decText(p.CurrentPrice),
		decText(p.TargetPrice), decText(p.SLPrice),
		decText(p.TrailingStopPrice), boolInt(p.TrailingActivated),
		decText(p.HighestPriceSeen), decText(p.LowestPriceSeen),
		string(p.Status), boolInt(p.IsClosed), string(p.ExitReason), decText(p.PnL),
		tsText(p.EnteredAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetPosition loads one tracked position.
func (s *Store) GetPosition(ctx context.Context, id int64) (*models.WatchlistPosition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM watchlist_positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("position not found")
	}
	return p, err
}

// FindOpenPosition looks up the non-closed position for one
// (watchlist, instance, symbol) triple.
func (s *Store) FindOpenPosition(ctx context.Context, watchlistID, instanceID, symbolID int64) (*models.WatchlistPosition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM watchlist_positions
		 WHERE watchlist_id = ? AND instance_id = ? AND symbol_id = ? AND is_closed = 0
		 ORDER BY id DESC LIMIT 1`,
		watchlistID, instanceID, symbolID)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListOpenPositions returns all non-closed positions, optionally scoped
// to a watchlist.
func (s *Store) ListOpenPositions(ctx context.Context, watchlistID int64) ([]*models.WatchlistPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM watchlist_positions WHERE is_closed = 0`
	args := []interface{}{}
	if watchlistID != 0 {
		query += ` AND watchlist_id = ?`
		args = append(args, watchlistID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WatchlistPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPositions returns the most recent positions for display.
func (s *Store) ListPositions(ctx context.Context, watchlistID int64, limit int) ([]*models.WatchlistPosition, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + positionColumns + ` FROM watchlist_positions`
	args := []interface{}{}
	if watchlistID != 0 {
		query += ` WHERE watchlist_id = ?`
		args = append(args, watchlistID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WatchlistPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePosition persists the whole mutable state of a position. The
// reconciler calls this after transitions and trailing updates.
func (s *Store) UpdatePosition(ctx context.Context, p *models.WatchlistPosition) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE watchlist_positions SET
			direction = ?, quantity = ?, entry_price = ?, current_price = ?,
			exit_price = ?, target_price = ?, sl_price = ?,
			trailing_stop_price = ?, trailing_activated = ?,
			highest_price_seen = ?, lowest_price_seen = ?,
			status = ?, is_closed = ?, exit_reason = ?, pnl = ?,
			entered_at = ?, exited_at = ?
		 WHERE id = ?`,
		string(p.Direction), p.Quantity, decText(p.EntryPrice), decText(p.CurrentPrice),
		decText(p.ExitPrice), decText(p.TargetPrice), decText(p.SLPrice),
		decText(p.TrailingStopPrice), boolInt(p.TrailingActivated),
		decText(p.HighestPriceSeen), decText(p.LowestPriceSeen),
		string(p.Status), boolInt(p.IsClosed), string(p.ExitReason), decText(p.PnL),
		tsText(p.EnteredAt), tsText(p.ExitedAt),
		p.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.NotFound("position not found")
	}
	return nil
}

// MarkPositionClosed finalizes a position with its exit details.
func (s *Store) MarkPositionClosed(ctx context.Context, id int64, exitPrice, pnl decimal.Decimal, reason models.ExitReason) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE watchlist_positions
		 SET status = ?, is_closed = 1, exit_price = ?, pnl = ?, exit_reason = ?, exited_at = ?
		 WHERE id = ? AND is_closed = 0`,
		string(models.PositionClosed), decText(exitPrice), decText(pnl),
		string(reason), tsText(time.Now()), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.NotFound("open position not found")
	}
	return nil
}
