package store

import (
	"context"
	"database/sql"
	"errors"

	"control_plane/internal/models"
	"control_plane/pkg/apperrors"
)

// CreateWatchlist inserts a watchlist header.
func (s *Store) CreateWatchlist(ctx context.Context, w *models.Watchlist) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO watchlists (name, description, is_active) VALUES (?, ?, ?)`,
		w.Name, w.Description, boolInt(w.IsActive))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetWatchlist loads one watchlist header.
func (s *Store) GetWatchlist(ctx context.Context, id int64) (*models.Watchlist, error) {
	var (
		w        models.Watchlist
		isActive int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, is_active FROM watchlists WHERE id = ?`, id).
		Scan(&w.ID, &w.Name, &w.Description, &isActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("watchlist not found")
	}
	if err != nil {
		return nil, err
	}
	w.IsActive = isActive != 0
	return &w, nil
}

// ListWatchlists returns all watchlist headers ordered by id.
func (s *Store) ListWatchlists(ctx context.Context) ([]*models.Watchlist, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, is_active FROM watchlists ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Watchlist
	for rows.Next() {
		var (
			w        models.Watchlist
			isActive int
		)
		if err := rows.Scan(&w.ID, &w.Name, &w.Description, &isActive); err != nil {
			return nil, err
		}
		w.IsActive = isActive != 0
		out = append(out, &w)
	}
	return out, rows.Err()
}

// UpdateWatchlist applies an operator edit to the header.
func (s *Store) UpdateWatchlist(ctx context.Context, w *models.Watchlist) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE watchlists SET name = ?, description = ?, is_active = ? WHERE id = ?`,
		w.Name, w.Description, boolInt(w.IsActive), w.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.NotFound("watchlist not found")
	}
	return nil
}

// DeleteWatchlist removes the watchlist and cascades symbols and bindings.
func (s *Store) DeleteWatchlist(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM watchlists WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.NotFound("watchlist not found")
	}
	return nil
}

const symbolColumns = `id, watchlist_id, exchange, symbol, token, lot_size,
	qty_mode, qty_value, qty_units, min_qty_per_click, max_qty_per_click,
	capital_ceiling_per_trade, contract_multiplier, rounding,
	product_type, order_type,
	can_trade_equity, can_trade_futures, can_trade_options,
	options_strike_offset, options_expiry_mode,
	target_type, target_value, sl_type, sl_value, ts_type, ts_value,
	trailing_activation_type, trailing_activation_value,
	max_position_size, max_instances, is_enabled`

func scanSymbol(row interface{ Scan(...interface{}) error }) (*models.WatchlistSymbol, error) {
	var (
		sym                                     models.WatchlistSymbol
		qtyValue, capCeiling, multiplier        sql.NullString
		targetValue, slValue, tsValue, actValue sql.NullString
		canEq, canFut, canOpt, enabled          int
	)
	err := row.Scan(
		&sym.ID, &sym.WatchlistID, &sym.Exchange, &sym.Symbol, &sym.Token, &sym.LotSize,
		&sym.QtyMode, &qtyValue, &sym.QtyUnits, &sym.MinQtyPerClick, &sym.MaxQtyPerClick,
		&capCeiling, &multiplier, &sym.Rounding,
		&sym.ProductType, &sym.OrderType,
		&canEq, &canFut, &canOpt,
		&sym.OptionsStrikeOffset, &sym.OptionsExpiryMode,
		&sym.TargetType, &targetValue, &sym.SLType, &slValue, &sym.TSType, &tsValue,
		&sym.TrailingActivationType, &actValue,
		&sym.MaxPositionSize, &sym.MaxInstances, &enabled,
	)
	if err != nil {
		return nil, err
	}
	sym.QtyValue = scanDec(qtyValue)
	sym.CapitalCeilingPerTrade = scanDec(capCeiling)
	sym.ContractMultiplier = scanDec(multiplier)
	sym.TargetValue = scanDec(targetValue)
	sym.SLValue = scanDec(slValue)
	sym.TSValue = scanDec(tsValue)
	sym.TrailingActivationValue = scanDec(actValue)
	sym.CanTradeEquity = canEq != 0
	sym.CanTradeFutures = canFut != 0
	sym.CanTradeOptions = canOpt != 0
	sym.IsEnabled = enabled != 0
	return &sym, nil
}

// AddSymbol inserts a symbol row under a watchlist.
func (s *Store) AddSymbol(ctx context.Context, sym *models.WatchlistSymbol) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO watchlist_symbols
			(watchlist_id, exchange, symbol, token, lot_size,
			 qty_mode, qty_value, qty_units, min_qty_per_click, max_qty_per_click,
			 capital_ceiling_per_trade, contract_multiplier, rounding,
			 product_type, order_type,
			 can_trade_equity, can_trade_futures, can_trade_options,
			 options_strike_offset, options_expiry_mode,
			 target_type, target_value, sl_type, sl_value, ts_type, ts_value,
			 trailing_activation_type, trailing_activation_value,
			 max_position_size, max_instances, is_enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sym.WatchlistID, sym.Exchange, sym.Symbol, sym.Token, sym.LotSize,
		string(sym.QtyMode), decText(sym.QtyValue), string(sym.QtyUnits),
		sym.MinQtyPerClick, sym.MaxQtyPerClick,
		decText(sym.CapitalCeilingPerTrade), decText(sym.ContractMultiplier), string(sym.Rounding),
		sym.ProductType, sym.OrderType,
		boolInt(sym.CanTradeEquity), boolInt(sym.CanTradeFutures), boolInt(sym.CanTradeOptions),
		sym.OptionsStrikeOffset, sym.OptionsExpiryMode,
		string(sym.TargetType), decText(sym.TargetValue),
		string(sym.SLType), decText(sym.SLValue),
		string(sym.TSType), decText(sym.TSValue),
		string(sym.TrailingActivationType), decText(sym.TrailingActivationValue),
		sym.MaxPositionSize, sym.MaxInstances, boolInt(sym.IsEnabled))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetSymbol loads one symbol row.
func (s *Store) GetSymbol(ctx context.Context, id int64) (*models.WatchlistSymbol, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+symbolColumns+` FROM watchlist_symbols WHERE id = ?`, id)
	sym, err := scanSymbol(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("symbol not found")
	}
	return sym, err
}

// ListSymbols returns all symbols of a watchlist.
func (s *Store) ListSymbols(ctx context.Context, watchlistID int64) ([]*models.WatchlistSymbol, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+symbolColumns+` FROM watchlist_symbols WHERE watchlist_id = ? ORDER BY id`, watchlistID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WatchlistSymbol
	for rows.Next() {
		sym, err := scanSymbol(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// ListAllSymbols returns the enabled symbols of every active watchlist.
// The market data loop polls quotes for this set.
func (s *Store) ListAllSymbols(ctx context.Context) ([]*models.WatchlistSymbol, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+symbolColumns+` FROM watchlist_symbols
		 WHERE is_enabled = 1
		   AND watchlist_id IN (SELECT id FROM watchlists WHERE is_active = 1)
		 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WatchlistSymbol
	for rows.Next() {
		sym, err := scanSymbol(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// UpdateSymbol replaces every editable field of a symbol row.
func (s *Store) UpdateSymbol(ctx context.Context, sym *models.WatchlistSymbol) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE watchlist_symbols SET
			exchange = ?, symbol = ?, token = ?, lot_size = ?,
			qty_mode = ?, qty_value = ?, qty_units = ?,
			min_qty_per_click = ?, max_qty_per_click = ?,
			capital_ceiling_per_trade = ?, contract_multiplier = ?, rounding = ?,
			product_type = ?, order_type = ?,
			can_trade_equity = ?, can_trade_futures = ?, can_trade_options = ?,
			options_strike_offset = ?, options_expiry_mode = ?,
			target_type = ?, target_value = ?, sl_type = ?, sl_value = ?,
			ts_type = ?, ts_value = ?,
			trailing_activation_type = ?, trailing_activation_value = ?,
			max_position_size = ?, max_instances = ?, is_enabled = ?
		 WHERE id = ?`,
		sym.Exchange, sym.Symbol, sym.Token, sym.LotSize,
		string(sym.QtyMode), decText(sym.QtyValue), string(sym.QtyUnits),
		sym.MinQtyPerClick, sym.MaxQtyPerClick,
		decText(sym.CapitalCeilingPerTrade), decText(sym.ContractMultiplier), string(sym.Rounding),
		sym.ProductType, sym.OrderType,
		boolInt(sym.CanTradeEquity), boolInt(sym.CanTradeFutures), boolInt(sym.CanTradeOptions),
		sym.OptionsStrikeOffset, sym.OptionsExpiryMode,
		string(sym.TargetType), decText(sym.TargetValue),
		string(sym.SLType), decText(sym.SLValue),
		string(sym.TSType), decText(sym.TSValue),
		string(sym.TrailingActivationType), decText(sym.TrailingActivationValue),
		sym.MaxPositionSize, sym.MaxInstances, boolInt(sym.IsEnabled),
		sym.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.NotFound("symbol not found")
	}
	return nil
}

// DeleteSymbol removes one symbol row.
func (s *Store) DeleteSymbol(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM watchlist_symbols WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.NotFound("symbol not found")
	}
	return nil
}

// BindInstances replaces the instance set bound to a watchlist.
func (s *Store) BindInstances(ctx context.Context, watchlistID int64, instanceIDs []int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM watchlist_instances WHERE watchlist_id = ?`, watchlistID); err != nil {
			return err
		}
		for _, instID := range instanceIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO watchlist_instances (watchlist_id, instance_id) VALUES (?, ?)`,
				watchlistID, instID); err != nil {
				return err
			}
		}
		return nil
	})
}

// BoundInstances returns the instances bound to a watchlist.
func (s *Store) BoundInstances(ctx context.Context, watchlistID int64) ([]*models.Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM instances
		 WHERE id IN (SELECT instance_id FROM watchlist_instances WHERE watchlist_id = ?)
		 ORDER BY id`, watchlistID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// CloneWatchlist copies a watchlist and its symbols under a new name.
// Instance bindings are not copied, the clone starts unbound.
func (s *Store) CloneWatchlist(ctx context.Context, sourceID int64, newName string) (int64, error) {
	var newID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			description string
			isActive    int
		)
		err := tx.QueryRowContext(ctx,
			`SELECT description, is_active FROM watchlists WHERE id = ?`, sourceID).
			Scan(&description, &isActive)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("watchlist not found")
		}
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO watchlists (name, description, is_active) VALUES (?, ?, ?)`,
			newName, description, isActive)
		if err != nil {
			return err
		}
		newID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO watchlist_symbols
				(watchlist_id, exchange, symbol, token, lot_size,
				 qty_mode, qty_value, qty_units, min_qty_per_click, max_qty_per_click,
				 capital_ceiling_per_trade, contract_multiplier, rounding,
				 product_type, order_type,
				 can_trade_equity, can_trade_futures, can_trade_options,
				 options_strike_offset, options_expiry_mode,
				 target_type, target_value, sl_type, sl_value, ts_type, ts_value,
				 trailing_activation_type, trailing_activation_value,
				 max_position_size, max_instances, is_enabled)
			 SELECT ?, exchange, symbol, token, lot_size,
				 qty_mode, qty_value, qty_units, min_qty_per_click, max_qty_per_click,
				 capital_ceiling_per_trade, contract_multiplier, rounding,
				 product_type, order_type,
				 can_trade_equity, can_trade_futures, can_trade_options,
				 options_strike_offset, options_expiry_mode,
				 target_type, target_value, sl_type, sl_value, ts_type, ts_value,
				 trailing_activation_type, trailing_activation_value,
				 max_position_size, max_instances, is_enabled
			 FROM watchlist_symbols WHERE watchlist_id = ?`,
			newID, sourceID); err != nil {
			return err
		}
		return nil
	})
	return newID, err
}
