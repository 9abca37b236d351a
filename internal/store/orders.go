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

const orderColumns = `id, watchlist_id, instance_id, symbol_id, action, quantity,
	order_type, product_type, price, trigger_price, status, order_id,
	filled_quantity, average_price, position_id, message, placed_at, updated_at`

func scanOrder(row interface{ Scan(...interface{}) error }) (*models.WatchlistOrder, error) {
	var (
		o                         models.WatchlistOrder
		price, trigger, avgPrice  sql.NullString
		positionID                sql.NullInt64
		placedAt, updatedAt       sql.NullString
	)
	err := row.Scan(
		&o.ID, &o.WatchlistID, &o.InstanceID, &o.SymbolID, &o.Action, &o.Quantity,
		&o.OrderType, &o.ProductType, &price, &trigger, &o.Status, &o.BrokerOrderID,
		&o.FilledQuantity, &avgPrice, &positionID, &o.Message, &placedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Price = scanDec(price)
	o.TriggerPrice = scanDec(trigger)
	o.AveragePrice = scanDec(avgPrice)
	if positionID.Valid {
		o.PositionID = positionID.Int64
	}
	o.PlacedAt = scanTS(placedAt)
	o.UpdatedAt = scanTS(updatedAt)
	return &o, nil
}

// CreateOrder records one placed (or failed) fan-out leg.
func (s *Store) CreateOrder(ctx context.Context, o *models.WatchlistOrder) (int64, error) {
	var positionID interface{}
	if o.PositionID != 0 {
		positionID = o.PositionID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO watchlist_orders
			(watchlist_id, instance_id, symbol_id, action, quantity,
			 order_type, product_type, price, trigger_price, status, order_id,
			 filled_quantity, average_price, position_id, message, placed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.WatchlistID, o.InstanceID, o.SymbolID, string(o.Action), o.Quantity,
		o.OrderType, o.ProductType, decText(o.Price), decText(o.TriggerPrice),
		string(o.Status), o.BrokerOrderID,
		o.FilledQuantity, decText(o.AveragePrice), positionID, o.Message,
		tsText(time.Now()), tsText(time.Now()))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetOrder loads one order leg.
func (s *Store) GetOrder(ctx context.Context, id int64) (*models.WatchlistOrder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM watchlist_orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("order not found")
	}
	return o, err
}

// ListOrders returns the most recent order legs, optionally filtered by
// watchlist.
func (s *Store) ListOrders(ctx context.Context, watchlistID int64, limit int) ([]*models.WatchlistOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + orderColumns + ` FROM watchlist_orders`
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

	var out []*models.WatchlistOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListOpenOrders returns legs still awaiting a terminal status for one
// instance. The reconciler polls these.
func (s *Store) ListOpenOrders(ctx context.Context, instanceID int64) ([]*models.WatchlistOrder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM watchlist_orders
		 WHERE instance_id = ? AND status IN ('pending', 'open') AND order_id != ''
		 ORDER BY id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WatchlistOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListUndispatchedOrders returns pending legs that never received a
// broker id and are older than cutoff. These are fan-out legs whose
// dispatch was interrupted after the row was written; the reconciler
// ages them out since no orderbook entry will ever match them.
func (s *Store) ListUndispatchedOrders(ctx context.Context, cutoff time.Time) ([]*models.WatchlistOrder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM watchlist_orders
		 WHERE status = 'pending' AND order_id = '' AND placed_at < ?
		 ORDER BY id`, tsText(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WatchlistOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// InstancesWithOpenOrders returns the distinct instances that still have
// non-terminal legs, so idle instances are not polled.
func (s *Store) InstancesWithOpenOrders(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT instance_id FROM watchlist_orders
		 WHERE status IN ('pending', 'open') AND order_id != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MarkOrderDispatched moves a pending leg to open with the broker's id.
func (s *Store) MarkOrderDispatched(ctx context.Context, id int64, brokerOrderID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE watchlist_orders SET status = ?, order_id = ?, updated_at = ? WHERE id = ?`,
		string(models.OrderOpen), brokerOrderID, tsText(time.Now()), id)
	return err
}

// MarkOrderRejected records a leg the upstream refused.
func (s *Store) MarkOrderRejected(ctx context.Context, id int64, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE watchlist_orders SET status = ?, message = ?, updated_at = ? WHERE id = ?`,
		string(models.OrderRejected), message, tsText(time.Now()), id)
	return err
}

// UpdateOrderStatus applies a reconciled status with fill details.
func (s *Store) UpdateOrderStatus(ctx context.Context, id int64, status models.OrderStatus, filledQty int64, avgPrice decimal.Decimal, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE watchlist_orders
		 SET status = ?, filled_quantity = ?, average_price = ?, message = ?, updated_at = ?
		 WHERE id = ?`,
		string(status), filledQty, decText(avgPrice), message, tsText(time.Now()), id)
	return err
}

// LinkOrderPosition attaches a leg to the position it opened or closed.
func (s *Store) LinkOrderPosition(ctx context.Context, orderID, positionID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE watchlist_orders SET position_id = ?, updated_at = ? WHERE id = ?`,
		positionID, tsText(time.Now()), orderID)
	return err
}
