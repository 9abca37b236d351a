package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"control_plane/internal/models"
	"control_plane/pkg/apperrors"
)

const instanceColumns = `id, name, host_url, api_key, strategy_tag, target_profit, target_loss,
	is_active, is_analyzer_mode, health_status, last_health_check,
	current_balance, realized_pnl, unrealized_pnl, total_pnl,
	market_data_role, last_updated`

func scanInstance(row interface{ Scan(...interface{}) error }) (*models.Instance, error) {
	var (
		inst                                             models.Instance
		targetProfit, targetLoss                         sql.NullString
		balance, realized, unrealized, total             sql.NullString
		lastHealthCheck, lastUpdated                     sql.NullString
		isActive, isAnalyzer                             int
		healthStatus, marketDataRole                     string
	)
	err := row.Scan(
		&inst.ID, &inst.Name, &inst.HostURL, &inst.APIKey, &inst.StrategyTag,
		&targetProfit, &targetLoss,
		&isActive, &isAnalyzer, &healthStatus, &lastHealthCheck,
		&balance, &realized, &unrealized, &total,
		&marketDataRole, &lastUpdated,
	)
	if err != nil {
		return nil, err
	}
	inst.TargetProfit = scanDec(targetProfit)
	inst.TargetLoss = scanDec(targetLoss)
	inst.CurrentBalance = scanDec(balance)
	inst.RealizedPnL = scanDec(realized)
	inst.UnrealizedPnL = scanDec(unrealized)
	inst.TotalPnL = scanDec(total)
	inst.IsActive = isActive != 0
	inst.IsAnalyzerMode = isAnalyzer != 0
	inst.HealthStatus = models.HealthStatus(healthStatus)
	inst.MarketDataRole = models.MarketDataRole(marketDataRole)
	inst.LastHealthCheck = scanTS(lastHealthCheck)
	inst.LastUpdated = scanTS(lastUpdated)
	return &inst, nil
}

// CreateInstance inserts a new upstream instance registration.
func (s *Store) CreateInstance(ctx context.Context, inst *models.Instance) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO instances
			(name, host_url, api_key, strategy_tag, target_profit, target_loss,
			 is_active, is_analyzer_mode, health_status, market_data_role, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.Name, inst.HostURL, inst.APIKey, inst.StrategyTag,
		decText(inst.TargetProfit), decText(inst.TargetLoss),
		boolInt(inst.IsActive), boolInt(inst.IsAnalyzerMode),
		string(models.HealthUnknown), string(inst.MarketDataRole),
		tsText(time.Now()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, apperrors.E(apperrors.KindConflict, "an instance with this host URL already exists", err)
		}
		return 0, err
	}
	return res.LastInsertId()
}

// GetInstance loads one instance by id.
func (s *Store) GetInstance(ctx context.Context, id int64) (*models.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("instance not found")
	}
	return inst, err
}

// ListInstances returns all registered instances ordered by id.
func (s *Store) ListInstances(ctx context.Context) ([]*models.Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM instances ORDER BY id`)
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

// ListActiveInstances returns only instances eligible for polling and
// broadcast fan-out.
func (s *Store) ListActiveInstances(ctx context.Context) ([]*models.Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE is_active = 1 ORDER BY id`)
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

// UpdateInstance applies an operator edit. An empty APIKey keeps the
// stored credential.
func (s *Store) UpdateInstance(ctx context.Context, inst *models.Instance) error {
	query := `UPDATE instances SET
		name = ?, host_url = ?, strategy_tag = ?,
		target_profit = ?, target_loss = ?,
		is_active = ?, market_data_role = ?, last_updated = ?`
	args := []interface{}{
		inst.Name, inst.HostURL, inst.StrategyTag,
		decText(inst.TargetProfit), decText(inst.TargetLoss),
		boolInt(inst.IsActive), string(inst.MarketDataRole), tsText(time.Now()),
	}
	if inst.APIKey != "" {
		query += `, api_key = ?`
		args = append(args, inst.APIKey)
	}
	query += ` WHERE id = ?`
	args = append(args, inst.ID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.E(apperrors.KindConflict, "an instance with this host URL already exists", err)
		}
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.NotFound("instance not found")
	}
	return nil
}

// DeleteInstance removes the registration and, via cascade, its
// watchlist bindings.
func (s *Store) DeleteInstance(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.NotFound("instance not found")
	}
	return nil
}

// UpdateInstanceHealth records the latest health probe outcome.
func (s *Store) UpdateInstanceHealth(ctx context.Context, id int64, status models.HealthStatus, analyzerMode bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET health_status = ?, is_analyzer_mode = ?, last_health_check = ? WHERE id = ?`,
		string(status), boolInt(analyzerMode), tsText(time.Now()), id)
	return err
}

// UpdateInstanceFinancials records the latest balance and P&L snapshot.
func (s *Store) UpdateInstanceFinancials(ctx context.Context, id int64, balance, realized, unrealized, total decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET current_balance = ?, realized_pnl = ?, unrealized_pnl = ?, total_pnl = ?, last_updated = ?
		 WHERE id = ?`,
		decText(balance), decText(realized), decText(unrealized), decText(total), tsText(time.Now()), id)
	return err
}

// SetInstanceActive flips polling and broadcast eligibility.
func (s *Store) SetInstanceActive(ctx context.Context, id int64, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET is_active = ?, last_updated = ? WHERE id = ?`,
		boolInt(active), tsText(time.Now()), id)
	return err
}

// SetInstanceAnalyzerMode flips the local analyzer flag after a
// confirmed toggle.
func (s *Store) SetInstanceAnalyzerMode(ctx context.Context, id int64, analyzer bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET is_analyzer_mode = ?, last_updated = ? WHERE id = ?`,
		boolInt(analyzer), tsText(time.Now()), id)
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// go-sqlite3 surfaces constraint failures in the message text.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
