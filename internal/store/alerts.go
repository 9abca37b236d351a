package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"control_plane/internal/models"
	"control_plane/pkg/apperrors"
)

const alertColumns = `id, alert_type, severity, title, message, details,
	instance_id, watchlist_id, is_resolved, created_at, resolved_at, resolved_by`

func scanAlert(row interface{ Scan(...interface{}) error }) (*models.SystemAlert, error) {
	var (
		a                       models.SystemAlert
		details                 string
		instanceID, watchlistID sql.NullInt64
		isResolved              int
		createdAt, resolvedAt   sql.NullString
	)
	err := row.Scan(
		&a.ID, &a.AlertType, &a.Severity, &a.Title, &a.Message, &details,
		&instanceID, &watchlistID, &isResolved, &createdAt, &resolvedAt, &a.ResolvedBy,
	)
	if err != nil {
		return nil, err
	}
	if details != "" && details != "{}" {
		_ = json.Unmarshal([]byte(details), &a.Details)
	}
	if instanceID.Valid {
		a.InstanceID = instanceID.Int64
	}
	if watchlistID.Valid {
		a.WatchlistID = watchlistID.Int64
	}
	a.IsResolved = isResolved != 0
	a.CreatedAt = scanTS(createdAt)
	a.ResolvedAt = scanTS(resolvedAt)
	return &a, nil
}

// InsertAlert appends one operator event.
func (s *Store) InsertAlert(ctx context.Context, a *models.SystemAlert) (int64, error) {
	details := "{}"
	if len(a.Details) > 0 {
		b, err := json.Marshal(a.Details)
		if err == nil {
			details = string(b)
		}
	}
	var instanceID, watchlistID interface{}
	if a.InstanceID != 0 {
		instanceID = a.InstanceID
	}
	if a.WatchlistID != 0 {
		watchlistID = a.WatchlistID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO system_alerts
			(alert_type, severity, title, message, details,
			 instance_id, watchlist_id, is_resolved, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		a.AlertType, string(a.Severity), a.Title, a.Message, details,
		instanceID, watchlistID, tsText(time.Now()))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AlertFilter narrows an alert listing. Zero values mean no filter.
type AlertFilter struct {
	UnresolvedOnly bool
	AlertType      string
	Severity       models.AlertSeverity
	InstanceID     int64
	WatchlistID    int64
	Limit          int
}

// ListAlerts returns recent alerts, newest first. When unresolvedOnly is
// set, resolved rows are skipped.
func (s *Store) ListAlerts(ctx context.Context, unresolvedOnly bool, limit int) ([]*models.SystemAlert, error) {
	return s.ListAlertsFiltered(ctx, AlertFilter{UnresolvedOnly: unresolvedOnly, Limit: limit})
}

// ListAlertsFiltered returns recent alerts matching the filter, newest
// first.
func (s *Store) ListAlertsFiltered(ctx context.Context, f AlertFilter) ([]*models.SystemAlert, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query := `SELECT ` + alertColumns + ` FROM system_alerts WHERE 1=1`
	var args []interface{}
	if f.UnresolvedOnly {
		query += ` AND is_resolved = 0`
	}
	if f.AlertType != "" {
		query += ` AND alert_type = ?`
		args = append(args, f.AlertType)
	}
	if f.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(f.Severity))
	}
	if f.InstanceID != 0 {
		query += ` AND instance_id = ?`
		args = append(args, f.InstanceID)
	}
	if f.WatchlistID != 0 {
		query += ` AND watchlist_id = ?`
		args = append(args, f.WatchlistID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.SystemAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResolveAlert marks one alert handled. Resolving twice is a no-op.
func (s *Store) ResolveAlert(ctx context.Context, id int64, resolvedBy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE system_alerts SET is_resolved = 1, resolved_at = ?, resolved_by = ?
		 WHERE id = ?`,
		tsText(time.Now()), resolvedBy, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM system_alerts WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("alert not found")
		}
		return err
	}
	return nil
}

// ResolveAlertsOfType marks every unresolved alert of one type for one
// instance handled. Used when a condition self-heals, for example an
// instance coming back online.
func (s *Store) ResolveAlertsOfType(ctx context.Context, alertType string, instanceID int64, resolvedBy string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE system_alerts SET is_resolved = 1, resolved_at = ?, resolved_by = ?
		 WHERE alert_type = ? AND instance_id = ? AND is_resolved = 0`,
		tsText(time.Now()), resolvedBy, alertType, instanceID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AutoResolveStaleAlerts resolves unresolved INFO alerts created before
// cutoff. CRITICAL and WARNING rows stay open until an operator or a
// self-heal path resolves them.
func (s *Store) AutoResolveStaleAlerts(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE system_alerts SET is_resolved = 1, resolved_at = ?, resolved_by = 'system'
		 WHERE is_resolved = 0 AND severity = ? AND created_at < ?`,
		tsText(time.Now()), string(models.SeverityInfo), tsText(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// HasUnresolvedAlert reports whether an unresolved alert of one type
// already exists for an instance. The health loop uses this to avoid
// duplicate offline alerts.
func (s *Store) HasUnresolvedAlert(ctx context.Context, alertType string, instanceID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM system_alerts
		 WHERE alert_type = ? AND instance_id = ? AND is_resolved = 0 LIMIT 1`,
		alertType, instanceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
