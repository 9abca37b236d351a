package store

import (
	"database/sql"
	"fmt"
	"time"
)

// migration is one ordered schema change with its rollback.
type migration struct {
	version int
	name    string
	up      string
	down    string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create_instances",
		up: `CREATE TABLE instances (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			host_url TEXT NOT NULL UNIQUE,
			api_key TEXT NOT NULL,
			strategy_tag TEXT NOT NULL DEFAULT '',
			target_profit TEXT NOT NULL DEFAULT '5000',
			target_loss TEXT NOT NULL DEFAULT '2000',
			is_active INTEGER NOT NULL DEFAULT 1,
			is_analyzer_mode INTEGER NOT NULL DEFAULT 0,
			health_status TEXT NOT NULL DEFAULT 'unknown',
			last_health_check TEXT,
			current_balance TEXT NOT NULL DEFAULT '0',
			realized_pnl TEXT NOT NULL DEFAULT '0',
			unrealized_pnl TEXT NOT NULL DEFAULT '0',
			total_pnl TEXT NOT NULL DEFAULT '0',
			market_data_role TEXT NOT NULL DEFAULT 'none',
			last_updated TEXT
		)`,
		down: `DROP TABLE instances`,
	},
	{
		version: 2,
		name:    "create_watchlists",
		up: `CREATE TABLE watchlists (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1
		)`,
		down: `DROP TABLE watchlists`,
	},
	{
		version: 3,
		name:    "create_watchlist_symbols",
		up: `CREATE TABLE watchlist_symbols (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			watchlist_id INTEGER NOT NULL REFERENCES watchlists(id) ON DELETE CASCADE,
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			token TEXT NOT NULL DEFAULT '',
			lot_size INTEGER NOT NULL DEFAULT 1,
			qty_mode TEXT NOT NULL DEFAULT 'fixed',
			qty_value TEXT NOT NULL DEFAULT '1',
			qty_units TEXT NOT NULL DEFAULT 'units',
			min_qty_per_click INTEGER NOT NULL DEFAULT 0,
			max_qty_per_click INTEGER NOT NULL DEFAULT 0,
			capital_ceiling_per_trade TEXT NOT NULL DEFAULT '0',
			contract_multiplier TEXT NOT NULL DEFAULT '1',
			rounding TEXT NOT NULL DEFAULT 'floor_to_lot',
			product_type TEXT NOT NULL DEFAULT 'MIS',
			order_type TEXT NOT NULL DEFAULT 'MARKET',
			can_trade_equity INTEGER NOT NULL DEFAULT 1,
			can_trade_futures INTEGER NOT NULL DEFAULT 0,
			can_trade_options INTEGER NOT NULL DEFAULT 0,
			options_strike_offset TEXT NOT NULL DEFAULT 'ATM',
			options_expiry_mode TEXT NOT NULL DEFAULT 'AUTO',
			target_type TEXT NOT NULL DEFAULT 'NONE',
			target_value TEXT NOT NULL DEFAULT '0',
			sl_type TEXT NOT NULL DEFAULT 'NONE',
			sl_value TEXT NOT NULL DEFAULT '0',
			ts_type TEXT NOT NULL DEFAULT 'NONE',
			ts_value TEXT NOT NULL DEFAULT '0',
			trailing_activation_type TEXT NOT NULL DEFAULT 'IMMEDIATE',
			trailing_activation_value TEXT NOT NULL DEFAULT '0',
			max_position_size INTEGER NOT NULL DEFAULT 0,
			max_instances INTEGER NOT NULL DEFAULT 0,
			is_enabled INTEGER NOT NULL DEFAULT 1
		)`,
		down: `DROP TABLE watchlist_symbols`,
	},
	{
		version: 4,
		name:    "create_watchlist_instances",
		up: `CREATE TABLE watchlist_instances (
			watchlist_id INTEGER NOT NULL REFERENCES watchlists(id) ON DELETE CASCADE,
			instance_id INTEGER NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
			PRIMARY KEY (watchlist_id, instance_id)
		)`,
		down: `DROP TABLE watchlist_instances`,
	},
	{
		version: 5,
		name:    "create_watchlist_orders",
		up: `CREATE TABLE watchlist_orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			watchlist_id INTEGER NOT NULL REFERENCES watchlists(id),
			instance_id INTEGER NOT NULL REFERENCES instances(id),
			symbol_id INTEGER NOT NULL REFERENCES watchlist_symbols(id),
			action TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			order_type TEXT NOT NULL,
			product_type TEXT NOT NULL,
			price TEXT NOT NULL DEFAULT '0',
			trigger_price TEXT NOT NULL DEFAULT '0',
			status TEXT NOT NULL DEFAULT 'pending',
			order_id TEXT NOT NULL DEFAULT '',
			filled_quantity INTEGER NOT NULL DEFAULT 0,
			average_price TEXT NOT NULL DEFAULT '0',
			position_id INTEGER,
			message TEXT NOT NULL DEFAULT '',
			placed_at TEXT,
			updated_at TEXT
		);
		CREATE INDEX idx_watchlist_orders_status ON watchlist_orders(status);
		CREATE INDEX idx_watchlist_orders_instance ON watchlist_orders(instance_id)`,
		down: `DROP TABLE watchlist_orders`,
	},
	{
		version: 6,
		name:    "create_watchlist_positions",
		up: `CREATE TABLE watchlist_positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			watchlist_id INTEGER NOT NULL REFERENCES watchlists(id),
			instance_id INTEGER NOT NULL REFERENCES instances(id),
			symbol_id INTEGER NOT NULL REFERENCES watchlist_symbols(id),
			direction TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			entry_price TEXT NOT NULL DEFAULT '0',
			current_price TEXT NOT NULL DEFAULT '0',
			exit_price TEXT,
			target_price TEXT NOT NULL DEFAULT '0',
			sl_price TEXT NOT NULL DEFAULT '0',
			trailing_stop_price TEXT NOT NULL DEFAULT '0',
			trailing_activated INTEGER NOT NULL DEFAULT 0,
			highest_price_seen TEXT NOT NULL DEFAULT '0',
			lowest_price_seen TEXT NOT NULL DEFAULT '0',
			status TEXT NOT NULL DEFAULT 'PENDING',
			is_closed INTEGER NOT NULL DEFAULT 0,
			exit_reason TEXT NOT NULL DEFAULT '',
			pnl TEXT NOT NULL DEFAULT '0',
			entered_at TEXT,
			exited_at TEXT
		);
		CREATE INDEX idx_watchlist_positions_open ON watchlist_positions(is_closed, instance_id)`,
		down: `DROP TABLE watchlist_positions`,
	},
	{
		version: 7,
		name:    "create_market_data",
		up: `CREATE TABLE market_data (
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			token TEXT NOT NULL DEFAULT '',
			ltp TEXT NOT NULL DEFAULT '0',
			open TEXT NOT NULL DEFAULT '0',
			high TEXT NOT NULL DEFAULT '0',
			low TEXT NOT NULL DEFAULT '0',
			close TEXT NOT NULL DEFAULT '0',
			volume INTEGER NOT NULL DEFAULT 0,
			bid_price TEXT NOT NULL DEFAULT '0',
			bid_qty INTEGER NOT NULL DEFAULT 0,
			ask_price TEXT NOT NULL DEFAULT '0',
			ask_qty INTEGER NOT NULL DEFAULT 0,
			last_updated TEXT,
			data_source TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (exchange, symbol)
		)`,
		down: `DROP TABLE market_data`,
	},
	{
		version: 8,
		name:    "create_system_alerts",
		up: `CREATE TABLE system_alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '{}',
			instance_id INTEGER,
			watchlist_id INTEGER,
			is_resolved INTEGER NOT NULL DEFAULT 0,
			created_at TEXT,
			resolved_at TEXT,
			resolved_by TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX idx_system_alerts_unresolved ON system_alerts(is_resolved, created_at)`,
		down: `DROP TABLE system_alerts`,
	},
}

// MigrationStatus is one row of the status report.
type MigrationStatus struct {
	Version int
	Name    string
	Applied bool
}

func ensureMigrationTable(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`)
	return err
}

func appliedVersions(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// MigrateUp applies every pending migration in order.
func (s *Store) MigrateUp() error {
	if err := ensureMigrationTable(s.db); err != nil {
		return fmt.Errorf("failed to ensure migration table: %w", err)
	}
	applied, err := appliedVersions(s.db)
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.version, m.name, time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) bookkeeping failed: %w", m.version, m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.logger.Info("Applied migration", "version", m.version, "name", m.name)
	}
	return nil
}

// MigrateDown rolls back the most recently applied migration.
func (s *Store) MigrateDown() error {
	if err := ensureMigrationTable(s.db); err != nil {
		return err
	}
	applied, err := appliedVersions(s.db)
	if err != nil {
		return err
	}

	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		if !applied[m.version] {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.down); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("rollback of %d (%s) failed: %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(`DELETE FROM schema_migrations WHERE version = ?`, m.version); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.logger.Info("Rolled back migration", "version", m.version, "name", m.name)
		return nil
	}
	return nil
}

// MigrationStatuses reports each known migration and whether it is applied.
func (s *Store) MigrationStatuses() ([]MigrationStatus, error) {
	if err := ensureMigrationTable(s.db); err != nil {
		return nil, err
	}
	applied, err := appliedVersions(s.db)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		statuses = append(statuses, MigrationStatus{
			Version: m.version,
			Name:    m.name,
			Applied: applied[m.version],
		})
	}
	return statuses, nil
}
