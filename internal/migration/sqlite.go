package migration

import (
	"context"
	"strings"

	"gorm.io/gorm"
)

// SQLiteSchema mirrors the postgres migrations for local single-node runs and tests.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS wallets (
	user_id INTEGER PRIMARY KEY,
	balance INTEGER NOT NULL DEFAULT 0,
	reserved INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	CHECK (reserved >= 0 AND balance >= reserved)
);
CREATE TABLE IF NOT EXISTS billing_transactions (
	id INTEGER PRIMARY KEY,
	user_id INTEGER NOT NULL,
	order_id INTEGER,
	related_transaction_id INTEGER,
	type TEXT NOT NULL,
	amount INTEGER NOT NULL,
	units INTEGER NOT NULL DEFAULT 1,
	status TEXT NOT NULL,
	memo TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	decided_at DATETIME
);
CREATE TABLE IF NOT EXISTS wallet_reservations (
	id INTEGER PRIMARY KEY,
	user_id INTEGER NOT NULL,
	order_id INTEGER NOT NULL,
	amount INTEGER NOT NULL CHECK (amount > 0),
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	settled_at DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_wallet_reservations_order_held ON wallet_reservations (order_id) WHERE status = 'HELD';
CREATE TABLE IF NOT EXISTS orders (
	id INTEGER PRIMARY KEY,
	agency_id INTEGER NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	previous_status TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	reference TEXT NOT NULL,
	unit_price INTEGER NOT NULL CHECK (unit_price > 0),
	revision_count INTEGER NOT NULL DEFAULT 0,
	guide TEXT NOT NULL DEFAULT '{}',
	manuscript TEXT NOT NULL DEFAULT '',
	validation_report TEXT NOT NULL DEFAULT '{}',
	revision_memo TEXT NOT NULL DEFAULT '',
	last_failure_reason TEXT NOT NULL DEFAULT '',
	cancel_reason TEXT NOT NULL DEFAULT '',
	cancel_requested_by TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	submitted_at DATETIME,
	charged_at DATETIME,
	completed_at DATETIME,
	cancel_requested_at DATETIME,
	canceled_at DATETIME,
	deleted_at DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_orders_reference ON orders (reference);
CREATE TABLE IF NOT EXISTS generation_jobs (
	id INTEGER PRIMARY KEY,
	order_id INTEGER NOT NULL,
	revision_memo TEXT NOT NULL DEFAULT '',
	extra_instruction TEXT NOT NULL DEFAULT '',
	quality_mode TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	available_at DATETIME NOT NULL,
	lease_token TEXT NOT NULL DEFAULT '',
	lease_expires_at DATETIME,
	last_error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS idempotency_records (
	id INTEGER PRIMARY KEY,
	scope TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	request_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	response_code INTEGER NOT NULL DEFAULT 0,
	response_body BLOB,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_idempotency_records_scope_key ON idempotency_records (scope, idempotency_key);
CREATE TABLE IF NOT EXISTS audit_logs (
	id INTEGER PRIMARY KEY,
	actor_type TEXT NOT NULL,
	actor_id TEXT,
	action TEXT NOT NULL,
	target_type TEXT NOT NULL,
	target_id TEXT,
	metadata TEXT,
	request_id TEXT NOT NULL DEFAULT '',
	ip_address TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS outbox_events (
	id INTEGER PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	dedupe_key TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	sent_at DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_outbox_events_dedupe ON outbox_events (dedupe_key);
`

// ApplySQLiteSchema creates every table on a sqlite connection.
func ApplySQLiteSchema(ctx context.Context, db *gorm.DB) error {
	for _, stmt := range strings.Split(SQLiteSchema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
