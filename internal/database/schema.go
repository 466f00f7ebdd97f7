package database

import (
	"context"
	"fmt"
)

// schema is applied idempotently at startup
var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id                UUID PRIMARY KEY,
		service_id        TEXT NOT NULL,
		service_name      TEXT NOT NULL DEFAULT '',
		link              TEXT NOT NULL,
		quantity          BIGINT NOT NULL CHECK (quantity > 0),
		runs              BIGINT NOT NULL DEFAULT 0,
		run_interval      BIGINT NOT NULL DEFAULT 0,
		charge_amount     BIGINT NOT NULL CHECK (charge_amount >= 0),
		state             TEXT NOT NULL,
		payment_id        TEXT NOT NULL DEFAULT '',
		provider_order_id TEXT NOT NULL DEFAULT '',
		provider_status   TEXT NOT NULL DEFAULT '',
		start_count       BIGINT NOT NULL DEFAULT 0,
		delivered_count   BIGINT NOT NULL DEFAULT 0,
		remaining_count   BIGINT NOT NULL DEFAULT 0,
		failure_reason    TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS orders_state_idx ON orders (state)`,
	`CREATE TABLE IF NOT EXISTS payments (
		payment_id     TEXT PRIMARY KEY,
		reff_id        TEXT NOT NULL DEFAULT '',
		order_id       UUID NOT NULL REFERENCES orders (id),
		amount         BIGINT NOT NULL,
		fee            BIGINT NOT NULL DEFAULT 0,
		qr_string      TEXT NOT NULL DEFAULT '',
		state          TEXT NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		expires_at     TIMESTAMPTZ NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		settled_at     TIMESTAMPTZ,
		updated_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS payments_order_idx ON payments (order_id)`,
	// at most one pending payment per order
	`CREATE UNIQUE INDEX IF NOT EXISTS payments_one_pending_idx ON payments (order_id) WHERE state = 'PENDING'`,
}

// EnsureSchema creates the tables the stores need
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
