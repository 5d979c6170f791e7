package sqlstore

// schema is portable between SQLite and PostgreSQL. NULL scan ids do not
// collide in the unique index on either engine.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id            TEXT PRIMARY KEY,
		tag           TEXT NOT NULL UNIQUE,
		display_name  TEXT NOT NULL DEFAULT '',
		balance_cents BIGINT NOT NULL CHECK (balance_cents >= 0),
		version       BIGINT NOT NULL DEFAULT 0,
		password_hash TEXT,
		created_at    BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transfers (
		id             TEXT PRIMARY KEY,
		sender_id      TEXT NOT NULL REFERENCES accounts(id),
		recipient_id   TEXT NOT NULL REFERENCES accounts(id),
		amount_cents   BIGINT NOT NULL CHECK (amount_cents > 0),
		status         TEXT NOT NULL,
		scan_id        TEXT,
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at     BIGINT NOT NULL,
		updated_at     BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_transfers_scan_id ON transfers(scan_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_sender ON transfers(sender_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_recipient ON transfers(recipient_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS purchases (
		id           TEXT PRIMARY KEY,
		account_id   TEXT NOT NULL REFERENCES accounts(id),
		total_cents  BIGINT NOT NULL,
		purchased_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_purchases_account ON purchases(account_id, purchased_at)`,
	`CREATE TABLE IF NOT EXISTS purchase_items (
		purchase_id      TEXT NOT NULL REFERENCES purchases(id) ON DELETE CASCADE,
		position         INTEGER NOT NULL,
		item_id          TEXT NOT NULL,
		name             TEXT NOT NULL DEFAULT '',
		quantity         INTEGER NOT NULL,
		unit_price_cents BIGINT NOT NULL,
		PRIMARY KEY (purchase_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS cart_entries (
		id               TEXT PRIMARY KEY,
		account_id       TEXT NOT NULL REFERENCES accounts(id),
		item_id          TEXT NOT NULL,
		name             TEXT NOT NULL DEFAULT '',
		quantity         INTEGER NOT NULL,
		unit_price_cents BIGINT NOT NULL,
		added_at         BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cart_entries_account ON cart_entries(account_id, added_at)`,
	`CREATE TABLE IF NOT EXISTS receive_requests (
		id                 TEXT PRIMARY KEY,
		receiver_id        TEXT NOT NULL,
		claimed_sender_tag TEXT NOT NULL,
		sender_id          TEXT NOT NULL DEFAULT '',
		amount_cents       BIGINT NOT NULL,
		status             TEXT NOT NULL,
		scan_id            TEXT NOT NULL DEFAULT '',
		card_uid           TEXT NOT NULL DEFAULT '',
		transfer_id        TEXT NOT NULL DEFAULT '',
		failure_reason     TEXT NOT NULL DEFAULT '',
		created_at         BIGINT NOT NULL,
		updated_at         BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reconciliations (
		id           TEXT PRIMARY KEY,
		kind         TEXT NOT NULL,
		account_id   TEXT NOT NULL,
		amount_cents BIGINT NOT NULL,
		reference    TEXT NOT NULL,
		reason       TEXT NOT NULL DEFAULT '',
		created_at   BIGINT NOT NULL,
		resolved_at  BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reconciliations_pending ON reconciliations(resolved_at, created_at)`,
}
