package sqlite

// schemaStatements is the full schema, applied in order by Migrate.
// Every statement is idempotent so Migrate can run on every startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sequent_events (
		id           TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		entity_type  TEXT NOT NULL,
		entity_id    TEXT NOT NULL,
		source       TEXT NOT NULL DEFAULT '',
		occurred_at  TIMESTAMP NOT NULL,
		received_at  TIMESTAMP NOT NULL,
		payload      BLOB,
		dedupe_key   TEXT NOT NULL,
		processed    INTEGER NOT NULL DEFAULT 0,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sequent_events_dedupe
		ON sequent_events (tenant_id, dedupe_key)`,
	`CREATE INDEX IF NOT EXISTS idx_sequent_events_entity_window
		ON sequent_events (tenant_id, entity_id, occurred_at)`,

	`CREATE TABLE IF NOT EXISTS sequent_scores (
		tenant_id        TEXT NOT NULL,
		entity_id        TEXT NOT NULL,
		raw_score        REAL NOT NULL DEFAULT 0,
		tier             TEXT NOT NULL DEFAULT 'cold',
		last_activity_at TIMESTAMP NOT NULL,
		last_event_id    TEXT NOT NULL DEFAULT '',
		version          INTEGER NOT NULL DEFAULT 1,
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, entity_id)
	)`,

	`CREATE TABLE IF NOT EXISTS sequent_workflows (
		id            TEXT NOT NULL,
		tenant_id     TEXT NOT NULL,
		name          TEXT NOT NULL,
		version       INTEGER NOT NULL,
		entry_node_id TEXT NOT NULL,
		nodes         BLOB,
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, id, version)
	)`,

	`CREATE TABLE IF NOT EXISTS sequent_enrollments (
		id                 TEXT PRIMARY KEY,
		workflow_id        TEXT NOT NULL,
		workflow_version   INTEGER NOT NULL,
		tenant_id          TEXT NOT NULL,
		entity_id          TEXT NOT NULL,
		current_node_id    TEXT NOT NULL,
		status             TEXT NOT NULL DEFAULT 'active',
		outcome            TEXT NOT NULL DEFAULT '',
		entered_at         TIMESTAMP NOT NULL,
		last_transition_at TIMESTAMP NOT NULL,
		snapshot           BLOB,
		next_check_at      TIMESTAMP,
		version            INTEGER NOT NULL DEFAULT 1,
		created_at         TIMESTAMP NOT NULL,
		updated_at         TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sequent_enrollments_live
		ON sequent_enrollments (tenant_id, workflow_id, entity_id)
		WHERE status IN ('active', 'paused')`,
	`CREATE INDEX IF NOT EXISTS idx_sequent_enrollments_due
		ON sequent_enrollments (next_check_at)
		WHERE status = 'active'`,

	`CREATE TABLE IF NOT EXISTS sequent_nurtures (
		id                  TEXT PRIMARY KEY,
		tenant_id           TEXT NOT NULL,
		entity_id           TEXT NOT NULL,
		nurture_workflow_id TEXT NOT NULL,
		enrollment_id       TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL DEFAULT 'active',
		next_send_at        TIMESTAMP NOT NULL,
		content_index       INTEGER NOT NULL DEFAULT 0,
		enrolled_at         TIMESTAMP NOT NULL,
		last_activity_at    TIMESTAMP NOT NULL,
		exit_reason         TEXT NOT NULL DEFAULT '',
		created_at          TIMESTAMP NOT NULL,
		updated_at          TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sequent_nurtures_active
		ON sequent_nurtures (tenant_id, entity_id)
		WHERE status = 'active'`,

	`CREATE TABLE IF NOT EXISTS sequent_faults (
		id            TEXT PRIMARY KEY,
		enrollment_id TEXT NOT NULL,
		tenant_id     TEXT NOT NULL,
		entity_id     TEXT NOT NULL,
		workflow_id   TEXT NOT NULL,
		node_id       TEXT NOT NULL,
		error         TEXT NOT NULL,
		failed_at     TIMESTAMP NOT NULL,
		replayed_at   TIMESTAMP,
		created_at    TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sequent_faults_failed_at
		ON sequent_faults (failed_at)`,

	`CREATE TABLE IF NOT EXISTS sequent_workers (
		id           TEXT PRIMARY KEY,
		hostname     TEXT NOT NULL,
		state        TEXT NOT NULL DEFAULT 'active',
		is_leader    INTEGER NOT NULL DEFAULT 0,
		leader_until TIMESTAMP,
		last_seen    TIMESTAMP NOT NULL,
		metadata     BLOB,
		created_at   TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS sequent_leases (
		key        TEXT PRIMARY KEY,
		expires_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS sequent_suppressions (
		tenant_id  TEXT NOT NULL,
		address    TEXT NOT NULL,
		reason     TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, address)
	)`,
}
