package postgres

// schemaStatements holds the DDL applied by EnsureSchema. The unique keys
// are load-bearing: they are the dedup mechanism for concurrent discovery,
// and the claim indexes back the eligibility predicates.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS apps (
	package_id        TEXT PRIMARY KEY,
	status            TEXT NOT NULL DEFAULT 'NEW',
	priority          INT NOT NULL DEFAULT 0,
	relations_pending TEXT[] NOT NULL DEFAULT '{}',
	extended_details  BOOLEAN NOT NULL DEFAULT FALSE,
	lease_owner       TEXT,
	lease_expires_at  TIMESTAMPTZ,
	first_seen_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_crawled_at   TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS apps_claim_idx
	ON apps (status, priority DESC, first_seen_at)`,
	`CREATE INDEX IF NOT EXISTS apps_lease_idx
	ON apps (lease_expires_at)
	WHERE lease_expires_at IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS downloads (
	package_id       TEXT NOT NULL,
	version_code     BIGINT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'PENDING',
	free             BOOLEAN NOT NULL DEFAULT TRUE,
	bytes_expected   BIGINT,
	lease_owner      TEXT,
	lease_expires_at TIMESTAMPTZ,
	started_at       TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (package_id, version_code)
)`,
	`CREATE INDEX IF NOT EXISTS downloads_claim_idx
	ON downloads (status, created_at)`,
}
