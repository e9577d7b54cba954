package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mailboxes (
	user_id    TEXT PRIMARY KEY,
	provider   TEXT NOT NULL,
	address    TEXT NOT NULL,
	host       TEXT NOT NULL,
	port       INTEGER NOT NULL,
	use_tls    INTEGER NOT NULL DEFAULT 1 CHECK(use_tls IN (0, 1)),
	secret     TEXT NOT NULL,
	active     INTEGER NOT NULL DEFAULT 1 CHECK(active IN (0, 1)),
	filters    TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS jobs (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	source_message_id TEXT NOT NULL,
	title             TEXT NOT NULL,
	company           TEXT NOT NULL,
	location          TEXT NOT NULL DEFAULT '',
	salary_min        INTEGER,
	salary_max        INTEGER,
	salary_range      TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	url               TEXT NOT NULL DEFAULT '',
	platform          TEXT NOT NULL DEFAULT 'other',
	status            TEXT NOT NULL DEFAULT 'available' CHECK(status IN ('available', 'applied')),
	posted_at         DATETIME NOT NULL,
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(user_id, source_message_id)
);

CREATE INDEX IF NOT EXISTS idx_jobs_user_posted ON jobs(user_id, posted_at);
CREATE INDEX IF NOT EXISTS idx_jobs_platform ON jobs(platform);
CREATE INDEX IF NOT EXISTS idx_mailboxes_active ON mailboxes(active);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS high_water_marks (
	user_id    TEXT PRIMARY KEY REFERENCES mailboxes(user_id) ON DELETE CASCADE,
	mark       DATETIME NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
