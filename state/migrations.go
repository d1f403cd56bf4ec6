package state

type migration struct {
	version int
	sql     string
}

// migrations must stay ordered by version, starting at 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS seen_messages (
	folder        TEXT NOT NULL,
	uidvalidity   INTEGER NOT NULL,
	uid           INTEGER NOT NULL,
	message_id    TEXT NOT NULL DEFAULT '',
	size          INTEGER NOT NULL DEFAULT 0,
	internal_date TEXT NOT NULL DEFAULT '',
	internal_at   INTEGER NOT NULL DEFAULT 0,
	env_from      TEXT NOT NULL DEFAULT '',
	env_date      TEXT NOT NULL DEFAULT '',
	hash          TEXT NOT NULL DEFAULT '',
	mailfile      TEXT NOT NULL DEFAULT '',
	year          INTEGER,
	run_id        TEXT NOT NULL DEFAULT '',
	archived_at   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (folder, uidvalidity, uid)
);

CREATE INDEX IF NOT EXISTS idx_seen_messages_hash ON seen_messages(hash);
CREATE INDEX IF NOT EXISTS idx_seen_messages_mailfile ON seen_messages(mailfile);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
