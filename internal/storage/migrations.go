package storage

// migration is one schema step. Versions are sequential from 1.
type migration struct {
	version int
	sql     string
}

// Times are unix milliseconds (UTC).
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS reminders (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id      INTEGER NOT NULL,
	chat_id       INTEGER NOT NULL,
	text          TEXT NOT NULL,
	hour          INTEGER NOT NULL CHECK(hour BETWEEN 0 AND 23),
	minute        INTEGER NOT NULL CHECK(minute BETWEEN 0 AND 59),
	interval_days INTEGER NOT NULL DEFAULT 0 CHECK(interval_days >= 0),
	status        TEXT NOT NULL CHECK(status IN ('ACTIVE', 'SUSPENDED', 'COMPLETED', 'DELETED')),
	max_attempts  INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	last_ack_at   INTEGER,
	due_at        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reminders_owner_status ON reminders(owner_id, status);
CREATE INDEX IF NOT EXISTS idx_reminders_status_due ON reminders(status, due_at);

CREATE TABLE IF NOT EXISTS notification_attempts (
	reminder_id   INTEGER NOT NULL REFERENCES reminders(id),
	occurrence_at INTEGER NOT NULL,
	seq           INTEGER NOT NULL CHECK(seq >= 1),
	sent_at       INTEGER NOT NULL,
	outcome       TEXT NOT NULL CHECK(outcome IN ('SENT', 'ACKNOWLEDGED', 'SNOOZED', 'FAILED')),
	handle        TEXT NOT NULL DEFAULT '',
	resolved_at   INTEGER,
	PRIMARY KEY (reminder_id, occurrence_at, seq)
);

CREATE TABLE IF NOT EXISTS triggers (
	key           TEXT PRIMARY KEY,
	reminder_id   INTEGER NOT NULL UNIQUE REFERENCES reminders(id),
	kind          TEXT NOT NULL CHECK(kind IN ('INITIAL_DUE', 'ESCALATION_RETRY')),
	fire_at       INTEGER NOT NULL,
	occurrence_at INTEGER NOT NULL,
	seq           INTEGER NOT NULL CHECK(seq >= 1)
);

CREATE INDEX IF NOT EXISTS idx_triggers_fire_at ON triggers(fire_at, key);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_attempts_reminder_occ
	ON notification_attempts(reminder_id, occurrence_at DESC, seq DESC);

CREATE INDEX IF NOT EXISTS idx_attempts_resolved
	ON notification_attempts(resolved_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
