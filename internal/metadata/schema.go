package metadata

const schemaSQL = `
CREATE TABLE settings (
	key   TEXT PRIMARY KEY,
	value TEXT
);

CREATE TABLE blocks (
	hash          TEXT PRIMARY KEY,
	size          INTEGER,
	csize         INTEGER,
	compressed    TEXT,
	filename      TEXT,
	time_imported INTEGER
);

CREATE TABLE backups (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT,
	host          TEXT,
	device        TEXT,
	size          INTEGER,
	time_created  INTEGER,
	time_imported INTEGER,
	state         TEXT CHECK (state IN ('pending','ready','failed','broken','deleted')),
	UNIQUE(host, name)
);

CREATE TABLE backup_blocks (
	pos    INTEGER,
	block  TEXT NOT NULL REFERENCES blocks(hash),
	backup INTEGER NOT NULL REFERENCES backups(id),
	UNIQUE(backup, pos)
);

CREATE INDEX idx_backup_blocks_backup ON backup_blocks(backup);
CREATE INDEX idx_backups_state ON backups(state);
`
