package model

import (
	"time"
)

// DBCrate represents a crate record in the metadata database. This is a
// derived copy of the index used for search and display; the index
// shards remain authoritative.
type DBCrate struct {
	ID            int64     `db:"id"`
	Name          string    `db:"name"`
	CanonName     string    `db:"canon_name"`
	Description   string    `db:"description"`
	Documentation string    `db:"documentation"`
	Repository    string    `db:"repository"`
	ReadmeHTML    string    `db:"readme_html"`
	Owner         string    `db:"owner"`
	Downloads     int64     `db:"downloads"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// DBVersion represents a published version record in the database.
type DBVersion struct {
	ID        int64     `db:"id"`
	CrateID   int64     `db:"crate_id"`
	Vers      string    `db:"vers"`
	Cksum     string    `db:"cksum"`
	Yanked    bool      `db:"yanked"`
	CreatedAt time.Time `db:"created_at"`
}

// DBToken represents an API token used to authenticate mutating requests.
type DBToken struct {
	ID        int64     `db:"id"`
	Token     string    `db:"token"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

// Schema contains the SQL schema for the metadata database.
const Schema = `
CREATE TABLE IF NOT EXISTS crates (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    canon_name TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    documentation TEXT NOT NULL DEFAULT '',
    repository TEXT NOT NULL DEFAULT '',
    readme_html TEXT NOT NULL DEFAULT '',
    owner TEXT NOT NULL DEFAULT '',
    downloads INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS versions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    crate_id INTEGER NOT NULL,
    vers TEXT NOT NULL,
    cksum TEXT NOT NULL,
    yanked INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (crate_id) REFERENCES crates(id) ON DELETE CASCADE,
    UNIQUE(crate_id, vers)
);

CREATE TABLE IF NOT EXISTS tokens (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    token TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_crates_canon_name ON crates(canon_name);
CREATE INDEX IF NOT EXISTS idx_versions_crate_id ON versions(crate_id);
`
