// Package l3 implements the L3 Crystal Store: durable relational storage
// for consolidated facts, persisted graph links, and global knowledge
// triples with full version history. It is grounded on the source
// PostgreSQL-backed crystal store (storage/l3_crystal.py) and the
// knowledge triple store (knowledge/store.py), realized here over SQLite
// via the teacher's unused mattn/go-sqlite3 dependency — the one teacher
// dep that had no home in the agent/integration code but fits the
// durable-relational-tier role exactly.
//
// Knowledge triple uniqueness is GLOBAL on (lower(subject), lower(predicate)):
// user_id on a triple is contributor attribution only, never part of its
// identity. This is a deliberate change from the per-user uniqueness the
// original Python schema used; any pre-existing per-user data would need
// migrating to the global scheme during startup.
package l3

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/biemlabs/biem/internal/biemerr"
)

// Config points at the SQLite database file.
type Config struct {
	Path string
}

// DefaultConfig mirrors the original's PostgresConfig intent, adapted to
// a file-backed SQLite database.
func DefaultConfig() Config {
	return Config{Path: "biem.db"}
}

// Store is the SQLite-backed L3 Crystal Store.
type Store struct {
	cfg Config
	db  *sql.DB
}

// New constructs an unconnected Store.
func New(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// Connect opens the database and applies schema migrations.
func (s *Store) Connect(ctx context.Context) error {
	db, err := sql.Open("sqlite3", s.cfg.Path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return biemerr.New(biemerr.BackendUnavailable, "l3.Connect", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return biemerr.New(biemerr.BackendUnavailable, "l3.Connect", err)
	}
	s.db = db

	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return biemerr.New(biemerr.BackendUnavailable, "l3.Connect", fmt.Errorf("apply schema: %w", err))
	}
	return nil
}

// Disconnect closes the database handle.
func (s *Store) Disconnect() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ClearAll truncates every table, for tests and the reset CLI.
func (s *Store) ClearAll(ctx context.Context) error {
	tables := []string{"knowledge_history", "knowledge_triples", "crystal_links", "crystal_facts"}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return biemerr.New(biemerr.BackendUnavailable, "l3.ClearAll", err)
		}
	}
	return nil
}

// Reset drops every relational table in foreign-key-respecting order
// (knowledge_history before knowledge_triples, both before the crystal
// tables' shared id space) and recreates the current schema from scratch,
// for the operational reset CLI.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"knowledge_history", "knowledge_triples", "crystal_links", "crystal_facts"}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return biemerr.New(biemerr.BackendUnavailable, "l3.Reset", fmt.Errorf("drop %s: %w", t, err))
		}
	}
	views := []string{"facts_fts", "triples_fts"}
	for _, v := range views {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+v); err != nil {
			return biemerr.New(biemerr.BackendUnavailable, "l3.Reset", fmt.Errorf("drop %s: %w", v, err))
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return biemerr.New(biemerr.BackendUnavailable, "l3.Reset", fmt.Errorf("recreate schema: %w", err))
	}
	return nil
}

// Stats summarizes storage occupancy.
type Stats struct {
	FactsCount    int
	LinksCount    int
	TriplesCount  int
	AvgConfidence float64
}

// GetStats reports row counts and average fact confidence.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM crystal_facts")
	if err := row.Scan(&stats.FactsCount); err != nil {
		return stats, biemerr.New(biemerr.BackendUnavailable, "l3.GetStats", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM crystal_links").Scan(&stats.LinksCount); err != nil {
		return stats, biemerr.New(biemerr.BackendUnavailable, "l3.GetStats", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM knowledge_triples").Scan(&stats.TriplesCount); err != nil {
		return stats, biemerr.New(biemerr.BackendUnavailable, "l3.GetStats", err)
	}
	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, "SELECT AVG(confidence) FROM crystal_facts").Scan(&avg); err != nil {
		return stats, biemerr.New(biemerr.BackendUnavailable, "l3.GetStats", err)
	}
	stats.AvgConfidence = avg.Float64
	return stats, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS crystal_facts (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	source_node_ids TEXT NOT NULL DEFAULT '[]',
	confidence REAL NOT NULL DEFAULT 1.0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	user_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_facts_created ON crystal_facts(created_at);
CREATE INDEX IF NOT EXISTS idx_facts_confidence ON crystal_facts(confidence);

CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5(id UNINDEXED, content);

CREATE TRIGGER IF NOT EXISTS facts_fts_insert AFTER INSERT ON crystal_facts BEGIN
	INSERT INTO facts_fts(id, content) VALUES (new.id, new.content);
END;
CREATE TRIGGER IF NOT EXISTS facts_fts_update AFTER UPDATE ON crystal_facts BEGIN
	DELETE FROM facts_fts WHERE id = old.id;
	INSERT INTO facts_fts(id, content) VALUES (new.id, new.content);
END;
CREATE TRIGGER IF NOT EXISTS facts_fts_delete AFTER DELETE ON crystal_facts BEGIN
	DELETE FROM facts_fts WHERE id = old.id;
END;

CREATE TABLE IF NOT EXISTS crystal_links (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	link_type TEXT NOT NULL,
	weight REAL NOT NULL DEFAULT 1.0,
	created_at TEXT NOT NULL,
	UNIQUE(source_id, target_id, link_type)
);
CREATE INDEX IF NOT EXISTS idx_links_source ON crystal_links(source_id);
CREATE INDEX IF NOT EXISTS idx_links_target ON crystal_links(target_id);
CREATE INDEX IF NOT EXISTS idx_links_type ON crystal_links(link_type);

CREATE TABLE IF NOT EXISTS knowledge_triples (
	id TEXT PRIMARY KEY,
	subject TEXT NOT NULL,
	predicate TEXT NOT NULL,
	object TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0.8,
	source TEXT NOT NULL DEFAULT 'conversation',
	version INTEGER NOT NULL DEFAULT 1,
	previous_values TEXT NOT NULL DEFAULT '[]',
	session_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_triples_identity ON knowledge_triples(lower(subject), lower(predicate));
CREATE INDEX IF NOT EXISTS idx_triples_subject ON knowledge_triples(subject);
CREATE INDEX IF NOT EXISTS idx_triples_predicate ON knowledge_triples(predicate);

CREATE VIRTUAL TABLE IF NOT EXISTS triples_fts USING fts5(id UNINDEXED, subject, predicate, object);

CREATE TRIGGER IF NOT EXISTS triples_fts_insert AFTER INSERT ON knowledge_triples BEGIN
	INSERT INTO triples_fts(id, subject, predicate, object) VALUES (new.id, new.subject, new.predicate, new.object);
END;
CREATE TRIGGER IF NOT EXISTS triples_fts_update AFTER UPDATE ON knowledge_triples BEGIN
	DELETE FROM triples_fts WHERE id = old.id;
	INSERT INTO triples_fts(id, subject, predicate, object) VALUES (new.id, new.subject, new.predicate, new.object);
END;
CREATE TRIGGER IF NOT EXISTS triples_fts_delete AFTER DELETE ON knowledge_triples BEGIN
	DELETE FROM triples_fts WHERE id = old.id;
END;

CREATE TABLE IF NOT EXISTS knowledge_history (
	id TEXT PRIMARY KEY,
	triple_id TEXT NOT NULL,
	subject TEXT NOT NULL,
	predicate TEXT NOT NULL,
	old_object TEXT,
	new_object TEXT,
	old_confidence REAL,
	new_confidence REAL,
	changed_at TEXT NOT NULL,
	changed_by TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_history_triple ON knowledge_history(triple_id);
`
