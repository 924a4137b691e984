package memory

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/labels"
	"github.com/haasonsaas/warden/internal/memory/embeddings"
	"github.com/haasonsaas/warden/internal/secrets"
)

// Config configures the persistent memory store.
type Config struct {
	// Path is the SQLite file. Empty means in-memory.
	Path string `yaml:"path" json:"path"`

	// MaxEpisodesPerUser caps episodic history; the oldest entries are
	// evicted past the cap. Non-positive means 10000.
	MaxEpisodesPerUser int `yaml:"max_episodes_per_user" json:"max_episodes_per_user"`

	// VisibilityDefaults maps fact categories to their default visibility
	// when a fact does not set one explicitly.
	VisibilityDefaults map[string]Visibility `yaml:"visibility_defaults" json:"visibility_defaults"`
}

// DefaultVisibilityDefaults is used when the config leaves the map empty:
// health and financial facts never leave their owner, household facts are
// family-visible, world knowledge is readable in any agent context.
func DefaultVisibilityDefaults() map[string]Visibility {
	return map[string]Visibility{
		"health":    VisibilityOwner,
		"financial": VisibilityOwner,
		"family":    VisibilityFamily,
		"world":     VisibilityAgent,
	}
}

// Store is the episodic and semantic memory backend on SQLite.
type Store struct {
	db       *sql.DB
	cfg      Config
	detector *secrets.Detector
	embedder embeddings.Provider
	auditor  *audit.Logger
	policy   labels.Policy
}

// NewStore opens the database and creates the schema.
func NewStore(cfg Config, detector *secrets.Detector, embedder embeddings.Provider, auditor *audit.Logger, policy labels.Policy) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	if cfg.MaxEpisodesPerUser <= 0 {
		cfg.MaxEpisodesPerUser = 10000
	}
	if len(cfg.VisibilityDefaults) == 0 {
		cfg.VisibilityDefaults = DefaultVisibilityDefaults()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open database: %w", err)
	}
	// SQLite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:       db,
		cfg:      cfg,
		detector: detector,
		embedder: embedder,
		auditor:  auditor,
		policy:   policy,
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT,
			turn_number INTEGER,
			participants TEXT,
			content TEXT NOT NULL,
			metadata TEXT,
			embedding BLOB,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_user ON episodes(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_session ON episodes(user_id, session_id)`,
		`CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			fact_type TEXT,
			subject TEXT NOT NULL,
			predicate TEXT NOT NULL,
			object TEXT NOT NULL,
			category TEXT,
			confidence REAL NOT NULL DEFAULT 1.0,
			source TEXT,
			visibility TEXT NOT NULL,
			trust_level TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_user ON facts(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_subject_predicate ON facts(subject, predicate)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_visibility ON facts(visibility)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("memory: create schema: %w", err)
		}
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
