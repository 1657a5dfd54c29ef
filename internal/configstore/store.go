// Package configstore persists the versioned runtime configuration
// aggregate and per-dialog sync state in SQLite.
//
// The aggregate is stored as a singleton metadata row holding the version,
// one JSON row per section (policy, sync, storage, ai) and one row per
// dialog. Writers to different sections rewrite only their own section row,
// while every write bumps the shared version under optimistic concurrency.
package configstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"tgsearch/internal/configstore/migrations"
	"tgsearch/internal/model"
	"tgsearch/internal/tgsearch"
)

// DefaultCacheTTL is how long LoadConfig serves a cached aggregate.
const DefaultCacheTTL = 10 * time.Second

// slowQueryThreshold marks storage round-trips worth a warning.
const slowQueryThreshold = 500 * time.Millisecond

// SecretSealer seals secret values before they are written to a section
// and opens them on read.
type SecretSealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Options configures a Store. Zero values select defaults.
type Options struct {
	BusyTimeout time.Duration
	CacheTTL    time.Duration
	Logger      tgsearch.Logger
	Clock       tgsearch.Clock
	Sealer      SecretSealer
}

// Store is the config store. It is safe for concurrent use.
type Store struct {
	db       *sql.DB
	logger   tgsearch.Logger
	clock    tgsearch.Clock
	sealer   SecretSealer
	cacheTTL time.Duration

	// writeMu serialises read-modify-write cycles within the process.
	// Cross-process safety comes from BEGIN IMMEDIATE plus the busy timeout.
	writeMu sync.Mutex

	cacheMu  sync.Mutex
	cached   *model.GlobalConfig
	cachedAt time.Time
}

// Open opens (creating if needed) the config database at path and applies
// pending migrations. A dirty schema, or one newer than the embedded
// migrations, is refused. path can be ":memory:".
func Open(path string, opts Options) (*Store, error) {
	db, err := OpenConnection(path, opts.BusyTimeout)
	if err != nil {
		return nil, err
	}
	switch err := migrations.Check(db); {
	case err == nil:
	case errors.Is(err, migrations.ErrNeedsMigration):
		tgsearch.OrNop(opts.Logger).Info("migrating config database", "path", path, "reason", err.Error())
		if err := migrations.Up(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating config database: %w", err)
		}
	default:
		// dirty or written by a newer binary; migrating would not help
		db.Close()
		return nil, fmt.Errorf("checking config database schema: %w", err)
	}
	return NewFromDB(db, opts), nil
}

// NewFromDB wraps an existing, already migrated connection.
func NewFromDB(db *sql.DB, opts Options) *Store {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	var clock tgsearch.Clock = tgsearch.RealClock{}
	if opts.Clock != nil {
		clock = opts.Clock
	}
	return &Store{
		db:       db,
		logger:   tgsearch.OrNop(opts.Logger),
		clock:    clock,
		sealer:   opts.Sealer,
		cacheTTL: ttl,
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadConfig returns the aggregate. A cached copy younger than the cache
// TTL is returned unless refresh is set. Corrupt sections are reset to their
// defaults in storage and logged; they never fail the caller.
func (s *Store) LoadConfig(ctx context.Context, refresh bool) (*model.GlobalConfig, error) {
	if !refresh {
		if cfg := s.cachedConfig(); cfg != nil {
			s.logger.Debug("config loaded", "cache_hit", true, "version", cfg.Version)
			return cfg, nil
		}
	}

	started := time.Now()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var cfg *model.GlobalConfig
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		cfg, err = s.loadTx(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(started)
	if elapsed > slowQueryThreshold {
		s.logger.Warn("config load slow", "duration_ms", elapsed.Milliseconds(), "version", cfg.Version)
	} else {
		s.logger.Debug("config loaded", "cache_hit", false, "duration_ms", elapsed.Milliseconds(), "version", cfg.Version)
	}

	s.setCache(cfg)
	return cfg.Clone(), nil
}

// SaveConfig merges patch into the stored aggregate and bumps the version.
// When expectedVersion is non-nil and differs from the stored version the
// write is rejected with ErrVersionConflict and nothing is merged.
func (s *Store) SaveConfig(ctx context.Context, patch Patch, expectedVersion *int64) (*model.GlobalConfig, error) {
	if err := patch.validate(); err != nil {
		return nil, err
	}

	started := time.Now()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var next *model.GlobalConfig
	var from int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := s.loadTx(ctx, tx)
		if err != nil {
			return err
		}
		from = current.Version
		if expectedVersion != nil && *expectedVersion != current.Version {
			return versionConflict(*expectedVersion, current.Version)
		}

		next = current.Clone()
		patch.apply(next)
		next.Version = current.Version + 1
		next.UpdatedAt = s.clock.Now()

		if patch.Policy != nil {
			if err := s.writeSection(ctx, tx, SectionPolicy, next.Policy); err != nil {
				return err
			}
		}
		if patch.Sync != nil {
			if err := s.writeSection(ctx, tx, SectionSync, syncSection{AvailableCacheTTLSec: next.Sync.AvailableCacheTTLSec}); err != nil {
				return err
			}
			if patch.Sync.Dialogs != nil {
				if err := s.replaceDialogsTx(ctx, tx, patch.Sync.Dialogs); err != nil {
					return err
				}
			}
		}
		if patch.Storage != nil {
			if err := s.writeSection(ctx, tx, SectionStorage, next.Storage); err != nil {
				return err
			}
		}
		if patch.AI != nil {
			if err := s.writeAISection(ctx, tx, next.AI); err != nil {
				return err
			}
		}
		return s.advanceVersionTx(ctx, tx, current.Version, next.Version, next.UpdatedAt)
	})
	if err != nil {
		if errors.Is(err, tgsearch.ErrVersionConflict) {
			s.logger.Warn("config save rejected", "error", err.Error(), "sections", patch.Sections())
		}
		return nil, err
	}

	s.logger.Info("config saved",
		"version_from", from,
		"version_to", next.Version,
		"sections", patch.Sections(),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	s.setCache(next)
	return next.Clone(), nil
}

// UpdateSection applies a single-section patch without a version check.
// Writers of different sections never conflict; writers of the same section
// are last-writer-wins.
func (s *Store) UpdateSection(ctx context.Context, patch SectionPatch) (*model.GlobalConfig, error) {
	return s.SaveConfig(ctx, patch.asPatch(), nil)
}

// Invalidate drops the cached aggregate.
func (s *Store) Invalidate() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cached = nil
	s.cachedAt = time.Time{}
}

// BackupTo writes a consistent copy of the database to path.
func (s *Store) BackupTo(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("backing up config database: %w", err)
	}
	return nil
}

func (s *Store) cachedConfig() *model.GlobalConfig {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cached == nil || s.clock.Now().Sub(s.cachedAt) >= s.cacheTTL {
		return nil
	}
	return s.cached.Clone()
}

func (s *Store) setCache(cfg *model.GlobalConfig) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cached = cfg.Clone()
	s.cachedAt = s.clock.Now()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting config transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing config transaction: %w", err)
	}
	return nil
}

func versionConflict(expected, actual int64) error {
	return tgsearch.WrapDomainError(tgsearch.CodeVersionConflict, "config version conflict",
		fmt.Errorf("expected version %d, stored version is %d", expected, actual))
}

// syncSection is the stored shape of the sync section. Dialogs live in
// their own table.
type syncSection struct {
	AvailableCacheTTLSec int `json:"available_cache_ttl_sec"`
}

// loadTx reads the aggregate inside tx, creating defaults for missing rows
// and resetting corrupt ones.
func (s *Store) loadTx(ctx context.Context, tx *sql.Tx) (*model.GlobalConfig, error) {
	now := s.clock.Now()
	cfg := model.DefaultGlobalConfig(now)

	version, updatedAt, err := s.loadMetaTx(ctx, tx, now)
	if err != nil {
		return nil, err
	}
	cfg.Version = version
	cfg.UpdatedAt = updatedAt

	bodies, err := s.loadSectionBodiesTx(ctx, tx)
	if err != nil {
		return nil, err
	}

	for _, name := range sectionNames {
		body, ok := bodies[name]
		if ok {
			if err := validateSection(name, body); err != nil {
				s.logger.Warn("config section corrupt, resetting to defaults",
					"code", tgsearch.CodeSchemaCorrupt, "section", name, "error", err.Error())
				ok = false
			}
		}
		if ok {
			if err := s.decodeSection(name, body, cfg); err != nil {
				s.logger.Warn("config section undecodable, resetting to defaults",
					"code", tgsearch.CodeSchemaCorrupt, "section", name, "error", err.Error())
				ok = false
			}
		}
		if !ok {
			if err := s.resetSectionTx(ctx, tx, name, cfg); err != nil {
				return nil, err
			}
		}
	}

	dialogs, err := s.loadDialogsTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	cfg.Sync.Dialogs = dialogs
	return cfg, nil
}

func (s *Store) loadMetaTx(ctx context.Context, tx *sql.Tx, now time.Time) (int64, time.Time, error) {
	var rawVersion, rawUpdated sql.NullString
	err := tx.QueryRowContext(ctx, "SELECT CAST(version AS TEXT), updated_at FROM config_meta WHERE id = 1").
		Scan(&rawVersion, &rawUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Info("no config found, initializing defaults")
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO config_meta (id, version, updated_at) VALUES (1, 0, ?)", formatTime(now)); err != nil {
			return 0, time.Time{}, fmt.Errorf("initializing config metadata: %w", err)
		}
		return 0, now, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("reading config metadata: %w", err)
	}

	version, verr := strconv.ParseInt(rawVersion.String, 10, 64)
	if !rawVersion.Valid || verr != nil || version < 0 {
		s.logger.Warn("config version corrupt, resetting to defaults",
			"code", tgsearch.CodeSchemaCorrupt, "raw_version", rawVersion.String)
		if _, err := tx.ExecContext(ctx,
			"UPDATE config_meta SET version = 0, updated_at = ? WHERE id = 1", formatTime(now)); err != nil {
			return 0, time.Time{}, fmt.Errorf("resetting config metadata: %w", err)
		}
		return 0, now, nil
	}

	updatedAt, err := parseTime(rawUpdated.String)
	if err != nil {
		s.logger.Warn("config updated_at unreadable", "raw_updated_at", rawUpdated.String)
		updatedAt = now
	}
	return version, updatedAt, nil
}

func (s *Store) advanceVersionTx(ctx context.Context, tx *sql.Tx, from, to int64, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE config_meta SET version = ?, updated_at = ? WHERE id = 1 AND version = ?",
		to, formatTime(at), from)
	if err != nil {
		return fmt.Errorf("advancing config version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advancing config version: %w", err)
	}
	if n != 1 {
		return tgsearch.WrapDomainError(tgsearch.CodeVersionConflict, "config version conflict",
			fmt.Errorf("version %d was superseded by a concurrent writer", from))
	}
	return nil
}

// bumpVersionTx increments the version for point writes that do not go
// through SaveConfig.
func (s *Store) bumpVersionTx(ctx context.Context, tx *sql.Tx) error {
	now := s.clock.Now()
	version, _, err := s.loadMetaTx(ctx, tx, now)
	if err != nil {
		return err
	}
	return s.advanceVersionTx(ctx, tx, version, version+1, now)
}

func (s *Store) loadSectionBodiesTx(ctx context.Context, tx *sql.Tx) (map[string][]byte, error) {
	rows, err := tx.QueryContext(ctx, "SELECT name, body FROM config_sections")
	if err != nil {
		return nil, fmt.Errorf("reading config sections: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte, len(sectionNames))
	for rows.Next() {
		var name, body string
		if err := rows.Scan(&name, &body); err != nil {
			return nil, fmt.Errorf("scanning config section: %w", err)
		}
		out[name] = []byte(body)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading config sections: %w", err)
	}
	return out, nil
}

// decodeSection decodes body over the defaults already present in cfg.
func (s *Store) decodeSection(name string, body []byte, cfg *model.GlobalConfig) error {
	switch name {
	case SectionPolicy:
		p := model.DefaultPolicyConfig()
		if err := json.Unmarshal(body, &p); err != nil {
			return err
		}
		cfg.Policy = model.PolicyConfig{WhiteList: normalizeIDs(p.WhiteList), BlackList: normalizeIDs(p.BlackList)}
	case SectionSync:
		sec := syncSection{AvailableCacheTTLSec: cfg.Sync.AvailableCacheTTLSec}
		if err := json.Unmarshal(body, &sec); err != nil {
			return err
		}
		cfg.Sync.AvailableCacheTTLSec = sec.AvailableCacheTTLSec
	case SectionStorage:
		st := model.DefaultStorageConfig()
		if err := json.Unmarshal(body, &st); err != nil {
			return err
		}
		cfg.Storage = st
	case SectionAI:
		ai := model.DefaultAIConfig()
		if err := json.Unmarshal(body, &ai); err != nil {
			return err
		}
		if ai.APIKey != "" && s.sealer != nil {
			plain, err := s.sealer.Open(ai.APIKey)
			if err != nil {
				// The key cannot be recovered; keep the rest of the section.
				s.logger.Warn("ai api key could not be opened", "error", err.Error())
				plain = ""
			}
			ai.APIKey = plain
		}
		cfg.AI = ai
	default:
		return fmt.Errorf("unknown config section %q", name)
	}
	return nil
}

func (s *Store) resetSectionTx(ctx context.Context, tx *sql.Tx, name string, cfg *model.GlobalConfig) error {
	switch name {
	case SectionPolicy:
		cfg.Policy = model.DefaultPolicyConfig()
		return s.writeSection(ctx, tx, name, cfg.Policy)
	case SectionSync:
		cfg.Sync.AvailableCacheTTLSec = model.DefaultSyncConfig().AvailableCacheTTLSec
		return s.writeSection(ctx, tx, name, syncSection{AvailableCacheTTLSec: cfg.Sync.AvailableCacheTTLSec})
	case SectionStorage:
		cfg.Storage = model.DefaultStorageConfig()
		return s.writeSection(ctx, tx, name, cfg.Storage)
	case SectionAI:
		cfg.AI = model.DefaultAIConfig()
		return s.writeSection(ctx, tx, name, cfg.AI)
	}
	return fmt.Errorf("unknown config section %q", name)
}

func (s *Store) writeAISection(ctx context.Context, tx *sql.Tx, ai model.AIConfig) error {
	if ai.APIKey != "" && s.sealer != nil {
		sealed, err := s.sealer.Seal(ai.APIKey)
		if err != nil {
			return fmt.Errorf("sealing ai api key: %w", err)
		}
		ai.APIKey = sealed
	}
	return s.writeSection(ctx, tx, SectionAI, ai)
}

func (s *Store) writeSection(ctx context.Context, tx *sql.Tx, name string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s section: %w", name, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO config_sections (name, body) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET body = excluded.body`, name, string(body))
	if err != nil {
		return fmt.Errorf("writing %s section: %w", name, err)
	}
	return nil
}
