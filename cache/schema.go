package cache

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// schemaVersion is the current on-disk schema. Version 1 predates the
// CreatedAt column and the SchemaInfo table.
const schemaVersion = 2

// schemaManager brings a database file up to the current schema exactly
// once per cache instance. Callers await ready before issuing SQL;
// concurrent callers observing an in-flight init share the same completion.
type schemaManager struct {
	db    *sql.DB
	clock func() time.Time
	log   *zap.Logger

	ready chan struct{}
	err   error
}

func newSchemaManager(db *sql.DB, cfg config) *schemaManager {
	m := &schemaManager{
		db:    db,
		clock: cfg.clock,
		log:   cfg.logger,
		ready: make(chan struct{}),
	}
	go m.initialize()
	return m
}

// wait blocks until initialization has finished or ctx is done.
func (m *schemaManager) wait(ctx context.Context) error {
	select {
	case <-m.ready:
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *schemaManager) initialize() {
	defer close(m.ready)

	// Best-effort performance pragmas. Older engines reject some of these;
	// rejections are swallowed.
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA temp_store=MEMORY`,
		`PRAGMA synchronous=OFF`,
	} {
		if _, err := m.db.Exec(pragma); err != nil {
			m.log.Debug("pragma rejected", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	if _, err := m.db.Exec(`CREATE TABLE IF NOT EXISTS CacheElement (
		Key        TEXT    PRIMARY KEY,
		TypeName   TEXT    NULL,
		Value      BLOB    NOT NULL,
		Expiration INTEGER NOT NULL,
		CreatedAt  INTEGER NOT NULL
	)`); err != nil {
		m.err = backendErr(err, "creating CacheElement table")
		return
	}

	version, err := m.currentVersion()
	if err != nil {
		m.err = err
		return
	}
	if version < schemaVersion {
		if err := m.migrateToV2(); err != nil {
			m.err = err
			return
		}
		m.log.Info("cache schema migrated",
			zap.Int("from", version), zap.Int("to", schemaVersion))
	}
}

// currentVersion reads the latest recorded schema version. An absent
// SchemaInfo table means the store is pre-versioned: the table is created
// and the version treated as 1.
func (m *schemaManager) currentVersion() (int, error) {
	var name string
	err := m.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'SchemaInfo'`,
	).Scan(&name)
	if err == sql.ErrNoRows {
		if _, err := m.db.Exec(`CREATE TABLE SchemaInfo (Version INTEGER NOT NULL)`); err != nil {
			return 0, backendErr(err, "creating SchemaInfo table")
		}
		return 1, nil
	}
	if err != nil {
		return 0, backendErr(err, "probing SchemaInfo table")
	}

	var version sql.NullInt64
	if err := m.db.QueryRow(`SELECT MAX(Version) FROM SchemaInfo`).Scan(&version); err != nil {
		return 0, backendErr(err, "reading schema version")
	}
	if !version.Valid {
		return 1, nil
	}
	return int(version.Int64), nil
}

// migrateToV2 rebuilds CacheElement with the v2 columns. Legacy rows carry
// no creation stamp, so CreatedAt is populated with the migration time.
func (m *schemaManager) migrateToV2() error {
	tx, err := m.db.Begin()
	if err != nil {
		return backendErr(err, "beginning migration")
	}
	defer tx.Rollback()

	steps := []struct {
		query string
		args  []any
	}{
		{query: `ALTER TABLE CacheElement RENAME TO VersionOneCacheElement`},
		{query: `CREATE TABLE CacheElement (
			Key        TEXT    PRIMARY KEY,
			TypeName   TEXT    NULL,
			Value      BLOB    NOT NULL,
			Expiration INTEGER NOT NULL,
			CreatedAt  INTEGER NOT NULL
		)`},
		{
			query: `INSERT INTO CacheElement (Key, TypeName, Value, Expiration, CreatedAt)
				SELECT Key, TypeName, Value, Expiration, ? FROM VersionOneCacheElement`,
			args: []any{toTicks(m.clock())},
		},
		{query: `DROP TABLE VersionOneCacheElement`},
		{query: `INSERT INTO SchemaInfo (Version) VALUES (?)`, args: []any{schemaVersion}},
	}
	for _, step := range steps {
		if _, err := tx.Exec(step.query, step.args...); err != nil {
			return backendErr(err, "migrating cache schema")
		}
	}
	if err := tx.Commit(); err != nil {
		return backendErr(err, "committing migration")
	}
	return nil
}
