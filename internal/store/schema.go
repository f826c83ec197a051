package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
)

// RequiredSchemaVersion is the newest migration embedded in this binary.
const RequiredSchemaVersion uint = 1

var (
	ErrSchemaDirty = errors.New("database schema is dirty (failed migration)")
	ErrSchemaAhead = errors.New("database schema is newer than this binary")
)

// SchemaStatus represents the result of a schema compatibility check.
type SchemaStatus struct {
	CurrentVersion  uint
	RequiredVersion uint
	Dirty           bool
	Compatible      bool
	NeedsMigration  bool
}

// Versioner reports the applied migration version, as *migrate.Migrate does.
type Versioner interface {
	Version() (version uint, dirty bool, err error)
}

// CheckSchema compares the applied version against RequiredSchemaVersion.
// A database with no migrations applied needs migration.
func CheckSchema(v Versioner) (*SchemaStatus, error) {
	s := &SchemaStatus{RequiredVersion: RequiredSchemaVersion}
	version, dirty, err := v.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		s.NeedsMigration = true
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read schema version: %w", err)
	}

	s.CurrentVersion, s.Dirty = version, dirty
	if dirty {
		return s, nil
	}
	switch {
	case version == RequiredSchemaVersion:
		s.Compatible = true
	case version < RequiredSchemaVersion:
		s.NeedsMigration = true
	}
	return s, nil
}

// Err returns nil when the schema can be used or migrated forward.
func (s *SchemaStatus) Err() error {
	switch {
	case s.Dirty:
		return fmt.Errorf("%w: version %d, run: chatbridge migrate force %d", ErrSchemaDirty, s.CurrentVersion, s.CurrentVersion-1)
	case s.CurrentVersion > s.RequiredVersion:
		return fmt.Errorf("%w: database v%d, binary requires v%d", ErrSchemaAhead, s.CurrentVersion, s.RequiredVersion)
	}
	return nil
}

// MigrateUp applies pending migrations unless the schema is dirty or ahead
// of this binary.
func MigrateUp(m *migrate.Migrate) error {
	status, err := CheckSchema(m)
	if err != nil {
		return err
	}
	if err := status.Err(); err != nil {
		return err
	}
	if status.Compatible {
		return nil
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
