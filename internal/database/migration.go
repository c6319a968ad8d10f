package database

import (
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"

	"gorm.io/gorm"
)

//go:embed migrations/*/up.sql migrations/*/down.sql
var migrationsFS embed.FS

var migrationVersionRegex = regexp.MustCompile(`^(\d+)`)

type SchemaVersion uint64

type SchemaMigration struct {
	Version SchemaVersion `gorm:"primaryKey"`
}

func CurrentSchemaVersion(db *gorm.DB) (SchemaVersion, error) {
	var schemaMigration SchemaMigration

	err := db.
		Model(&SchemaMigration{}).
		Select("version").
		Order("version desc").
		Limit(1).
		Scan(&schemaMigration).Error

	return schemaMigration.Version, err
}

type Migration struct {
	Version SchemaVersion
	Dir     string
}

func (migration Migration) UpSQL() (string, error) {
	return migration.read("up.sql")
}

func (migration Migration) DownSQL() (string, error) {
	return migration.read("down.sql")
}

func (migration Migration) read(name string) (string, error) {
	data, err := fs.ReadFile(migrationsFS, fmt.Sprintf("migrations/%s/%s", migration.Dir, name))
	if err != nil {
		return "", fmt.Errorf("read %s for migration %s: %w", name, migration.Dir, err)
	}
	return string(data), nil
}

// Migrate applies every embedded migration newer than the recorded schema
// version. Each migration runs in its own transaction together with its
// schema_migrations row.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&SchemaMigration{}); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := CurrentSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	migrations, err := MigrationsNewerThan(current)
	if err != nil {
		return err
	}

	for _, migration := range migrations {
		sql, err := migration.UpSQL()
		if err != nil {
			return err
		}

		err = db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(sql).Error; err != nil {
				return err
			}
			return tx.Create(&SchemaMigration{Version: migration.Version}).Error
		})
		if err != nil {
			return fmt.Errorf("apply migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// Rollback reverts the most recently applied migration and returns its
// version. It returns 0 when nothing is applied.
func Rollback(db *gorm.DB) (SchemaVersion, error) {
	current, err := CurrentSchemaVersion(db)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if current == 0 {
		return 0, nil
	}

	all, err := MigrationsNewerThan(0)
	if err != nil {
		return 0, err
	}

	for _, migration := range all {
		if migration.Version != current {
			continue
		}

		sql, err := migration.DownSQL()
		if err != nil {
			return 0, err
		}

		err = db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(sql).Error; err != nil {
				return err
			}
			return tx.Delete(&SchemaMigration{}, "version = ?", migration.Version).Error
		})
		if err != nil {
			return 0, fmt.Errorf("roll back migration %d: %w", migration.Version, err)
		}
		return migration.Version, nil
	}

	return 0, fmt.Errorf("no migration found for applied version %d", current)
}

// MigrationsNewerThan lists embedded migrations with a version above
// minVersion, in ascending order.
func MigrationsNewerThan(minVersion SchemaVersion) ([]Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		match := migrationVersionRegex.FindStringSubmatch(entry.Name())
		if len(match) != 2 {
			return nil, fmt.Errorf("invalid migration directory name: %s", entry.Name())
		}

		versionInt, err := strconv.ParseUint(match[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid migration version: %s - %w", match[1], err)
		}

		version := SchemaVersion(versionInt)
		if version <= minVersion {
			continue
		}

		migrations = append(migrations, Migration{Version: version, Dir: entry.Name()})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}
