package db

import (
	"database/sql"
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/logger"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

// Migrate applies every embedded migration not yet recorded in schema_migrations.
// Each file runs in its own transaction together with its version row.
func Migrate(db *sql.DB, log *zap.SugaredLogger) error {
	return migrateFS(db, migrations, "sqlite/migrations", log)
}

func migrateFS(db *sql.DB, fsys fs.ReadFileFS, dir string, log *zap.SugaredLogger) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = logger.AddDBSymbol(log)

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}

	// 000_create_schema_migrations.sql sorts first
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	applied := 0
	for _, name := range files {
		version, _, _ := strings.Cut(name, "_")

		var exists bool
		err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		switch {
		case err != nil && version != "000":
			return errors.WithDetail(errors.Wrap(err, "schema_migrations is missing"), "Migration: "+name)
		case err == nil && exists:
			log.Debugw("Migration already applied", logger.FieldPath, name)
			continue
		}

		body, err := fsys.ReadFile(path.Join(dir, name))
		if err != nil {
			return errors.Wrapf(err, "read %s", name)
		}
		log.Infow("Applying migration", logger.FieldPath, name, "version", version)
		if err := applyMigration(db, version, string(body)); err != nil {
			return errors.WithDetail(err, "Migration: "+name)
		}
		applied++
	}

	log.Infow("Migrations complete",
		logger.FieldTotalCount, len(files),
		logger.FieldCount, applied)
	return nil
}

// applyMigration runs body and records version in one transaction. 000 creates
// schema_migrations and then records itself.
func applyMigration(db *sql.DB, version, body string) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin migration")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(body); err != nil {
		return errors.Wrap(err, "execute migration")
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		return errors.Wrap(err, "record migration")
	}
	return errors.Wrap(tx.Commit(), "commit migration")
}
