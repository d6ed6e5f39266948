package main

import (
	"fmt"

	"github.com/compresr/pool-gateway/internal/storage/sqlite"
)

// runMigrateCommand applies pending database migrations and prints the
// resulting schema version.
func runMigrateCommand(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	v, dirty, err := sqlite.MigrationVersion(db.Writer)
	if err != nil {
		return err
	}
	if dirty {
		printWarn(fmt.Sprintf("schema version %d is dirty, a previous migration failed", v))
		return nil
	}
	printSuccess(fmt.Sprintf("%s at schema version %d", db.Path(), v))
	return nil
}
