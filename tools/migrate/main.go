// migrate applies the numbered SQL migrations in migrations/ to a
// Postgres database.
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tallyops/eventcore/libs/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		database = flag.String("database", config.String("DATABASE_URL", ""), "postgres connection url")
		path     = flag.String("path", "migrations", "migrations directory")
	)
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "up"
	}
	if *database == "" {
		return fmt.Errorf("-database or DATABASE_URL is required")
	}

	db, err := sql.Open("pgx", *database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return fmt.Errorf("init pgx driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+*path, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer m.Close()

	switch command {
	case "up":
		err = m.Up()
	case "down":
		err = m.Steps(-1)
	default:
		return fmt.Errorf("unknown command %q (want up or down)", command)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		fmt.Println("no changes to apply")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Println("migrations applied")
	return nil
}
