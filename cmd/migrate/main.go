// Command migrate applies the archive schema with goose. Migrations are
// embedded by default; -dir switches to a directory on disk.
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"threatflow/migrations"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dsn := fs.String("dsn", "", "postgres DSN")
	dir := fs.String("dir", "", "migrations directory (default: embedded)")
	action := fs.String("action", "", "up/down/status/version/redo")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*dsn) == "" {
		return errors.New("dsn required")
	}
	if strings.TrimSpace(*action) == "" {
		return errors.New("action required")
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	target := strings.TrimSpace(*dir)
	if target == "" {
		goose.SetBaseFS(migrations.EmbeddedFS)
		target = "."
	}

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	switch *action {
	case "up":
		return goose.Up(db, target)
	case "down":
		return goose.Down(db, target)
	case "status":
		return goose.Status(db, target)
	case "version":
		_, err := goose.GetDBVersion(db)
		return err
	case "redo":
		return goose.Redo(db, target)
	default:
		return fmt.Errorf("unknown action %q", *action)
	}
}
