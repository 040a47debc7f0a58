// Package main applies or rolls back the embedded ledger schema.
//
// Usage:
//
//	go run ./cmd/migrate up
//	go run ./cmd/migrate down            # last migration only
//	go run ./cmd/migrate down --all
//	go run ./cmd/migrate goto 1
//	go run ./cmd/migrate version
//	go run ./cmd/migrate force 1
//
// The tool reads DATABASE_URL from environment variables (or .env file via
// godotenv). It does not load the full service configuration, so it can run
// before bot credentials exist.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/joho/godotenv"

	"resolver/internal/db"
)

// Migrator is the subset of *migrate.Migrate the commands drive.
type Migrator interface {
	Up() error
	Steps(n int) error
	Down() error
	Migrate(version uint) error
	Force(version int) error
	Version() (uint, bool, error)
}

// command is a parsed invocation.
type command struct {
	name    string
	steps   int
	all     bool
	version int
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	_ = godotenv.Load()

	cmd, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		fmt.Fprintln(os.Stderr, "error: DATABASE_URL is required")
		os.Exit(1)
	}

	m, err := db.NewMigrator(url)
	if err != nil {
		logger.Error("failed to initialize migrator", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	if err := execute(m, cmd, os.Stdout); err != nil {
		logger.Error("migration failed", "command", cmd.name, "error", err)
		os.Exit(1)
	}
}

// parseArgs turns argv into a command. Flags follow the subcommand.
func parseArgs(args []string, stderr io.Writer) (command, error) {
	if len(args) == 0 {
		return command{}, errors.New("missing command (up, down, goto, version, force)")
	}

	fs := flag.NewFlagSet("migrate "+args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	steps := fs.Int("steps", 0, "Number of migrations to apply (up, 0 means all) or roll back (down, 0 means 1)")
	all := fs.Bool("all", false, "Roll back every migration (down only)")

	cmd := command{name: args[0]}
	switch cmd.name {
	case "up", "down":
		if err := fs.Parse(args[1:]); err != nil {
			return command{}, err
		}
		if *steps < 0 {
			return command{}, fmt.Errorf("--steps must be positive, got %d", *steps)
		}
		if *all && cmd.name != "down" {
			return command{}, errors.New("--all is only valid with down")
		}
		cmd.steps = *steps
		cmd.all = *all
	case "goto", "force":
		if len(args) != 2 {
			return command{}, fmt.Errorf("%s requires exactly one version argument", cmd.name)
		}
		v, err := strconv.Atoi(args[1])
		if err != nil || v < 0 {
			return command{}, fmt.Errorf("invalid version %q", args[1])
		}
		cmd.version = v
	case "version":
		if len(args) != 1 {
			return command{}, errors.New("version takes no arguments")
		}
	default:
		return command{}, fmt.Errorf("unknown command %q", cmd.name)
	}
	return cmd, nil
}

// execute runs cmd against m and prints the resulting schema version.
// An already-current schema is not an error.
func execute(m Migrator, cmd command, out io.Writer) error {
	var err error
	switch cmd.name {
	case "up":
		if cmd.steps > 0 {
			err = m.Steps(cmd.steps)
		} else {
			err = m.Up()
		}
	case "down":
		switch {
		case cmd.all:
			err = m.Down()
		case cmd.steps > 0:
			err = m.Steps(-cmd.steps)
		default:
			err = m.Steps(-1)
		}
	case "goto":
		err = m.Migrate(uint(cmd.version))
	case "force":
		err = m.Force(cmd.version)
	case "version":
	default:
		return fmt.Errorf("unknown command %q", cmd.name)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		fmt.Fprintln(out, "version: none")
		return nil
	case err != nil:
		return err
	}
	fmt.Fprintf(out, "version: %d dirty: %t\n", version, dirty)
	return nil
}
