package db

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

// RunMigrateCommand handles the 'migrate' subcommand: up, down, status,
// force <version> and help.
func RunMigrateCommand(w io.Writer, args []string, dbPath string) error {
	if len(args) < 1 {
		PrintMigrateHelp(w)
		return errors.New("missing migrate action")
	}
	action := args[0]
	if action == "help" {
		PrintMigrateHelp(w)
		return nil
	}

	database, err := OpenDB(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()
	migrations := MigrationsFS()

	switch action {
	case "up":
		if err := database.MigrateUp(migrations); err != nil {
			return err
		}
		fmt.Fprintln(w, "All migrations applied")
	case "down":
		if err := database.MigrateDown(migrations); err != nil {
			return err
		}
		fmt.Fprintln(w, "Rolled back one migration")
	case "status":
		st, err := database.MigrationStatus(migrations)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Current version: %d\nLatest version:  %d\nPending:         %d\nDirty:           %t\n",
			st.Current, st.Latest, st.Pending, st.Dirty)
	case "force":
		if len(args) < 2 {
			return errors.New("usage: ecg migrate force <version>")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		if err := database.MigrateForce(migrations, v); err != nil {
			return err
		}
		fmt.Fprintf(w, "Forced version %d\n", v)
	default:
		PrintMigrateHelp(w)
		return fmt.Errorf("unknown migrate action: %s", action)
	}
	return nil
}

func PrintMigrateHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: ecg migrate <action>

Actions:
  up                apply all pending migrations
  down              roll back the most recent migration
  status            show current and latest schema versions
  force <version>   set the schema version without migrating (recovery only)
  help              show this message
`)
}
