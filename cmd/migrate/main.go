// Command migrate manages the database schema: up, down, status.
package main

import (
	"fmt"
	"os"

	"control_plane/internal/config"
	"control_plane/internal/store"
	"control_plane/pkg/logging"
)

func main() {
	if len(os.Args) != 2 {
		usage()
		os.Exit(1)
	}

	if err := run(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(command string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.NewZapLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	switch command {
	case "up":
		return st.MigrateUp()
	case "down":
		return st.MigrateDown()
	case "status":
		statuses, err := st.MigrationStatuses()
		if err != nil {
			return err
		}
		for _, s := range statuses {
			state := "pending"
			if s.Applied {
				state = "applied"
			}
			fmt.Printf("%3d  %-30s %s\n", s.Version, s.Name, state)
		}
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: migrate up|down|status")
}
