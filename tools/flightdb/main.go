// Command flightdb maintains a flight telemetry database from the ground:
// applying migrations, exporting sample windows, running retention cleanup
// and inspecting the onboard event log.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/oliya09/CubeSat-1u/internal/db"
	"github.com/oliya09/CubeSat-1u/internal/telemetry"
)

func main() {
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "data/telemetry.db"
	}

	conn, err := db.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "db open: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close(conn)
	}()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "migrate":
		if err := telemetry.Migrate(conn); err != nil {
			fail("migrate", err)
		}
		fmt.Println("migrations applied")
	case "export":
		days := argInt(2, 7)
		to := time.Now()
		raw, err := openStore(conn).Export(to.AddDate(0, 0, -days), to)
		if err != nil {
			fail("export", err)
		}
		_, _ = os.Stdout.Write(raw)
		fmt.Println()
	case "cleanup":
		days := argInt(2, 30)
		n, err := openStore(conn).Cleanup(days)
		if err != nil {
			fail("cleanup", err)
		}
		fmt.Printf("%d samples removed\n", n)
	case "events":
		count := argInt(2, 100)
		events, err := openStore(conn).RecentEvents(count)
		if err != nil {
			fail("events", err)
		}
		for _, ev := range events {
			fmt.Printf("%s [%s] %s: %s\n", ev.Time.Format(time.RFC3339), ev.Level, ev.Source, ev.Message)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s <command>
  migrate          apply pending schema migrations
  export [days]    print samples from the last N days as JSON (default 7)
  cleanup [days]   delete samples older than N days (default 30)
  events [count]   print the most recent N event log entries (default 100)
set DB_PATH to the database file (default data/telemetry.db)
`, os.Args[0])
}

// openStore migrates first so the CLI works against a fresh file too.
func openStore(conn *sql.DB) telemetry.Store {
	if err := telemetry.Migrate(conn); err != nil {
		fail("migrate", err)
	}
	store, err := telemetry.NewStore(conn)
	if err != nil {
		fail("store", err)
	}
	return store
}

func argInt(pos, def int) int {
	if len(os.Args) <= pos {
		return def
	}
	v, err := strconv.Atoi(os.Args[pos])
	if err != nil || v <= 0 {
		fmt.Fprintf(os.Stderr, "invalid argument %q: want a positive number\n", os.Args[pos])
		os.Exit(1)
	}
	return v
}

func fail(op string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", op, err)
	os.Exit(1)
}
