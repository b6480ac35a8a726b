// check_schema dumps the engine tables as Postgres sees them, for comparing
// a live database against the migrations after an upgrade.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"

	"github.com/technosupport/ts-sentinel/internal/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("SENTINEL_CONFIG"), "engine config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	var version sql.NullInt64
	var dirty bool
	err = db.QueryRow("SELECT version, dirty FROM schema_migrations").Scan(&version, &dirty)
	switch {
	case err == sql.ErrNoRows:
		fmt.Println("Migration version: none (run the migrator)")
	case err != nil:
		// Missing table on a fresh database is the common case here.
		fmt.Printf("Migration version: unavailable (%v)\n", err)
	default:
		fmt.Printf("Migration version: %d (dirty=%v)\n", version.Int64, dirty)
	}

	for _, table := range []string{"cameras", "events", "control_audit"} {
		rows, err := db.Query(`
			SELECT column_name, data_type, is_nullable
			FROM information_schema.columns
			WHERE table_name = $1
			ORDER BY ordinal_position`, table)
		if err != nil {
			log.Fatal(err)
		}

		fmt.Printf("\n%s:\n", table)
		n := 0
		for rows.Next() {
			var name, dtype, nullable string
			if err := rows.Scan(&name, &dtype, &nullable); err != nil {
				rows.Close()
				log.Fatal(err)
			}
			null := ""
			if nullable == "YES" {
				null = " null"
			}
			fmt.Printf("- %s (%s%s)\n", name, dtype, null)
			n++
		}
		rows.Close()
		if n == 0 {
			fmt.Println("- MISSING")
		}
	}
}
