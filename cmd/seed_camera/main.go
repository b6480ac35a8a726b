// seed_camera upserts a camera row so a fresh install has something to run.
// Re-running with the same -code updates the row in place.
package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	_ "github.com/lib/pq"

	"github.com/technosupport/ts-sentinel/internal/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("SENTINEL_CONFIG"), "engine config file")
	code := flag.String("code", "cam-01", "camera code, the upsert key")
	name := flag.String("name", "Front Counter", "display name")
	rtspURL := flag.String("url", "rtsp://127.0.0.1:8554/stream", "RTSP URL")
	cash := flag.Bool("cash", true, "enable cash detection")
	violence := flag.Bool("violence", true, "enable violence detection")
	fire := flag.Bool("fire", false, "enable fire detection")
	zoneSpec := flag.String("zone", "100,100,540,380", "cashier zone x1,y1,x2,y2 (empty for none)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	var zone []byte
	if *zoneSpec != "" {
		rect, err := parseZone(*zoneSpec)
		if err != nil {
			log.Fatalf("Zone error: %v", err)
		}
		zone, _ = json.Marshal(rect)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Database error: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Database ping error: %v", err)
	}

	var id int64
	err = db.QueryRow(`
		INSERT INTO cameras (code, name, rtsp_url, enabled, detect_cash, detect_violence, detect_fire, zone)
		VALUES ($1, $2, $3, true, $4, $5, $6, $7)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			rtsp_url = EXCLUDED.rtsp_url,
			detect_cash = EXCLUDED.detect_cash,
			detect_violence = EXCLUDED.detect_violence,
			detect_fire = EXCLUDED.detect_fire,
			zone = EXCLUDED.zone,
			updated_at = NOW()
		RETURNING id`,
		*code, *name, *rtspURL, *cash, *violence, *fire, zone,
	).Scan(&id)
	if err != nil {
		log.Fatalf("Camera upsert failed: %v", err)
	}

	fmt.Printf("seeded camera %d (%s) -> %s\n", id, *code, *rtspURL)
}

func parseZone(spec string) ([]float64, error) {
	parts := strings.Split(spec, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("want x1,y1,x2,y2, got %q", spec)
	}
	rect := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("coordinate %d: %w", i+1, err)
		}
		rect[i] = v
	}
	return rect, nil
}
