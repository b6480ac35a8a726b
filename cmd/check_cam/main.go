// check_cam probes a camera's RTSP endpoint before it is put in service: a
// raw OPTIONS handshake to classify reachability, and optionally one
// decoded frame through ffmpeg to prove the stream yields pictures.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/technosupport/ts-sentinel/internal/capture"
	"github.com/technosupport/ts-sentinel/internal/config"
	"github.com/technosupport/ts-sentinel/internal/data"
)

const probeTimeout = 5 * time.Second

func main() {
	cameraID := flag.Int64("camera", 0, "load the RTSP URL from this camera row instead of the argument")
	configPath := flag.String("config", os.Getenv("SENTINEL_CONFIG"), "engine config file")
	decode := flag.Bool("decode", false, "also decode one frame through ffmpeg")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	rtspURL := flag.Arg(0)
	if *cameraID > 0 {
		rtspURL = lookupURL(cfg, *cameraID)
	}
	if rtspURL == "" {
		fmt.Fprintln(os.Stderr, "usage: check_cam [-camera id] [-decode] [rtsp-url]")
		os.Exit(2)
	}

	verdict, detail := probe(context.Background(), rtspURL)
	fmt.Printf("probe: %s (%s)\n", verdict, detail)
	if verdict != "online" {
		os.Exit(1)
	}

	if *decode {
		if err := decodeOne(context.Background(), cfg, rtspURL); err != nil {
			fmt.Printf("decode: failed (%v)\n", err)
			os.Exit(1)
		}
	}
}

func lookupURL(cfg *config.Config, cameraID int64) string {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("DB open error: %v", err)
	}
	defer db.Close()

	cam, err := data.CameraModel{DB: db}.Get(context.Background(), cameraID)
	if err != nil {
		log.Fatalf("Camera %d: %v", cameraID, err)
	}
	fmt.Printf("camera %d (%s): %s\n", cam.ID, cam.Name, cam.RTSPURL)
	return cam.RTSPURL
}

// probe performs the OPTIONS handshake and classifies the outcome the way
// the worker's reconnect loop would experience it.
func probe(ctx context.Context, rtspURL string) (verdict, detail string) {
	start := time.Now()

	u, err := url.Parse(rtspURL)
	if err != nil {
		return "stream_error", "invalid_url"
	}
	port := u.Port()
	if port == "" {
		port = "554"
	}
	addr := net.JoinHostPort(u.Hostname(), port)

	d := net.Dialer{Timeout: probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "offline", "connection_refused_or_timeout"
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(probeTimeout)); err != nil {
		return "offline", "socket_error"
	}
	req := fmt.Sprintf("OPTIONS %s RTSP/1.0\r\nCSeq: 1\r\nUser-Agent: sentinel-check/1.0\r\n\r\n", rtspURL)
	if _, err := conn.Write([]byte(req)); err != nil {
		return "offline", "write_failed"
	}

	statusLine, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "offline", "read_timeout"
	}
	parts := strings.Split(strings.TrimSpace(statusLine), " ")
	if len(parts) < 2 {
		return "stream_error", "malformed_response"
	}

	rtt := time.Since(start).Milliseconds()
	switch code := parts[1]; {
	case code == "401" || code == "403":
		return "auth_failed", fmt.Sprintf("unauthorized, %dms", rtt)
	case strings.HasPrefix(code, "2"):
		return "online", fmt.Sprintf("ok, %dms", rtt)
	default:
		return "stream_error", fmt.Sprintf("rtsp_%s, %dms", code, rtt)
	}
}

// decodeOne opens the stream the same way a worker does and pulls a single
// frame, which exercises ffmpeg, the transport and the camera's encoder.
func decodeOne(ctx context.Context, cfg *config.Config, rtspURL string) error {
	src := capture.NewFFmpegSource(capture.SourceConfig{
		URL:        rtspURL,
		FFmpegPath: cfg.FFmpegPath,
		FPS:        1,
	})
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := src.Open(ctx); err != nil {
		return err
	}
	defer src.Close()

	f, err := src.Read(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("decode: ok (%dx%d, %d bytes)\n", f.Width, f.Height, len(f.JPEG))
	return nil
}
