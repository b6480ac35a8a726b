package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"

	"github.com/technosupport/ts-sentinel/internal/bus"
	"github.com/technosupport/ts-sentinel/internal/capture"
	"github.com/technosupport/ts-sentinel/internal/config"
	"github.com/technosupport/ts-sentinel/internal/data"
	"github.com/technosupport/ts-sentinel/internal/detect"
	"github.com/technosupport/ts-sentinel/internal/shm"
	"github.com/technosupport/ts-sentinel/internal/sink"
	"github.com/technosupport/ts-sentinel/internal/worker"
)

// Worker exit codes. The supervisor reads exitConfig as "a restart cannot
// fix this" and retires the camera; anything else gets a backed-off
// relaunch.
const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
)

// publishRetries bounds the worker-side event publish backoff.
const publishRetries = 3

func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	cameraID := fs.Int64("camera", 0, "camera id to run")
	configPath := fs.String("config", os.Getenv("SENTINEL_CONFIG"), "engine config file")
	fs.Parse(args)

	if *cameraID <= 0 {
		log.Printf("[worker] --camera is required")
		return exitConfig
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[worker %d] config: %v", *cameraID, err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The camera row is the worker's config snapshot; it is read once and
	// the connection then only serves event inserts.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Printf("[worker %d] db open: %v", *cameraID, err)
		return exitConfig
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		// The database being down is not a camera config problem; let the
		// supervisor retry.
		log.Printf("[worker %d] db ping: %v", *cameraID, err)
		return exitFatal
	}

	cam, err := data.CameraModel{DB: db}.Get(ctx, *cameraID)
	if errors.Is(err, data.ErrRecordNotFound) {
		log.Printf("[worker %d] camera row not found", *cameraID)
		return exitConfig
	}
	if err != nil {
		log.Printf("[worker %d] load camera: %v", *cameraID, err)
		return exitFatal
	}
	if !cam.Enabled {
		log.Printf("[worker %d] camera is disabled", *cameraID)
		return exitConfig
	}

	det := cam.Effective(cfg.Detectors)

	zone, err := cameraZone(cam)
	if err != nil {
		log.Printf("[worker %d] zone: %v", *cameraID, err)
		return exitConfig
	}
	if cam.DetectCash && zone == nil {
		log.Printf("[worker %d] cash detection needs a zone", *cameraID)
		return exitConfig
	}

	// Event fan-out is best effort: without NATS the events still persist,
	// they just are not announced.
	var notifier worker.Notifier
	nc, err := nats.Connect(cfg.NATSURL, nats.Name(fmt.Sprintf("sentineld-worker-%d", *cameraID)))
	if err != nil {
		log.Printf("[worker %d] NATS connect: %v, running without event feed", *cameraID, err)
	} else {
		defer nc.Close()
		notifier = bus.NewNotifier(bus.NewPublisher(nc, "", publishRetries), cam.Name)
	}

	poseModel := cfg.Models.Pose
	if cam.PoseModelPath != "" {
		poseModel = cam.PoseModelPath
	}
	fireModel := ""
	if cam.DetectFire {
		fireModel = cfg.Models.Fire
		if cam.FireModelPath != "" {
			fireModel = cam.FireModelPath
		}
	}

	// Cooldowns are frame counts in capture-frame index space, same
	// space the detectors tick in.
	set := worker.DetectorSet{
		CashEnabled: cam.DetectCash,
		Cash: detect.CashConfig{
			Zone:              zone,
			HandTouchDistance: float64(det.HandTouchDistance),
			PoseConfidence:    float32(det.PoseConfidence),
			MinFrames:         det.MinTransactionFrames,
			CooldownFrames:    int64(det.CashCooldown),
			Confidence:        det.CashConfidence,
		},
		ViolenceEnabled: cam.DetectViolence,
		Violence: detect.ViolenceConfig{
			Zone:            zone,
			Confidence:      det.ViolenceConfidence,
			MinFrames:       det.MinViolenceFrames,
			CooldownFrames:  int64(det.ViolenceCooldown),
			MotionThreshold: det.MotionThreshold,
			PoseConfidence:  float32(det.PoseConfidence),
		},
		FireEnabled: cam.DetectFire,
		Fire: detect.FireConfig{
			Confidence:     det.FireConfidence,
			MinFrames:      det.MinFireFrames,
			CooldownFrames: int64(det.FireCooldown),
			MinArea:        det.FireMinArea,
			FlickerFloor:   det.FireFlickerFloor,
			PersonDamping:  true,
		},
		Overlay: detect.OverlayConfig{
			Zone:              zone,
			PoseConfidence:    float32(det.PoseConfidence),
			HandTouchDistance: float64(det.HandTouchDistance),
		},
	}

	build := func(ctx context.Context) (*worker.Pipeline, error) {
		return worker.NewPipeline(
			worker.VisionConfig{
				PoseModelPath:    poseModel,
				FireModelPath:    fireModel,
				GeneralModelPath: cfg.Models.General,
				LibraryPath:      cfg.Models.ORTLibrary,
				PoseMinConf:      float32(det.PoseConfidence),
				IntraOpThreads:   cfg.Models.IntraOpThreads,
			},
			set,
			sink.Config{
				MediaRoot:  cfg.MediaRoot,
				FPS:        cfg.Capture.EffectiveFPS(),
				FFmpegPath: cfg.FFmpegPath,
			},
			sink.CameraInfo{ID: cam.ID, Code: cam.Code, Name: cam.Name},
			recorder{events: data.EventModel{DB: db}},
		)
	}

	dial := func(ctx context.Context) (capture.Source, error) {
		return capture.NewFFmpegSource(capture.SourceConfig{
			URL:         cam.RTSPURL,
			FFmpegPath:  cfg.FFmpegPath,
			FPS:         cfg.Capture.FPS,
			ScaleWidth:  cfg.Capture.ScaleWidth,
			ScaleHeight: cfg.Capture.ScaleHeight,
		}), nil
	}

	w, err := worker.New(worker.Config{
		CameraID:     cam.ID,
		StatePath:    shm.StatePath(cfg.StateDir, cam.ID),
		Dial:         dial,
		Policy:       capture.DefaultReconnectPolicy(),
		Build:        build,
		Notifier:     notifier,
		BufferFrames: cfg.Capture.BufferFrames(),
		BufferStride: cfg.Capture.BufferStride,
		DetectStride: cfg.Capture.DetectStride,
		ClipFrames:   cfg.Capture.ClipFrames(),
		PinCPU:       cfg.Supervision.PinCPU,
	})
	if err != nil {
		log.Printf("[worker %d] %v", *cameraID, err)
		return exitConfig
	}

	if err := w.Run(ctx); err != nil {
		if worker.IsConfig(err) {
			return exitConfig
		}
		return exitFatal
	}
	return exitOK
}

// cameraZone resolves the camera's cashier zone, nil when none is
// configured. UsePolygonZone picks the polygon over the rectangle; a
// selected polygon with too few vertices falls back to the rectangle
// inside NewZone.
func cameraZone(cam *data.Camera) (detect.Zone, error) {
	var poly [][]float64
	if cam.UsePolygonZone {
		for _, p := range cam.ZonePolygon {
			poly = append(poly, []float64{p[0], p[1]})
		}
	}
	if len(poly) == 0 && len(cam.Zone) == 0 {
		return nil, nil
	}
	return detect.NewZone(cam.Zone, poly)
}

// recorder adapts the event store to the sink's insert hook.
type recorder struct {
	events data.EventModel
}

func (r recorder) RecordEvent(ctx context.Context, ev *sink.Event) error {
	return r.events.Insert(ctx, &data.Event{
		ID:            ev.ID,
		CameraID:      ev.CameraID,
		Type:          ev.Type,
		Confidence:    ev.Confidence,
		CapturedAt:    ev.CapturedAt,
		ClipPath:      ev.ClipPath,
		ThumbnailPath: ev.ThumbnailPath,
		SidecarPath:   ev.SidecarPath,
		Status:        ev.Status,
		BBox:          ev.BBox,
		FrameIndex:    ev.FrameIndex,
	})
}
