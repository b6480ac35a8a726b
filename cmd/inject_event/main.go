// inject_event publishes fabricated event messages on the bus so the
// control plane's consumer, live cache and websocket feed can be exercised
// without running a camera worker.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/technosupport/ts-sentinel/internal/bus"
	"github.com/technosupport/ts-sentinel/internal/config"
	"github.com/technosupport/ts-sentinel/internal/detect"
)

func main() {
	configPath := flag.String("config", os.Getenv("SENTINEL_CONFIG"), "engine config file")
	cameraID := flag.Int64("camera", 1, "camera id to impersonate")
	cameraName := flag.String("name", "injected", "camera name carried in the message")
	eventType := flag.String("type", string(detect.TypeCash), "event type: cash, violence or fire")
	confidence := flag.Float64("confidence", 0.9, "detection confidence")
	count := flag.Int("count", 1, "number of events to publish")
	interval := flag.Duration("interval", time.Second, "delay between events")
	flag.Parse()

	switch detect.Type(*eventType) {
	case detect.TypeCash, detect.TypeViolence, detect.TypeFire:
	default:
		log.Fatalf("unknown event type %q", *eventType)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	nc, err := nats.Connect(cfg.NATSURL, nats.Name("inject_event"))
	if err != nil {
		log.Fatalf("NATS connect error: %v", err)
	}
	defer nc.Close()

	pub := bus.NewPublisher(nc, "", 3)
	for i := 0; i < *count; i++ {
		if i > 0 {
			time.Sleep(*interval)
		}
		msg := &bus.Message{
			EventID:    uuid.New().String(),
			CameraID:   *cameraID,
			CameraName: *cameraName,
			Type:       *eventType,
			Confidence: *confidence,
			CapturedAt: time.Now().UTC(),
			Status:     "pending",
		}
		if err := pub.Publish(msg); err != nil {
			log.Fatalf("Publish error: %v", err)
		}
		fmt.Printf("published %s event %s for camera %d\n", msg.Type, msg.EventID, msg.CameraID)
	}
}
