package bus

import (
	"fmt"
	"time"

	"github.com/technosupport/ts-sentinel/internal/sink"
)

// DefaultSubjectPrefix is the root of the event subject hierarchy.
// Events publish on <prefix>.<event_type>.<camera_id>.
const DefaultSubjectPrefix = "sentinel.events"

// Message is the envelope published for every persisted event. It mirrors
// the sidecar summary so subscribers never need the database to render a
// notification.
type Message struct {
	EventID       string    `json:"event_id"`
	CameraID      int64     `json:"camera_id"`
	CameraName    string    `json:"camera_name,omitempty"`
	Type          string    `json:"event_type"`
	Confidence    float64   `json:"confidence"`
	CapturedAt    time.Time `json:"captured_at"`
	ClipPath      string    `json:"clip_path"`
	ThumbnailPath string    `json:"thumbnail_path"`
	SidecarPath   string    `json:"sidecar_path,omitempty"`
	BBox          []float64 `json:"bbox,omitempty"`
	FrameIndex    int64     `json:"frame_index"`
	Status        string    `json:"status,omitempty"`
}

// FromEvent builds the wire message for a persisted event.
func FromEvent(ev *sink.Event, cameraName string) *Message {
	return &Message{
		EventID:       ev.ID.String(),
		CameraID:      ev.CameraID,
		CameraName:    cameraName,
		Type:          ev.Type,
		Confidence:    ev.Confidence,
		CapturedAt:    ev.CapturedAt,
		ClipPath:      ev.ClipPath,
		ThumbnailPath: ev.ThumbnailPath,
		SidecarPath:   ev.SidecarPath,
		BBox:          ev.BBox,
		FrameIndex:    ev.FrameIndex,
		Status:        ev.Status,
	}
}

// Subject is the NATS subject for one event type on one camera.
func Subject(prefix, eventType string, cameraID int64) string {
	return fmt.Sprintf("%s.%s.%d", prefix, eventType, cameraID)
}
