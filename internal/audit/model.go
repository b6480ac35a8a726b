package audit

import (
	"time"

	"github.com/google/uuid"
)

// Actions recorded by the control plane.
const (
	ActionStart       = "camera.start"
	ActionStop        = "camera.stop"
	ActionRestart     = "camera.restart"
	ActionStartAll    = "workers.start_all"
	ActionStopAll     = "workers.stop_all"
	ActionEventStatus = "event.status"
)

// Results of an audited action.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Entry is one recorded control action. ID doubles as the idempotency
// key, so a spooled entry replayed into the database cannot duplicate.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	Action    string    `json:"action"`
	CameraID  *int64    `json:"camera_id,omitempty"`
	Result    string    `json:"result"`
	Detail    string    `json:"detail,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
