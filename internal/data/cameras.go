package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/technosupport/ts-sentinel/internal/config"
)

// Camera is one configured capture point. Detector fields are overrides: a
// nil pointer inherits the engine default, so operators tune only what
// differs per counter. The worker reads its row once at start and treats it
// as immutable; edits take effect on restart.
type Camera struct {
	ID      int64  `json:"id"`
	Code    string `json:"code"`
	Name    string `json:"name"`
	RTSPURL string `json:"rtsp_url"`
	Enabled bool   `json:"enabled"`

	DetectCash     bool `json:"detect_cash"`
	DetectViolence bool `json:"detect_violence"`
	DetectFire     bool `json:"detect_fire"`

	// Zone is [x1,y1,x2,y2]; ZonePolygon is [[x,y],...]. UsePolygonZone
	// picks which one classifies the cashier.
	Zone           []float64    `json:"zone,omitempty"`
	ZonePolygon    [][2]float64 `json:"zone_polygon,omitempty"`
	UsePolygonZone bool         `json:"use_polygon_zone"`

	CashConfidence     *float64 `json:"cash_confidence,omitempty"`
	ViolenceConfidence *float64 `json:"violence_confidence,omitempty"`
	FireConfidence     *float64 `json:"fire_confidence,omitempty"`
	PoseConfidence     *float64 `json:"pose_confidence,omitempty"`
	HandTouchDistance  *int     `json:"hand_touch_distance,omitempty"`
	MotionThreshold    *float64 `json:"motion_threshold,omitempty"`

	MinTransactionFrames *int `json:"min_transaction_frames,omitempty"`
	MinViolenceFrames    *int `json:"min_violence_frames,omitempty"`
	MinFireFrames        *int `json:"min_fire_frames,omitempty"`

	CashCooldown     *int `json:"cash_cooldown,omitempty"`
	ViolenceCooldown *int `json:"violence_cooldown,omitempty"`
	FireCooldown     *int `json:"fire_cooldown,omitempty"`

	// Per-camera model overrides; empty inherits the engine paths.
	PoseModelPath string `json:"pose_model_path,omitempty"`
	FireModelPath string `json:"fire_model_path,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Effective resolves this camera's detector settings against the engine
// defaults.
func (c *Camera) Effective(d config.Detectors) config.Detectors {
	if c.CashConfidence != nil {
		d.CashConfidence = *c.CashConfidence
	}
	if c.ViolenceConfidence != nil {
		d.ViolenceConfidence = *c.ViolenceConfidence
	}
	if c.FireConfidence != nil {
		d.FireConfidence = *c.FireConfidence
	}
	if c.PoseConfidence != nil {
		d.PoseConfidence = *c.PoseConfidence
	}
	if c.HandTouchDistance != nil {
		d.HandTouchDistance = *c.HandTouchDistance
	}
	if c.MotionThreshold != nil {
		d.MotionThreshold = *c.MotionThreshold
	}
	if c.MinTransactionFrames != nil {
		d.MinTransactionFrames = *c.MinTransactionFrames
	}
	if c.MinViolenceFrames != nil {
		d.MinViolenceFrames = *c.MinViolenceFrames
	}
	if c.MinFireFrames != nil {
		d.MinFireFrames = *c.MinFireFrames
	}
	if c.CashCooldown != nil {
		d.CashCooldown = *c.CashCooldown
	}
	if c.ViolenceCooldown != nil {
		d.ViolenceCooldown = *c.ViolenceCooldown
	}
	if c.FireCooldown != nil {
		d.FireCooldown = *c.FireCooldown
	}
	return d
}

type CameraModel struct {
	DB DBTX
}

const cameraColumns = `id, code, name, rtsp_url, enabled,
	       detect_cash, detect_violence, detect_fire,
	       zone, zone_polygon, use_polygon_zone,
	       cash_confidence, violence_confidence, fire_confidence, pose_confidence,
	       hand_touch_distance, motion_threshold,
	       min_transaction_frames, min_violence_frames, min_fire_frames,
	       cash_cooldown, violence_cooldown, fire_cooldown,
	       pose_model_path, fire_model_path,
	       created_at, updated_at`

// Create inserts a camera row. Mostly used by seed tooling and tests; the
// review UI owns day-to-day edits.
func (m CameraModel) Create(ctx context.Context, c *Camera) error {
	query := `
		INSERT INTO cameras (
			code, name, rtsp_url, enabled,
			detect_cash, detect_violence, detect_fire,
			zone, zone_polygon, use_polygon_zone,
			cash_confidence, violence_confidence, fire_confidence, pose_confidence,
			hand_touch_distance, motion_threshold,
			min_transaction_frames, min_violence_frames, min_fire_frames,
			cash_cooldown, violence_cooldown, fire_cooldown,
			pose_model_path, fire_model_path
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		RETURNING id, created_at, updated_at`

	zone, poly, err := marshalZones(c)
	if err != nil {
		return err
	}
	return m.DB.QueryRowContext(ctx, query,
		c.Code, c.Name, c.RTSPURL, c.Enabled,
		c.DetectCash, c.DetectViolence, c.DetectFire,
		zone, poly, c.UsePolygonZone,
		c.CashConfidence, c.ViolenceConfidence, c.FireConfidence, c.PoseConfidence,
		c.HandTouchDistance, c.MotionThreshold,
		c.MinTransactionFrames, c.MinViolenceFrames, c.MinFireFrames,
		c.CashCooldown, c.ViolenceCooldown, c.FireCooldown,
		c.PoseModelPath, c.FireModelPath,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

// Get returns one camera row. This is the worker's config snapshot read.
func (m CameraModel) Get(ctx context.Context, id int64) (*Camera, error) {
	query := `SELECT ` + cameraColumns + ` FROM cameras WHERE id = $1`
	row := m.DB.QueryRowContext(ctx, query, id)
	c, err := scanCamera(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return c, err
}

// List returns cameras ordered by id; enabledOnly narrows to rows the
// supervisor should be running.
func (m CameraModel) List(ctx context.Context, enabledOnly bool) ([]*Camera, error) {
	query := `SELECT ` + cameraColumns + ` FROM cameras`
	if enabledOnly {
		query += ` WHERE enabled = true`
	}
	query += ` ORDER BY id`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cams []*Camera
	for rows.Next() {
		c, err := scanCamera(rows.Scan)
		if err != nil {
			return nil, err
		}
		cams = append(cams, c)
	}
	return cams, rows.Err()
}

// SetEnabled flips the enable flag; the supervisor picks the change up on
// its next StartAll or via an explicit start/stop.
func (m CameraModel) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	query := `UPDATE cameras SET enabled = $1, updated_at = NOW() WHERE id = $2`
	res, err := m.DB.ExecContext(ctx, query, enabled, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func marshalZones(c *Camera) (zone, poly any, err error) {
	if c.Zone != nil {
		b, err := json.Marshal(c.Zone)
		if err != nil {
			return nil, nil, fmt.Errorf("camera zone: %w", err)
		}
		zone = b
	}
	if c.ZonePolygon != nil {
		b, err := json.Marshal(c.ZonePolygon)
		if err != nil {
			return nil, nil, fmt.Errorf("camera zone polygon: %w", err)
		}
		poly = b
	}
	return zone, poly, nil
}

// scanCamera maps one row through the nullable columns onto the override
// pointers.
func scanCamera(scan func(dest ...any) error) (*Camera, error) {
	var (
		c          Camera
		zoneRaw    []byte
		polyRaw    []byte
		cashConf   sql.NullFloat64
		vioConf    sql.NullFloat64
		fireConf   sql.NullFloat64
		poseConf   sql.NullFloat64
		handDist   sql.NullInt64
		motion     sql.NullFloat64
		minTx      sql.NullInt64
		minVio     sql.NullInt64
		minFire    sql.NullInt64
		cdCash     sql.NullInt64
		cdViolence sql.NullInt64
		cdFire     sql.NullInt64
		poseModel  sql.NullString
		fireModel  sql.NullString
	)
	err := scan(
		&c.ID, &c.Code, &c.Name, &c.RTSPURL, &c.Enabled,
		&c.DetectCash, &c.DetectViolence, &c.DetectFire,
		&zoneRaw, &polyRaw, &c.UsePolygonZone,
		&cashConf, &vioConf, &fireConf, &poseConf,
		&handDist, &motion,
		&minTx, &minVio, &minFire,
		&cdCash, &cdViolence, &cdFire,
		&poseModel, &fireModel,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(zoneRaw) > 0 {
		if err := json.Unmarshal(zoneRaw, &c.Zone); err != nil {
			return nil, fmt.Errorf("camera %d zone: %w", c.ID, err)
		}
	}
	if len(polyRaw) > 0 {
		if err := json.Unmarshal(polyRaw, &c.ZonePolygon); err != nil {
			return nil, fmt.Errorf("camera %d zone polygon: %w", c.ID, err)
		}
	}
	c.CashConfidence = nullFloat(cashConf)
	c.ViolenceConfidence = nullFloat(vioConf)
	c.FireConfidence = nullFloat(fireConf)
	c.PoseConfidence = nullFloat(poseConf)
	c.HandTouchDistance = nullInt(handDist)
	c.MotionThreshold = nullFloat(motion)
	c.MinTransactionFrames = nullInt(minTx)
	c.MinViolenceFrames = nullInt(minVio)
	c.MinFireFrames = nullInt(minFire)
	c.CashCooldown = nullInt(cdCash)
	c.ViolenceCooldown = nullInt(cdViolence)
	c.FireCooldown = nullInt(cdFire)
	if poseModel.Valid {
		c.PoseModelPath = poseModel.String
	}
	if fireModel.Valid {
		c.FireModelPath = fireModel.String
	}
	return &c, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
