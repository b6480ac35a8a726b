package audit_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/ts-sentinel/internal/audit"
)

func TestRecordInsertsEntry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := audit.NewService(db, t.TempDir())

	mock.ExpectExec("INSERT INTO control_audit").WillReturnResult(sqlmock.NewResult(0, 1))

	cid := int64(7)
	svc.Record(context.Background(), audit.Entry{
		Action:   audit.ActionRestart,
		CameraID: &cid,
		Result:   audit.ResultSuccess,
		Actor:    "ops-console",
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSpoolsOnDatabaseFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	dir := t.TempDir()
	svc := audit.NewService(db, dir)

	mock.ExpectExec("INSERT INTO control_audit").WillReturnError(sql.ErrConnDone)

	cid := int64(7)
	svc.Record(context.Background(), audit.Entry{
		Action:   audit.ActionStop,
		CameraID: &cid,
		Result:   audit.ResultFailure,
		Detail:   "worker not running",
	})

	data, err := os.ReadFile(filepath.Join(dir, "control_audit.spool"))
	require.NoError(t, err)

	var e audit.Entry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &e))
	assert.Equal(t, audit.ActionStop, e.Action)
	assert.NotEqual(t, uuid.Nil, e.ID, "Record should assign an ID before spooling")
	require.NotNil(t, e.CameraID)
	assert.Equal(t, int64(7), *e.CameraID)
	assert.False(t, e.CreatedAt.IsZero())
}

// seedSpool writes one entry into dir's spool by recording against a
// database that is down.
func seedSpool(t *testing.T, dir string) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec("INSERT INTO control_audit").WillReturnError(sql.ErrConnDone)

	svc := audit.NewService(db, dir)
	svc.Record(context.Background(), audit.Entry{Action: audit.ActionStart, Result: audit.ResultSuccess})
}

func TestReplayDrainsSpool(t *testing.T) {
	dir := t.TempDir()
	seedSpool(t, dir)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec("INSERT INTO control_audit").WillReturnResult(sqlmock.NewResult(0, 1))

	svc := audit.NewService(db, dir)
	svc.ReplaySpool(context.Background())

	assert.NoError(t, mock.ExpectationsWereMet())

	// Spool and replay files are both gone once everything flushed.
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestReplayRespoolsWhileDatabaseDown(t *testing.T) {
	dir := t.TempDir()
	seedSpool(t, dir)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec("INSERT INTO control_audit").WillReturnError(sql.ErrConnDone)

	svc := audit.NewService(db, dir)
	svc.ReplaySpool(context.Background())

	// The entry survived the failed replay and the replay file is cleaned up.
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "control_audit.spool", files[0].Name())

	data, err := os.ReadFile(filepath.Join(dir, "control_audit.spool"))
	require.NoError(t, err)
	assert.Contains(t, string(data), audit.ActionStart)
}

func TestRecentListsEntries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := audit.NewService(db, t.TempDir())

	rows := sqlmock.NewRows([]string{"id", "action", "camera_id", "result", "detail", "actor", "client_ip", "request_id", "created_at"}).
		AddRow(uuid.New(), audit.ActionStop, int64(4), audit.ResultSuccess, "", "ops-console", "10.0.0.8", "req-1", time.Now()).
		AddRow(uuid.New(), audit.ActionStartAll, nil, audit.ResultSuccess, "started 3 of 3", "scheduler", "10.0.0.9", "req-2", time.Now().Add(-time.Minute))

	mock.ExpectQuery("SELECT id, action").WillReturnRows(rows)

	entries, err := svc.Recent(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, audit.ActionStop, entries[0].Action)
	require.NotNil(t, entries[0].CameraID)
	assert.Equal(t, int64(4), *entries[0].CameraID)
	assert.Nil(t, entries[1].CameraID, "fleet-wide actions have no camera")
}
