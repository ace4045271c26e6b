package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load("", dir)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15, cfg.Sync.IntervalMinutes)
	assert.Equal(t, 48, cfg.Sync.LookaheadHours)
	assert.Equal(t, 30, cfg.Alarm.GraceMinutes)
	assert.Equal(t, 8, cfg.Alarm.ActivityStartHour)
	assert.Equal(t, 22, cfg.Alarm.ActivityEndHour)
	assert.Equal(t, dir, cfg.Storage.DataDir)
	assert.NotEmpty(t, cfg.Security.JWTSecret)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "dosewatch.yaml")

	content := []byte(`
sync:
  interval_minutes: 5
alarm:
  grace_minutes: 10
  activity_start_hour: 6
  activity_end_hour: 20
patient:
  id: patient-42
`)
	require.NoError(t, os.WriteFile(configPath, content, 0644))

	cfg, err := Load(configPath, dir)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Sync.IntervalMinutes)
	assert.Equal(t, 10, cfg.Alarm.GraceMinutes)
	assert.Equal(t, 6, cfg.Alarm.ActivityStartHour)
	assert.Equal(t, "patient-42", cfg.Patient.ID)
}

func TestFileOverridesDerivedStoragePaths(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "dosewatch.yaml")
	custom := filepath.Join(dir, "elsewhere")

	content := []byte(`
storage:
  sqlite_path: ` + filepath.Join(custom, "history.db") + `
  badger_path: ` + filepath.Join(custom, "slot") + `
`)
	require.NoError(t, os.WriteFile(configPath, content, 0644))

	cfg, err := Load(configPath, dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(custom, "history.db"), cfg.Storage.SQLitePath)
	assert.Equal(t, filepath.Join(custom, "slot"), cfg.Storage.BadgerPath)

	// the derived paths are still the default when the file is silent
	bare := t.TempDir()
	cfg, err = Load("", bare)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(bare, "dosewatch.db"), cfg.Storage.SQLitePath)
	assert.Equal(t, filepath.Join(bare, "badger"), cfg.Storage.BadgerPath)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()

	t.Setenv("DOSEWATCH_PATIENT_ID", "env-patient")
	t.Setenv("DOSEWATCH_REMOTE_LEDGER_BASE_URL", "https://ledger.example.com")
	t.Setenv("DOSEWATCH_SERVER_PORT", "9090")

	cfg, err := Load("", dir)
	require.NoError(t, err)

	assert.Equal(t, "env-patient", cfg.Patient.ID)
	assert.Equal(t, "https://ledger.example.com", cfg.Remote.LedgerBaseURL)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestValidateRejectsBadActivityWindow(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "dosewatch.yaml")

	content := []byte(`
alarm:
  activity_start_hour: 20
  activity_end_hour: 8
`)
	require.NoError(t, os.WriteFile(configPath, content, 0644))

	_, err := Load(configPath, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "activity_end_hour")
}

func TestValidateRejectsZeroGrace(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "dosewatch.yaml")

	require.NoError(t, os.WriteFile(configPath, []byte("alarm:\n  grace_minutes: 0\n"), 0644))

	_, err := Load(configPath, dir)
	require.Error(t, err)
}

func TestTelegramRequiresToken(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "dosewatch.yaml")

	require.NoError(t, os.WriteFile(configPath, []byte("telegram:\n  enabled: true\n"), 0644))

	_, err := Load(configPath, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bot_token")
}
