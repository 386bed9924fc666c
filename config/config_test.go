package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, _, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Booking.LeadTimeDays)
	assert.Equal(t, 3, cfg.Booking.HorizonMonths)
	assert.Equal(t, 4, cfg.Billing.Workers)
	assert.False(t, cfg.Billing.ProrateMaintenance)
	assert.Equal(t, time.Hour, cfg.Scheduler.Interval)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: A config file and one env override
	dir := t.TempDir()
	yml := `
booking:
  timezone: Europe/Zurich
  lead_time_days: 3
billing:
  prorate_maintenance: true
scheduler:
  interval: 15m
access:
  rental_managers: [mia]
  billing_managers: [fin1, fin2]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(yml), 0o600))
	t.Setenv("NODERENTAL_BOOKING_LEAD_TIME_DAYS", "10")

	// WHEN: It is loaded
	cfg, v, err := Load(dir)
	require.NoError(t, err)

	// THEN: The env var wins over the file, the file over defaults
	assert.Equal(t, 10, cfg.Booking.LeadTimeDays)
	assert.Equal(t, "Europe/Zurich", cfg.Location().String())
	assert.True(t, cfg.Billing.ProrateMaintenance)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.Interval)
	assert.True(t, cfg.Access.IsRentalManager("mia"))
	assert.True(t, cfg.Access.IsBillingManager("fin2"))
	assert.False(t, cfg.Access.IsRateManager("mia"))
	assert.NotEmpty(t, v.ConfigFileUsed())
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	yml := `
booking:
  timezone: Mars/Olympus
  horizon_months: 0
log:
  format: xml
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(yml), 0o600))

	_, _, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "booking.timezone")
	assert.Contains(t, err.Error(), "horizon_months")
	assert.Contains(t, err.Error(), "log.format")
}

func TestAccessHolder(t *testing.T) {
	h := NewAccessHolder(AccessConfig{RateManagers: []string{"r"}})
	assert.True(t, h.Get().IsRateManager("r"))

	h.Set(AccessConfig{})
	assert.False(t, h.Get().IsRateManager("r"))
}
