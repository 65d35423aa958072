package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("SWEEP_INTERVAL_SECONDS", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("OUTBOX_VISIBILITY_LAG_SECONDS", "")

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 200, cfg.SweepBatchSize)
	assert.Equal(t, 30, cfg.PerPersonMinutes)
	assert.Equal(t, "barberline.events", cfg.AMQPExchange)
	assert.Equal(t, 2*time.Second, cfg.OutboxLag)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("SWEEP_INTERVAL_SECONDS", "15")
	t.Setenv("SWEEP_BATCH_SIZE", "not-a-number")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Load()
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 15*time.Second, cfg.SweepInterval)
	assert.Equal(t, 200, cfg.SweepBatchSize)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

const samplePolicies = `
default:
  stampsRequired: 8
  rewardExpiration:
    enabled: true
    days: 30
franchises:
  f-east:
    maxAdvanceTickets: 4
    eligibleServices:
      mode: allowlist
      serviceIds: [svc-cut, svc-beard]
  f-off:
    loyaltyEnabled: false
`

func TestParsePoliciesInheritsDefaults(t *testing.T) {
	policies, err := ParsePolicies([]byte(samplePolicies))
	require.NoError(t, err)

	assert.Equal(t, 8, policies.Default.StampsRequired)
	assert.Equal(t, 10, policies.Default.ArrivalTimerMinutes)

	east := policies.For("f-east")
	assert.Equal(t, 8, east.StampsRequired)
	assert.Equal(t, 4, east.MaxAdvanceTickets)
	assert.True(t, east.LoyaltyEnabled)
	assert.True(t, east.RewardExpiration.Enabled)
	assert.True(t, east.ServiceEligible("svc-beard"))
	assert.False(t, east.ServiceEligible("svc-color"))

	assert.False(t, policies.For("f-off").LoyaltyEnabled)

	other := policies.For("unknown")
	assert.Equal(t, policies.Default, other)
	assert.True(t, other.ServiceEligible("anything"))
}

func TestParsePoliciesRejectsInvalid(t *testing.T) {
	_, err := ParsePolicies([]byte("default:\n  stampsRequired: 0\n"))
	assert.Error(t, err)

	_, err = ParsePolicies([]byte("franchises:\n  f-1:\n    eligibleServices:\n      mode: some\n"))
	assert.Error(t, err)
}

func TestExpirationExpiresAt(t *testing.T) {
	from := time.Date(2026, 1, 30, 12, 0, 0, 0, time.UTC)
	assert.Nil(t, Expiration{}.ExpiresAt(from))
	assert.Nil(t, Expiration{Enabled: true}.ExpiresAt(from))

	at := Expiration{Enabled: true, Days: 7}.ExpiresAt(from)
	require.NotNil(t, at)
	assert.Equal(t, from.AddDate(0, 0, 7), *at)
}

func TestLoadPoliciesAndSeedFromFiles(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policies.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(samplePolicies), 0o600))

	policies, err := LoadPolicies(policyPath)
	require.NoError(t, err)
	assert.Contains(t, policies.Franchises, "f-east")

	defaults, err := LoadPolicies("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), defaults.Default)

	seedPath := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(`
users:
  - id: u-1
branches:
  - id: b-1
    franchise: f-1
    code: DOWN
services:
  - id: svc-cut
    franchise: f-1
    price: "20.00"
barbers:
  - id: br-1
    user: staff-1
    branch: b-1
`), 0o600))
	seed, err := LoadSeed(seedPath)
	require.NoError(t, err)
	require.Len(t, seed.Branches, 1)
	assert.Equal(t, "DOWN", seed.Branches[0].Code)
	assert.Equal(t, "20.00", seed.Services[0].Price)
	assert.Equal(t, "staff-1", seed.Barbers[0].UserID)
}

func TestLoadSeedRejectsMalformedBranchCode(t *testing.T) {
	dir := t.TempDir()
	for _, code := range []string{"AIR", "DOWNT", "down", "D0WN", `""`} {
		path := filepath.Join(dir, "seed.yaml")
		body := "branches:\n  - id: b-1\n    franchise: f-1\n    code: " + code + "\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		_, err := LoadSeed(path)
		assert.ErrorContains(t, err, "four uppercase letters", "code %s", code)
	}
}

func TestDeployExamplesParse(t *testing.T) {
	policies, err := LoadPolicies(filepath.Join("..", "..", "deploy", "policies.yaml"))
	require.NoError(t, err)
	downtown := policies.For("f-downtown")
	assert.Equal(t, 8, downtown.StampsRequired)
	assert.True(t, downtown.ServiceEligible("svc-beard"))
	assert.False(t, downtown.ServiceEligible("svc-air-cut"))
	assert.True(t, downtown.RewardExpiration.Enabled)
	assert.False(t, policies.For("f-airport").LoyaltyEnabled)

	seed, err := LoadSeed(filepath.Join("..", "..", "deploy", "seed.yaml"))
	require.NoError(t, err)
	assert.Len(t, seed.Branches, 2)
	assert.Equal(t, "AIRP", seed.Branches[1].Code)
	assert.Equal(t, "barber-1", seed.Barbers[0].UserID)
	assert.Equal(t, "12.50", seed.Services[1].Price)
}
