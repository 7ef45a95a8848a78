package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", s.StorageType)
	assert.Equal(t, "./data/signet.db", s.DBPath)
	assert.Equal(t, 8088, s.Port)
	assert.Empty(t, s.APIKeys)
	assert.Empty(t, s.HELAllowlist)
}

func TestLoad_APIKeysAndAllowlist(t *testing.T) {
	t.Setenv("SP_API_KEYS", `{
		"key-1": {
			"tenant": "acme",
			"allowlist": ["api.example.com"],
			"fallback_enabled": true,
			"fu_monthly_limit": 5000,
			"stripe_item_vex": "si_vex"
		}
	}`)
	t.Setenv("SP_HEL_ALLOWLIST", " api.openai.com , hooks.example.com ,")

	s, err := Load()
	require.NoError(t, err)

	tc, ok := s.TenantForKey("key-1")
	require.True(t, ok)
	assert.Equal(t, "acme", tc.Tenant)
	assert.Equal(t, []string{"api.example.com"}, tc.Allowlist)
	assert.True(t, tc.FallbackEnabled)
	require.NotNil(t, tc.FUMonthlyLimit)
	assert.Equal(t, int64(5000), *tc.FUMonthlyLimit)
	assert.Equal(t, "si_vex", tc.StripeItemVEx)

	_, ok = s.TenantForKey("unknown")
	assert.False(t, ok)

	assert.Equal(t, []string{"api.openai.com", "hooks.example.com"}, s.HELAllowlist)
}

func TestLoad_PostgresRequiresURL(t *testing.T) {
	t.Setenv("SP_STORAGE", "postgres")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("SP_POSTGRES_URL", "postgres://localhost/signet")
	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", s.StorageType)
	assert.Equal(t, "postgres://localhost/signet", s.PostgresURL)
}

func TestLoad_BadAPIKeysJSON(t *testing.T) {
	t.Setenv("SP_API_KEYS", "{not json")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_PrefixedNamesWin(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("SP_PORT", "9001")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9001, s.Port)
}
