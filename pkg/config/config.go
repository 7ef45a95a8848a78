// Package config loads gateway settings from the environment. Settings are
// read once at startup and treated as read-only afterwards.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// TenantConfig describes one API key's tenant: its egress allowlist,
// billing items, and fallback budget.
type TenantConfig struct {
	Tenant          string   `json:"tenant"`
	FreeQuota       int64    `json:"free_quota"`
	Allowlist       []string `json:"allowlist"`
	StripeItemVEx   string   `json:"stripe_item_vex"`
	StripeItemFU    string   `json:"stripe_item_fu"`
	FallbackEnabled bool     `json:"fallback_enabled"`
	FUMonthlyLimit  *int64   `json:"fu_monthly_limit"`
	AdminFlush      bool     `json:"admin_flush"`
}

// Settings is the full startup configuration.
type Settings struct {
	APIKeys      map[string]TenantConfig
	HELAllowlist []string

	StorageType string
	DBPath      string
	PostgresURL string

	PrivateKeyB64 string
	Kid           string

	StripeAPIKey   string
	OpenAIAPIKey   string
	OpenAIModel    string
	RedisAddr      string
	OTLPEndpoint   string
	SchemaDir      string
	ReservedPath   string
	Port           int
	RateLimitRPS   float64
	RateLimitBurst int
}

func getenv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

func getenvDefault(def string, names ...string) string {
	if v := getenv(names...); v != "" {
		return v
	}
	return def
}

// Load reads settings from the environment. SP_-prefixed names take
// precedence over their unprefixed aliases.
func Load() (*Settings, error) {
	apiKeys := map[string]TenantConfig{}
	if raw := getenvDefault("{}", "SP_API_KEYS", "API_KEYS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &apiKeys); err != nil {
			return nil, fmt.Errorf("parse SP_API_KEYS: %w", err)
		}
	}

	var hel []string
	for _, h := range strings.Split(getenv("SP_HEL_ALLOWLIST", "HEL_ALLOWLIST"), ",") {
		if h = strings.TrimSpace(h); h != "" {
			hel = append(hel, h)
		}
	}

	storageType := strings.ToLower(getenvDefault("sqlite", "SP_STORAGE", "STORAGE"))
	postgresURL := getenv("SP_POSTGRES_URL", "DATABASE_URL")
	if storageType == "postgres" && postgresURL == "" {
		return nil, fmt.Errorf("postgres storage selected but SP_POSTGRES_URL is empty")
	}

	port, err := strconv.Atoi(getenvDefault("8088", "SP_PORT", "PORT"))
	if err != nil {
		return nil, fmt.Errorf("parse PORT: %w", err)
	}

	rps, err := strconv.ParseFloat(getenvDefault("50", "SP_RATE_LIMIT_RPS"), 64)
	if err != nil {
		return nil, fmt.Errorf("parse SP_RATE_LIMIT_RPS: %w", err)
	}
	burst, err := strconv.Atoi(getenvDefault("100", "SP_RATE_LIMIT_BURST"))
	if err != nil {
		return nil, fmt.Errorf("parse SP_RATE_LIMIT_BURST: %w", err)
	}

	return &Settings{
		APIKeys:        apiKeys,
		HELAllowlist:   hel,
		StorageType:    storageType,
		DBPath:         getenvDefault("./data/signet.db", "SP_DB_PATH", "DB_PATH"),
		PostgresURL:    postgresURL,
		PrivateKeyB64:  getenv("SP_PRIVATE_KEY_B64", "PRIVATE_KEY_B64"),
		Kid:            getenv("SP_KID", "KID"),
		StripeAPIKey:   getenv("SP_STRIPE_API_KEY", "STRIPE_API_KEY"),
		OpenAIAPIKey:   getenv("SP_OPENAI_API_KEY", "OPENAI_API_KEY"),
		OpenAIModel:    getenvDefault("gpt-3.5-turbo", "SP_OPENAI_MODEL"),
		RedisAddr:      getenv("SP_REDIS_ADDR", "REDIS_ADDR"),
		OTLPEndpoint:   getenv("SP_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"),
		SchemaDir:      getenv("SP_SCHEMA_DIR"),
		ReservedPath:   getenv("SP_RESERVED_CONFIG", "RESERVED_CONFIG"),
		Port:           port,
		RateLimitRPS:   rps,
		RateLimitBurst: burst,
	}, nil
}

// TenantForKey resolves an API key to its tenant config.
func (s *Settings) TenantForKey(apiKey string) (TenantConfig, bool) {
	tc, ok := s.APIKeys[apiKey]
	return tc, ok
}
