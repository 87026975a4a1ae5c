// Package config loads relaycrm settings from the environment, optionally
// seeded from a .env file in the working directory.
package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultAPIBase       = "https://services.leadconnectorhq.com"
	DefaultAuthURL       = "https://marketplace.leadconnectorhq.com/oauth/chooselocation"
	DefaultAPIVersion    = "2021-07-28"
	DefaultCredentialDSN = "file://.relaycrm/credentials.json"
	DefaultCodeGuardDSN  = "memory://"
)

// DefaultScopes is the read-only scope set requested during authorization.
var DefaultScopes = []string{
	"appointments.readonly",
	"calendars.readonly",
	"contacts.readonly",
	"opportunities.readonly",
	"users.readonly",
	"conversations.readonly",
	"locations/customFields.readonly",
}

var ErrMissing = errors.New("missing required configuration")

// MissingError names every required variable that was unset.
type MissingError struct {
	Names []string
}

func (e *MissingError) Error() string {
	return "missing required configuration: " + strings.Join(e.Names, ", ")
}

func (e *MissingError) Is(target error) bool {
	return target == ErrMissing
}

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	APIBase      string
	AuthURL      string
	TokenURL     string
	APIVersion   string
	Scopes       []string

	CredentialDSN string
	CodeGuardDSN  string
	CodeGuardTTL  time.Duration

	SyncPageSize       int
	SyncPageDelay      time.Duration
	SyncMaxRetries     int
	SyncRetryBaseDelay time.Duration

	HTTPTimeout     time.Duration
	Addr            string
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Load reads .env when present, then the process environment. Invalid
// numbers and durations fall back to their defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("ignoring unreadable .env: %v", err)
	}
	apiBase := strings.TrimRight(EnvOrDefault("GHL_API_BASE", DefaultAPIBase), "/")
	cfg := Config{
		ClientID:     strings.TrimSpace(os.Getenv("GHL_CLIENT_ID")),
		ClientSecret: strings.TrimSpace(os.Getenv("GHL_CLIENT_SECRET")),
		RedirectURI:  strings.TrimSpace(os.Getenv("GHL_REDIRECT_URI")),
		APIBase:      apiBase,
		AuthURL:      EnvOrDefault("GHL_AUTH_URL", DefaultAuthURL),
		TokenURL:     EnvOrDefault("GHL_TOKEN_URL", apiBase+"/oauth/token"),
		APIVersion:   EnvOrDefault("GHL_API_VERSION", DefaultAPIVersion),
		Scopes:       DefaultScopes,

		CredentialDSN: EnvOrDefault("RELAYCRM_CREDENTIAL_DSN", DefaultCredentialDSN),
		CodeGuardDSN:  EnvOrDefault("RELAYCRM_CODE_GUARD_DSN", DefaultCodeGuardDSN),
		CodeGuardTTL:  DurationEnv("RELAYCRM_CODE_GUARD_TTL", time.Hour),

		SyncPageSize:       IntEnv("RELAYCRM_SYNC_PAGE_SIZE", 100),
		SyncPageDelay:      DurationEnv("RELAYCRM_SYNC_PAGE_DELAY", 100*time.Millisecond),
		SyncMaxRetries:     IntEnv("RELAYCRM_SYNC_MAX_RETRIES", 3),
		SyncRetryBaseDelay: DurationEnv("RELAYCRM_SYNC_RETRY_BASE_DELAY", time.Second),

		HTTPTimeout:     DurationEnv("RELAYCRM_HTTP_TIMEOUT", 20*time.Second),
		Addr:            EnvOrDefault("RELAYCRM_ADDR", ":8080"),
		JWTSecret:       os.Getenv("RELAYCRM_JWT_SECRET"),
		RateLimitMax:    IntEnv("RELAYCRM_RATE_LIMIT_MAX", 0),
		RateLimitWindow: DurationEnv("RELAYCRM_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    Int64Env("RELAYCRM_MAX_BODY_BYTES", 0),
	}
	if raw := strings.TrimSpace(os.Getenv("GHL_SCOPES")); raw != "" {
		cfg.Scopes = strings.Fields(strings.ReplaceAll(raw, ",", " "))
	}
	return cfg
}

// ValidateOAuth checks the values the OAuth boundary cannot run without.
func (c Config) ValidateOAuth() error {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "GHL_CLIENT_ID")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "GHL_CLIENT_SECRET")
	}
	if c.RedirectURI == "" {
		missing = append(missing, "GHL_REDIRECT_URI")
	}
	if strings.TrimSpace(c.CredentialDSN) == "" {
		missing = append(missing, "RELAYCRM_CREDENTIAL_DSN")
	}
	if len(missing) > 0 {
		return &MissingError{Names: missing}
	}
	return nil
}

func EnvOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func IntEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func Int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func DurationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func FloatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}
