// Package config provides application configuration with multi-source
// priority.
//
// Sources, highest to lowest:
//  1. Environment variables
//  2. Config file (~/.studybuddy/config.yaml, or ./config.yaml)
//  3. Built-in defaults
//
// Sensitive fields are masked in MarshalJSON; when adding a new secret
// field, update MarshalJSON too.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Sentinel errors returned by Validate, checkable with errors.Is.
var (
	ErrConfigNil              = errors.New("configuration is nil")
	ErrMissingAPIKey          = errors.New("missing API key")
	ErrInvalidModelName       = errors.New("invalid model name")
	ErrInvalidEmbedderModel   = errors.New("invalid embedder model")
	ErrInvalidMaxOutputTokens = errors.New("invalid max output tokens")
	ErrInvalidRetrieval       = errors.New("invalid retrieval settings")
	ErrInvalidChunking        = errors.New("invalid chunking settings")
	ErrInvalidPostgres        = errors.New("invalid PostgreSQL settings")
)

// Defaults for model selection.
const (
	// DefaultModelName is the generation model, provider-qualified the
	// way genkit expects.
	DefaultModelName = "googleai/gemini-2.5-flash"

	// DefaultEmbedderModel outputs 768 dimensions when truncated via
	// OutputDimensionality, matching the pgvector schema.
	DefaultEmbedderModel = "text-embedding-004"
)

// RetrievalConfig tunes the vector search fairness filter.
type RetrievalConfig struct {
	MaxResults      int     `mapstructure:"max_results" json:"max_results"`
	PerDocumentCap  int     `mapstructure:"per_document_cap" json:"per_document_cap"`
	SimilarityFloor float32 `mapstructure:"similarity_floor" json:"similarity_floor"`
}

// ChunkConfig tunes document splitting.
type ChunkConfig struct {
	Size    int `mapstructure:"size" json:"size"`
	Overlap int `mapstructure:"overlap" json:"overlap"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Environment string `mapstructure:"environment" json:"environment"`
}

// Config stores application configuration.
type Config struct {
	// Model selection
	ModelName     string `mapstructure:"model_name" json:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`

	// Per-turn output budgets
	MaxOutputTokens          int32 `mapstructure:"max_output_tokens" json:"max_output_tokens"`
	AnonymousMaxOutputTokens int32 `mapstructure:"anonymous_max_output_tokens" json:"anonymous_max_output_tokens"`

	// Retrieval and chunking
	Retrieval RetrievalConfig `mapstructure:"retrieval" json:"retrieval"`
	Chunk     ChunkConfig     `mapstructure:"chunk" json:"chunk"`

	// Memory
	MemoryRecentLimit int `mapstructure:"memory_recent_limit" json:"memory_recent_limit"`

	// PostgreSQL
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// HTTP surface
	ListenAddr  string   `mapstructure:"listen_addr" json:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"`

	// Observability
	Telemetry TelemetryConfig `mapstructure:"telemetry" json:"telemetry"`
}

// Load reads configuration from all sources and validates it.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}
	configDir := filepath.Join(home, ".studybuddy")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL, when set, overrides the individual postgres_* values.
	if err := cfg.parseDatabaseURL(os.Getenv("DATABASE_URL")); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("model_name", DefaultModelName)
	viper.SetDefault("embedder_model", DefaultEmbedderModel)
	viper.SetDefault("max_output_tokens", 1000)
	viper.SetDefault("anonymous_max_output_tokens", 300)

	viper.SetDefault("retrieval.max_results", 12)
	viper.SetDefault("retrieval.per_document_cap", 2)
	viper.SetDefault("retrieval.similarity_floor", 0.35)

	viper.SetDefault("chunk.size", 1000)
	viper.SetDefault("chunk.overlap", 200)

	viper.SetDefault("memory_recent_limit", 20)

	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "studybuddy")
	viper.SetDefault("postgres_password", "studybuddy_dev_password")
	viper.SetDefault("postgres_db_name", "studybuddy")
	viper.SetDefault("postgres_ssl_mode", "disable")

	viper.SetDefault("listen_addr", "localhost:8080")
	viper.SetDefault("cors_origins", []string{"http://localhost:5173"})
	viper.SetDefault("trust_proxy", false)

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.endpoint", "localhost:4318")
	viper.SetDefault("telemetry.service_name", "studybuddy")
	viper.SetDefault("telemetry.environment", "dev")
}

// bindEnvVariables binds environment overrides explicitly. GEMINI_API_KEY
// is read directly by genkit, not via viper; Validate only checks its
// presence.
func bindEnvVariables() {
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("model_name", "STUDYBUDDY_MODEL_NAME")
	mustBind("embedder_model", "STUDYBUDDY_EMBEDDER_MODEL")
	mustBind("listen_addr", "STUDYBUDDY_LISTEN_ADDR")
	mustBind("cors_origins", "STUDYBUDDY_CORS_ORIGINS")
	mustBind("trust_proxy", "STUDYBUDDY_TRUST_PROXY")
	mustBind("telemetry.enabled", "STUDYBUDDY_TELEMETRY_ENABLED")
	mustBind("telemetry.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// Validate checks configuration values, returning sentinel errors.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if os.Getenv("GEMINI_API_KEY") == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required", ErrMissingAPIKey)
	}
	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}

	if c.MaxOutputTokens < 1 || c.AnonymousMaxOutputTokens < 1 {
		return fmt.Errorf("%w: budgets must be positive, got %d/%d",
			ErrInvalidMaxOutputTokens, c.MaxOutputTokens, c.AnonymousMaxOutputTokens)
	}

	if c.Retrieval.MaxResults < 1 || c.Retrieval.MaxResults > 100 {
		return fmt.Errorf("%w: max_results must be between 1 and 100, got %d",
			ErrInvalidRetrieval, c.Retrieval.MaxResults)
	}
	if c.Retrieval.PerDocumentCap < 1 || c.Retrieval.PerDocumentCap > c.Retrieval.MaxResults {
		return fmt.Errorf("%w: per_document_cap must be between 1 and max_results, got %d",
			ErrInvalidRetrieval, c.Retrieval.PerDocumentCap)
	}
	if c.Retrieval.SimilarityFloor < 0 || c.Retrieval.SimilarityFloor >= 1 {
		return fmt.Errorf("%w: similarity_floor must be in [0, 1), got %v",
			ErrInvalidRetrieval, c.Retrieval.SimilarityFloor)
	}

	if c.Chunk.Size < 100 || c.Chunk.Size > 10000 {
		return fmt.Errorf("%w: chunk size must be between 100 and 10000, got %d",
			ErrInvalidChunking, c.Chunk.Size)
	}
	if c.Chunk.Overlap < 0 || c.Chunk.Overlap >= c.Chunk.Size {
		return fmt.Errorf("%w: overlap must be non-negative and smaller than chunk size, got %d",
			ErrInvalidChunking, c.Chunk.Overlap)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgres)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535, got %d", ErrInvalidPostgres, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgres)
	}
	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: password must be set", ErrInvalidPostgres)
	}
	if c.PostgresPassword == "studybuddy_dev_password" {
		slog.Warn("using default development password for PostgreSQL",
			"warning", "change postgres_password for production deployments")
	}

	validSSLModes := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSLModes[c.PostgresSSLMode] {
		return fmt.Errorf("%w: unsupported ssl mode %q", ErrInvalidPostgres, c.PostgresSSLMode)
	}

	return nil
}

// PostgresConnectionString returns the pgx DSN. The password is quoted to
// survive spaces and special characters.
func (c *Config) PostgresConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser,
		quoteDSNValue(c.PostgresPassword), c.PostgresDBName, c.PostgresSSLMode)
}

// PostgresURL returns the connection URL used by golang-migrate.
func (c *Config) PostgresURL() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:     fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:     c.PostgresDBName,
		RawQuery: fmt.Sprintf("sslmode=%s", c.PostgresSSLMode),
	}
	return u.String()
}

func quoteDSNValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// parseDatabaseURL applies a postgres:// URL over the individual fields.
// Empty components leave the existing values untouched.
func (c *Config) parseDatabaseURL(dbURL string) error {
	if dbURL == "" {
		return nil
	}

	parsed, err := url.Parse(dbURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		return fmt.Errorf("DATABASE_URL must start with postgres:// or postgresql://, got %q", parsed.Scheme)
	}

	if host := parsed.Hostname(); host != "" {
		c.PostgresHost = host
	}
	if portStr := parsed.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid port in DATABASE_URL: %w", err)
		}
		c.PostgresPort = port
	}
	if parsed.User != nil {
		if user := parsed.User.Username(); user != "" {
			c.PostgresUser = user
		}
		if password, ok := parsed.User.Password(); ok {
			c.PostgresPassword = password
		}
	}
	if parsed.Path != "" {
		c.PostgresDBName = strings.TrimPrefix(parsed.Path, "/")
	}
	if sslmode := parsed.Query().Get("sslmode"); sslmode != "" {
		c.PostgresSSLMode = sslmode
	}
	return nil
}

// maskedValue replaces secrets in serialized config. Full-width blocks
// avoid accidental substring matches against real secret content.
const maskedValue = "████████"

// MarshalJSON masks sensitive fields so the config can be logged safely.
func (c *Config) MarshalJSON() ([]byte, error) {
	type alias Config
	masked := alias(*c)
	if masked.PostgresPassword != "" {
		masked.PostgresPassword = maskedValue
	}
	return json.Marshal(masked)
}
