package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the governance core
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Gates      GatesConfig      `mapstructure:"gates"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Governance GovernanceConfig `mapstructure:"governance"`
	Reputation ReputationConfig `mapstructure:"reputation"`
	Sweep      SweepConfig      `mapstructure:"sweep"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
	// Backend selects postgres or memory repositories.
	Backend       string        `mapstructure:"backend"`
	AuditStream   string        `mapstructure:"audit_stream"`
	EventStream   string        `mapstructure:"event_stream"`
	MigrationsDir string        `mapstructure:"migrations_dir"`
	AutoMigrate   bool          `mapstructure:"auto_migrate"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

func (s ServerConfig) Normalize() ServerConfig {
	if strings.TrimSpace(s.Address) == "" {
		s.Address = ":8080"
	}
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	if s.Backend == "" {
		s.Backend = "postgres"
	}
	if s.AuditStream == "" {
		s.AuditStream = "quantgov.audit"
	}
	if s.EventStream == "" {
		s.EventStream = "quantgov.events"
	}
	if s.MigrationsDir == "" {
		s.MigrationsDir = "file://migrations"
	}
	if s.ShutdownGrace <= 0 {
		s.ShutdownGrace = 10 * time.Second
	}
	return s
}

func (s ServerConfig) Validate() error {
	switch s.Backend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("server.backend must be postgres or memory, got %q", s.Backend)
	}
	if strings.TrimSpace(s.JWTSecret) == "" {
		return fmt.Errorf("server.jwt_secret required")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port cannot be negative")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a Redis endpoint is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

// Addr is host:port.
func (r RedisConfig) Addr() string { return r.Host + ":" + r.Port }

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DSN returns the URL when set, otherwise one built from the parts.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DBName, ssl)
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// LedgerConfig holds budget defaults.
type LedgerConfig struct {
	DefaultAllotment int64 `mapstructure:"default_allotment"`
	PointsPerGate    int64 `mapstructure:"points_per_gate"`
}

func (c LedgerConfig) Normalize() LedgerConfig {
	if c.DefaultAllotment <= 0 {
		c.DefaultAllotment = 10000
	}
	if c.PointsPerGate <= 0 {
		c.PointsPerGate = 100
	}
	return c
}

// GatesConfig points at the approver roster.
type GatesConfig struct {
	RosterFile      string        `mapstructure:"roster_file"`
	DefaultDeadline time.Duration `mapstructure:"default_deadline"`
}

func (c GatesConfig) Normalize() GatesConfig {
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = 72 * time.Hour
	}
	return c
}

// MemoryConfig bounds agent memory writes and searches.
type MemoryConfig struct {
	MaxContentLength    int `mapstructure:"max_content_length"`
	EmbeddingDimensions int `mapstructure:"embedding_dimensions"`
	DefaultTopK         int `mapstructure:"default_top_k"`
	MaxTopK             int `mapstructure:"max_top_k"`
	CandidatePool       int `mapstructure:"candidate_pool"`
}

func (c MemoryConfig) Normalize() MemoryConfig {
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = 4000
	}
	if c.EmbeddingDimensions <= 0 {
		c.EmbeddingDimensions = 1536
	}
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = 10
	}
	if c.MaxTopK <= 0 {
		c.MaxTopK = 100
	}
	if c.CandidatePool <= 0 {
		c.CandidatePool = 200
	}
	return c
}

func (c MemoryConfig) Validate() error {
	if c.DefaultTopK > c.MaxTopK {
		return fmt.Errorf("memory.default_top_k (%d) exceeds memory.max_top_k (%d)", c.DefaultTopK, c.MaxTopK)
	}
	if c.CandidatePool < c.MaxTopK {
		return fmt.Errorf("memory.candidate_pool must be >= memory.max_top_k")
	}
	return nil
}

// GovernanceConfig holds voting policy.
type GovernanceConfig struct {
	ApprovalThreshold      float64 `mapstructure:"approval_threshold"`
	MinTerminationEvidence int     `mapstructure:"min_termination_evidence"`
	// CloseRoles may close proposals they did not raise.
	CloseRoles []string `mapstructure:"close_roles"`
}

func (c GovernanceConfig) Normalize() GovernanceConfig {
	if c.ApprovalThreshold <= 0 {
		c.ApprovalThreshold = 0.60
	}
	if c.MinTerminationEvidence <= 0 {
		c.MinTerminationEvidence = 2
	}
	if len(c.CloseRoles) == 0 {
		c.CloseRoles = []string{"cgo"}
	}
	return c
}

func (c GovernanceConfig) Validate() error {
	if c.ApprovalThreshold > 1 {
		return fmt.Errorf("governance.approval_threshold must be in (0,1]")
	}
	return nil
}

// ReputationConfig holds scoring settings.
type ReputationConfig struct {
	// Period is "weekly"; the only supported value for now.
	Period string `mapstructure:"period"`
}

func (c ReputationConfig) Normalize() ReputationConfig {
	if c.Period == "" {
		c.Period = "weekly"
	}
	return c
}

func (c ReputationConfig) Validate() error {
	if c.Period != "weekly" {
		return fmt.Errorf("reputation.period %q not supported", c.Period)
	}
	return nil
}

// SweepConfig schedules the deadline sweeper.
type SweepConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Cron    string        `mapstructure:"cron"`
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

func (c SweepConfig) Normalize() SweepConfig {
	if strings.TrimSpace(c.Cron) == "" {
		c.Cron = "*/5 * * * *"
	}
	if c.LockTTL <= 0 {
		c.LockTTL = time.Minute
	}
	return c
}

// Normalize applies defaults to every section.
func (c *Config) Normalize() {
	if c.General.LogLevel == "" {
		c.General.LogLevel = "info"
	}
	c.Server = c.Server.Normalize()
	c.Ledger = c.Ledger.Normalize()
	c.Gates = c.Gates.Normalize()
	c.Memory = c.Memory.Normalize()
	c.Governance = c.Governance.Normalize()
	c.Reputation = c.Reputation.Normalize()
	c.Sweep = c.Sweep.Normalize()
}

// Validate checks every section.
func (c *Config) Validate() error {
	checks := []func() error{
		c.Server.Validate,
		c.Telemetry.Validate,
		c.Storage.Redis.Validate,
		c.Memory.Validate,
		c.Governance.Validate,
		c.Reputation.Validate,
	}
	if c.Server.Backend == "postgres" {
		checks = append(checks, c.Storage.Postgres.Validate)
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// envOnlyKeys can be supplied without a config file.
var envOnlyKeys = []string{
	"server.address",
	"server.jwt_secret",
	"server.backend",
	"storage.postgres.url",
	"storage.redis.host",
	"storage.redis.port",
	"storage.redis.password",
	"gates.roster_file",
	"telemetry.otlp_endpoint",
}

// LoadConfig loads config from file and QUANTGOV_* environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.backend", "postgres")
	v.SetDefault("sweep.enabled", true)
	v.SetDefault("telemetry.enabled", true)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)                                // bin/
		v.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("QUANTGOV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range envOnlyKeys {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
