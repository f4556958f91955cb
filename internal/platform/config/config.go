package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Session   SessionConfig   `mapstructure:"session"`
	MFA       MFAConfig       `mapstructure:"mfa"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Providers ProvidersConfig `mapstructure:"providers"`
	SAML      SAMLConfig      `mapstructure:"saml"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	GeoIP     GeoIPConfig     `mapstructure:"geoip"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type StoreConfig struct {
	Driver         string `mapstructure:"driver"` // sqlite or memory
	Path           string `mapstructure:"path"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type JWTConfig struct {
	Secret         string        `mapstructure:"secret"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

type SessionConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	MaxElevation time.Duration `mapstructure:"max_elevation"`
}

type MFAConfig struct {
	Issuer          string `mapstructure:"issuer"`
	Digits          int    `mapstructure:"digits"`
	Period          int    `mapstructure:"period"`
	Skew            int    `mapstructure:"skew"`
	BackupCodeCount int    `mapstructure:"backup_code_count"`
}

// RiskConfig holds detection thresholds. These are deployment policy
// values, not hard security guarantees; tune per environment.
type RiskConfig struct {
	VelocityPerHour int           `mapstructure:"velocity_per_hour"`
	FailuresPerHour int           `mapstructure:"failures_per_hour"`
	LocationWindow  time.Duration `mapstructure:"location_window"`
	FrequencyWindow time.Duration `mapstructure:"frequency_window"`
}

type ProvidersConfig struct {
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
	FlowTTL         time.Duration `mapstructure:"flow_ttl"`
}

type SAMLConfig struct {
	SPEntityID string `mapstructure:"sp_entity_id"`
	SPACSURL   string `mapstructure:"sp_acs_url"`
}

type RateLimitConfig struct {
	AuthPerMinute     int `mapstructure:"auth_per_minute"`
	APIReadPerMinute  int `mapstructure:"api_read_per_minute"`
	APIWritePerMinute int `mapstructure:"api_write_per_minute"`
}

type AuditConfig struct {
	Retention  time.Duration `mapstructure:"retention"`
	BufferSize int           `mapstructure:"buffer_size"`
}

type NotifyConfig struct {
	URL         string `mapstructure:"url"`
	Secret      string `mapstructure:"secret"`
	WorkerCount int    `mapstructure:"worker_count"`
}

type GeoIPConfig struct {
	DatabasePath string `mapstructure:"database_path"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("store.driver", "sqlite")
	viper.SetDefault("store.max_connections", 10)
	viper.SetDefault("jwt.access_token_ttl", 15*time.Minute)
	viper.SetDefault("session.ttl", 8*time.Hour)
	viper.SetDefault("session.max_elevation", 30*time.Minute)
	viper.SetDefault("mfa.issuer", "gatekeeper")
	viper.SetDefault("mfa.digits", 6)
	viper.SetDefault("mfa.period", 30)
	viper.SetDefault("mfa.skew", 1)
	viper.SetDefault("mfa.backup_code_count", 10)
	viper.SetDefault("risk.velocity_per_hour", 10)
	viper.SetDefault("risk.failures_per_hour", 5)
	viper.SetDefault("risk.location_window", 7*24*time.Hour)
	viper.SetDefault("risk.frequency_window", time.Hour)
	viper.SetDefault("providers.upstream_timeout", 10*time.Second)
	viper.SetDefault("providers.flow_ttl", 10*time.Minute)
	viper.SetDefault("rate_limit.auth_per_minute", 30)
	viper.SetDefault("rate_limit.api_read_per_minute", 300)
	viper.SetDefault("rate_limit.api_write_per_minute", 60)
	viper.SetDefault("audit.retention", 90*24*time.Hour)
	viper.SetDefault("audit.buffer_size", 256)
	viper.SetDefault("notify.worker_count", 2)
}
