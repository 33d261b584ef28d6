package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	ConsentFHIRServers []string      `mapstructure:"CONSENT_FHIR_SERVERS"`
	FHIRClientTimeout  time.Duration `mapstructure:"FHIR_CLIENT_TIMEOUT"`
	OrgName            string        `mapstructure:"ORG_NAME"`
	OrgURL             string        `mapstructure:"ORG_URL"`

	SensitivityTaggingRules     string `mapstructure:"SENSITIVITY_TAGGING_RULES"`
	ConfidentialityTaggingRules string `mapstructure:"CONFIDENTIALITY_TAGGING_RULES"`
	SensitivityRulesFile        string `mapstructure:"SENSITIVITY_RULES_FILE"`
	ConfidentialityRulesFile    string `mapstructure:"CONFIDENTIALITY_RULES_FILE"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	UpstreamAuthClientEmail string `mapstructure:"UPSTREAM_AUTH_CLIENT_EMAIL"`
	UpstreamAuthPrivateKey  string `mapstructure:"UPSTREAM_AUTH_PRIVATE_KEY"`
	UpstreamAuthTokenURL    string `mapstructure:"UPSTREAM_AUTH_TOKEN_URL"`
	UpstreamAuthScope       string `mapstructure:"UPSTREAM_AUTH_SCOPE"`

	AuditDatabaseURL string   `mapstructure:"AUDIT_DATABASE_URL"`
	DBMaxConns       int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins      []string `mapstructure:"CORS_ORIGINS"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"CONSENT_FHIR_SERVERS", "FHIR_CLIENT_TIMEOUT", "ORG_NAME", "ORG_URL",
	"SENSITIVITY_TAGGING_RULES", "CONFIDENTIALITY_TAGGING_RULES",
	"SENSITIVITY_RULES_FILE", "CONFIDENTIALITY_RULES_FILE",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"UPSTREAM_AUTH_CLIENT_EMAIL", "UPSTREAM_AUTH_PRIVATE_KEY",
	"UPSTREAM_AUTH_TOKEN_URL", "UPSTREAM_AUTH_SCOPE",
	"AUDIT_DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("FHIR_CLIENT_TIMEOUT", "10s")
	v.SetDefault("ORG_NAME", "Consent Decision Service")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.ConsentFHIRServers = splitList(v.GetString("CONSENT_FHIR_SERVERS"))
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AuthEnabled reports whether inbound requests to the decision endpoints
// must carry a bearer token.
func (c *Config) AuthEnabled() bool {
	return c.AuthIssuer != "" || c.AuthSigningKey != "" || c.AuthJWKSURL != ""
}

// UpstreamAuthEnabled reports whether calls to consent repositories are
// authorized with a service account token.
func (c *Config) UpstreamAuthEnabled() bool {
	return c.UpstreamAuthClientEmail != "" || c.UpstreamAuthPrivateKey != "" || c.UpstreamAuthTokenURL != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.IsProduction() && !c.AuthEnabled() {
		return errors.New("AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set in production")
	}
	if c.AuthIssuer != "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return errors.New("AUTH_JWKS_URL or AUTH_SIGNING_KEY is required when AUTH_ISSUER is set")
	}

	if c.UpstreamAuthEnabled() {
		var missing []string
		if c.UpstreamAuthClientEmail == "" {
			missing = append(missing, "UPSTREAM_AUTH_CLIENT_EMAIL")
		}
		if c.UpstreamAuthPrivateKey == "" {
			missing = append(missing, "UPSTREAM_AUTH_PRIVATE_KEY")
		}
		if c.UpstreamAuthTokenURL == "" {
			missing = append(missing, "UPSTREAM_AUTH_TOKEN_URL")
		}
		if len(missing) > 0 {
			return fmt.Errorf("incomplete upstream auth settings, missing %s", strings.Join(missing, ", "))
		}
	}

	if c.FHIRClientTimeout <= 0 {
		return fmt.Errorf("FHIR_CLIENT_TIMEOUT must be positive, got %s", c.FHIRClientTimeout)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
