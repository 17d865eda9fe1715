// Package config parses the environment into a single frozen Config value at
// startup. All recognized keys are enumerated here with their defaults;
// required keys that are absent fail closed with SEC-040 before any component
// is constructed.
package config

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/ajitpratap0/sovereign/internal/money"
)

// Config holds all application configuration. It is immutable after Load.
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Webhook  WebhookConfig
	HITL     HITLConfig
	Guardian GuardianConfig
	Risk     RiskConfig
	Exchange ExchangeConfig
	API      APIConfig
	Metrics  MetricsConfig
	Notify   NotifyConfig
	Vault    VaultConfig
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name      string
	LogLevel  string
	LogFormat string // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL      string
	PoolSize int32
}

// RedisConfig contains the quote snapshot cache settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NATSConfig contains the event publisher settings. An empty URL disables
// the external publisher; the in-process bus always runs.
type NATSConfig struct {
	URL         string
	SubjectBase string
}

// WebhookConfig contains signal ingress settings.
type WebhookConfig struct {
	HMACSecret string
	QueueDepth int
}

// HITLConfig contains human-in-the-loop gateway settings.
type HITLConfig struct {
	Enabled          bool
	TimeoutSeconds   int
	SlippageMaxPct   decimal.Decimal // percent, e.g. 0.5 = 0.5%
	AllowedOperators []string
}

// GuardianConfig contains hard-stop settings.
type GuardianConfig struct {
	DailyLossLimitPct decimal.Decimal // ratio, e.g. 0.01 = 1%
	LockFile          string
	VitalsInterval    time.Duration
}

// RiskConfig contains permit governor settings.
type RiskConfig struct {
	MaxRiskZAR     decimal.Decimal
	MinTradeZAR    decimal.Decimal
	RiskPerTrade   decimal.Decimal // fraction of equity risked per trade
	LotSize        decimal.Decimal
	MaxSlippagePct decimal.Decimal // ratio, permit default
	TimeoutSeconds int             // permit default
}

// ExchangeConfig contains exchange credentials. Credentials may be resolved
// from Vault at load time; see secrets.go.
type ExchangeConfig struct {
	APIKey    string
	APISecret string
	MockMode  bool
}

// APIConfig contains the HTTP server settings.
type APIConfig struct {
	Addr        string
	BearerToken string
	RatePerSec  float64
	RateBurst   int
}

// MetricsConfig contains the Prometheus exposition settings.
type MetricsConfig struct {
	Port    int
	Enabled bool
}

// NotifyConfig contains the Discord notifier settings. An empty URL disables it.
type NotifyConfig struct {
	DiscordWebhookURL string
}

// VaultConfig contains the optional Vault secret source.
type VaultConfig struct {
	Addr       string
	Token      string
	SecretPath string
}

// Load reads the environment into a Config and validates it. The returned
// error carries SEC-040 when a required key is missing.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	for _, key := range recognizedKeys {
		// Bind the exact uppercase names the deployment uses.
		_ = v.BindEnv(key, key)
	}

	cfg := &Config{
		App: AppConfig{
			Name:      v.GetString("APP_NAME"),
			LogLevel:  v.GetString("LOG_LEVEL"),
			LogFormat: v.GetString("LOG_FORMAT"),
		},
		Database: DatabaseConfig{
			URL:      v.GetString("DATABASE_URL"),
			PoolSize: v.GetInt32("DATABASE_POOL_SIZE"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		NATS: NATSConfig{
			URL:         v.GetString("NATS_URL"),
			SubjectBase: v.GetString("NATS_SUBJECT_BASE"),
		},
		Webhook: WebhookConfig{
			HMACSecret: v.GetString("WEBHOOK_HMAC_SECRET"),
			QueueDepth: v.GetInt("WEBHOOK_QUEUE_DEPTH"),
		},
		HITL: HITLConfig{
			Enabled:          v.GetBool("HITL_ENABLED"),
			TimeoutSeconds:   v.GetInt("HITL_TIMEOUT_SECONDS"),
			AllowedOperators: splitOperators(v.GetString("HITL_ALLOWED_OPERATORS")),
		},
		Guardian: GuardianConfig{
			LockFile:       v.GetString("GUARDIAN_LOCK_FILE"),
			VitalsInterval: v.GetDuration("GUARDIAN_VITALS_INTERVAL"),
		},
		Risk: RiskConfig{
			TimeoutSeconds: v.GetInt("ORDER_TIMEOUT_SECONDS"),
		},
		Exchange: ExchangeConfig{
			APIKey:    v.GetString("EXCHANGE_API_KEY"),
			APISecret: v.GetString("EXCHANGE_API_SECRET"),
			MockMode:  v.GetBool("MOCK_MODE"),
		},
		API: APIConfig{
			Addr:        v.GetString("API_ADDR"),
			BearerToken: v.GetString("API_BEARER_TOKEN"),
			RatePerSec:  v.GetFloat64("API_RATE_PER_SEC"),
			RateBurst:   v.GetInt("API_RATE_BURST"),
		},
		Metrics: MetricsConfig{
			Port:    v.GetInt("METRICS_PORT"),
			Enabled: v.GetBool("METRICS_ENABLED"),
		},
		Notify: NotifyConfig{
			DiscordWebhookURL: v.GetString("DISCORD_WEBHOOK_URL"),
		},
		Vault: VaultConfig{
			Addr:       v.GetString("VAULT_ADDR"),
			Token:      v.GetString("VAULT_TOKEN"),
			SecretPath: v.GetString("VAULT_SECRET_PATH"),
		},
	}

	var err error
	if cfg.HITL.SlippageMaxPct, err = money.Pct(v.GetString("HITL_SLIPPAGE_MAX_PERCENT")); err != nil {
		return nil, invalidKey("HITL_SLIPPAGE_MAX_PERCENT", err)
	}
	if cfg.Guardian.DailyLossLimitPct, err = money.Pct(v.GetString("GUARDIAN_DAILY_LOSS_LIMIT_PCT")); err != nil {
		return nil, invalidKey("GUARDIAN_DAILY_LOSS_LIMIT_PCT", err)
	}
	if cfg.Risk.MaxRiskZAR, err = money.ZAR(v.GetString("MAX_RISK_ZAR")); err != nil {
		return nil, invalidKey("MAX_RISK_ZAR", err)
	}
	if cfg.Risk.MinTradeZAR, err = money.ZAR(v.GetString("MIN_TRADE_ZAR")); err != nil {
		return nil, invalidKey("MIN_TRADE_ZAR", err)
	}
	if cfg.Risk.RiskPerTrade, err = money.Pct(v.GetString("RISK_PER_TRADE_PCT")); err != nil {
		return nil, invalidKey("RISK_PER_TRADE_PCT", err)
	}
	if cfg.Risk.LotSize, err = money.Parse(v.GetString("INSTRUMENT_LOT_SIZE"), money.ScalePrice); err != nil {
		return nil, invalidKey("INSTRUMENT_LOT_SIZE", err)
	}
	if cfg.Risk.MaxSlippagePct, err = money.Pct(v.GetString("ORDER_MAX_SLIPPAGE_PCT")); err != nil {
		return nil, invalidKey("ORDER_MAX_SLIPPAGE_PCT", err)
	}

	// Vault-sourced credentials override the environment when configured.
	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// recognizedKeys enumerates every environment key the daemon reads.
var recognizedKeys = []string{
	"APP_NAME", "LOG_LEVEL", "LOG_FORMAT",
	"DATABASE_URL", "DATABASE_POOL_SIZE",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"NATS_URL", "NATS_SUBJECT_BASE",
	"WEBHOOK_HMAC_SECRET", "WEBHOOK_QUEUE_DEPTH",
	"HITL_ENABLED", "HITL_TIMEOUT_SECONDS", "HITL_SLIPPAGE_MAX_PERCENT", "HITL_ALLOWED_OPERATORS",
	"GUARDIAN_DAILY_LOSS_LIMIT_PCT", "GUARDIAN_LOCK_FILE", "GUARDIAN_VITALS_INTERVAL",
	"MAX_RISK_ZAR", "MIN_TRADE_ZAR", "RISK_PER_TRADE_PCT", "INSTRUMENT_LOT_SIZE",
	"ORDER_MAX_SLIPPAGE_PCT", "ORDER_TIMEOUT_SECONDS",
	"EXCHANGE_API_KEY", "EXCHANGE_API_SECRET", "MOCK_MODE",
	"API_ADDR", "API_BEARER_TOKEN", "API_RATE_PER_SEC", "API_RATE_BURST",
	"METRICS_PORT", "METRICS_ENABLED",
	"DISCORD_WEBHOOK_URL",
	"VAULT_ADDR", "VAULT_TOKEN", "VAULT_SECRET_PATH",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "sovereign")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("DATABASE_POOL_SIZE", 10)

	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("NATS_SUBJECT_BASE", "sovereign")

	v.SetDefault("WEBHOOK_QUEUE_DEPTH", 256)

	v.SetDefault("HITL_ENABLED", true)
	v.SetDefault("HITL_TIMEOUT_SECONDS", 300)
	v.SetDefault("HITL_SLIPPAGE_MAX_PERCENT", "0.5")

	v.SetDefault("GUARDIAN_DAILY_LOSS_LIMIT_PCT", "0.01")
	v.SetDefault("GUARDIAN_LOCK_FILE", "data/guardian.lock")
	v.SetDefault("GUARDIAN_VITALS_INTERVAL", "60s")

	v.SetDefault("MAX_RISK_ZAR", "1000.00")
	v.SetDefault("MIN_TRADE_ZAR", "50.00")
	v.SetDefault("RISK_PER_TRADE_PCT", "0.01")
	v.SetDefault("INSTRUMENT_LOT_SIZE", "0.00000001")
	v.SetDefault("ORDER_MAX_SLIPPAGE_PCT", "0.005")
	v.SetDefault("ORDER_TIMEOUT_SECONDS", 30)

	v.SetDefault("MOCK_MODE", false)

	v.SetDefault("API_ADDR", "0.0.0.0:8080")
	v.SetDefault("API_RATE_PER_SEC", 5.0)
	v.SetDefault("API_RATE_BURST", 10)

	v.SetDefault("METRICS_PORT", 9100)
	v.SetDefault("METRICS_ENABLED", true)
}

func splitOperators(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// HITLTimeout returns the approval TTL as a duration.
func (c *HITLConfig) HITLTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// OperatorAllowed reports whether id is in the operator whitelist.
func (c *HITLConfig) OperatorAllowed(id string) bool {
	for _, op := range c.AllowedOperators {
		if op == id {
			return true
		}
	}
	return false
}
