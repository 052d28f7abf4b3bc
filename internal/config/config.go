// Package config loads application configuration from config.yaml and the
// environment and installs the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/x402-labs/agentpay/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Solana      SolanaConfig      `yaml:"solana" mapstructure:"solana"`
	Payment     PaymentConfig     `yaml:"payment" mapstructure:"payment"`
	Session     SessionConfig     `yaml:"session" mapstructure:"session"`
	Balance     BalanceConfig     `yaml:"balance" mapstructure:"balance"`
	Facilitator FacilitatorConfig `yaml:"facilitator" mapstructure:"facilitator"`
	Autonomy    AutonomyConfig    `yaml:"autonomy" mapstructure:"autonomy"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string            `yaml:"driver" mapstructure:"driver"` // postgres | memory
	DatabaseURL string            `yaml:"database_url" mapstructure:"database_url"`
	Pool        *store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// SolanaConfig configures the chain RPC connection and custodial signer.
type SolanaConfig struct {
	RPCURL             string `yaml:"rpc_url" mapstructure:"rpc_url"`
	SignerPrivateKey   string `yaml:"signer_private_key" mapstructure:"signer_private_key"`
	Commitment         string `yaml:"commitment" mapstructure:"commitment"`
	ConfirmTimeoutSecs int    `yaml:"confirm_timeout_secs" mapstructure:"confirm_timeout_secs"`
}

// PaymentConfig configures the payment recipient.
type PaymentConfig struct {
	RecipientPublicKey string `yaml:"recipient_public_key" mapstructure:"recipient_public_key"`
}

// SessionConfig configures capability issuance defaults.
type SessionConfig struct {
	ExpirySecs          int  `yaml:"expiry_secs" mapstructure:"expiry_secs"`
	MaxSignatures       int  `yaml:"max_signatures" mapstructure:"max_signatures"`
	AllowExpiredRefresh bool `yaml:"allow_expired_refresh" mapstructure:"allow_expired_refresh"`
}

// BalanceConfig configures the balance monitor.
type BalanceConfig struct {
	Threshold        float64 `yaml:"threshold" mapstructure:"threshold"`
	PollIntervalSecs int     `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
}

// FacilitatorConfig configures the external facilitator.
type FacilitatorConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Secret  string `yaml:"secret" mapstructure:"secret"`
}

// AutonomyConfig configures the scheduler.
type AutonomyConfig struct {
	QueueIntervalSecs int     `yaml:"queue_interval_secs" mapstructure:"queue_interval_secs"`
	MinRunScore       float64 `yaml:"min_run_score" mapstructure:"min_run_score"`
	MaxBackoffSecs    int     `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AdminAPIKey    string   `yaml:"admin_api_key" mapstructure:"admin_api_key"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("AGENTPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The deployment environment uses unprefixed names for the operational
	// knobs; bind them alongside the AGENTPAY_* forms.
	bindings := map[string][]string{
		"solana.rpc_url":                {"SOLANA_RPC_URL"},
		"solana.signer_private_key":     {"SIGNER_PRIVATE_KEY"},
		"payment.recipient_public_key":  {"PAYMENT_RECIPIENT_PUBLIC_KEY"},
		"session.expiry_secs":           {"SESSION_EXPIRY_SECONDS"},
		"session.max_signatures":        {"SESSION_MAX_SIGNATURES"},
		"balance.threshold":             {"BALANCE_THRESHOLD"},
		"balance.poll_interval_secs":    {"BALANCE_POLL_INTERVAL_SECONDS"},
		"facilitator.base_url":          {"FACILITATOR_BASE_URL"},
		"facilitator.secret":            {"FACILITATOR_SECRET"},
		"autonomy.queue_interval_secs":  {"AUTONOMY_QUEUE_INTERVAL_SECONDS"},
		"autonomy.min_run_score":        {"AUTONOMY_MIN_RUN_SCORE"},
		"autonomy.max_backoff_secs":     {"AUTONOMY_MAX_BACKOFF_SECONDS"},
		"server.admin_api_key":          {"ADMIN_API_KEY"},
		"server.allowed_origins":        {"ALLOWED_ORIGINS"},
		"store.database_url":            {"DATABASE_URL"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, eris.Wrapf(err, "config: bind %s", key)
		}
	}

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("solana.rpc_url", "https://api.devnet.solana.com")
	v.SetDefault("solana.commitment", "confirmed")
	v.SetDefault("solana.confirm_timeout_secs", 30)
	v.SetDefault("session.expiry_secs", 3600)
	v.SetDefault("session.max_signatures", 3)
	v.SetDefault("session.allow_expired_refresh", true)
	v.SetDefault("balance.threshold", 0.05)
	v.SetDefault("balance.poll_interval_secs", 30)
	v.SetDefault("autonomy.queue_interval_secs", 20)
	v.SetDefault("autonomy.min_run_score", 0.5)
	v.SetDefault("autonomy.max_backoff_secs", 900)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
