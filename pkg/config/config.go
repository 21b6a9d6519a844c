package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"`
		Insecure bool   `mapstructure:"INSECURE"`
	} `mapstructure:"OTEL"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		AutoMigrate    bool   `mapstructure:"AUTO_MIGRATE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	SMTP struct {
		Host     string `mapstructure:"HOST"`
		Port     string `mapstructure:"PORT"`
		User     string `mapstructure:"USER"`
		Password string `mapstructure:"PASSWORD"`
		From     string `mapstructure:"FROM"`
		FromName string `mapstructure:"FROM_NAME"`
	} `mapstructure:"SMTP"`
	Trust struct {
		TrustedThresholdMonths int                     `mapstructure:"TRUSTED_THRESHOLD_MONTHS"`
		MaxAllowedLimitHits    int                     `mapstructure:"MAX_ALLOWED_LIMIT_HITS"`
		MaxRegionsPerWeek      int                     `mapstructure:"MAX_REGIONS_PER_WEEK"`
		Policies               map[string]PolicyConfig `mapstructure:"POLICIES"`
	} `mapstructure:"TRUST"`
	Unbind struct {
		MaxConfirmAttempts int `mapstructure:"MAX_CONFIRM_ATTEMPTS"`
		CodeHashCost       int `mapstructure:"CODE_HASH_COST"`
	} `mapstructure:"UNBIND"`
	Sweep struct {
		Interval        time.Duration `mapstructure:"INTERVAL"`
		TrustInterval   time.Duration `mapstructure:"TRUST_INTERVAL"`
		Concurrency     int           `mapstructure:"CONCURRENCY"`
		CompletionQueue string        `mapstructure:"COMPLETION_QUEUE"`
	} `mapstructure:"SWEEP"`
	Session struct {
		GuardTTL time.Duration `mapstructure:"GUARD_TTL"`
	} `mapstructure:"SESSION"`
}

// PolicyConfig overrides one row of the trust policy table.
type PolicyConfig struct {
	MaxDevices      int `mapstructure:"MAX_DEVICES"`
	UnbindsPerMonth int `mapstructure:"UNBINDS_PER_MONTH"`
	CooldownHours   int `mapstructure:"COOLDOWN_HOURS"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "devicetrust")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("OTEL.PROTOCOL", "grpc")
	v.SetDefault("OTEL.INSECURE", true)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.HOST", "127.0.0.1")
	v.SetDefault("DATABASE.PORT", "5432")
	v.SetDefault("DATABASE.DBNAME", "devicetrust")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.AUTO_MIGRATE", true)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_IDLE_CONN", 10)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS", 50)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME", time.Hour)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_IDLE_TIME", 10*time.Minute)
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 4*time.Second)
	v.SetDefault("SMTP.PORT", "587")
	v.SetDefault("SMTP.FROM_NAME", "Device Trust")
	v.SetDefault("TRUST.TRUSTED_THRESHOLD_MONTHS", 6)
	v.SetDefault("TRUST.MAX_ALLOWED_LIMIT_HITS", 3)
	v.SetDefault("TRUST.MAX_REGIONS_PER_WEEK", 3)
	v.SetDefault("UNBIND.MAX_CONFIRM_ATTEMPTS", 5)
	v.SetDefault("UNBIND.CODE_HASH_COST", 10)
	v.SetDefault("SWEEP.INTERVAL", 5*time.Minute)
	v.SetDefault("SWEEP.TRUST_INTERVAL", 24*time.Hour)
	v.SetDefault("SWEEP.CONCURRENCY", 4)
	v.SetDefault("SWEEP.COMPLETION_QUEUE", "default")
	v.SetDefault("SESSION.GUARD_TTL", 12*time.Hour)
}

// LoadConfig reads config.yaml (optional) and the environment, then overlays
// secrets from Vault when a client is available.
func LoadConfig(p Params) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		zap.L().Info("config.yaml not found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.TLS.Enable && (cfg.TLS.CertPath == "" || cfg.TLS.KeyPath == "") {
		return nil, fmt.Errorf("tls enabled but TLS.CERT_PATH or TLS.KEY_PATH not provided")
	}

	if p.Vault != nil {
		if err := overlaySecrets(p.Vault, &cfg); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

func overlaySecrets(client *vault.Client, cfg *Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		return fmt.Errorf("read vault secrets: %w", err)
	}
	zap.L().Info("Success Get Secret")

	get := func(key, fallback string) string {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			return val
		}
		return fallback
	}

	cfg.Database.User = get("postgres_user", cfg.Database.User)
	cfg.Database.Password = get("postgres_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	cfg.SMTP.User = get("smtp_user", cfg.SMTP.User)
	cfg.SMTP.Password = get("smtp_password", cfg.SMTP.Password)

	return nil
}
