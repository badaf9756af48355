package config

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
		// peers allowed to set forwarding headers; empty means client IPs
		// come from the direct connection only
		TrustedProxies []string `mapstructure:"TRUSTED_PROXIES"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
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
	Payments struct {
		Provider struct {
			Name          string   `mapstructure:"NAME"`
			BaseURL       string   `mapstructure:"BASE_URL"`
			ShopID        string   `mapstructure:"SHOP_ID"`
			SecretKey     string   `mapstructure:"SECRET_KEY"`
			WebhookSecret string   `mapstructure:"WEBHOOK_SECRET"`
			AllowedCIDRs  []string `mapstructure:"ALLOWED_CIDRS"`
			ReturnURL     string   `mapstructure:"RETURN_URL"`
		} `mapstructure:"PROVIDER"`
		PurchaseTTL    time.Duration `mapstructure:"PURCHASE_TTL"`
		ReconcileEvery time.Duration `mapstructure:"RECONCILE_EVERY"`
	} `mapstructure:"PAYMENTS"`
	Credits struct {
		VideoCost           int64 `mapstructure:"VIDEO_COST"`
		AdminUserID         int64 `mapstructure:"ADMIN_USER_ID"`
		InitialAdminCredits int64 `mapstructure:"INITIAL_ADMIN_CREDITS"`
	} `mapstructure:"CREDITS"`
	RateLimit struct {
		User struct {
			Capacity    int           `mapstructure:"CAPACITY"`
			RefillEvery time.Duration `mapstructure:"REFILL_EVERY"`
		} `mapstructure:"USER"`
		Webhook struct {
			Capacity    int           `mapstructure:"CAPACITY"`
			RefillEvery time.Duration `mapstructure:"REFILL_EVERY"`
		} `mapstructure:"WEBHOOK"`
		SweepEvery time.Duration `mapstructure:"SWEEP_EVERY"`
	} `mapstructure:"RATE_LIMIT"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func LoadConfig(p Params) (*Config, error) {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	setDefaults()

	if err := config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if p.Vault != nil {
		if err := overlayVaultSecrets(p.Vault, &cfg); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

func setDefaults() {
	config.SetDefault("APP_ENV", "development")
	config.SetDefault("APP_NAME", "settlement")
	config.SetDefault("HTTP_SERVER.ADDR", ":8080")
	config.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	config.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	config.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	config.SetDefault("DATABASE.TYPE", "postgres")
	config.SetDefault("PAYMENTS.PROVIDER.NAME", "yookassa")
	config.SetDefault("PAYMENTS.PROVIDER.BASE_URL", "https://api.yookassa.ru/v3")
	// provider's published webhook source ranges
	config.SetDefault("PAYMENTS.PROVIDER.ALLOWED_CIDRS", []string{
		"185.71.76.0/27",
		"185.71.77.0/27",
		"77.75.153.0/25",
		"77.75.154.0/25",
		"77.75.156.11/32",
		"77.75.156.35/32",
		"2a02:5180:0:1509::/64",
		"2a02:5180:0:2655::/64",
	})
	config.SetDefault("PAYMENTS.PURCHASE_TTL", time.Hour)
	config.SetDefault("PAYMENTS.RECONCILE_EVERY", 10*time.Minute)
	config.SetDefault("CREDITS.VIDEO_COST", 10)
	config.SetDefault("CREDITS.INITIAL_ADMIN_CREDITS", 100)
	// operational tuning values, deployment decides the real figures
	config.SetDefault("RATE_LIMIT.USER.CAPACITY", 100)
	config.SetDefault("RATE_LIMIT.USER.REFILL_EVERY", time.Minute)
	config.SetDefault("RATE_LIMIT.WEBHOOK.CAPACITY", 60)
	config.SetDefault("RATE_LIMIT.WEBHOOK.REFILL_EVERY", time.Minute)
	config.SetDefault("RATE_LIMIT.SWEEP_EVERY", 5*time.Minute)
}

// overlayVaultSecrets replaces credential fields with values from the
// environment's KV store so secrets never live in config.yaml.
func overlayVaultSecrets(client *vault.Client, cfg *Config) error {
	ctx := context.Background()

	zap.L().Info("loading secrets from vault", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		zap.L().Error("failed to read secrets from vault", zap.Error(err))
		return err
	}

	get := func(key string) string {
		if val, ok := secret.Data.Data[key].(string); ok {
			return val
		}
		return ""
	}

	if v := get("postgres_user"); v != "" {
		cfg.Database.User = v
	}
	if v := get("postgres_password"); v != "" {
		cfg.Database.Password = v
	}
	if v := get("redis_password"); v != "" {
		cfg.Redis.Password = v
	}
	if v := get("payment_secret_key"); v != "" {
		cfg.Payments.Provider.SecretKey = v
	}
	if v := get("payment_webhook_secret"); v != "" {
		cfg.Payments.Provider.WebhookSecret = v
	}

	return nil
}
