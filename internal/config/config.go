package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config представляет структуру конфигурации для приложения.
type Config struct {
	App struct {
		Port            string        `mapstructure:"port"`
		Env             string        `mapstructure:"env"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"app"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Database struct {
		Driver       string `mapstructure:"driver"` // postgres | memory
		DSN          string `mapstructure:"dsn"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
		MaxIdleConns int    `mapstructure:"max_idle_conns"`
		Migrate      bool   `mapstructure:"migrate"`
	} `mapstructure:"database"`
	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Kafka struct {
		Enabled      bool     `mapstructure:"enabled"`
		Driver       string   `mapstructure:"driver"` // kafka-go | sarama
		Brokers      []string `mapstructure:"brokers"`
		EnsureTopics bool     `mapstructure:"ensure_topics"`
	} `mapstructure:"kafka"`
	Stripe struct {
		APIKey              string        `mapstructure:"api_key"`
		WebhookSecret       string        `mapstructure:"webhook_secret"`
		EssentialPriceID    string        `mapstructure:"essential_price_id"`
		ProfessionalPriceID string        `mapstructure:"professional_price_id"`
		SuccessURL          string        `mapstructure:"success_url"`
		CancelURL           string        `mapstructure:"cancel_url"`
		Timeout             time.Duration `mapstructure:"timeout"`
	} `mapstructure:"stripe"`
	Auth struct {
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`
	Entitlement struct {
		HealthTTL      time.Duration `mapstructure:"health_ttl"`
		FallbackLimit  int           `mapstructure:"fallback_limit"`
		QueueCapacity  int           `mapstructure:"queue_capacity"`
		SharedFallback bool          `mapstructure:"shared_fallback"`
		PlanCacheSize  int           `mapstructure:"plan_cache_size"`
		ReplayInterval time.Duration `mapstructure:"replay_interval"`
	} `mapstructure:"entitlement"`
	Webhook struct {
		AllowedIPs     []string `mapstructure:"allowed_ips"`
		VerifySourceIP bool     `mapstructure:"verify_source_ip"`
		RatePerMinute  int      `mapstructure:"rate_per_minute"`
	} `mapstructure:"webhook"`
	Tools struct {
		RateLimit  int           `mapstructure:"rate_limit"`
		RateWindow time.Duration `mapstructure:"rate_window"`
	} `mapstructure:"tools"`
	Reconcile struct {
		SweepInterval   time.Duration `mapstructure:"sweep_interval"`
		StaleAfter      time.Duration `mapstructure:"stale_after"`
		GraceInterval   time.Duration `mapstructure:"grace_interval"`
		BatchDelay      time.Duration `mapstructure:"batch_delay"`
		ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
	} `mapstructure:"reconcile"`
}

// StripeWebhookIPs - опубликованные Stripe адреса, с которых приходят вебхуки.
var StripeWebhookIPs = []string{
	"3.18.12.63", "3.130.192.231", "13.235.14.237", "13.235.122.149",
	"18.211.135.69", "35.154.171.200", "52.15.183.38", "54.88.130.119",
	"54.88.130.237", "54.187.174.169", "54.187.205.235", "54.187.216.72",
	"54.241.31.99", "54.241.31.102", "54.241.34.107",
}

// setDefaults задает значение для каждого ключа: AutomaticEnv при Unmarshal
// видит только известные viper ключи.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.read_timeout", 10*time.Second)
	v.SetDefault("app.write_timeout", 10*time.Second)
	v.SetDefault("app.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.driver", "kafka-go")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.ensure_topics", false)

	v.SetDefault("stripe.api_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.essential_price_id", "")
	v.SetDefault("stripe.professional_price_id", "")
	v.SetDefault("stripe.success_url", "http://localhost:3000/dashboard?checkout=success")
	v.SetDefault("stripe.cancel_url", "http://localhost:3000/pricing?checkout=cancelled")
	v.SetDefault("stripe.timeout", 5*time.Second)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("entitlement.health_ttl", 30*time.Second)
	v.SetDefault("entitlement.fallback_limit", 3)
	v.SetDefault("entitlement.queue_capacity", 10000)
	v.SetDefault("entitlement.shared_fallback", false)
	v.SetDefault("entitlement.plan_cache_size", 10000)
	v.SetDefault("entitlement.replay_interval", time.Minute)

	v.SetDefault("webhook.allowed_ips", StripeWebhookIPs)
	v.SetDefault("webhook.verify_source_ip", true)
	v.SetDefault("webhook.rate_per_minute", 100)

	v.SetDefault("tools.rate_limit", 50)
	v.SetDefault("tools.rate_window", 15*time.Minute)

	v.SetDefault("reconcile.sweep_interval", 30*time.Minute)
	v.SetDefault("reconcile.stale_after", time.Hour)
	v.SetDefault("reconcile.grace_interval", time.Hour)
	v.SetDefault("reconcile.batch_delay", 100*time.Millisecond)
	v.SetDefault("reconcile.provider_timeout", 5*time.Second)
}

// LoadConfig загружает конфигурацию: .env (кроме production), затем
// необязательный config.yml из каталога path, затем переменные окружения
// (app.port -> APP_PORT).
func LoadConfig(path string) (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load .env: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	// viper не разбивает списки из переменных окружения
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.Webhook.AllowedIPs = splitList(cfg.Webhook.AllowedIPs)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate отклоняет конфигурации, с которыми сервис не сможет работать.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("config: database.dsn is required for postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}
	if c.Stripe.APIKey != "" && c.Stripe.WebhookSecret == "" {
		return errors.New("config: stripe.webhook_secret is required when stripe.api_key is set")
	}
	if c.Entitlement.FallbackLimit <= 0 {
		return errors.New("config: entitlement.fallback_limit must be positive")
	}
	if c.Entitlement.QueueCapacity <= 0 {
		return errors.New("config: entitlement.queue_capacity must be positive")
	}
	if c.Entitlement.SharedFallback && !c.Redis.Enabled {
		return errors.New("config: entitlement.shared_fallback requires redis.enabled")
	}
	if c.Kafka.Driver != "kafka-go" && c.Kafka.Driver != "sarama" {
		return fmt.Errorf("config: unknown kafka.driver %q", c.Kafka.Driver)
	}
	return nil
}

// IsProduction сообщает, запущен ли сервис в production окружении.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
