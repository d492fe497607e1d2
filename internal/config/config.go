// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type TelegramConfig struct {
	Token       string  `mapstructure:"token" validate:"required"`
	BotUsername string  `mapstructure:"botusername"`
	AdminIDs    []int64 `mapstructure:"adminids"`
}

type DBConfig struct {
	Host         string        `mapstructure:"host" validate:"required"`
	Port         string        `mapstructure:"port" validate:"required"`
	User         string        `mapstructure:"user" validate:"required"`
	Password     string        `mapstructure:"password"`
	DBName       string        `mapstructure:"dbname" validate:"required"`
	SSLMode      string        `mapstructure:"sslmode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxOpenConns int           `mapstructure:"maxopenconns" validate:"gte=1"`
	MaxIdleConns int           `mapstructure:"maxidleconns" validate:"gte=0"`
	ConnLifetime time.Duration `mapstructure:"connlifetime"`
}

type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db" validate:"gte=0"`
	DialTimeout time.Duration `mapstructure:"dialtimeout"`
	OpTimeout   time.Duration `mapstructure:"optimeout"`
	SessionTTL  time.Duration `mapstructure:"sessionttl"`
}

type StripeConfig struct {
	SecretKey  string `mapstructure:"secretkey" validate:"required"`
	WebhookKey string `mapstructure:"webhookkey" validate:"required"`
	SuccessURL string `mapstructure:"successurl" validate:"required,url"`
	CancelURL  string `mapstructure:"cancelurl" validate:"required,url"`
	Currency   string `mapstructure:"currency" validate:"len=3"`
}

type GPTConfig struct {
	APIKey       string `mapstructure:"apikey" validate:"required"`
	Model        string `mapstructure:"model" validate:"required"`
	PremiumModel string `mapstructure:"premiummodel" validate:"required"`
}

type ServerConfig struct {
	Port       string `mapstructure:"port" validate:"required,numeric"`
	AdminToken string `mapstructure:"admintoken"`
}

type RateLimitConfig struct {
	UploadPerMinute int `mapstructure:"uploadperminute" validate:"gte=0"`
	TextPerMinute   int `mapstructure:"textperminute" validate:"gte=0"`
}

type SchedulerConfig struct {
	SweepAt              string        `mapstructure:"sweepat" validate:"datetime=15:04"`
	NotificationInterval time.Duration `mapstructure:"notificationinterval" validate:"gt=0"`
	RetentionDays        int           `mapstructure:"retentiondays" validate:"gte=1"`
}

type Config struct {
	Env             string          `mapstructure:"env"`
	Telegram        TelegramConfig  `mapstructure:"telegram"`
	DB              DBConfig        `mapstructure:"db"`
	Redis           RedisConfig     `mapstructure:"redis"`
	Stripe          StripeConfig    `mapstructure:"stripe"`
	GPT             GPTConfig       `mapstructure:"gpt"`
	Server          ServerConfig    `mapstructure:"server"`
	RateLimit       RateLimitConfig `mapstructure:"ratelimit"`
	Scheduler       SchedulerConfig `mapstructure:"scheduler"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdowntimeout"`
}

// IsAdmin reports whether a Telegram id may use the admin screens.
func (c *Config) IsAdmin(telegramID int64) bool {
	for _, id := range c.Telegram.AdminIDs {
		if id == telegramID {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "production")
	v.SetDefault("shutdowntimeout", 10*time.Second)

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.dbname", "pulse")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.maxopenconns", 20)
	v.SetDefault("db.maxidleconns", 5)
	v.SetDefault("db.connlifetime", time.Hour)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.dialtimeout", 3*time.Second)
	v.SetDefault("redis.optimeout", time.Second)
	v.SetDefault("redis.sessionttl", time.Hour)

	v.SetDefault("stripe.currency", "rub")

	v.SetDefault("gpt.model", "gpt-4o-mini")
	v.SetDefault("gpt.premiummodel", "gpt-4o")

	v.SetDefault("server.port", "8080")

	v.SetDefault("ratelimit.uploadperminute", 3)
	v.SetDefault("ratelimit.textperminute", 30)

	v.SetDefault("scheduler.sweepat", "03:00")
	v.SetDefault("scheduler.notificationinterval", time.Minute)
	v.SetDefault("scheduler.retentiondays", 60)
}

// bindEnv registers every known key so AutomaticEnv can see it during Unmarshal.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"telegram.token", "telegram.botusername", "telegram.adminids",
		"db.password",
		"redis.url", "redis.password", "redis.db",
		"stripe.secretkey", "stripe.webhookkey", "stripe.successurl", "stripe.cancelurl",
		"gpt.apikey",
		"server.admintoken",
	} {
		_ = v.BindEnv(key)
	}
	// names used by the existing deployment
	_ = v.BindEnv("telegram.token", "TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("gpt.apikey", "GPT_APIKEY", "OPENAI_API_KEY")
	_ = v.BindEnv("redis.url", "REDIS_URL")
	_ = v.BindEnv("server.admintoken", "SERVER_ADMINTOKEN", "ADMIN_SECRET_KEY")
}

// Load reads config.yaml (optional), .env (optional) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.pulse-bot")
	if p := os.Getenv("PULSE_CONFIG"); p != "" {
		v.SetConfigFile(p)
	}

	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Process any ${ENV_VAR} syntax in the config values
	for _, key := range v.AllKeys() {
		value := v.GetString(key)
		if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
			envVar := strings.TrimPrefix(strings.TrimSuffix(value, "}"), "${")
			v.Set(key, os.Getenv(envVar))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Redis.URL == "" && c.Redis.Addr == "" {
		return errors.New("invalid config: redis url or addr is required")
	}
	return nil
}

// DSN builds the pgx connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode, c.MaxOpenConns,
	)
}
