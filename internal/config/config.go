// Package config loads settings from a .env file, an optional config file and
// VPNSHOP_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "VPNSHOP"

type Config struct {
	Log      LogConfig
	HTTP     HTTPConfig
	DB       DBConfig
	Poll     PollConfig
	Gateway  GatewayConfig
	XUI      XUIConfig
	Telegram TelegramConfig
	Kafka    KafkaConfig
	Backup   BackupConfig
	Push     PushConfig
	Reminder ReminderConfig
}

type LogConfig struct {
	Level  string
	Format string
}

type HTTPConfig struct {
	Port        string
	JWTSecret   string
	TokenTTL    time.Duration
	CORSOrigins []string
	RateLimit   int
}

type DBConfig struct {
	Path          string
	RetryAttempts int
	RetryBase     time.Duration
}

type PollConfig struct {
	Interval time.Duration
	Window   time.Duration
}

type GatewayConfig struct {
	// Provider is "yookassa" or "stripe".
	Provider            string
	Currency            string
	ReturnURL           string
	YooKassaShopID      string
	YooKassaSecretKey   string
	StripeSecretKey     string
	StripeCancelURL     string
	StripeWebhookSecret string
}

type XUIConfig struct {
	Timeout time.Duration
}

type TelegramConfig struct {
	BotToken  string
	AdminChat string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type BackupConfig struct {
	Endpoint   string
	Bucket     string
	Region     string
	AccessKey  string
	SecretKey  string
	Prefix     string
	Passphrase string
	Interval   time.Duration
	Retention  time.Duration
}

type PushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
}

type ReminderConfig struct {
	// Lead is how long before the end date the owner is reminded. Zero
	// disables reminders.
	Lead     time.Duration
	Interval time.Duration
}

// SetDefaults registers a default for every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("http.port", "8080")
	v.SetDefault("http.jwt_secret", "")
	v.SetDefault("http.token_ttl", 24*time.Hour)
	v.SetDefault("http.cors_origins", []string{})
	v.SetDefault("http.rate_limit", 60)
	v.SetDefault("db.path", "vpnshop.db")
	v.SetDefault("db.retry_attempts", 5)
	v.SetDefault("db.retry_base", 100*time.Millisecond)
	v.SetDefault("poll.interval", 20*time.Second)
	v.SetDefault("poll.window", 11*time.Minute)
	v.SetDefault("gateway.provider", "yookassa")
	v.SetDefault("gateway.currency", "RUB")
	v.SetDefault("gateway.return_url", "")
	v.SetDefault("gateway.yookassa_shop_id", "")
	v.SetDefault("gateway.yookassa_secret_key", "")
	v.SetDefault("gateway.stripe_secret_key", "")
	v.SetDefault("gateway.stripe_cancel_url", "")
	v.SetDefault("gateway.stripe_webhook_secret", "")
	v.SetDefault("xui.timeout", 15*time.Second)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.admin_chat", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "vpnshop.events")
	v.SetDefault("backup.endpoint", "")
	v.SetDefault("backup.bucket", "")
	v.SetDefault("backup.region", "us-east-1")
	v.SetDefault("backup.access_key", "")
	v.SetDefault("backup.secret_key", "")
	v.SetDefault("backup.prefix", "")
	v.SetDefault("backup.passphrase", "")
	v.SetDefault("backup.interval", time.Duration(0))
	v.SetDefault("backup.retention", 30*24*time.Hour)
	v.SetDefault("push.vapid_public_key", "")
	v.SetDefault("push.vapid_private_key", "")
	v.SetDefault("push.subscriber", "mailto:noreply@vpnshop.local")
	v.SetDefault("reminder.lead", 72*time.Hour)
	v.SetDefault("reminder.interval", time.Hour)
}

// New returns a viper instance reading VPNSHOP_SECTION_KEY variables and,
// when configFile is set, that file.
func New(configFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("vpnshop")
		v.AddConfigPath(".")
	}
	return v
}

// LoadDotenv loads .env files into the process environment. Missing files
// are ignored and variables already set win.
func LoadDotenv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the config file if there is one and decodes every key.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		HTTP: HTTPConfig{
			Port:        v.GetString("http.port"),
			JWTSecret:   v.GetString("http.jwt_secret"),
			TokenTTL:    v.GetDuration("http.token_ttl"),
			CORSOrigins: stringList(v, "http.cors_origins"),
			RateLimit:   v.GetInt("http.rate_limit"),
		},
		DB: DBConfig{
			Path:          v.GetString("db.path"),
			RetryAttempts: v.GetInt("db.retry_attempts"),
			RetryBase:     v.GetDuration("db.retry_base"),
		},
		Poll: PollConfig{
			Interval: v.GetDuration("poll.interval"),
			Window:   v.GetDuration("poll.window"),
		},
		Gateway: GatewayConfig{
			Provider:            strings.ToLower(v.GetString("gateway.provider")),
			Currency:            v.GetString("gateway.currency"),
			ReturnURL:           v.GetString("gateway.return_url"),
			YooKassaShopID:      v.GetString("gateway.yookassa_shop_id"),
			YooKassaSecretKey:   v.GetString("gateway.yookassa_secret_key"),
			StripeSecretKey:     v.GetString("gateway.stripe_secret_key"),
			StripeCancelURL:     v.GetString("gateway.stripe_cancel_url"),
			StripeWebhookSecret: v.GetString("gateway.stripe_webhook_secret"),
		},
		XUI: XUIConfig{
			Timeout: v.GetDuration("xui.timeout"),
		},
		Telegram: TelegramConfig{
			BotToken:  v.GetString("telegram.bot_token"),
			AdminChat: v.GetString("telegram.admin_chat"),
		},
		Kafka: KafkaConfig{
			Brokers: stringList(v, "kafka.brokers"),
			Topic:   v.GetString("kafka.topic"),
		},
		Backup: BackupConfig{
			Endpoint:   v.GetString("backup.endpoint"),
			Bucket:     v.GetString("backup.bucket"),
			Region:     v.GetString("backup.region"),
			AccessKey:  v.GetString("backup.access_key"),
			SecretKey:  v.GetString("backup.secret_key"),
			Prefix:     v.GetString("backup.prefix"),
			Passphrase: v.GetString("backup.passphrase"),
			Interval:   v.GetDuration("backup.interval"),
			Retention:  v.GetDuration("backup.retention"),
		},
		Push: PushConfig{
			VAPIDPublicKey:  v.GetString("push.vapid_public_key"),
			VAPIDPrivateKey: v.GetString("push.vapid_private_key"),
			Subscriber:      v.GetString("push.subscriber"),
		},
		Reminder: ReminderConfig{
			Lead:     v.GetDuration("reminder.lead"),
			Interval: v.GetDuration("reminder.interval"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	switch c.Gateway.Provider {
	case "yookassa", "stripe":
	default:
		return fmt.Errorf("gateway.provider %q: want yookassa or stripe", c.Gateway.Provider)
	}
	if c.Poll.Interval <= 0 || c.Poll.Window < c.Poll.Interval {
		return fmt.Errorf("poll window %v must be at least the interval %v", c.Poll.Window, c.Poll.Interval)
	}
	if c.DB.RetryAttempts < 1 {
		return fmt.Errorf("db.retry_attempts must be positive, got %d", c.DB.RetryAttempts)
	}
	if c.Backup.Interval < 0 || c.Backup.Retention < 0 {
		return fmt.Errorf("backup interval and retention must not be negative")
	}
	if (c.Push.VAPIDPublicKey == "") != (c.Push.VAPIDPrivateKey == "") {
		return fmt.Errorf("push.vapid_public_key and push.vapid_private_key must be set together")
	}
	if c.Reminder.Lead > 0 && c.Reminder.Interval <= 0 {
		return fmt.Errorf("reminder.interval must be positive, got %v", c.Reminder.Interval)
	}
	return nil
}

// stringList accepts both a list and a comma separated string, which is what
// an environment variable holds.
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
