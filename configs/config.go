package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var loadEnvOnce sync.Once

func Config(key string) string {
	loadEnvOnce.Do(func() {
		if err := godotenv.Load(".env"); err != nil {
			log.Println("Warning: .env file not found, reading from system environment variables")
		}
	})

	return os.Getenv(key)
}

type AppConfig struct {
	Server struct {
		Address     string `yaml:"address"`
		CORSOrigins string `yaml:"cors_origins"`
		JWTSecret   string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers string `yaml:"brokers"`
		Topic   string `yaml:"topic"`
	} `yaml:"kafka"`
	Paystack struct {
		SecretKey   string        `yaml:"secret_key"`
		BaseURL     string        `yaml:"base_url"`
		CallbackURL string        `yaml:"callback_url"`
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"paystack"`
	Telegram struct {
		BotToken        string        `yaml:"bot_token"`
		RemovalInterval time.Duration `yaml:"removal_interval"`
		SupportHandle   string        `yaml:"support_handle"`
		RegistrationURL string        `yaml:"registration_url"`
	} `yaml:"telegram"`
	Email struct {
		BrevoAPIKey string `yaml:"brevo_api_key"`
		Sender      string `yaml:"sender"`
		SenderName  string `yaml:"sender_name"`
	} `yaml:"email"`
	Jobs struct {
		ExpirySchedule       string        `yaml:"expiry_schedule"`
		MembershipSchedule   string        `yaml:"membership_schedule"`
		PayoutSchedule       string        `yaml:"payout_schedule"`
		RunExpiryOnStart     bool          `yaml:"run_expiry_on_start"`
		RunMembershipOnStart bool          `yaml:"run_membership_on_start"`
		RunPayoutOnStart     bool          `yaml:"run_payout_on_start"`
		RunTimeout           time.Duration `yaml:"run_timeout"`
		LockTTL              time.Duration `yaml:"lock_ttl"`
	} `yaml:"jobs"`
	Payout struct {
		PlatformFeeRate string `yaml:"platform_fee_rate"`
		LookbackDays    int    `yaml:"lookback_days"`
	} `yaml:"payout"`
	RateLimit struct {
		CheckoutPerWindow int           `yaml:"checkout_per_window"`
		Window            time.Duration `yaml:"window"`
	} `yaml:"rate_limit"`
	FrontendURL string `yaml:"frontend_url"`
	AppName     string `yaml:"app_name"`
}

// Defaults returns the configuration used when neither a config file nor the
// environment sets a value.
func Defaults() AppConfig {
	var cfg AppConfig
	cfg.Server.Address = ":8080"
	cfg.Server.CORSOrigins = "*"
	cfg.Kafka.Topic = "groupgate.notifications"
	cfg.Paystack.BaseURL = "https://api.paystack.co"
	cfg.Paystack.Timeout = 15 * time.Second
	cfg.Telegram.RemovalInterval = time.Second
	cfg.Telegram.SupportHandle = "@GroupGateSupport"
	cfg.Jobs.ExpirySchedule = "0 * * * *"
	cfg.Jobs.MembershipSchedule = "0 * * * *"
	cfg.Jobs.PayoutSchedule = "0 1 * * *"
	cfg.Jobs.RunTimeout = 30 * time.Minute
	cfg.Jobs.LockTTL = 45 * time.Minute
	cfg.Payout.PlatformFeeRate = "0.05"
	cfg.Payout.LookbackDays = 2
	cfg.RateLimit.CheckoutPerWindow = 5
	cfg.RateLimit.Window = 24 * time.Hour
	cfg.AppName = "GroupGate"
	return cfg
}

// Load builds the application configuration from defaults, an optional YAML file named
// by CONFIG_FILE, and finally environment variables (including .env).
func Load() (AppConfig, error) {
	cfg := Defaults()

	if path := Config("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return AppConfig{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Paystack.SecretKey == "" {
		return fmt.Errorf("PAYSTACK_SECRET_KEY is required")
	}
	if c.Payout.LookbackDays <= 0 {
		return fmt.Errorf("PAYOUT_LOOKBACK_DAYS must be positive")
	}
	if c.Jobs.LockTTL <= 0 || c.Jobs.RunTimeout <= 0 {
		return fmt.Errorf("job run timeout and lock ttl must be positive")
	}
	return nil
}

func applyEnv(cfg *AppConfig) error {
	setString(&cfg.Server.Address, "SERVER_ADDRESS")
	setString(&cfg.Server.CORSOrigins, "CORS_ORIGINS")
	setString(&cfg.Server.JWTSecret, "JWT_SECRET")
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.Kafka.Brokers, "KAFKA_BROKERS")
	setString(&cfg.Kafka.Topic, "KAFKA_NOTIFICATION_TOPIC")
	setString(&cfg.Paystack.SecretKey, "PAYSTACK_SECRET_KEY")
	setString(&cfg.Paystack.BaseURL, "PAYSTACK_BASE_URL")
	setString(&cfg.Paystack.CallbackURL, "PAYSTACK_CALLBACK_URL")
	setString(&cfg.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	setString(&cfg.Telegram.SupportHandle, "TELEGRAM_SUPPORT_HANDLE")
	setString(&cfg.Telegram.RegistrationURL, "REGISTRATION_URL")
	setString(&cfg.Email.BrevoAPIKey, "BREVO_API_KEY")
	setString(&cfg.Email.Sender, "EMAIL_SENDER")
	setString(&cfg.Email.SenderName, "EMAIL_SENDER_NAME")
	setString(&cfg.Jobs.ExpirySchedule, "CRON_SCHEDULE")
	setString(&cfg.Jobs.MembershipSchedule, "MEMBERSHIP_CRON_SCHEDULE")
	setString(&cfg.Jobs.PayoutSchedule, "PAYOUT_CRON_SCHEDULE")
	setString(&cfg.Payout.PlatformFeeRate, "PLATFORM_FEE_RATE")
	setString(&cfg.FrontendURL, "FRONTEND_URL")
	setString(&cfg.AppName, "APP_NAME")

	for _, b := range []struct {
		dst *bool
		key string
	}{
		{&cfg.Jobs.RunExpiryOnStart, "RUN_EXPIRY_ON_START"},
		{&cfg.Jobs.RunMembershipOnStart, "RUN_MEMBERSHIP_ON_START"},
		{&cfg.Jobs.RunPayoutOnStart, "RUN_PAYOUT_ON_START"},
	} {
		if v := Config(b.key); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", b.key, err)
			}
			*b.dst = parsed
		}
	}

	for _, i := range []struct {
		dst *int
		key string
	}{
		{&cfg.Redis.DB, "REDIS_DB"},
		{&cfg.Payout.LookbackDays, "PAYOUT_LOOKBACK_DAYS"},
		{&cfg.RateLimit.CheckoutPerWindow, "CHECKOUT_RATE_LIMIT"},
	} {
		if v, err := readIntEnv(i.key); err != nil {
			return fmt.Errorf("parse %s: %w", i.key, err)
		} else if v != nil {
			*i.dst = *v
		}
	}

	for _, d := range []struct {
		dst *time.Duration
		key string
	}{
		{&cfg.Paystack.Timeout, "PAYSTACK_TIMEOUT_SECONDS"},
		{&cfg.Telegram.RemovalInterval, "REMOVAL_INTERVAL_MS"},
		{&cfg.Jobs.RunTimeout, "JOB_RUN_TIMEOUT_SECONDS"},
		{&cfg.Jobs.LockTTL, "JOB_LOCK_TTL_SECONDS"},
		{&cfg.RateLimit.Window, "CHECKOUT_RATE_WINDOW_SECONDS"},
	} {
		v, err := readIntEnv(d.key)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		if v == nil {
			continue
		}
		unit := time.Second
		if d.key == "REMOVAL_INTERVAL_MS" {
			unit = time.Millisecond
		}
		*d.dst = time.Duration(*v) * unit
	}

	// Legacy name used by the bot's interval setting.
	if v, err := readIntEnv("CHECK_INTERVAL_MINUTES"); err != nil {
		return fmt.Errorf("parse CHECK_INTERVAL_MINUTES: %w", err)
	} else if v != nil && Config("MEMBERSHIP_CRON_SCHEDULE") == "" {
		cfg.Jobs.MembershipSchedule = fmt.Sprintf("@every %dm", *v)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := Config(key); v != "" {
		*dst = v
	}
}

func readIntEnv(name string) (*int, error) {
	val := Config(name)
	if val == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
