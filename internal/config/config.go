package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const defaultConfigPath = "config/config.yaml"

type Config struct {
	Server struct {
		Address        string   `yaml:"address"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Database struct {
		Driver      string `yaml:"driver"`
		URL         string `yaml:"url"`
		AutoMigrate bool   `yaml:"auto_migrate"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Cart struct {
		Store string   `yaml:"store"`
		TTL   Duration `yaml:"ttl"`
	} `yaml:"cart"`
	Assignment struct {
		Statuses        []string `yaml:"statuses"`
		Strict          bool     `yaml:"strict"`
		PaidStatus      string   `yaml:"paid_status"`
		CompletedStatus string   `yaml:"completed_status"`
	} `yaml:"assignment"`
	Monitor struct {
		StaleAfter Duration `yaml:"stale_after"`
		Interval   Duration `yaml:"interval"`
	} `yaml:"monitor"`
	Airbapay  AirbapayConfig  `yaml:"airbapay"`
	Robokassa RobokassaConfig `yaml:"robokassa"`
}

type AirbapayConfig struct {
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TerminalID     string `yaml:"terminal_id"`
	BaseURL        string `yaml:"base_url"`
	SuccessBackURL string `yaml:"success_back_url"`
	FailureBackURL string `yaml:"failure_back_url"`
	CallbackURL    string `yaml:"callback_url"`
	DefaultEmail   string `yaml:"default_email"`
	DefaultPhone   string `yaml:"default_phone"`
	PublicKeyPath  string `yaml:"public_key_path"`
	PublicKeyURL   string `yaml:"public_key_url"`
	WebhookSecret  string `yaml:"webhook_secret"`
}

// Enabled reports whether the card processor has credentials.
func (c AirbapayConfig) Enabled() bool {
	return c.Username != "" && c.Password != "" && c.TerminalID != ""
}

type RobokassaConfig struct {
	MerchantLogin string `yaml:"merchant_login"`
	Password1     string `yaml:"password1"`
	Password2     string `yaml:"password2"`
	TestPassword1 string `yaml:"test_password1"`
	TestPassword2 string `yaml:"test_password2"`
	BaseURL       string `yaml:"base_url"`
	ServiceURL    string `yaml:"service_url"`
	IsTest        bool   `yaml:"is_test"`
}

func (c RobokassaConfig) Enabled() bool {
	return c.MerchantLogin != "" && c.Password1 != "" && c.Password2 != ""
}

// Duration reads "24h" style values from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func defaults() Config {
	var cfg Config
	cfg.Server.Address = ":4001"
	cfg.Database.Driver = "mysql"
	cfg.Cart.Store = "sql"
	cfg.Cart.TTL = Duration(30 * 24 * time.Hour)
	cfg.Assignment.Statuses = []string{"PENDING", "IN_PROGRESS", "COMPLETED", "ACCEPTED"}
	cfg.Assignment.PaidStatus = "IN_PROGRESS"
	cfg.Assignment.CompletedStatus = "COMPLETED"
	cfg.Monitor.StaleAfter = Duration(24 * time.Hour)
	cfg.Monitor.Interval = Duration(time.Hour)
	cfg.Airbapay.BaseURL = "https://ps.airbapay.kz/acquiring-api"
	return cfg
}

// LoadConfig reads the YAML file at CONFIG_PATH (config/config.yaml by
// default) and applies environment overrides. A missing default file is not
// an error; secrets usually come from the environment.
func LoadConfig() (Config, error) {
	cfg := defaults()

	path := os.Getenv("CONFIG_PATH")
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Address = ":" + strings.TrimPrefix(v, ":")
	}
	setString(&cfg.Database.Driver, "DATABASE_DRIVER")
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.Cart.Store, "CART_STORE")

	setString(&cfg.Airbapay.Username, "AIRBAPAY_USERNAME")
	setString(&cfg.Airbapay.Password, "AIRBAPAY_PASSWORD")
	setString(&cfg.Airbapay.TerminalID, "AIRBAPAY_TERMINAL_ID")
	setString(&cfg.Airbapay.BaseURL, "AIRBAPAY_BASE_URL")
	setString(&cfg.Airbapay.CallbackURL, "AIRBAPAY_CALLBACK_URL")
	setString(&cfg.Airbapay.WebhookSecret, "AIRBAPAY_WEBHOOK_SECRET")

	setString(&cfg.Robokassa.MerchantLogin, "ROBOKASSA_MERCHANT_LOGIN")
	setString(&cfg.Robokassa.Password1, "ROBOKASSA_PASSWORD1")
	setString(&cfg.Robokassa.Password2, "ROBOKASSA_PASSWORD2")
	setString(&cfg.Robokassa.TestPassword1, "ROBOKASSA_TEST_PASSWORD1")
	setString(&cfg.Robokassa.TestPassword2, "ROBOKASSA_TEST_PASSWORD2")
	if v := os.Getenv("ROBOKASSA_IS_TEST"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse ROBOKASSA_IS_TEST: %w", err)
		}
		cfg.Robokassa.IsTest = b
	}
	if v := os.Getenv("ASSIGNMENT_STRICT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse ASSIGNMENT_STRICT: %w", err)
		}
		cfg.Assignment.Strict = b
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func (c Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("database.driver must be mysql or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return errors.New("database.url (DATABASE_URL) is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret (JWT_SECRET) is required")
	}
	switch c.Cart.Store {
	case "sql":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("cart.store redis needs redis.addr")
		}
	default:
		return fmt.Errorf("cart.store must be sql or redis, got %q", c.Cart.Store)
	}
	if c.Cart.TTL <= 0 {
		return errors.New("cart.ttl must be positive")
	}
	if c.Monitor.StaleAfter <= 0 || c.Monitor.Interval <= 0 {
		return errors.New("monitor.stale_after and monitor.interval must be positive")
	}
	if len(c.Assignment.Statuses) == 0 {
		return errors.New("assignment.statuses must not be empty")
	}
	if !containsFold(c.Assignment.Statuses, c.Assignment.PaidStatus) {
		return fmt.Errorf("assignment.paid_status %q is not in assignment.statuses", c.Assignment.PaidStatus)
	}
	if !containsFold(c.Assignment.Statuses, c.Assignment.CompletedStatus) {
		return fmt.Errorf("assignment.completed_status %q is not in assignment.statuses", c.Assignment.CompletedStatus)
	}
	return nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
