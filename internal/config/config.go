// Package config loads service configuration from an optional config.yaml,
// a .env file and the process environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	AppEnv  string `mapstructure:"APP_ENV"`
	AppName string `mapstructure:"APP_NAME"`
	Server  struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBName         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		ConnectionPool struct {
			MaxIdleConns    int           `mapstructure:"MAX_IDLE_CONNS"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr     string `mapstructure:"ADDR"`
		Password string `mapstructure:"PASSWORD"`
		DB       int    `mapstructure:"DB"`
	} `mapstructure:"REDIS"`
	JWT struct {
		Secret string `mapstructure:"SECRET"`
		Issuer string `mapstructure:"ISSUER"`
	} `mapstructure:"JWT"`
	Telegram struct {
		BotToken string `mapstructure:"BOT_TOKEN"`
	} `mapstructure:"TELEGRAM"`
	Tokens struct {
		// Rate is the number of currency units one token costs.
		Rate int64 `mapstructure:"RATE"`
	} `mapstructure:"TOKENS"`
	Realtime struct {
		// ReorderWindow bounds how long a room waits for a missing seq.
		ReorderWindow time.Duration `mapstructure:"REORDER_WINDOW"`
		RelayChannel  string        `mapstructure:"RELAY_CHANNEL"`
	} `mapstructure:"REALTIME"`
	Moderation ModerationPolicy `mapstructure:"MODERATION"`
}

// DSN builds the postgres connection string.
func (c *Config) DSN() string {
	d := c.Database
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		d.Host, d.User, d.Password, d.DBName, d.Port, d.SSLMode)
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "safechat")

	v.SetDefault("HTTP_SERVER.ADDR", ":8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 10*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 10*time.Second)

	v.SetDefault("DATABASE.HOST", "localhost")
	v.SetDefault("DATABASE.PORT", "5432")
	v.SetDefault("DATABASE.DBNAME", "safechat")
	v.SetDefault("DATABASE.USER", "user")
	v.SetDefault("DATABASE.PASSWORD", "password")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_IDLE_CONNS", 10)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS", 50)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME", time.Hour)

	v.SetDefault("REDIS.ADDR", "localhost:6379")
	v.SetDefault("REDIS.PASSWORD", "")
	v.SetDefault("REDIS.DB", 0)

	v.SetDefault("JWT.SECRET", "")
	v.SetDefault("JWT.ISSUER", "safechat-auth")
	v.SetDefault("TELEGRAM.BOT_TOKEN", "")
	v.SetDefault("TOKENS.RATE", 100)

	v.SetDefault("REALTIME.REORDER_WINDOW", 2*time.Second)
	v.SetDefault("REALTIME.RELAY_CHANNEL", "fanout")

	p := DefaultModerationPolicy()
	v.SetDefault("MODERATION.VERSION", p.Version)
	v.SetDefault("MODERATION.CONTACT_TERMS", p.ContactTerms)
	v.SetDefault("MODERATION.URGENCY_TERMS", p.UrgencyTerms)
	v.SetDefault("MODERATION.CONTACT_PATTERNS", p.ContactPatterns)
	v.SetDefault("MODERATION.CONTACT_WEIGHT", p.ContactWeight)
	v.SetDefault("MODERATION.URGENCY_WEIGHT", p.UrgencyWeight)
	v.SetDefault("MODERATION.HISTORY_WEIGHT", p.HistoryWeight)
	v.SetDefault("MODERATION.HISTORY_CAP", p.HistoryCap)
	v.SetDefault("MODERATION.SHORT_MESSAGE_WEIGHT", p.ShortMessageWeight)
	v.SetDefault("MODERATION.SHORT_MESSAGE_LENGTH", p.ShortMessageLength)
	v.SetDefault("MODERATION.THRESHOLD", p.Threshold)
}

// Load reads configuration. dir is searched for config.yaml; a missing file is
// not an error, the defaults and environment apply.
func Load(dir string) (*Config, error) {
	// .env is optional; values already in the environment win.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Tokens.Rate <= 0 {
		return fmt.Errorf("config: TOKENS.RATE must be positive, got %d", c.Tokens.Rate)
	}
	if c.Realtime.ReorderWindow <= 0 {
		return fmt.Errorf("config: REALTIME.REORDER_WINDOW must be positive")
	}
	return c.Moderation.Validate()
}
