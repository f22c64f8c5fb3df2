package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/logger"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type CallConfig struct {
	EscalationTimeout time.Duration `mapstructure:"escalation_timeout" validate:"gt=0"`
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"gte=1"`
	RingTimeout       time.Duration `mapstructure:"ring_timeout" validate:"gt=0"`
	IncomingTTL       time.Duration `mapstructure:"incoming_ttl" validate:"gt=0"`
	ActiveTTL         time.Duration `mapstructure:"active_ttl" validate:"gt=0"`
	NudgeOnExhaustion bool          `mapstructure:"nudge_on_exhaustion"`
}

type StoreConfig struct {
	Backend   string `mapstructure:"backend" validate:"oneof=memory redis file"`
	RedisAddr string `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	Dir       string `mapstructure:"dir" validate:"required_if=Backend file"`
}

type HistoryConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=memory sqlite"`
	Path    string `mapstructure:"path" validate:"required_if=Backend sqlite"`
}

type MediaConfig struct {
	Width            int  `mapstructure:"width" validate:"gt=0"`
	Height           int  `mapstructure:"height" validate:"gt=0"`
	FrameRate        int  `mapstructure:"frame_rate" validate:"gt=0"`
	EchoCancellation bool `mapstructure:"echo_cancellation"`
}

func (m MediaConfig) Hints() domain.QualityHints {
	return domain.QualityHints{
		Width:            m.Width,
		Height:           m.Height,
		FrameRate:        m.FrameRate,
		EchoCancellation: m.EchoCancellation,
	}
}

// ClientConfig configures the call client daemon.
type ClientConfig struct {
	UserID     string `mapstructure:"user_id" validate:"required"`
	RelayURL   string `mapstructure:"relay_url" validate:"required,url"`
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`
	// Tiers optionally replaces the built-in escalation ladder, as JSON.
	Tiers string `mapstructure:"tiers"`

	Log     logger.Config `mapstructure:"log"`
	Call    CallConfig    `mapstructure:"call"`
	Store   StoreConfig   `mapstructure:"store"`
	History HistoryConfig `mapstructure:"history"`
	Media   MediaConfig   `mapstructure:"media"`
}

// TransportTiers decodes the tier override. It returns nil when unset.
func (c *ClientConfig) TransportTiers() ([]domain.TransportTier, error) {
	if c.Tiers == "" {
		return nil, nil
	}
	var tiers []domain.TransportTier
	if err := json.Unmarshal([]byte(c.Tiers), &tiers); err != nil {
		return nil, fmt.Errorf("tiers: %w", err)
	}
	if len(tiers) == 0 {
		return nil, errors.New("tiers: empty ladder")
	}
	return tiers, nil
}

// ServerConfig configures the relay.
type ServerConfig struct {
	ServerAddr string        `mapstructure:"server_addr" validate:"required"`
	Log        logger.Config `mapstructure:"log"`
}

// InitConfig reads .env from the working directory, or the file named by
// ENV_PATH, with environment variables taking precedence.
func InitConfig() (*viper.Viper, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("__"))
	v.AddConfigPath(".")
	v.SetConfigName(".env")
	v.SetConfigType("env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		v.SetConfigFile(path)
	}
	v.AutomaticEnv()
	setDefault(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Debug().Msg("No config file, reading from environment")
	}
	return v, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("USER_ID", "")
	v.SetDefault("RELAY_URL", "ws://localhost:8080/ws")
	v.SetDefault("LISTEN_ADDR", "127.0.0.1:8181")
	v.SetDefault("SERVER_ADDR", ":8080")
	v.SetDefault("TIERS", "")

	v.SetDefault("LOG__LEVEL", "info")
	v.SetDefault("LOG__FILE", "")
	v.SetDefault("LOG__MAX_SIZE_MB", 50)
	v.SetDefault("LOG__MAX_BACKUPS", 3)

	v.SetDefault("CALL__ESCALATION_TIMEOUT", 10*time.Second)
	v.SetDefault("CALL__MAX_ATTEMPTS", 5)
	v.SetDefault("CALL__RING_TIMEOUT", 60*time.Second)
	v.SetDefault("CALL__INCOMING_TTL", 60*time.Second)
	v.SetDefault("CALL__ACTIVE_TTL", 4*time.Hour)
	v.SetDefault("CALL__NUDGE_ON_EXHAUSTION", true)

	v.SetDefault("STORE__BACKEND", "memory")
	v.SetDefault("STORE__REDIS_ADDR", "")
	v.SetDefault("STORE__DIR", "")

	v.SetDefault("HISTORY__BACKEND", "memory")
	v.SetDefault("HISTORY__PATH", "")

	v.SetDefault("MEDIA__WIDTH", 640)
	v.SetDefault("MEDIA__HEIGHT", 480)
	v.SetDefault("MEDIA__FRAME_RATE", 30)
	v.SetDefault("MEDIA__ECHO_CANCELLATION", true)
}

func GetClientConfig(v *viper.Viper) (*ClientConfig, error) {
	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode client config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	if _, err := cfg.TransportTiers(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func GetServerConfig(v *viper.Viper) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode server config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	return &cfg, nil
}
