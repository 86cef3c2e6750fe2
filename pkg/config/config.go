package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds the environment backed settings shared by every binary.
type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8081"`
	GatewayAddr string `env:"GATEWAY_ADDR" envDefault:":8080"`

	ScyllaHosts    []string `env:"SCYLLA_HOSTS" envSeparator:"," envDefault:"localhost:9042"`
	ScyllaKeyspace string   `env:"SCYLLA_KEYSPACE" envDefault:"chat"`

	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"conversation-events"`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID" envDefault:"notification-dispatch"`

	JWTSecret string        `env:"JWT_SECRET,notEmpty"`
	JWTTTL    time.Duration `env:"JWT_TTL" envDefault:"24h"`

	// NodeID must be unique per running instance; it seeds message ids.
	NodeID int64 `env:"NODE_ID" envDefault:"1"`

	SendTimeout     time.Duration `env:"SEND_TIMEOUT" envDefault:"15s"`
	MaxTextLength   int           `env:"MAX_TEXT_LENGTH" envDefault:"500"`
	ProfileCacheTTL time.Duration `env:"PROFILE_CACHE_TTL" envDefault:"10m"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
}

// Load reads .env (when present) and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("config: NODE_ID must be between 0 and 1023, got %d", c.NodeID)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("config: SEND_TIMEOUT must be positive")
	}
	if c.MaxTextLength <= 0 {
		return fmt.Errorf("config: MAX_TEXT_LENGTH must be positive")
	}
	if len(c.ScyllaHosts) == 0 {
		return fmt.Errorf("config: SCYLLA_HOSTS is empty")
	}
	return nil
}
