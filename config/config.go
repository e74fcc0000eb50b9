package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed config.yml
var embeddedConfig []byte

type Config struct {
	Mode     string `mapstructure:"mode"`
	Dotenv   string `mapstructure:"dotenv"`
	Handlers struct {
		ExternalAPI struct {
			Port      string `mapstructure:"port"`
			CertFile  string `mapstructure:"certFile"`
			KeyFile   string `mapstructure:"keyFile"`
			EnableTLS bool   `mapstructure:"enableTLS"`
		} `mapstructure:"externalAPI"`
		Prometheus struct {
			Port string `mapstructure:"port"`
		} `mapstructure:"prometheus"`
	} `mapstructure:"handlers"`
	Repositories struct {
		Postgres struct {
			Host              string `mapstructure:"host"`
			Password          string `mapstructure:"password"`
			Port              string `mapstructure:"port"`
			Username          string `mapstructure:"username"`
			DB                string `mapstructure:"db"`
			SSLMODE           string `mapstructure:"SSLMODE"`
			MAXCONWAITINGTIME int    `mapstructure:"MAXCONWAITINGTIME"`
		} `mapstructure:"postgres"`
		Redis RedisConfig `mapstructure:"redis"`
	} `mapstructure:"repositories"`
	Server struct {
		HTTPPort string        `mapstructure:"HTTPPort"`
		Timeout  time.Duration `mapstructure:"HTTPTimeout"`
	} `mapstructure:"server"`
	JWT     JWTConfig     `mapstructure:"jwt"`
	AI      AIConfig      `mapstructure:"ai"`
	Planner PlannerConfig `mapstructure:"planner"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type JWTConfig struct {
	SecretKey string `mapstructure:"secretKey"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
}

type AIConfig struct {
	Model             string  `mapstructure:"model"`
	APIKeyEnv         string  `mapstructure:"apiKeyEnv"`
	Temperature       float32 `mapstructure:"temperature"`
	RequestsPerMinute int     `mapstructure:"requestsPerMinute"`
}

// PlannerConfig tunes the itinerary workflow.
type PlannerConfig struct {
	SnapshotBackend    string        `mapstructure:"snapshotBackend"` // "memory" or "redis"
	ProgressInterval   time.Duration `mapstructure:"progressInterval"`
	ProgressCap        int           `mapstructure:"progressCap"`
	SessionTTL         time.Duration `mapstructure:"sessionTTL"`
	CacheTTL           time.Duration `mapstructure:"cacheTTL"`
	CacheCleanup       time.Duration `mapstructure:"cacheCleanup"`
	RateLimitPerMinute int           `mapstructure:"rateLimitPerMinute"`
}

func InitConfig() (Config, error) {
	var config Config
	v := viper.New()

	// Add file-based config paths
	v.AddConfigPath(".")
	v.AddConfigPath("config")
	v.AddConfigPath("/app/config")
	v.AddConfigPath("/usr/local/bin")

	v.SetConfigName("config")
	v.SetConfigType("yml")

	// TRIP_PLANNER_JWT_SECRETKEY overrides jwt.secretKey, etc.
	v.SetEnvPrefix("TRIP_PLANNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Try to load file-based config
	err := v.ReadInConfig()
	if err != nil {
		fmt.Printf("Warning: Failed to find file-based config: %s. Falling back to embedded config.\n", err)
		if err = v.ReadConfig(bytes.NewReader(embeddedConfig)); err != nil {
			return Config{}, fmt.Errorf("failed to read embedded config: %s", err)
		}
	}

	// Unmarshal the config into the Config struct
	if err = v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %s", err)
	}
	config.applyDefaults()
	fmt.Println("Successfully loaded app configs...")
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPPort == "" {
		c.Server.HTTPPort = "8000"
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = 60 * time.Second
	}
	if c.AI.Model == "" {
		c.AI.Model = "gemini-2.0-flash"
	}
	if c.AI.APIKeyEnv == "" {
		c.AI.APIKeyEnv = "GOOGLE_GEMINI_API_KEY"
	}
	if c.AI.RequestsPerMinute <= 0 {
		c.AI.RequestsPerMinute = 30
	}
	if c.Planner.SnapshotBackend == "" {
		c.Planner.SnapshotBackend = "memory"
	}
	if c.Planner.ProgressInterval <= 0 {
		c.Planner.ProgressInterval = 2 * time.Second
	}
	if c.Planner.ProgressCap <= 0 || c.Planner.ProgressCap > 100 {
		c.Planner.ProgressCap = 95
	}
	if c.Planner.SessionTTL <= 0 {
		c.Planner.SessionTTL = 24 * time.Hour
	}
	if c.Planner.CacheTTL <= 0 {
		c.Planner.CacheTTL = 24 * time.Hour
	}
	if c.Planner.CacheCleanup <= 0 {
		c.Planner.CacheCleanup = time.Hour
	}
	if c.Planner.RateLimitPerMinute <= 0 {
		c.Planner.RateLimitPerMinute = 20
	}
}
