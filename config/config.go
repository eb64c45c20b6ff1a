package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Environment string         `json:"environment"`
	Database    DatabaseConfig `json:"database"`
	Server      ServerConfig   `json:"server"`
	Redis       RedisConfig    `json:"redis"`
	OpenAI      OpenAIConfig   `json:"openai"`
	Unlock      UnlockConfig   `json:"unlock"`
	Sweep       SweepConfig    `json:"sweep"`
	Provider    ProviderConfig `json:"provider"`
	Worker      WorkerConfig   `json:"worker"`
	Wallet      WalletConfig   `json:"wallet"`
}

type DatabaseConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	User        string   `json:"user"`
	Password    string   `json:"password"`
	DBName      string   `json:"dbname"`
	SSLMode     string   `json:"sslmode"`
	ReplicaDSNs []string `json:"replica_dsns"`
}

type ServerConfig struct {
	Port         string        `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

type RedisConfig struct {
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	Password string        `json:"password"`
	DB       int           `json:"db"`
	TTL      time.Duration `json:"ttl"`
}

type OpenAIConfig struct {
	APIKey string `json:"api_key"`
	Model  string `json:"model"`
}

type UnlockConfig struct {
	ReservationSeconds int     `json:"reservation_seconds"`
	ProcessingSeconds  int     `json:"processing_seconds"`
	MinCost            float64 `json:"min_cost"`
	MaxCost            float64 `json:"max_cost"`
}

type SweepConfig struct {
	BatchSize       int           `json:"batch_size"`
	ProcessingStale time.Duration `json:"processing_stale"`
	MinInterval     time.Duration `json:"min_interval"`
	TickInterval    time.Duration `json:"tick_interval"`
}

type ProviderConfig struct {
	FailFastEnabled  bool          `json:"fail_fast_enabled"`
	FailureThreshold int           `json:"failure_threshold"`
	CooldownSeconds  int           `json:"cooldown_seconds"`
	MaxAttempts      int           `json:"max_attempts"`
	AttemptTimeout   time.Duration `json:"attempt_timeout"`
	BaseDelay        time.Duration `json:"base_delay"`
}

type WorkerConfig struct {
	Enabled      bool          `json:"enabled"`
	MaxJobs      int           `json:"max_jobs"`
	LeaseSeconds int           `json:"lease_seconds"`
	PollInterval time.Duration `json:"poll_interval"`
}

type WalletConfig struct {
	DefaultCapacity  float64 `json:"default_capacity"`
	RefillRatePerSec float64 `json:"refill_rate_per_sec"`
	InitialBalance   float64 `json:"initial_balance"`
}

func LoadConfig() (*Config, error) {
	config := &Config{}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	config.Environment = env

	configDir, err := filepath.Abs("config")
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(configDir, "config.json")

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %v", err)
		}

		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %v", err)
		}
	}

	config.loadFromEnv()
	config.setDefaults()

	return config, nil
}

func (c *Config) loadFromEnv() {
	if host := os.Getenv("DB_HOST"); host != "" {
		c.Database.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Database.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		c.Database.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		c.Database.Password = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		c.Database.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		c.Database.SSLMode = sslmode
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		c.Redis.Host = host
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Redis.Port = p
		}
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		c.Redis.Password = password
	}

	if openaiKey := os.Getenv("OPENAI_API_KEY"); openaiKey != "" {
		c.OpenAI.APIKey = openaiKey
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		c.OpenAI.Model = model
	}

	if serverPort := os.Getenv("SERVER_PORT"); serverPort != "" {
		c.Server.Port = serverPort
	}
}

func (c *Config) setDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = time.Hour
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o-mini"
	}

	if c.Unlock.ReservationSeconds == 0 {
		c.Unlock.ReservationSeconds = 120
	}
	if c.Unlock.ProcessingSeconds == 0 {
		c.Unlock.ProcessingSeconds = 300
	}
	if c.Unlock.MinCost == 0 {
		c.Unlock.MinCost = 0.05
	}
	if c.Unlock.MaxCost == 0 {
		c.Unlock.MaxCost = 1.0
	}

	if c.Sweep.BatchSize == 0 {
		c.Sweep.BatchSize = 50
	}
	if c.Sweep.ProcessingStale == 0 {
		c.Sweep.ProcessingStale = 10 * time.Minute
	}
	if c.Sweep.MinInterval == 0 {
		c.Sweep.MinInterval = 30 * time.Second
	}
	if c.Sweep.TickInterval == 0 {
		c.Sweep.TickInterval = time.Minute
	}

	if c.Provider.FailureThreshold == 0 {
		c.Provider.FailureThreshold = 5
	}
	if c.Provider.CooldownSeconds == 0 {
		c.Provider.CooldownSeconds = 60
	}
	if c.Provider.MaxAttempts == 0 {
		c.Provider.MaxAttempts = 3
	}
	if c.Provider.AttemptTimeout == 0 {
		c.Provider.AttemptTimeout = 60 * time.Second
	}
	if c.Provider.BaseDelay == 0 {
		c.Provider.BaseDelay = 500 * time.Millisecond
	}

	if c.Worker.MaxJobs == 0 {
		c.Worker.MaxJobs = 2
	}
	if c.Worker.LeaseSeconds == 0 {
		c.Worker.LeaseSeconds = 60
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = 5 * time.Second
	}

	if c.Wallet.DefaultCapacity == 0 {
		c.Wallet.DefaultCapacity = 5.0
	}
	if c.Wallet.RefillRatePerSec == 0 {
		c.Wallet.RefillRatePerSec = 5.0 / 86400
	}
	if c.Wallet.InitialBalance == 0 {
		c.Wallet.InitialBalance = 5.0
	}
}

func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port == 0 {
		return fmt.Errorf("database port is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Unlock.MinCost <= 0 || c.Unlock.MaxCost < c.Unlock.MinCost {
		return fmt.Errorf("invalid unlock cost bounds")
	}
	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

func (c *Config) GetRedisAddr() string {
	port := c.Redis.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", c.Redis.Host, port)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
