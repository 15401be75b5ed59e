package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerPort string `yaml:"server_port"`

	RedisAddr string `yaml:"redis_addr"`
	RedisPass string `yaml:"redis_password"`
	RedisDB   int    `yaml:"redis_db"`
	QueueName string `yaml:"queue_name"`

	WorkerCount    int           `yaml:"worker_count"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	LockDuration   time.Duration `yaml:"lock_duration"`

	SchedulerInterval time.Duration `yaml:"scheduler_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	StallAfter        time.Duration `yaml:"stall_after"`

	TaskStoreURL   string `yaml:"task_store_url"`
	TaskStoreToken string `yaml:"task_store_token"`

	FileDirectory string        `yaml:"file_directory"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	CacheSize     int           `yaml:"cache_size"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

func defaults() *Config {
	return &Config{
		ServerPort:        "8080",
		RedisAddr:         "localhost:6379",
		RedisDB:           2,
		QueueName:         "iiif-import",
		WorkerCount:       2,
		MaxAttempts:       5,
		RetryBaseDelay:    time.Second,
		LockDuration:      30 * time.Second,
		SchedulerInterval: time.Second,
		ReconcileInterval: time.Minute,
		StallAfter:        5 * time.Minute,
		TaskStoreURL:      "http://localhost:8080",
		FileDirectory:     "./files",
		FetchTimeout:      30 * time.Second,
		CacheSize:         64,
		CacheTTL:          5 * time.Minute,
	}
}

// Load builds the configuration from defaults, then the optional YAML file
// named by CONFIG_FILE, then environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPass = getEnv("REDIS_PASSWORD", cfg.RedisPass)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.QueueName = getEnv("QUEUE_NAME", cfg.QueueName)
	cfg.WorkerCount = getEnvInt("WORKER_COUNT", cfg.WorkerCount)
	cfg.MaxAttempts = getEnvInt("MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.RetryBaseDelay = getEnvDuration("RETRY_BASE_DELAY", cfg.RetryBaseDelay)
	cfg.LockDuration = getEnvDuration("LOCK_DURATION", cfg.LockDuration)
	cfg.SchedulerInterval = getEnvDuration("SCHEDULER_INTERVAL", cfg.SchedulerInterval)
	cfg.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", cfg.ReconcileInterval)
	cfg.StallAfter = getEnvDuration("STALL_AFTER", cfg.StallAfter)
	cfg.TaskStoreURL = getEnv("TASK_STORE_URL", cfg.TaskStoreURL)
	cfg.TaskStoreToken = getEnv("TASK_STORE_TOKEN", cfg.TaskStoreToken)
	cfg.FileDirectory = getEnv("FILE_DIRECTORY", cfg.FileDirectory)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", cfg.FetchTimeout)
	cfg.CacheSize = getEnvInt("CACHE_SIZE", cfg.CacheSize)
	cfg.CacheTTL = getEnvDuration("CACHE_TTL", cfg.CacheTTL)

	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
