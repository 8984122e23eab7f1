package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/utils"
)

// Config is assembled from DF_* environment variables, with an optional
// YAML file (DF_CONFIG_FILE) applied first so env always wins.
type Config struct {
	LogMode string `yaml:"log_mode"`
	Port    string `yaml:"port"`

	DBURL    string `yaml:"db_url"`
	RedisURL string `yaml:"redis_url"`

	// Eager runs steps inline on submit instead of through the broker.
	Eager             bool `yaml:"eager"`
	WorkerConcurrency int  `yaml:"worker_concurrency"`

	S3Endpoint       string `yaml:"s3_endpoint"`
	S3PublicEndpoint string `yaml:"s3_public_endpoint"`
	S3AccessKey      string `yaml:"s3_access_key"`
	S3SecretKey      string `yaml:"s3_secret_key"`
	S3Bucket         string `yaml:"s3_bucket"`
	S3Region         string `yaml:"s3_region"`

	PresignExpires time.Duration `yaml:"-"`
	SSEPoll        time.Duration `yaml:"-"`
	SSEHeartbeat   time.Duration `yaml:"-"`

	LogsTailDefault int `yaml:"logs_tail_default"`
	LogsTailMax     int `yaml:"logs_tail_max"`

	ReadyChecks []string `yaml:"ready_checks"`

	FakeRunner        bool   `yaml:"fake_runner"`
	EngineCmd         string `yaml:"engine_cmd"`
	GenerateModelPath string `yaml:"generate_model_path"`
	ModelsRoot        string `yaml:"models_root"`

	AllowOrigins []string `yaml:"allow_origins"`
}

func LoadConfig(log *logger.Logger) (*Config, error) {
	cfg := &Config{}

	if path := os.Getenv("DF_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %q: %w", path, err)
		}
		log.Info("loaded config file", "path", path)
	}

	cfg.LogMode = utils.GetEnv("LOG_MODE", orDefault(cfg.LogMode, "prod"), log)
	cfg.Port = utils.GetEnv("DF_PORT", orDefault(cfg.Port, "8080"), log)

	cfg.DBURL = utils.GetEnv("DF_DB_URL", cfg.DBURL, log)
	cfg.RedisURL = utils.GetEnv("DF_REDIS_URL", cfg.RedisURL, log)

	cfg.Eager = utils.GetEnvAsBool("DF_CELERY_EAGER", cfg.Eager, log)
	cfg.WorkerConcurrency = utils.GetEnvAsInt("DF_WORKER_CONCURRENCY", orDefaultInt(cfg.WorkerConcurrency, 1), log)

	endpoint := utils.GetEnv("DF_MINIO_ENDPOINT", "", log)
	if endpoint == "" {
		endpoint = utils.GetEnv("DF_S3_ENDPOINT", cfg.S3Endpoint, log)
	}
	cfg.S3Endpoint = endpoint
	cfg.S3PublicEndpoint = utils.GetEnv("DF_S3_PUBLIC_ENDPOINT", cfg.S3PublicEndpoint, log)

	accessKey := utils.GetEnv("DF_MINIO_ACCESS_KEY", "", log)
	if accessKey == "" {
		accessKey = utils.GetEnv("DF_S3_ACCESS_KEY", cfg.S3AccessKey, log)
	}
	cfg.S3AccessKey = accessKey
	secretKey := utils.GetEnv("DF_MINIO_SECRET_KEY", "", log)
	if secretKey == "" {
		secretKey = utils.GetEnv("DF_S3_SECRET_KEY", cfg.S3SecretKey, log)
	}
	cfg.S3SecretKey = secretKey

	bucket := utils.GetEnv("DF_MINIO_BUCKET", "", log)
	if bucket == "" {
		bucket = utils.GetEnv("DF_S3_BUCKET", orDefault(cfg.S3Bucket, "dreamforge"), log)
	}
	cfg.S3Bucket = bucket
	cfg.S3Region = utils.GetEnv("DF_S3_REGION", orDefault(cfg.S3Region, "us-east-1"), log)

	cfg.PresignExpires = time.Duration(utils.GetEnvAsInt("DF_PRESIGN_EXPIRES_S", 3600, log)) * time.Second
	cfg.SSEPoll = time.Duration(utils.GetEnvAsInt("DF_SSE_POLL_MS", 500, log)) * time.Millisecond
	cfg.SSEHeartbeat = time.Duration(utils.GetEnvAsInt("DF_SSE_HEARTBEAT_S", 15, log)) * time.Second

	cfg.LogsTailDefault = utils.GetEnvAsInt("DF_LOGS_TAIL_DEFAULT", orDefaultInt(cfg.LogsTailDefault, 500), log)
	cfg.LogsTailMax = utils.GetEnvAsInt("DF_LOGS_TAIL_MAX", orDefaultInt(cfg.LogsTailMax, 2000), log)

	if raw := utils.GetEnv("DF_READY_CHECKS", strings.Join(cfg.ReadyChecks, ","), log); raw != "" {
		cfg.ReadyChecks = splitCSV(raw)
	}
	if len(cfg.ReadyChecks) == 0 {
		cfg.ReadyChecks = []string{"db"}
	}

	cfg.FakeRunner = utils.GetEnvAsBool("DF_FAKE_RUNNER", cfg.FakeRunner, log)
	cfg.EngineCmd = utils.GetEnv("DF_ENGINE_CMD", cfg.EngineCmd, log)
	cfg.GenerateModelPath = utils.GetEnv("DF_GENERATE_MODEL_PATH", cfg.GenerateModelPath, log)
	cfg.ModelsRoot = utils.GetEnv("DF_MODELS_ROOT", orDefault(cfg.ModelsRoot, "models"), log)

	if raw := utils.GetEnv("DF_ALLOW_ORIGINS", strings.Join(cfg.AllowOrigins, ","), log); raw != "" {
		cfg.AllowOrigins = splitCSV(raw)
	}

	return cfg, nil
}

// HasObjectStore reports whether S3 settings are complete enough to connect.
func (c *Config) HasObjectStore() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
