// Package config загружает конфигурацию сервисов resumeflow.
//
// Источники в порядке приоритета (последний побеждает):
//  1. значения по умолчанию;
//  2. YAML-файл (--config или RESUMEFLOW_CONFIG);
//  3. переменные окружения: DB_URL, RABBITMQ_URL, MINIO_ENDPOINT, LLM_MODEL...
//
// Пустой DB_URL включает хранилища в памяти, пустой RABBITMQ_URL —
// локальное продвижение runs горутинами процесса, пустой MINIO_ENDPOINT —
// хранилище артефактов в памяти.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shaiso/resumeflow/internal/artifact"
	"github.com/shaiso/resumeflow/internal/scheduler"
	"github.com/shaiso/resumeflow/internal/stages"
)

// EnvConfigFile — переменная окружения с путём к YAML-файлу конфигурации.
const EnvConfigFile = "RESUMEFLOW_CONFIG"

// ErrInvalidConfig — конфигурация не прошла проверку.
var ErrInvalidConfig = errors.New("invalid config")

// Config — конфигурация сервисов.
type Config struct {
	DBURL       string `mapstructure:"db_url"`
	RabbitMQURL string `mapstructure:"rabbitmq_url"`

	APIPort     int `mapstructure:"api_port"`
	MetricsPort int `mapstructure:"metrics_port"`

	// PipelineFile — YAML с определением pipeline. Пусто — встроенный.
	PipelineFile string `mapstructure:"pipeline_file"`

	// RunTimeout переопределяет run_timeout_sec pipeline, если > 0.
	RunTimeout time.Duration `mapstructure:"run_timeout"`

	// SubmitInterval — минимальный интервал между запусками одной сессии.
	SubmitInterval time.Duration `mapstructure:"submit_interval"`

	MinIO  MinIOConfig  `mapstructure:"minio"`
	LLM    LLMConfig    `mapstructure:"llm"`
	Log    LogConfig    `mapstructure:"log"`
	Sweep  SweepConfig  `mapstructure:"sweep"`
	Worker WorkerConfig `mapstructure:"worker"`
}

// MinIOConfig — хранилище артефактов.
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// LLMConfig — OpenAI-совместимый endpoint модели.
type LLMConfig struct {
	Endpoint    string        `mapstructure:"endpoint"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// LogConfig — уровень и формат логов.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SweepConfig — фоновый обход зависших и просроченных runs.
type SweepConfig struct {
	// Spec — расписание cron ("@every 30s", "*/15 * * * * *").
	Spec       string        `mapstructure:"spec"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	Disabled   bool          `mapstructure:"disabled"`
}

// WorkerConfig — параллельность продвижения runs.
type WorkerConfig struct {
	// LocalWorkers — горутины локального режима.
	LocalWorkers int `mapstructure:"local_workers"`

	// Prefetch — prefetch consumer runs.advance.
	Prefetch int `mapstructure:"prefetch"`
}

// Load читает конфигурацию. path == "" — путь из RESUMEFLOW_CONFIG;
// без файла используются только значения по умолчанию и окружение.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_url", "")
	v.SetDefault("rabbitmq_url", "")
	v.SetDefault("api_port", 8080)
	v.SetDefault("metrics_port", 8083)
	v.SetDefault("pipeline_file", "")
	v.SetDefault("run_timeout", time.Duration(0))
	v.SetDefault("submit_interval", 10*time.Second)

	v.SetDefault("minio.endpoint", "")
	v.SetDefault("minio.access_key", "")
	v.SetDefault("minio.secret_key", "")
	v.SetDefault("minio.bucket", "resumeflow")
	v.SetDefault("minio.region", "")
	v.SetDefault("minio.use_ssl", false)

	v.SetDefault("llm.endpoint", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.timeout", 300*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("sweep.spec", scheduler.DefaultSpec)
	v.SetDefault("sweep.stale_after", time.Minute)
	v.SetDefault("sweep.disabled", false)

	v.SetDefault("worker.local_workers", 8)
	v.SetDefault("worker.prefetch", 4)
}

// Validate проверяет значения.
func (c *Config) Validate() error {
	var errs []error

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("api_port %d out of range", c.APIPort))
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics_port %d out of range", c.MetricsPort))
	}
	if c.RunTimeout < 0 {
		errs = append(errs, errors.New("run_timeout must not be negative"))
	}
	if c.SubmitInterval < 0 {
		errs = append(errs, errors.New("submit_interval must not be negative"))
	}
	if c.MinIO.Endpoint != "" && c.MinIO.Bucket == "" {
		errs = append(errs, errors.New("minio.bucket is required with minio.endpoint"))
	}
	if c.LLM.Endpoint != "" && c.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required with llm.endpoint"))
	}
	if !c.Sweep.Disabled {
		if err := scheduler.ValidateSpec(c.Sweep.Spec); err != nil {
			errs = append(errs, fmt.Errorf("sweep.spec: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// UseMemoryStores сообщает, что БД не настроена.
func (c *Config) UseMemoryStores() bool {
	return c.DBURL == ""
}

// LocalMode сообщает, что RabbitMQ не настроен.
func (c *Config) LocalMode() bool {
	return c.RabbitMQURL == ""
}

// ArtifactConfig возвращает параметры MinIO. ok=false — хранилище в памяти.
func (c *Config) ArtifactConfig() (cfg artifact.MinIOConfig, ok bool) {
	if c.MinIO.Endpoint == "" {
		return artifact.MinIOConfig{}, false
	}
	return artifact.MinIOConfig{
		Endpoint:  c.MinIO.Endpoint,
		AccessKey: c.MinIO.AccessKey,
		SecretKey: c.MinIO.SecretKey,
		Bucket:    c.MinIO.Bucket,
		Region:    c.MinIO.Region,
		UseSSL:    c.MinIO.UseSSL,
	}, true
}

// StagesLLM возвращает настройки операции llm.
func (c *Config) StagesLLM() stages.LLMConfig {
	cfg := stages.LLMConfig{
		Endpoint:    c.LLM.Endpoint,
		APIKey:      c.LLM.APIKey,
		Model:       c.LLM.Model,
		MaxTokens:   c.LLM.MaxTokens,
		Temperature: c.LLM.Temperature,
	}
	if c.LLM.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: c.LLM.Timeout}
	}
	return cfg
}

// APIAddr возвращает адрес HTTP API.
func (c *Config) APIAddr() string {
	return fmt.Sprintf(":%d", c.APIPort)
}

// MetricsAddr возвращает адрес /metrics и /healthz оркестратора.
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf(":%d", c.MetricsPort)
}
