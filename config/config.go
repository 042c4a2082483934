package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the paper ingestion and search service.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Search    SearchConfig    `mapstructure:"search"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address        string `mapstructure:"address"`
	JWTSecret      string `mapstructure:"jwt_secret"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.JWTSecret) == "" {
		return fmt.Errorf("server.jwt_secret is required")
	}
	if s.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be > 0")
	}
	return nil
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	File     FileConfig     `mapstructure:"file"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN returns the Postgres connection string, preferring an explicit URL.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns the host:port address for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// FileConfig contains local file storage settings for uploaded documents.
type FileConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

func (f FileConfig) Validate() error {
	if strings.TrimSpace(f.DataDir) == "" {
		return fmt.Errorf("storage.file.data_dir is required")
	}
	return nil
}

// EmbeddingConfig describes the text-to-vector model contract.
// Model identity is part of the contract: changing the model invalidates
// previously stored vectors and requires a full re-index.
type EmbeddingConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	MaxChars   int           `mapstructure:"max_chars"`
	BatchSize  int           `mapstructure:"batch_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Normalize applies defaults for unset embedding values.
func (e EmbeddingConfig) Normalize() EmbeddingConfig {
	if e.Model == "" {
		e.Model = "all-MiniLM-L6-v2"
	}
	if e.Dimensions <= 0 {
		e.Dimensions = 384
	}
	if e.MaxChars <= 0 {
		e.MaxChars = 8000
	}
	if e.BatchSize <= 0 {
		e.BatchSize = 32
	}
	if e.Timeout <= 0 {
		e.Timeout = 60 * time.Second
	}
	return e
}

func (e EmbeddingConfig) Validate() error {
	if e.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be > 0")
	}
	if e.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be > 0")
	}
	return nil
}

// PipelineConfig controls chunking and the async processing pipeline.
type PipelineConfig struct {
	ChunkSize      int           `mapstructure:"chunk_size"`
	ChunkOverlap   int           `mapstructure:"chunk_overlap"`
	MaxRetries     int           `mapstructure:"max_retries"`
	StageTimeout   time.Duration `mapstructure:"stage_timeout"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	StoredTextCap  int           `mapstructure:"stored_text_cap"`
	IngestStream   string        `mapstructure:"ingest_stream"`
	StreamMaxLen   int64         `mapstructure:"stream_max_len"`
	ConsumerGroup  string        `mapstructure:"consumer_group"`
	ClaimMinIdle   time.Duration `mapstructure:"claim_min_idle"`
	ReadBlock      time.Duration `mapstructure:"read_block"`
	ReadBatchCount int64         `mapstructure:"read_batch_count"`
}

// Normalize applies defaults for unset pipeline values.
func (p PipelineConfig) Normalize() PipelineConfig {
	if p.ChunkSize <= 0 {
		p.ChunkSize = 500
		if p.ChunkOverlap <= 0 {
			p.ChunkOverlap = 50
		}
	}
	if p.ChunkOverlap < 0 {
		p.ChunkOverlap = 0
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.StageTimeout <= 0 {
		p.StageTimeout = 2 * time.Minute
	}
	if p.RetryBackoff <= 0 {
		p.RetryBackoff = 2 * time.Second
	}
	if p.StoredTextCap <= 0 {
		p.StoredTextCap = 2000
	}
	if p.IngestStream == "" {
		p.IngestStream = "paperbase.document.ingest"
	}
	if p.StreamMaxLen <= 0 {
		p.StreamMaxLen = 10000
	}
	if p.ConsumerGroup == "" {
		p.ConsumerGroup = "paperbase-workers"
	}
	if p.ClaimMinIdle <= 0 {
		p.ClaimMinIdle = time.Minute
	}
	if p.ReadBlock <= 0 {
		p.ReadBlock = 5 * time.Second
	}
	if p.ReadBatchCount <= 0 {
		p.ReadBatchCount = 16
	}
	return p
}

func (p PipelineConfig) Validate() error {
	if p.ChunkSize <= 0 {
		return fmt.Errorf("pipeline.chunk_size must be > 0")
	}
	if p.ChunkOverlap >= p.ChunkSize {
		return fmt.Errorf("pipeline.chunk_overlap must be strictly less than pipeline.chunk_size")
	}
	return nil
}

// SearchConfig controls similarity search behaviour.
type SearchConfig struct {
	DefaultLimit    int     `mapstructure:"default_limit"`
	MaxLimit        int     `mapstructure:"max_limit"`
	MinScore        float64 `mapstructure:"min_score"`
	OverfetchFactor int     `mapstructure:"overfetch_factor"`
}

// Normalize applies defaults for unset search values.
func (s SearchConfig) Normalize() SearchConfig {
	if s.DefaultLimit <= 0 {
		s.DefaultLimit = 10
	}
	if s.MaxLimit <= 0 {
		s.MaxLimit = 50
	}
	if s.OverfetchFactor <= 0 {
		s.OverfetchFactor = 2
	}
	return s
}

func (s SearchConfig) Validate() error {
	if s.MaxLimit < s.DefaultLimit {
		return fmt.Errorf("search.max_limit must be >= search.default_limit")
	}
	if s.MinScore < -1 || s.MinScore > 1 {
		return fmt.Errorf("search.min_score must be within [-1, 1]")
	}
	return nil
}

// LLMConfig contains the generative summarization provider settings.
type LLMConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float32       `mapstructure:"temperature"`
	InputCap    int           `mapstructure:"input_cap"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Normalize applies defaults for unset LLM values.
func (l LLMConfig) Normalize() LLMConfig {
	if l.Model == "" {
		l.Model = "gpt-4o-mini"
	}
	if l.MaxTokens <= 0 {
		l.MaxTokens = 1024
	}
	if l.InputCap <= 0 {
		l.InputCap = 24000
	}
	if l.Timeout <= 0 {
		l.Timeout = 90 * time.Second
	}
	return l
}

// TelemetryConfig contains telemetry and monitoring settings.
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// LoadConfig loads config from file, with PAPERBASE_* environment overrides.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "30s")
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("server.max_upload_bytes", 50<<20)
	viper.SetDefault("storage.file.data_dir", "./data/papers")
	viper.SetDefault("embedding.model", "all-MiniLM-L6-v2")
	viper.SetDefault("embedding.dimensions", 384)
	viper.SetDefault("embedding.max_chars", 8000)
	viper.SetDefault("embedding.batch_size", 32)
	viper.SetDefault("pipeline.chunk_size", 500)
	viper.SetDefault("pipeline.chunk_overlap", 50)
	viper.SetDefault("pipeline.max_retries", 3)
	viper.SetDefault("search.default_limit", 10)
	viper.SetDefault("search.max_limit", 50)
	viper.SetDefault("search.overfetch_factor", 2)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("PAPERBASE")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Embedding = config.Embedding.Normalize()
	config.Pipeline = config.Pipeline.Normalize()
	config.Search = config.Search.Normalize()
	config.LLM = config.LLM.Normalize()

	if err := config.Server.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.File.Validate(); err != nil {
		panic(err)
	}
	if err := config.Embedding.Validate(); err != nil {
		panic(err)
	}
	if err := config.Pipeline.Validate(); err != nil {
		panic(err)
	}
	if err := config.Search.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	return &config
}
