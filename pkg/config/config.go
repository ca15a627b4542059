package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Milvus    MilvusConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Retrieval RetrievalConfig
	Rerank    RerankConfig
	Eval      EvalConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
}

type RetrievalConfig struct {
	TopK       int
	RerankTopK int
	MinScore   float64
}

type RerankConfig struct {
	Enabled    bool
	Endpoint   string
	TimeoutSec int
}

type EvalConfig struct {
	Workers          int
	DatasetDir       string
	HistoryLimit     int
	ClaimGranularity string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/ragops")

	viper.SetEnvPrefix("RAGOPS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects configurations that would only fail at request time.
func (c *Config) Validate() error {
	if c.Retrieval.TopK < c.Retrieval.RerankTopK {
		return fmt.Errorf("retrieval.topK (%d) must be >= retrieval.rerankTopK (%d)",
			c.Retrieval.TopK, c.Retrieval.RerankTopK)
	}
	if c.Retrieval.RerankTopK < 1 {
		return fmt.Errorf("retrieval.rerankTopK must be >= 1, got %d", c.Retrieval.RerankTopK)
	}
	if c.Eval.Workers < 1 {
		return fmt.Errorf("eval.workers must be >= 1, got %d", c.Eval.Workers)
	}
	switch c.Eval.ClaimGranularity {
	case "sentence", "clause":
	default:
		return fmt.Errorf("eval.claimGranularity must be \"sentence\" or \"clause\", got %q", c.Eval.ClaimGranularity)
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 10485760)

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "corpus_chunks")
	viper.SetDefault("milvus.vectorDim", 1536)

	viper.SetDefault("sqlite.path", "./data/ragops.db")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	viper.SetDefault("llm.temperature", 0.3)
	viper.SetDefault("llm.maxTokens", 1500)
	viper.SetDefault("llm.timeoutSec", 60)

	viper.SetDefault("retrieval.topK", 10)
	viper.SetDefault("retrieval.rerankTopK", 5)
	viper.SetDefault("retrieval.minScore", 0.3)

	viper.SetDefault("rerank.enabled", false)
	viper.SetDefault("rerank.timeoutSec", 10)

	viper.SetDefault("eval.workers", 4)
	viper.SetDefault("eval.datasetDir", "./eval_datasets")
	viper.SetDefault("eval.historyLimit", 20)
	viper.SetDefault("eval.claimGranularity", "sentence")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
