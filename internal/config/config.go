package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type NodeConfig struct {
	ID       string `mapstructure:"id"`
	Location string `mapstructure:"location"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
	DB   int    `mapstructure:"db"`
}

type CentralConfig struct {
	URL               string        `mapstructure:"url"`
	UploadTimeout     time.Duration `mapstructure:"upload_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type PipelineConfig struct {
	WorkerBatchSize     int64         `mapstructure:"worker_batch_size"`
	AggregatorBatchSize int64         `mapstructure:"aggregator_batch_size"`
	BlockTimeout        time.Duration `mapstructure:"block_timeout"`
	MaxUploadAttempts   int           `mapstructure:"max_upload_attempts"`
	MaxPendingAge       time.Duration `mapstructure:"max_pending_age"`
	InferenceURL        string        `mapstructure:"inference_url"`
}

type SupervisorConfig struct {
	HealthInterval  time.Duration `mapstructure:"health_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxRestarts     int           `mapstructure:"max_restarts"`
	WorkerBinary    string        `mapstructure:"worker_binary"`
	IngressBinary   string        `mapstructure:"ingress_binary"`
	IngressSource   string        `mapstructure:"ingress_source"`
	// WorkerMetricsBasePort assigns each supervised worker a /metrics
	// listener at base+i. Zero disables worker-side metrics serving.
	WorkerMetricsBasePort int `mapstructure:"worker_metrics_base_port"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type Config struct {
	Node       NodeConfig       `mapstructure:"node"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Central    CentralConfig    `mapstructure:"central"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
}

// Load reads configuration from an optional YAML file plus SENTINEL_*
// environment variables. Environment always wins.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("sentinel")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
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

// setDefaults registers every key with viper. Keys without a meaningful
// default still get an empty one: AutomaticEnv only resolves keys viper
// already knows about, so an unregistered key would silently ignore its
// SENTINEL_* variable.
func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "UNNAMED_NODE")
	v.SetDefault("node.location", "DEFAULT_LOCATION")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("central.url", "")
	v.SetDefault("central.upload_timeout", 10*time.Second)
	v.SetDefault("central.heartbeat_interval", 10*time.Second)
	v.SetDefault("pipeline.worker_batch_size", 1)
	v.SetDefault("pipeline.aggregator_batch_size", 10)
	v.SetDefault("pipeline.block_timeout", time.Second)
	v.SetDefault("pipeline.max_upload_attempts", 5)
	v.SetDefault("pipeline.max_pending_age", 10*time.Minute)
	v.SetDefault("pipeline.inference_url", "")
	v.SetDefault("supervisor.health_interval", 10*time.Second)
	v.SetDefault("supervisor.shutdown_timeout", 10*time.Second)
	v.SetDefault("supervisor.max_restarts", 3)
	v.SetDefault("supervisor.worker_binary", "worker")
	v.SetDefault("supervisor.ingress_binary", "ingress")
	v.SetDefault("supervisor.ingress_source", "")
	v.SetDefault("supervisor.worker_metrics_base_port", 0)
	v.SetDefault("http.addr", ":8089")
	v.SetDefault("database.dsn", "")
	v.SetDefault("auth.jwt_secret", "")
}

func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	return nil
}

// ValidateSupervisor covers the fields only the orchestrator needs. The
// detection source feeds the whole pipeline, so a node without one refuses
// to start.
func (c *Config) ValidateSupervisor() error {
	if c.Supervisor.IngressSource == "" {
		return fmt.Errorf("supervisor.ingress_source is required (SENTINEL_SUPERVISOR_INGRESS_SOURCE)")
	}
	return nil
}
