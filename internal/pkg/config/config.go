package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Broker    BrokerConfig
	JWT       JWTConfig
	S3        S3Config
	Pool      PoolConfig
	Worker    WorkerConfig
	Scheduler SchedulerConfig
	Hooks     HooksConfig
}

type AppConfig struct {
	Name        string
	Environment string
	Debug       bool
	URL         string
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	CORSOrigins     []string
	RateLimit       int
	RateLimitWindow time.Duration
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type BrokerConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string
	// RedeliveryLimit bounds how often a dispatch message is requeued on
	// transient infrastructure errors before the execution is failed.
	RedeliveryLimit int
}

func (c *BrokerConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.VHost)
}

type JWTConfig struct {
	Secret       string
	AccessExpiry time.Duration
	Issuer       string
}

type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

type PoolConfig struct {
	MinWorkers              int
	MaxWorkers              int
	WorkerBinary            string
	MemoryThresholdMB       int
	HeartbeatInterval       time.Duration
	HeartbeatTTL            time.Duration
	RecycleAfterCompletions int
	DrainGrace              time.Duration
	AdminPort               int
}

type WorkerConfig struct {
	PendingTTL       time.Duration
	SyncResultTTL    time.Duration
	SyncWaitExtra    time.Duration
	CancelPoll       time.Duration
	CancelGrace      time.Duration
	DefaultTimeout   time.Duration
	ModuleCacheTTL   time.Duration
	ProgramCacheSize int
}

type SchedulerConfig struct {
	Tick           time.Duration
	StuckTick      time.Duration
	StuckGrace     time.Duration
	SweepMaxAge    time.Duration
	LeaderKey      string
	LeaderTTL      time.Duration
	RenewalTick    time.Duration
	RenewalWindow  time.Duration
	DueBatchSize   int
	FireRate       float64
	SystemUserName string
}

type HooksConfig struct {
	MaxDeliveryAttempts int
	RetryBaseDelay      time.Duration
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("BIFROST")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config

	// App
	cfg.App.Name = viper.GetString("app.name")
	cfg.App.Environment = viper.GetString("app.environment")
	cfg.App.Debug = viper.GetBool("app.debug")
	cfg.App.URL = viper.GetString("app.url")

	// Server
	cfg.Server.Host = viper.GetString("server.host")
	cfg.Server.Port = viper.GetInt("server.port")
	cfg.Server.ReadTimeout = viper.GetDuration("server.read_timeout")
	cfg.Server.WriteTimeout = viper.GetDuration("server.write_timeout")
	cfg.Server.IdleTimeout = viper.GetDuration("server.idle_timeout")
	cfg.Server.CORSOrigins = viper.GetStringSlice("server.cors_origins")
	cfg.Server.RateLimit = viper.GetInt("server.rate_limit")
	cfg.Server.RateLimitWindow = viper.GetDuration("server.rate_limit_window")

	// Database
	cfg.Database.Host = viper.GetString("database.host")
	cfg.Database.Port = viper.GetInt("database.port")
	cfg.Database.User = viper.GetString("database.user")
	cfg.Database.Password = viper.GetString("database.password")
	cfg.Database.Name = viper.GetString("database.name")
	cfg.Database.SSLMode = viper.GetString("database.sslmode")
	cfg.Database.MaxOpenConns = viper.GetInt("database.max_open_conns")
	cfg.Database.MaxIdleConns = viper.GetInt("database.max_idle_conns")
	cfg.Database.ConnMaxLifetime = viper.GetDuration("database.conn_max_lifetime")

	// Redis
	cfg.Redis.Host = viper.GetString("redis.host")
	cfg.Redis.Port = viper.GetInt("redis.port")
	cfg.Redis.Password = viper.GetString("redis.password")
	cfg.Redis.DB = viper.GetInt("redis.db")

	// Broker
	cfg.Broker.Host = viper.GetString("broker.host")
	cfg.Broker.Port = viper.GetInt("broker.port")
	cfg.Broker.User = viper.GetString("broker.user")
	cfg.Broker.Password = viper.GetString("broker.password")
	cfg.Broker.VHost = viper.GetString("broker.vhost")
	cfg.Broker.RedeliveryLimit = viper.GetInt("broker.redelivery_limit")

	// JWT
	cfg.JWT.Secret = viper.GetString("jwt.secret")
	cfg.JWT.AccessExpiry = viper.GetDuration("jwt.access_expiry")
	cfg.JWT.Issuer = viper.GetString("jwt.issuer")

	// S3
	cfg.S3.Endpoint = viper.GetString("s3.endpoint")
	cfg.S3.Region = viper.GetString("s3.region")
	cfg.S3.Bucket = viper.GetString("s3.bucket")
	cfg.S3.AccessKeyID = viper.GetString("s3.access_key_id")
	cfg.S3.SecretAccessKey = viper.GetString("s3.secret_access_key")
	cfg.S3.UseSSL = viper.GetBool("s3.use_ssl")

	// Pool
	cfg.Pool.MinWorkers = viper.GetInt("pool.min_workers")
	cfg.Pool.MaxWorkers = viper.GetInt("pool.max_workers")
	cfg.Pool.WorkerBinary = viper.GetString("pool.worker_binary")
	cfg.Pool.MemoryThresholdMB = viper.GetInt("pool.worker_memory_threshold_mb")
	cfg.Pool.HeartbeatInterval = viper.GetDuration("pool.heartbeat_interval")
	cfg.Pool.HeartbeatTTL = viper.GetDuration("pool.heartbeat_ttl")
	cfg.Pool.RecycleAfterCompletions = viper.GetInt("pool.recycle_after_completions")
	cfg.Pool.DrainGrace = viper.GetDuration("pool.drain_grace")
	cfg.Pool.AdminPort = viper.GetInt("pool.admin_port")

	// Worker
	cfg.Worker.PendingTTL = viper.GetDuration("worker.pending_ttl")
	cfg.Worker.SyncResultTTL = viper.GetDuration("worker.sync_result_ttl")
	cfg.Worker.SyncWaitExtra = viper.GetDuration("worker.sync_wait_extra")
	cfg.Worker.CancelPoll = viper.GetDuration("worker.cancel_poll")
	cfg.Worker.CancelGrace = viper.GetDuration("worker.cancel_grace")
	cfg.Worker.DefaultTimeout = viper.GetDuration("worker.default_timeout")
	cfg.Worker.ModuleCacheTTL = viper.GetDuration("worker.module_cache_ttl")
	cfg.Worker.ProgramCacheSize = viper.GetInt("worker.program_cache_size")

	// Scheduler
	cfg.Scheduler.Tick = viper.GetDuration("scheduler.tick")
	cfg.Scheduler.StuckTick = viper.GetDuration("scheduler.stuck_tick")
	cfg.Scheduler.StuckGrace = viper.GetDuration("scheduler.stuck_grace")
	cfg.Scheduler.SweepMaxAge = viper.GetDuration("scheduler.sweep_max_age")
	cfg.Scheduler.LeaderKey = viper.GetString("scheduler.leader_key")
	cfg.Scheduler.LeaderTTL = viper.GetDuration("scheduler.leader_ttl")
	cfg.Scheduler.RenewalTick = viper.GetDuration("scheduler.renewal_tick")
	cfg.Scheduler.RenewalWindow = viper.GetDuration("scheduler.renewal_window")
	cfg.Scheduler.DueBatchSize = viper.GetInt("scheduler.due_batch_size")
	cfg.Scheduler.FireRate = viper.GetFloat64("scheduler.fire_rate")
	cfg.Scheduler.SystemUserName = viper.GetString("scheduler.system_user_name")

	// Hooks
	cfg.Hooks.MaxDeliveryAttempts = viper.GetInt("hooks.max_delivery_attempts")
	cfg.Hooks.RetryBaseDelay = viper.GetDuration("hooks.retry_base_delay")

	return &cfg, nil
}

func setDefaults() {
	// App defaults
	viper.SetDefault("app.name", "bifrost")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", true)
	viper.SetDefault("app.url", "http://localhost:8080")

	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")
	viper.SetDefault("server.idle_timeout", "60s")
	viper.SetDefault("server.cors_origins", []string{"*"})
	viper.SetDefault("server.rate_limit", 120)
	viper.SetDefault("server.rate_limit_window", "1m")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.name", "bifrost")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Broker defaults
	viper.SetDefault("broker.host", "localhost")
	viper.SetDefault("broker.port", 5672)
	viper.SetDefault("broker.user", "guest")
	viper.SetDefault("broker.password", "guest")
	viper.SetDefault("broker.vhost", "")
	viper.SetDefault("broker.redelivery_limit", 3)

	// JWT defaults
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.access_expiry", "15m")
	viper.SetDefault("jwt.issuer", "bifrost")

	// S3 defaults
	viper.SetDefault("s3.region", "us-east-1")
	viper.SetDefault("s3.bucket", "bifrost-modules")
	viper.SetDefault("s3.use_ssl", true)

	// Pool defaults
	viper.SetDefault("pool.min_workers", 2)
	viper.SetDefault("pool.max_workers", 8)
	viper.SetDefault("pool.worker_binary", "")
	viper.SetDefault("pool.worker_memory_threshold_mb", 300)
	viper.SetDefault("pool.heartbeat_interval", "5s")
	viper.SetDefault("pool.heartbeat_ttl", "15s")
	viper.SetDefault("pool.recycle_after_completions", 100)
	viper.SetDefault("pool.drain_grace", "30s")
	viper.SetDefault("pool.admin_port", 8081)

	// Worker defaults
	viper.SetDefault("worker.pending_ttl", "600s")
	viper.SetDefault("worker.sync_result_ttl", "120s")
	viper.SetDefault("worker.sync_wait_extra", "30s")
	viper.SetDefault("worker.cancel_poll", "1s")
	viper.SetDefault("worker.cancel_grace", "30s")
	viper.SetDefault("worker.default_timeout", "300s")
	viper.SetDefault("worker.module_cache_ttl", "24h")
	viper.SetDefault("worker.program_cache_size", 128)

	// Scheduler defaults
	viper.SetDefault("scheduler.tick", "60s")
	viper.SetDefault("scheduler.stuck_tick", "30s")
	viper.SetDefault("scheduler.stuck_grace", "60s")
	viper.SetDefault("scheduler.sweep_max_age", "600s")
	viper.SetDefault("scheduler.leader_key", "bifrost:scheduler:leader")
	viper.SetDefault("scheduler.leader_ttl", "30s")
	viper.SetDefault("scheduler.renewal_tick", "6h")
	viper.SetDefault("scheduler.renewal_window", "48h")
	viper.SetDefault("scheduler.due_batch_size", 100)
	viper.SetDefault("scheduler.fire_rate", 25.0)
	viper.SetDefault("scheduler.system_user_name", "system")

	// Hooks defaults
	viper.SetDefault("hooks.max_delivery_attempts", 5)
	viper.SetDefault("hooks.retry_base_delay", "30s")
}
