// Package config loads the service configuration from the environment.
// Every option has a default; a .env file may be loaded by main before
// Load is called (see cmd/testflow).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ExecutorMode selects how the Executor agent runs tests.
type ExecutorMode string

// Executor modes.
const (
	ModeSimulate ExecutorMode = "simulate"
	ModeProcess  ExecutorMode = "process"
)

// RedisConfig holds the connection settings for the bus backing store.
type RedisConfig struct {
	Host     string
	Port     int
	DB       int
	Password string
}

// Addr returns the host:port address.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BusConfig holds queue names and retry policy.
type BusConfig struct {
	QueueDefault  string
	QueueHigh     string
	QueueCritical string
	QueueDead     string
	MaxRetries    int

	// RetryDelay is the fixed backoff applied by the Optimizer between
	// failure-driven reruns.
	RetryDelay time.Duration
}

// StateConfig holds shared-state namespacing.
type StateConfig struct {
	Prefix     string
	DefaultTTL time.Duration
}

// WorkerConfig bounds dispatcher concurrency.
type WorkerConfig struct {
	MaxConcurrency int

	// PollTimeout is how long one ConsumeNext call blocks.
	PollTimeout time.Duration

	// DrainTimeout bounds how long shutdown waits for in-flight handlers.
	DrainTimeout time.Duration
}

// ExecutorConfig controls the Executor agent.
type ExecutorConfig struct {
	Mode      ExecutorMode
	TimeoutMs int
	ReportDir string
	TestsDir  string
}

// Timeout returns the hard per-run timeout.
func (c ExecutorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// HealthConfig controls the agent health tick.
type HealthConfig struct {
	Interval          time.Duration
	FailureThreshold  int
	RecoveryThreshold int
}

// LifecycleConfig bounds agent startup and shutdown.
type LifecycleConfig struct {
	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// OptimizerConfig controls failure-driven reruns.
type OptimizerConfig struct {
	MaxAttempts int
	Backoff     time.Duration
}

// HTTPConfig controls the ingress surface.
type HTTPConfig struct {
	Port          string
	WebhookSecret string
}

// GeneratorConfig controls the external test generator collaborator.
// An empty URL means unconfigured; the Writer then uses its deterministic
// fallback artifact.
type GeneratorConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Config is the umbrella configuration object.
type Config struct {
	Redis      RedisConfig
	Bus        BusConfig
	State      StateConfig
	Events     struct{ Channel string }
	Worker     WorkerConfig
	Executor   ExecutorConfig
	Health     HealthConfig
	Lifecycle  LifecycleConfig
	Optimizer  OptimizerConfig
	HTTP       HTTPConfig
	Generator  GeneratorConfig
	SyslogPath string
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	redisPort, err := intEnv("REDIS_PORT", 6379)
	if err != nil {
		return nil, err
	}
	redisDB, err := intEnv("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	maxRetries, err := intEnv("BUS_MAX_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	maxConcurrency, err := intEnv("WORKER_MAX_CONCURRENCY", 4)
	if err != nil {
		return nil, err
	}
	execTimeout, err := intEnv("EXECUTOR_TIMEOUT_MS", 5*60*1000)
	if err != nil {
		return nil, err
	}
	optAttempts, err := intEnv("OPTIMIZER_MAX_ATTEMPTS", 2)
	if err != nil {
		return nil, err
	}
	failThreshold, err := intEnv("HEALTH_FAILURE_THRESHOLD", 3)
	if err != nil {
		return nil, err
	}
	recThreshold, err := intEnv("HEALTH_RECOVERY_THRESHOLD", 2)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     redisPort,
			DB:       redisDB,
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		Bus: BusConfig{
			QueueDefault:  getEnv("QUEUE_DEFAULT", "queue:messages"),
			QueueHigh:     getEnv("QUEUE_HIGH", "queue:messages:high"),
			QueueCritical: getEnv("QUEUE_CRITICAL", "queue:messages:critical"),
			QueueDead:     getEnv("QUEUE_DEAD", "queue:messages:dead"),
			MaxRetries:    maxRetries,
			RetryDelay:    durationEnv("BUS_RETRY_DELAY", 5*time.Second),
		},
		State: StateConfig{
			Prefix:     getEnv("STATE_PREFIX", "shared:"),
			DefaultTTL: durationEnv("STATE_DEFAULT_TTL", time.Hour),
		},
		Worker: WorkerConfig{
			MaxConcurrency: maxConcurrency,
			PollTimeout:    durationEnv("WORKER_POLL_TIMEOUT", 2*time.Second),
			DrainTimeout:   durationEnv("WORKER_DRAIN_TIMEOUT", 30*time.Second),
		},
		Executor: ExecutorConfig{
			Mode:      ExecutorMode(getEnv("EXECUTOR_MODE", string(ModeSimulate))),
			TimeoutMs: execTimeout,
			ReportDir: getEnv("EXECUTOR_REPORT_DIR", "./reports"),
			TestsDir:  getEnv("EXECUTOR_TESTS_DIR", "./tests"),
		},
		Health: HealthConfig{
			Interval:          durationEnv("HEALTH_INTERVAL", 10*time.Second),
			FailureThreshold:  failThreshold,
			RecoveryThreshold: recThreshold,
		},
		Lifecycle: LifecycleConfig{
			StartupTimeout:  durationEnv("AGENT_STARTUP_TIMEOUT", 30*time.Second),
			ShutdownTimeout: durationEnv("AGENT_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Optimizer: OptimizerConfig{
			MaxAttempts: optAttempts,
			Backoff:     durationEnv("OPTIMIZER_BACKOFF", 2*time.Second),
		},
		HTTP: HTTPConfig{
			Port:          getEnv("HTTP_PORT", "8080"),
			WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		},
		Generator: GeneratorConfig{
			URL:     os.Getenv("GENERATOR_URL"),
			APIKey:  os.Getenv("GENERATOR_API_KEY"),
			Timeout: durationEnv("GENERATOR_TIMEOUT", 60*time.Second),
		},
		SyslogPath: getEnv("SYSLOG_PATH", "./logs/agent-syslog.jsonl"),
	}
	cfg.Events.Channel = getEnv("EVENTS_CHANNEL", "events:testflow")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Executor.Mode {
	case ModeSimulate, ModeProcess:
	default:
		return fmt.Errorf("invalid EXECUTOR_MODE %q (want simulate or process)", c.Executor.Mode)
	}
	if c.Worker.MaxConcurrency < 1 {
		return fmt.Errorf("WORKER_MAX_CONCURRENCY must be >= 1, got %d", c.Worker.MaxConcurrency)
	}
	if c.Bus.MaxRetries < 0 {
		return fmt.Errorf("BUS_MAX_RETRIES must be >= 0, got %d", c.Bus.MaxRetries)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func intEnv(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
