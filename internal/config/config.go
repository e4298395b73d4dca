package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuongbtq/pixelhive/internal/job"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Drivers
const (
	DriverPostgres   = "postgres"
	DriverRedis      = "redis"
	DriverMemory     = "memory"
	DriverRabbitMQ   = "rabbitmq"
	DriverAsynq      = "asynq"
	DriverCloudinary = "cloudinary"
	DriverLocal      = "local"
	DriverSendGrid   = "sendgrid"
	DriverLog        = "log"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	RabbitMQ      RabbitMQConfig      `yaml:"rabbitmq"`
	Queue         QueueConfig         `yaml:"queue"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
	App           AppConfig           `yaml:"app"`
	Worker        WorkerConfig        `yaml:"worker"`
	ObjectStorage ObjectStorageConfig `yaml:"object_storage"`
	Notify        NotifyConfig        `yaml:"notify"`
	Files         FilesConfig         `yaml:"files"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// QueueConfig selects the queue transport
type QueueConfig struct {
	Driver string      `yaml:"driver"`
	Asynq  AsynqConfig `yaml:"asynq"`
}

// AsynqConfig holds settings of the Redis-backed asynq transport
type AsynqConfig struct {
	RequeueDelay    time.Duration `yaml:"requeue_delay"`
	MaxRedeliveries int           `yaml:"max_redeliveries"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the job record store
type StorageConfig struct {
	Driver string `yaml:"driver"`
	// Migrate applies schema migrations on startup (postgres only)
	Migrate bool `yaml:"migrate"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration. The top-level values are
// defaults for every category queue; Queues overrides them per category.
type WorkerConfig struct {
	ID              string                   `yaml:"id"`
	Concurrency     int                      `yaml:"concurrency"`
	Prefetch        int                      `yaml:"prefetch"`
	JobTimeout      time.Duration            `yaml:"job_timeout"`
	ShutdownTimeout time.Duration            `yaml:"shutdown_timeout"`
	MaxAttempts     int                      `yaml:"max_attempts"`
	Backoff         BackoffConfig            `yaml:"backoff"`
	Queues          map[string]QueueOverride `yaml:"queues"`
}

// BackoffConfig describes retry delays
type BackoffConfig struct {
	Kind      string        `yaml:"kind"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// QueueOverride replaces worker defaults for one category. Zero values
// inherit the default.
type QueueOverride struct {
	Name        string         `yaml:"name"`
	Concurrency int            `yaml:"concurrency"`
	Prefetch    int            `yaml:"prefetch"`
	JobTimeout  time.Duration  `yaml:"job_timeout"`
	MaxAttempts int            `yaml:"max_attempts"`
	Backoff     *BackoffConfig `yaml:"backoff"`
}

// QueueSettings are the resolved settings of one category queue
type QueueSettings struct {
	Category    job.Category
	Name        string
	Concurrency int
	Prefetch    int
	JobTimeout  time.Duration
	Policy      job.RetryPolicy
}

// ObjectStorageConfig selects where artifacts are published
type ObjectStorageConfig struct {
	Driver     string           `yaml:"driver"`
	Cloudinary CloudinaryConfig `yaml:"cloudinary"`
	Local      LocalConfig      `yaml:"local"`
}

// CloudinaryConfig holds Cloudinary credentials. URL takes precedence.
type CloudinaryConfig struct {
	URL          string `yaml:"url"`
	CloudName    string `yaml:"cloud_name"`
	APIKey       string `yaml:"api_key"`
	APISecret    string `yaml:"api_secret"`
	UploadPrefix string `yaml:"upload_prefix"`
}

// LocalConfig stores artifacts on disk, served by the API under /objects
type LocalConfig struct {
	Root    string `yaml:"root"`
	BaseURL string `yaml:"base_url"`
}

// NotifyConfig holds owner notification settings
type NotifyConfig struct {
	Driver      string         `yaml:"driver"`
	Attempts    int            `yaml:"attempts"`
	RetryDelay  time.Duration  `yaml:"retry_delay"`
	SendTimeout time.Duration  `yaml:"send_timeout"`
	SendGrid    SendGridConfig `yaml:"sendgrid"`
}

// SendGridConfig holds SendGrid credentials
type SendGridConfig struct {
	APIKey    string `yaml:"api_key"`
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`
}

// FilesConfig holds local file handling settings
type FilesConfig struct {
	// UploadDir is shared by the API and the workers
	UploadDir      string        `yaml:"upload_dir"`
	WorkDir        string        `yaml:"work_dir"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	MaxFetchBytes  int64         `yaml:"max_fetch_bytes"`
}

// MetricsConfig holds the worker's metrics listener settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Load reads and parses the configuration file. Secrets found in the
// environment override the file.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv(os.LookupEnv)
	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	overrides := map[string]*string{
		"DATABASE_PASSWORD": &c.Database.Password,
		"RABBITMQ_PASSWORD": &c.RabbitMQ.Password,
		"REDIS_PASSWORD":    &c.Redis.Password,
		"CLOUDINARY_URL":    &c.ObjectStorage.Cloudinary.URL,
		"SENDGRID_API_KEY":  &c.Notify.SendGrid.APIKey,
	}
	for env, field := range overrides {
		if v, ok := lookup(env); ok && v != "" {
			*field = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverPostgres
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = DriverRabbitMQ
	}
	if c.ObjectStorage.Driver == "" {
		c.ObjectStorage.Driver = DriverCloudinary
	}
	if c.Notify.Driver == "" {
		c.Notify.Driver = DriverSendGrid
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Worker.ShutdownTimeout <= 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = job.DefaultRetryPolicy().MaxAttempts
	}
	if c.Worker.Backoff.Kind == "" {
		def := job.DefaultRetryPolicy().Backoff
		c.Worker.Backoff = BackoffConfig{Kind: string(def.Kind), BaseDelay: def.BaseDelay, MaxDelay: def.MaxDelay}
	}
	if c.Files.UploadDir == "" {
		c.Files.UploadDir = os.TempDir()
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// QueueSettings resolves the worker settings for category
func (w WorkerConfig) QueueSettings(category job.Category) QueueSettings {
	s := QueueSettings{
		Category:    category,
		Name:        string(category),
		Concurrency: w.Concurrency,
		Prefetch:    w.Prefetch,
		JobTimeout:  w.JobTimeout,
		Policy:      w.Backoff.policy(w.MaxAttempts),
	}

	o, ok := w.Queues[string(category)]
	if !ok {
		return s
	}
	if o.Name != "" {
		s.Name = o.Name
	}
	if o.Concurrency > 0 {
		s.Concurrency = o.Concurrency
	}
	if o.Prefetch > 0 {
		s.Prefetch = o.Prefetch
	}
	if o.JobTimeout > 0 {
		s.JobTimeout = o.JobTimeout
	}
	backoff := w.Backoff
	if o.Backoff != nil {
		backoff = *o.Backoff
	}
	attempts := w.MaxAttempts
	if o.MaxAttempts != 0 {
		attempts = o.MaxAttempts
	}
	s.Policy = backoff.policy(attempts)
	return s
}

// AllQueues resolves the settings of every category queue
func (w WorkerConfig) AllQueues() []QueueSettings {
	out := make([]QueueSettings, 0, len(job.Categories()))
	for _, c := range job.Categories() {
		out = append(out, w.QueueSettings(c))
	}
	return out
}

func (b BackoffConfig) policy(maxAttempts int) job.RetryPolicy {
	return job.RetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff: job.Backoff{
			Kind:      job.BackoffKind(strings.ToLower(b.Kind)),
			BaseDelay: b.BaseDelay,
			MaxDelay:  b.MaxDelay,
		},
	}
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	if c.Files.MaxUploadBytes < 0 {
		return fmt.Errorf("files max_upload_bytes cannot be negative")
	}
	// uploaded videos are published straight to object storage
	if err := c.validateObjectStorage(); err != nil {
		return err
	}
	// rejected submissions are reported to their owner by the API
	if err := c.validateNotify(); err != nil {
		return err
	}
	// the API enqueues with the same routes the workers consume
	return c.validateQueues()
}

func (c *Config) validateObjectStorage() error {
	switch c.ObjectStorage.Driver {
	case DriverCloudinary:
		cld := c.ObjectStorage.Cloudinary
		if cld.URL == "" && (cld.CloudName == "" || cld.APIKey == "" || cld.APISecret == "") {
			return fmt.Errorf("cloudinary url or cloud_name, api_key and api_secret are required")
		}
	case DriverLocal:
		if c.ObjectStorage.Local.Root == "" || c.ObjectStorage.Local.BaseURL == "" {
			return fmt.Errorf("local object storage root and base_url are required")
		}
	default:
		return fmt.Errorf("unknown object storage driver %q", c.ObjectStorage.Driver)
	}
	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateBackends(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}
	if err := c.validateQueues(); err != nil {
		return err
	}

	if err := c.validateObjectStorage(); err != nil {
		return err
	}

	if err := c.validateNotify(); err != nil {
		return err
	}

	if c.Metrics.Enabled && (c.Metrics.Port < MinPort || c.Metrics.Port > MaxPort) {
		return fmt.Errorf("invalid metrics port: %d (must be between %d and %d)", c.Metrics.Port, MinPort, MaxPort)
	}
	return nil
}

func (c *Config) validateBackends() error {
	switch c.Storage.Driver {
	case DriverPostgres:
		if err := c.validateDatabase(); err != nil {
			return err
		}
	case DriverRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Queue.Driver {
	case DriverRabbitMQ:
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
	case DriverAsynq:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the asynq queue driver")
		}
	case DriverMemory:
		if c.Storage.Driver != DriverMemory {
			return fmt.Errorf("the memory queue driver requires the memory storage driver")
		}
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}
	return nil
}

func (c *Config) validateNotify() error {
	switch c.Notify.Driver {
	case DriverSendGrid:
		if c.Notify.SendGrid.APIKey == "" || c.Notify.SendGrid.FromEmail == "" {
			return fmt.Errorf("sendgrid api_key and from_email are required")
		}
	case DriverLog:
	default:
		return fmt.Errorf("unknown notify driver %q", c.Notify.Driver)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

func (c *Config) validateQueues() error {
	for name := range c.Worker.Queues {
		if !job.Category(name).Valid() {
			return fmt.Errorf("worker queues: unknown category %q", name)
		}
	}
	seen := make(map[string]job.Category)
	for _, q := range c.Worker.AllQueues() {
		if err := q.Policy.Validate(); err != nil {
			return fmt.Errorf("worker queue %s: %w", q.Category, err)
		}
		if other, dup := seen[q.Name]; dup {
			return fmt.Errorf("worker queues %s and %s share the queue name %q", other, q.Category, q.Name)
		}
		seen[q.Name] = q.Category
	}
	return nil
}
