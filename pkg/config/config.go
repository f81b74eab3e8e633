package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "FITSTREAM"

	AppEnvDev  = "development"
	AppEnvProd = "production"

	EnvAppEnv = "FITSTREAM_APP_ENV"
	EnvPort   = "FITSTREAM_APP_PORT"
	EnvDBDSN  = "FITSTREAM_DB_DSN"
	EnvDBHost = "FITSTREAM_DB_HOST"
	EnvDBUser = "FITSTREAM_DB_USER"
	EnvDBName = "FITSTREAM_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Storage      StorageConfig
	Pipeline     PipelineConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Pipeline.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"FITSTREAM_APP_ENV" required:"true"`
	Port         string `envconfig:"FITSTREAM_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"FITSTREAM_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"FITSTREAM_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"FITSTREAM_DB_DSN"`
	Driver string `envconfig:"FITSTREAM_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"FITSTREAM_DB_HOST"`
	LegacyPort     int    `envconfig:"FITSTREAM_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"FITSTREAM_DB_USER"`
	LegacyPassword string `envconfig:"FITSTREAM_DB_PASSWORD"`
	LegacyName     string `envconfig:"FITSTREAM_DB_NAME"`
	LegacySSLMode  string `envconfig:"FITSTREAM_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"FITSTREAM_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"FITSTREAM_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"FITSTREAM_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"FITSTREAM_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"FITSTREAM_REDIS_URL" required:"true"`
	Address      string        `envconfig:"FITSTREAM_REDIS_ADDR"`
	Password     string        `envconfig:"FITSTREAM_REDIS_PASSWORD"`
	DB           int           `envconfig:"FITSTREAM_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"FITSTREAM_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"FITSTREAM_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"FITSTREAM_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"FITSTREAM_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"FITSTREAM_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"FITSTREAM_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"FITSTREAM_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"FITSTREAM_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	AssetTopic        string `envconfig:"FITSTREAM_PUBSUB_ASSET_TOPIC" default:"fs-asset-events"`
	AssetSubscription string `envconfig:"FITSTREAM_PUBSUB_ASSET_SUBSCRIPTION"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"FITSTREAM_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"FITSTREAM_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"FITSTREAM_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

// StorageConfig locates the on-disk staging and output areas.
type StorageConfig struct {
	ChunkDir     string `envconfig:"FITSTREAM_STORAGE_CHUNK_DIR" default:"/var/lib/fitstream/chunks"`
	MediaDir     string `envconfig:"FITSTREAM_STORAGE_MEDIA_DIR" default:"/var/lib/fitstream/media"`
	MediaBaseURL string `envconfig:"FITSTREAM_STORAGE_MEDIA_BASE_URL" default:"/media"`
}

// PipelineConfig bounds the ingest and transcode machinery.
type PipelineConfig struct {
	AssemblyWorkers  int           `envconfig:"FITSTREAM_PIPELINE_ASSEMBLY_WORKERS" default:"2"`
	TranscodeWorkers int           `envconfig:"FITSTREAM_PIPELINE_TRANSCODE_WORKERS" default:"4"`
	PollInterval     time.Duration `envconfig:"FITSTREAM_PIPELINE_POLL_INTERVAL" default:"1s"`
	MaxAttempts      int           `envconfig:"FITSTREAM_PIPELINE_MAX_ATTEMPTS" default:"3"`
	BackoffBase      time.Duration `envconfig:"FITSTREAM_PIPELINE_BACKOFF_BASE" default:"30s"`
	BackoffCap       time.Duration `envconfig:"FITSTREAM_PIPELINE_BACKOFF_CAP" default:"10m"`
	JobTimeout       time.Duration `envconfig:"FITSTREAM_PIPELINE_JOB_TIMEOUT" default:"30m"`
	HeartbeatPeriod  time.Duration `envconfig:"FITSTREAM_PIPELINE_HEARTBEAT_PERIOD" default:"10s"`
	HeartbeatExpiry  time.Duration `envconfig:"FITSTREAM_PIPELINE_HEARTBEAT_EXPIRY" default:"2m"`
	SweepInterval    time.Duration `envconfig:"FITSTREAM_PIPELINE_SWEEP_INTERVAL" default:"1m"`
	// UploadIdleCutoff is how long a receiving upload may sit without chunk
	// activity before the sweeper fails it and staging space is reclaimed.
	UploadIdleCutoff time.Duration `envconfig:"FITSTREAM_PIPELINE_UPLOAD_IDLE_CUTOFF" default:"24h"`
	// IngestStallCutoff is how long an upload may sit mid-pipeline (claimed by
	// a worker that then crashed) before the sweeper fails it.
	IngestStallCutoff time.Duration `envconfig:"FITSTREAM_PIPELINE_INGEST_STALL_CUTOFF" default:"30m"`
	Qualities         []string      `envconfig:"FITSTREAM_PIPELINE_QUALITIES" default:"sd,hd,fhd"`
	PublishPolicy     string        `envconfig:"FITSTREAM_PIPELINE_PUBLISH_POLICY" default:"any"`
}

func (p PipelineConfig) validateCutoffs() error {
	if p.UploadIdleCutoff <= 0 {
		return fmt.Errorf("upload idle cutoff must be positive")
	}
	if p.IngestStallCutoff <= 0 {
		return fmt.Errorf("ingest stall cutoff must be positive")
	}
	return nil
}

func (p PipelineConfig) validate() error {
	switch p.PublishPolicy {
	case PublishPolicyAny, PublishPolicyAll:
	default:
		return fmt.Errorf("invalid publish policy %q (want %q or %q)", p.PublishPolicy, PublishPolicyAny, PublishPolicyAll)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("pipeline max attempts must be at least 1")
	}
	if len(p.Qualities) == 0 {
		return fmt.Errorf("at least one transcode quality is required")
	}
	return p.validateCutoffs()
}

const (
	// PublishPolicyAny publishes an asset as soon as its first variant lands.
	PublishPolicyAny = "any"
	// PublishPolicyAll holds publication until every configured quality exists.
	PublishPolicyAll = "all"
)

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"FITSTREAM_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"FITSTREAM_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
