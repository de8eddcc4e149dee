package config

import (
	"fmt"
	"time"

	"callorchestrator-backend/pkg/constants"
	"callorchestrator-backend/pkg/env"
)

// Config holds all configuration for the call service
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cassandra CassandraConfig
	MinIO     MinIOConfig
	JWT       JWTConfig
	Log       LogConfig
	Call      CallConfig
	Recording RecordingConfig
	Quality   QualityConfig
	Relay     RelayConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// CassandraConfig holds Cassandra configuration
type CassandraConfig struct {
	Enabled  bool
	Hosts    []string
	Keyspace string
	Username string
	Password string
	Timeout  time.Duration
}

// MinIOConfig holds MinIO configuration
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret   string
	Audience string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// CallConfig holds call lifecycle and scheduling limits
type CallConfig struct {
	RingTimeout        time.Duration
	SweepSchedule      string // cron schedule, e.g. "@every 5s"
	MaxParticipants    int
	MinDuration        time.Duration
	MaxDuration        time.Duration
	MaxScheduleAhead   time.Duration
	OngoingEstimate    time.Duration
	FreeGroupLimit     int
	CallAttemptsPerMin int
}

// RecordingConfig holds recording gates and upload retry policy
type RecordingConfig struct {
	MinReservationBytes int64
	DefaultQuotaBytes   int64
	MaxConcurrent       int
	UploadMaxAttempts   int
	UploadInitialDelay  time.Duration
	UploadMaxDelay      time.Duration
	ArtifactDir         string
}

// QualityConfig holds quality monitoring settings
type QualityConfig struct {
	MaxSamples int
	PacketLoss MetricTiers // percent
	Latency    MetricTiers // milliseconds
	Jitter     MetricTiers // milliseconds
}

// MetricTiers grades one network metric. Values up to Excellent cost
// nothing, up to Good cost GoodPenalty, up to Fair cost FairPenalty and
// anything above costs MaxPenalty points of the 100 point score.
type MetricTiers struct {
	Excellent   float64
	Good        float64
	Fair        float64
	GoodPenalty int
	FairPenalty int
	MaxPenalty  int
}

// Default grading; the three maxima add up to 100
var (
	DefaultPacketLossTiers = MetricTiers{Excellent: 1, Good: 3, Fair: 5, GoodPenalty: 15, FairPenalty: 30, MaxPenalty: 40}
	DefaultLatencyTiers    = MetricTiers{Excellent: 150, Good: 300, Fair: 500, GoodPenalty: 10, FairPenalty: 25, MaxPenalty: 35}
	DefaultJitterTiers     = MetricTiers{Excellent: 30, Good: 50, Fair: 100, GoodPenalty: 10, FairPenalty: 20, MaxPenalty: 25}
)

func (t MetricTiers) validate(name string) error {
	if t.Excellent < 0 || t.Good < t.Excellent || t.Fair < t.Good {
		return fmt.Errorf("%s thresholds must be ascending", name)
	}
	if t.GoodPenalty < 0 || t.FairPenalty < t.GoodPenalty || t.MaxPenalty < t.FairPenalty {
		return fmt.Errorf("%s penalties must be ascending", name)
	}
	return nil
}

// loadMetricTiers reads QUALITY_<prefix>_{EXCELLENT,GOOD,FAIR,GOOD_PENALTY,FAIR_PENALTY,MAX_PENALTY}
func loadMetricTiers(prefix string, def MetricTiers) MetricTiers {
	key := "QUALITY_" + prefix + "_"
	return MetricTiers{
		Excellent:   env.GetFloat64(key+"EXCELLENT", def.Excellent),
		Good:        env.GetFloat64(key+"GOOD", def.Good),
		Fair:        env.GetFloat64(key+"FAIR", def.Fair),
		GoodPenalty: env.GetInt(key+"GOOD_PENALTY", def.GoodPenalty),
		FairPenalty: env.GetInt(key+"FAIR_PENALTY", def.FairPenalty),
		MaxPenalty:  env.GetInt(key+"MAX_PENALTY", def.MaxPenalty),
	}
}

// RelayConfig holds signaling relay settings
type RelayConfig struct {
	BufferSize     int
	Channel        string
	MaxConnections int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8083),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "call-service"),
			AllowedOrigins: env.GetSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
				"http://localhost:8080",
				"http://127.0.0.1:3000",
				"http://127.0.0.1:8080",
			}),
			RequestTimeout: env.GetDuration("REQUEST_TIMEOUT", constants.DefaultTimeout),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "calls"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Cassandra: CassandraConfig{
			Enabled:  env.GetBool("CASSANDRA_ENABLED", false),
			Hosts:    env.GetSlice("CASSANDRA_HOSTS", []string{"localhost"}),
			Keyspace: env.GetString("CASSANDRA_KEYSPACE", "calls"),
			Username: env.GetString("CASSANDRA_USER", ""),
			Password: env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
			Timeout:  env.GetDuration("CASSANDRA_TIMEOUT", 600*time.Millisecond),
		},
		MinIO: MinIOConfig{
			Endpoint:  env.GetString("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env.GetStringFromFile("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env.GetStringFromFile("MINIO_SECRET_KEY", "minioadmin"),
			UseSSL:    env.GetBool("MINIO_USE_SSL", false),
			Bucket:    env.GetString("MINIO_BUCKET", "call-recordings"),
		},
		JWT: JWTConfig{
			Secret:   env.GetStringFromFile("JWT_SECRET", ""),
			Audience: env.GetString("JWT_AUDIENCE", "callorchestrator-api"),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/call-service.log"),
		},
		Call: CallConfig{
			RingTimeout:        env.GetDuration("RING_TIMEOUT", constants.DefaultRingTimeout),
			SweepSchedule:      env.GetString("SWEEP_SCHEDULE", "@every 5s"),
			MaxParticipants:    env.GetInt("MAX_PARTICIPANTS", constants.DefaultMaxParticipants),
			MinDuration:        env.GetDuration("MIN_CALL_DURATION", constants.MinCallDuration),
			MaxDuration:        env.GetDuration("MAX_CALL_DURATION", constants.MaxCallDuration),
			MaxScheduleAhead:   env.GetDuration("MAX_SCHEDULE_AHEAD", constants.MaxScheduleAhead),
			OngoingEstimate:    env.GetDuration("ONGOING_ESTIMATE", constants.OngoingCallEstimate),
			FreeGroupLimit:     env.GetInt("FREE_GROUP_LIMIT", 4),
			CallAttemptsPerMin: env.GetInt("CALL_RATE_PER_MINUTE", 10),
		},
		Recording: RecordingConfig{
			MinReservationBytes: env.GetInt64("RECORDING_MIN_RESERVATION_BYTES", constants.MinRecordingReservation),
			DefaultQuotaBytes:   env.GetInt64("RECORDING_DEFAULT_QUOTA_BYTES", constants.DefaultStorageQuota),
			MaxConcurrent:       env.GetInt("RECORDING_MAX_CONCURRENT", constants.MaxConcurrentRecordings),
			UploadMaxAttempts:   env.GetInt("RECORDING_UPLOAD_MAX_ATTEMPTS", 5),
			UploadInitialDelay:  env.GetDuration("RECORDING_UPLOAD_INITIAL_DELAY", 500*time.Millisecond),
			UploadMaxDelay:      env.GetDuration("RECORDING_UPLOAD_MAX_DELAY", 10*time.Second),
			ArtifactDir:         env.GetString("RECORDING_ARTIFACT_DIR", "/var/lib/call-service/recordings"),
		},
		Quality: QualityConfig{
			MaxSamples: env.GetInt("QUALITY_MAX_SAMPLES", 500),
			PacketLoss: loadMetricTiers("PACKET_LOSS", DefaultPacketLossTiers),
			Latency:    loadMetricTiers("LATENCY", DefaultLatencyTiers),
			Jitter:     loadMetricTiers("JITTER", DefaultJitterTiers),
		},
		Relay: RelayConfig{
			BufferSize:     env.GetInt("RELAY_BUFFER_SIZE", 1024),
			Channel:        env.GetString("RELAY_CHANNEL", "calls:events"),
			MaxConnections: env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", 1000),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	if c.Call.MinDuration <= 0 || c.Call.MaxDuration < c.Call.MinDuration {
		return fmt.Errorf("invalid call duration bounds: min=%s max=%s", c.Call.MinDuration, c.Call.MaxDuration)
	}
	if c.Call.MaxParticipants < 2 {
		return fmt.Errorf("MAX_PARTICIPANTS must be at least 2")
	}
	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("RING_TIMEOUT must be positive")
	}
	if c.Recording.UploadMaxAttempts < 1 {
		return fmt.Errorf("RECORDING_UPLOAD_MAX_ATTEMPTS must be at least 1")
	}
	if c.Recording.MaxConcurrent < 1 {
		return fmt.Errorf("RECORDING_MAX_CONCURRENT must be at least 1")
	}
	for name, tiers := range map[string]MetricTiers{
		"QUALITY_PACKET_LOSS": c.Quality.PacketLoss,
		"QUALITY_LATENCY":     c.Quality.Latency,
		"QUALITY_JITTER":      c.Quality.Jitter,
	} {
		if err := tiers.validate(name); err != nil {
			return err
		}
	}
	if c.Relay.BufferSize < 1 {
		return fmt.Errorf("RELAY_BUFFER_SIZE must be at least 1")
	}

	return nil
}
