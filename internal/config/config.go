package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// DBConfig is shared by every process; Postgres is the system of record.
type DBConfig struct {
	DBDSN                   string `envconfig:"DB_DSN" required:"true"`
	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
}

type AWSConfig struct {
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type SQSConfig struct {
	SQSWaitTime   int32 `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs    int32 `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout int32 `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
}

type TracingConfig struct {
	TracingEnabled bool   `envconfig:"TRACING_ENABLED" default:"false"`
	JaegerEndpoint string `envconfig:"JAEGER_ENDPOINT" default:"http://localhost:14268/api/traces"`
	Environment    string `envconfig:"ENVIRONMENT" default:"development"`
}

type APIConfig struct {
	DBConfig
	AWSConfig
	TracingConfig

	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	InboundQueueURL  string `envconfig:"INBOUND_QUEUE_URL" required:"true"`
	OutboundQueueURL string `envconfig:"OUTBOUND_QUEUE_URL" required:"true"`
	GroupBuckets     int    `envconfig:"SQS_GROUP_BUCKETS" default:"2000"`

	// Webhook signature verification
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN" required:"true"`
	PublicInboundURL string `envconfig:"PUBLIC_INBOUND_URL" required:"true"` // must match EXACT URL configured in Twilio
	PublicStatusURL  string `envconfig:"PUBLIC_STATUS_URL" required:"true"`

	AllowedOrigins    []string `envconfig:"ALLOWED_ORIGINS" default:"*"`
	FrontendURL       string   `envconfig:"FRONTEND_URL" default:"http://localhost:3000"`
	AlertWebhookURL   string   `envconfig:"DISCORD_ALERT_WEBHOOK"`
	WarningWebhookURL string   `envconfig:"DISCORD_WARNING_WEBHOOK"`
}

type EngineConfig struct {
	DBConfig
	AWSConfig
	SQSConfig
	TracingConfig

	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	InboundQueueURL   string `envconfig:"INBOUND_QUEUE_URL" required:"true"`
	OutboundQueueURL  string `envconfig:"OUTBOUND_QUEUE_URL" required:"true"`
	GroupBuckets      int    `envconfig:"SQS_GROUP_BUCKETS" default:"2000"`
	EngineConcurrency int    `envconfig:"ENGINE_CONCURRENCY" default:"10"`

	// coordination state
	StateBackend  string        `envconfig:"STATE_BACKEND" default:"redis"`
	RedisAddr     string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	StateTTL      time.Duration `envconfig:"STATE_TTL" default:"24h"`

	// notification strategy: "wave" or "aggregate"
	NotifyStrategy string `envconfig:"NOTIFY_STRATEGY" default:"wave"`
	VendorOrdering string `envconfig:"VENDOR_ORDERING" default:"rating"`

	WaveSize       int           `envconfig:"WAVE_SIZE" default:"5"`
	Wave2Delay     time.Duration `envconfig:"WAVE2_DELAY" default:"5m"`
	Wave2MinOffers int           `envconfig:"WAVE2_MIN_OFFERS" default:"3"`
	TimeoutDelay   time.Duration `envconfig:"TIMEOUT_DELAY" default:"10m"`

	AggQuota         int           `envconfig:"AGG_QUOTA" default:"3"`
	AggTimeout       time.Duration `envconfig:"AGG_TIMEOUT" default:"2m"`
	AggSweepInterval time.Duration `envconfig:"AGG_SWEEP_INTERVAL" default:"30s"`

	SchedulerInterval    time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"5s"`
	SchedulerBatch       int           `envconfig:"SCHEDULER_BATCH" default:"50"`
	SchedulerStaleAfter  time.Duration `envconfig:"SCHEDULER_STALE_AFTER" default:"2m"`
	SchedulerMaxAttempts int           `envconfig:"SCHEDULER_MAX_ATTEMPTS" default:"5"`

	FrontendURL string `envconfig:"FRONTEND_URL" default:"http://localhost:3000"`

	// intake understanding (OpenAI-compatible endpoint)
	IntakeAPIKey  string   `envconfig:"INTAKE_API_KEY"`
	IntakeBaseURL string   `envconfig:"INTAKE_BASE_URL" default:"https://api.deepseek.com"`
	IntakeModel   string   `envconfig:"INTAKE_MODEL" default:"deepseek-chat"`
	CoveredCities []string `envconfig:"COVERED_CITIES" default:"Riyadh,Jeddah,Dammam,Khobar,Mecca,Medina"`

	AlertWebhookURL   string `envconfig:"DISCORD_ALERT_WEBHOOK"`
	WarningWebhookURL string `envconfig:"DISCORD_WARNING_WEBHOOK"`
}

type WorkerConfig struct {
	DBConfig
	AWSConfig
	SQSConfig

	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	OutboundQueueURL  string `envconfig:"OUTBOUND_QUEUE_URL" required:"true"`
	WorkerConcurrency int    `envconfig:"WORKER_CONCURRENCY" default:"20"`

	// Twilio
	TwilioAccountSID          string  `envconfig:"TWILIO_ACCOUNT_SID" required:"true"`
	TwilioAuthToken           string  `envconfig:"TWILIO_AUTH_TOKEN" required:"true"`
	TwilioMessagingServiceSID string  `envconfig:"TWILIO_MESSAGING_SERVICE_SID"`
	TwilioFromNumber          string  `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioBaseURL             string  `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`
	TwilioContentBaseURL      string  `envconfig:"TWILIO_CONTENT_BASE_URL" default:"https://content.twilio.com"`
	TwilioInteractive         bool    `envconfig:"TWILIO_INTERACTIVE" default:"true"`
	TwilioRPSPerPod           float64 `envconfig:"TWILIO_RPS_PER_POD" default:"5"`
	TwilioBurst               int     `envconfig:"TWILIO_BURST" default:"10"`
	PublicStatusURL           string  `envconfig:"PUBLIC_STATUS_URL"`
}

// loadDotEnv lets local runs keep settings in a .env file. A missing file is fine.
func loadDotEnv() {
	_ = godotenv.Load()
}

func LoadAPI() APIConfig {
	loadDotEnv()
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadEngine() EngineConfig {
	loadDotEnv()
	var cfg EngineConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	loadDotEnv()
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
