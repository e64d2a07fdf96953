package configuration

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	commonconfig "github.com/liveq/jobmanager/internal/common/config"
	"github.com/liveq/jobmanager/internal/common/logging"
	"github.com/liveq/jobmanager/internal/jobmanager/bus"
	"github.com/liveq/jobmanager/internal/jobmanager/jobevents"
	"github.com/liveq/jobmanager/internal/jobmanager/lab"
	"github.com/liveq/jobmanager/internal/jobmanager/teamqueue"
)

const (
	BusMemory = "memory"
	BusNats   = "nats"

	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StoreSqlite   = "sqlite"
	StorePostgres = "postgres"

	EventsNone   = "none"
	EventsPulsar = "pulsar"
)

type Configuration struct {
	Logging logging.Config
	// Port of the HTTP server exposing /metrics and /health. Zero disables it.
	MetricsPort uint16
	// Prefixes a submitter's data channel must start with.
	TrustedChannels []string `mapstructure:"trusted-channels" validate:"required,min=1,dive,required"`
	// Quarantine after a soft agent failure.
	FailureDelay time.Duration `mapstructure:"failure_delay" validate:"gte=0"`
	// Consecutive failures after which an agent is quarantined for FailureRetryDelay.
	FailureLimit      int           `mapstructure:"failure_limit" validate:"gte=1"`
	FailureRetryDelay time.Duration `mapstructure:"failure_retry_delay" validate:"gte=0"`
	// Directory completed job results are written to.
	ResultsPath string `mapstructure:"results_path" validate:"required"`
	// Submissions asking for fewer events are refused, and smaller runs are not added to the interpolation cache.
	MinEventThreshold int `mapstructure:"min_event_thresshold" validate:"gte=0"`
	// round-<param>, decimals-<param>, round-default and decimals-default.
	Tuning       map[string]float64 `mapstructure:"tuning"`
	Bus          BusConfig
	Store        StoreConfig
	Events       EventsConfig
	Labs         []lab.Lab `validate:"required,min=1,dive"`
	Scheduler    SchedulerConfig
	Merger       MergerConfig
	Interpolator InterpolatorConfig
	Persistence  PersistenceConfig
}

type BusConfig struct {
	Type string `validate:"oneof=memory nats"`
	// Timeout of request/reply exchanges, including waiting for the scheduler's decision.
	RequestTimeout time.Duration `validate:"required"`
	Nats           bus.NatsConfig
}

type StoreConfig struct {
	Type     string                   `validate:"oneof=memory redis sqlite postgres"`
	Redis    commonconfig.RedisConfig `validate:"-"`
	Sqlite   SqliteConfig
	Postgres PostgresConfig
}

type SqliteConfig struct {
	Path string
}

type PostgresConfig struct {
	// A libpq style connection string or URL.
	Connection string
}

type EventsConfig struct {
	Type   string                 `validate:"oneof=none pulsar"`
	Pulsar jobevents.PulsarConfig `validate:"-"`
}

type SchedulerConfig struct {
	// An assignment that produces no frame or heartbeat for this long is failed.
	HeartbeatTimeout time.Duration `validate:"required"`
	// How long a draining job waits for its agents to stop.
	DrainGrace time.Duration `validate:"required"`
	// How long a job found unfinished at startup waits for its agents to present it again.
	RecoveryGrace time.Duration `validate:"required"`
	// Interval of job_data partials sent to the submitter.
	PartialInterval time.Duration `validate:"required"`
	// A scheduled job that cannot get any agent within this time goes back to pending.
	ScheduleDeadline time.Duration `validate:"required"`
	// A running job that lost every agent fails if no replacement is found within this time.
	ReplacementGrace time.Duration `validate:"required"`
	// Agents silent for this long are marked missing.
	PresenceTimeout time.Duration `validate:"required"`
	// Missing agents are forgotten after this long.
	EvictAfter   time.Duration `validate:"required"`
	TickInterval time.Duration `validate:"required"`
	// Running jobs per team.
	Quotas                  teamqueue.Quotas
	MaxAgentsPerJob         int `validate:"gte=1"`
	MaxRedistributionRounds int `validate:"gte=0"`
	// Budget of submissions that do not name one.
	DefaultEvents int `validate:"gte=1"`
	// Team of submissions that do not name one.
	DefaultTeam string `validate:"required"`
	// How long cancel and status requests for finished jobs are answered without reading the job store.
	CancelledJobRetention time.Duration `validate:"required"`
}

type MergerConfig struct {
	MaxQueuedFrames int `validate:"gte=0"`
}

type InterpolatorConfig struct {
	BudgetPerLab      int     `validate:"gte=0"`
	NeighborhoodScale float64 `validate:"gte=0"`
	// Packing of collections sent on the bus.
	Compress bool
	Encode   bool
}

type PersistenceConfig struct {
	Workers        int  `validate:"gte=0"`
	QueueSize      int  `validate:"gte=0"`
	MaxRetries     uint `validate:"lte=20"`
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Configuration) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(StoreConfigValidation, StoreConfig{})
	validate.RegisterStructValidation(EventsConfigValidation, EventsConfig{})
	validate.RegisterStructValidation(BusConfigValidation, BusConfig{})
	return validate.Struct(c)
}

// StoreConfigValidation requires the settings of the selected store backend only.
func StoreConfigValidation(sl validator.StructLevel) {
	c := sl.Current().Interface().(StoreConfig)
	switch c.Type {
	case StoreRedis:
		if len(c.Redis.Addrs) == 0 {
			sl.ReportError(c.Redis.Addrs, "Redis.Addrs", "Addrs", "required", "")
		}
		if c.Redis.DB < 0 || c.Redis.DB > 16 {
			sl.ReportError(c.Redis.DB, "Redis.DB", "DB", "lte=16", "")
		}
	case StoreSqlite:
		if strings.TrimSpace(c.Sqlite.Path) == "" {
			sl.ReportError(c.Sqlite.Path, "Sqlite.Path", "Path", "required", "")
		}
	case StorePostgres:
		if strings.TrimSpace(c.Postgres.Connection) == "" {
			sl.ReportError(c.Postgres.Connection, "Postgres.Connection", "Connection", "required", "")
		}
	}
}

func EventsConfigValidation(sl validator.StructLevel) {
	c := sl.Current().Interface().(EventsConfig)
	if c.Type != EventsPulsar {
		return
	}
	if c.Pulsar.URL == "" {
		sl.ReportError(c.Pulsar.URL, "Pulsar.URL", "URL", "required", "")
	}
	if c.Pulsar.Topic == "" {
		sl.ReportError(c.Pulsar.Topic, "Pulsar.Topic", "Topic", "required", "")
	}
}

func BusConfigValidation(sl validator.StructLevel) {
	c := sl.Current().Interface().(BusConfig)
	if c.Type == BusNats && len(c.Nats.Servers) == 0 {
		sl.ReportError(c.Nats.Servers, "Nats.Servers", "Servers", "required", "")
	}
}
