package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
	OpsAddr     string `env:"OPS_ADDR" envDefault:":9090"`
	PostgresDSN string `env:"POSTGRES_DSN,notEmpty"`

	// Logical singleton task this process competes for.
	TaskName string `env:"TASK_NAME" envDefault:"message-poller"`

	// Leader election.
	StaleLeaseThreshold  time.Duration `env:"STALE_LEASE_THRESHOLD" envDefault:"90s"`
	HeartbeatBaseRetry   time.Duration `env:"HEARTBEAT_BASE_RETRY" envDefault:"30s"`
	HeartbeatMaxRetry    time.Duration `env:"HEARTBEAT_MAX_RETRY" envDefault:"300s"`
	PoolCriticalUsagePct float64       `env:"POOL_CRITICAL_USAGE_PCT" envDefault:"95"`
	HeartbeatSkipWarnAt  int           `env:"HEARTBEAT_SKIP_WARN_AT" envDefault:"5"`

	// Poll loop.
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	ElectionRetryBase time.Duration `env:"ELECTION_RETRY_BASE" envDefault:"5s"`
	ElectionRetryMax  time.Duration `env:"ELECTION_RETRY_MAX" envDefault:"60s"`
	DispatchBatchSize int           `env:"DISPATCH_BATCH_SIZE" envDefault:"10"`
	ReleaseTimeout    time.Duration `env:"RELEASE_TIMEOUT" envDefault:"5s"`

	// Stuck-job reclaim.
	ReclaimInterval  time.Duration `env:"RECLAIM_INTERVAL" envDefault:"60s"`
	StaleLockAfter   time.Duration `env:"STALE_LOCK_AFTER" envDefault:"10m"`
	ReclaimBatchSize int           `env:"RECLAIM_BATCH_SIZE" envDefault:"100"`
	MaxAttempts      int           `env:"MAX_ATTEMPTS" envDefault:"5"`

	// Guaranteed status updates.
	StatusMaxRetries int `env:"STATUS_MAX_RETRIES" envDefault:"5"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
