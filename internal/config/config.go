package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds the control plane configuration, loaded from the
// environment with the OTAPLANE prefix.
type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/otaplane.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/otaplane.log"`

	// Orchestrator defaults, overridable per rollout plan.
	BatchDispatchParallelism int           `envconfig:"BATCH_DISPATCH_PARALLELISM" default:"16"`
	WindowRecheckInterval    time.Duration `envconfig:"WINDOW_RECHECK_INTERVAL" default:"1m"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("OTAPLANE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
