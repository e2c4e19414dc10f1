package config

import "time"

// Config is the simulator configuration. Load returns it and keeps the most
// recent one for Get.
type Config struct {
	Cache Cache `koanf:"cache"`
	Loop  Loop  `koanf:"loop"`
	HTTP  HTTP  `koanf:"http"`
	Log   Log   `koanf:"log"`
	Sim   Sim   `koanf:"sim"`
}

// Cache mirrors cache.Options.
type Cache struct {
	Capacity                       int64         `koanf:"capacity"                            validate:"gt=0"`
	MinDeadCapacity                int64         `koanf:"min_dead_capacity"                   validate:"gte=0"`
	MaxDeadCapacity                int64         `koanf:"max_dead_capacity"                   validate:"gte=0"`
	MaxPruneDeferralDelay          time.Duration `koanf:"max_prune_deferral_delay"            validate:"gt=0"`
	MinDelayBeforeLiveDecodedPrune time.Duration `koanf:"min_delay_before_live_decoded_prune" validate:"gt=0"`
}

// Loop mirrors loop.Options.
type Loop struct {
	QueueSize int `koanf:"queue_size" validate:"gte=1"`
}

// HTTP configures the diagnostics server. An empty ListenAddr disables it.
type HTTP struct {
	ListenAddr string `koanf:"listen_addr" validate:"omitempty,hostname_port"`
}

// Log configures internal/logger. An empty Dir logs to the console only.
type Log struct {
	Dir   string `koanf:"dir"`
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
	Tee   bool   `koanf:"tee"`
}

// Sim shapes the synthetic page-load workload.
type Sim struct {
	Workers          int           `koanf:"workers"            validate:"gte=1"`
	Duration         time.Duration `koanf:"duration"           validate:"gt=0"`
	Pages            int           `koanf:"pages"              validate:"gte=1"`
	ResourcesPerPage int           `koanf:"resources_per_page" validate:"gte=1"`
	Partitions       int           `koanf:"partitions"         validate:"gte=1"`
	ZipfS            float64       `koanf:"zipf_s"             validate:"gt=1"`
	Seed             int64         `koanf:"seed"`
	FetchLatency     time.Duration `koanf:"fetch_latency"      validate:"gte=0"`
	PageDwell        time.Duration `koanf:"page_dwell"         validate:"gte=0"`
	StatsInterval    time.Duration `koanf:"stats_interval"     validate:"gte=0"`
}

// Default returns the configuration used for keys no source sets.
func Default() Config {
	return Config{
		Cache: Cache{
			Capacity:                       32 << 20,
			MaxPruneDeferralDelay:          500 * time.Millisecond,
			MinDelayBeforeLiveDecodedPrune: time.Second,
		},
		Loop: Loop{QueueSize: 256},
		HTTP: HTTP{ListenAddr: ":8080"},
		Log:  Log{Level: "info", Tee: true},
		Sim: Sim{
			Workers:          8,
			Duration:         10 * time.Second,
			Pages:            200,
			ResourcesPerPage: 12,
			Partitions:       4,
			ZipfS:            1.2,
			Seed:             1,
			FetchLatency:     2 * time.Millisecond,
			PageDwell:        20 * time.Millisecond,
			StatsInterval:    time.Second,
		},
	}
}
