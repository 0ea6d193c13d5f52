package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	HTTP     HTTPConfig     `json:"http"`
	Dispatch DispatchConfig `json:"dispatch"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// GlobalRatePerSec caps outbound platform calls process-wide,
	// independent of the per-campaign policy. Telegram enforces roughly
	// 30 msg/s per bot; leave 0 for the default.
	GlobalRatePerSec int `json:"global_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend.
//
// Driver values:
//   - "memory": in-process maps, lost on restart (development/tests)
//   - "sqlite": SQLite database file
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HTTPConfig controls the operational API consumed by the dashboard.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// DispatchConfig tunes the campaign drain loop and housekeeping.
//
// All durations are Go duration strings (e.g. "500ms", "5s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - idle_delay: "5s"
//   - skip_delay: "100ms"
//   - error_backoff: "5s"
//   - log_retention: "720h" (30 days; "0s" disables pruning)
type DispatchConfig struct {
	IdleDelay    string `json:"idle_delay,omitempty"`
	SkipDelay    string `json:"skip_delay,omitempty"`
	ErrorBackoff string `json:"error_backoff,omitempty"`
	LogRetention string `json:"log_retention,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
