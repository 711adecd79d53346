package config

// Config is the on-disk configuration. All durations are Go duration strings
// ("3s", "1m"); empty means "use the default".
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	HTTP     HTTPConfig     `json:"http,omitempty"`
	Scraper  ScraperConfig  `json:"scraper"`
	Tracker  TrackerConfig  `json:"tracker"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout"`
	// Workers is the number of concurrent command handlers.
	Workers int `json:"workers,omitempty"`
	// CommandTimeout bounds a single command; /track probes need the longest.
	CommandTimeout string `json:"command_timeout,omitempty"`
}

type LoggingConfig struct {
	Level  string        `json:"level"`
	Format string        `json:"format,omitempty"`
	File   LoggingFile   `json:"file"`
	Alerts LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// HTTPConfig controls the observability server (/healthz, /metrics, pprof).
//
// Prefer a loopback address. A non-loopback bind needs a token or an
// explicit allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // bearer token, never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// ScraperConfig controls the headless browser used to read the course query
// page.
type ScraperConfig struct {
	QueryURL        string   `json:"query_url,omitempty"`
	ExecPath        string   `json:"exec_path,omitempty"`
	Headless        *bool    `json:"headless,omitempty"`
	UserAgent       string   `json:"user_agent,omitempty"`
	ExtraFlags      []string `json:"extra_flags,omitempty"`
	NavigateTimeout string   `json:"navigate_timeout,omitempty"`
	ResultTimeout   string   `json:"result_timeout,omitempty"`
	DetailsTimeout  string   `json:"details_timeout,omitempty"`
}

type TrackerConfig struct {
	PollInterval       string `json:"poll_interval,omitempty"`
	ReminderSchedule   string `json:"reminder_schedule,omitempty"`
	CheckpointSchedule string `json:"checkpoint_schedule,omitempty"`
	StartupStagger     string `json:"startup_stagger,omitempty"`
	ProbeTimeout       string `json:"probe_timeout,omitempty"`
	Timezone           string `json:"timezone,omitempty"`
	EnrollURL          string `json:"enroll_url,omitempty"`
}

// NotifierConfig controls the async outbound message pipeline. A nil section
// means enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// StorageConfig selects where tracked records are persisted.
//
//	"storage": { "driver": "sqlite", "path": "./data/seatwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}
