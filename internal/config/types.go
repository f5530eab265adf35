package config

// Config is the whole labkeeper configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected on load and on hot reload.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage is the item store (inventory + archived tables).
	Storage StorageConfig `json:"storage"`
	// Ledger records which notifications were sent on which day.
	Ledger LedgerConfig `json:"ledger"`
	Mail   MailConfig   `json:"mail"`
	Notify NotifyConfig `json:"notify"`
	// Source selects where notification runs read active items from.
	Source SourceConfig `json:"source"`

	Scheduler SchedulerConfig `json:"scheduler"`
	HTTP      HTTPConfig      `json:"http"`
	Metrics   MetricsConfig   `json:"metrics"`

	// Notifier controls the confirmation mail queue. If the whole section is
	// omitted, the queue defaults to enabled.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the item store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/inventory.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // mysql (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxOpen     int    `json:"max_open,omitempty"`
}

type LedgerConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// LockTimeout bounds waiting for another process's run. Default 30s.
	LockTimeout string `json:"lock_timeout,omitempty"`
	// LockTTL expires an abandoned redis lock. Default 10m.
	LockTTL     string      `json:"lock_ttl,omitempty"`
	SaveTimeout string      `json:"save_timeout,omitempty"`
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// MailConfig configures the outgoing SMTP relay.
//
// PasswordEnv names an environment variable read when Password is empty,
// so the secret can stay out of the file.
type MailConfig struct {
	Driver      string `json:"driver"`
	Host        string `json:"host"`
	Port        int    `json:"port,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	PasswordEnv string `json:"password_env,omitempty"`
	From        string `json:"from"`
	FromName    string `json:"from_name,omitempty"`
	ReplyTo     string `json:"reply_to,omitempty"`
	TLS         string `json:"tls,omitempty"`

	SendTimeout   string `json:"send_timeout,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

type NotifyConfig struct {
	// Timezone calendar dates are observed in. Empty means local time.
	Timezone string `json:"timezone,omitempty"`
	// GateAllCategories applies the once-per-day ledger check to warning and
	// due mails as well as overdue.
	GateAllCategories bool   `json:"gate_all_categories,omitempty"`
	LabName           string `json:"lab_name,omitempty"`
	AppURL            string `json:"app_url,omitempty"`
}

type SourceConfig struct {
	Driver  string `json:"driver"`
	URL     string `json:"url,omitempty"`
	Path    string `json:"path,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// SchedulerConfig controls the built-in notification trigger.
//
// NotifySchedule accepts a cron spec ("0 8 * * *", "@daily") or an
// interval ("every 6h", "@every 6h").
type SchedulerConfig struct {
	Enabled        bool   `json:"enabled"`
	NotifySchedule string `json:"notify_schedule,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	RunOnStart     bool   `json:"run_on_start,omitempty"`
}

type HTTPConfig struct {
	Addr            string      `json:"addr,omitempty"` // default ":8084"
	StaticDir       string      `json:"static_dir,omitempty"`
	ReadTimeout     string      `json:"read_timeout,omitempty"`
	WriteTimeout    string      `json:"write_timeout,omitempty"`
	IdleTimeout     string      `json:"idle_timeout,omitempty"`
	ShutdownTimeout string      `json:"shutdown_timeout,omitempty"`
	Pprof           PprofConfig `json:"pprof,omitempty"`
}

// PprofConfig mounts net/http/pprof on the API listener.
//
// Security note:
//   - If http.addr is not a loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // default "/metrics"
}

// NotifierConfig controls the confirmation mail queue.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	SendTimeout     string `json:"send_timeout,omitempty"`
}

// DefaultNotifier is used when the notifier section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       256,
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}
