package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	logx "labkeeper/pkg/logx"
)

// Validate performs every check that must pass before any processing starts.
// It is also the hot reload gate: a rejected file never replaces the running config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			return fmt.Errorf("logging.level: unknown level %q", lvl)
		}
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path is required when logging.file.enabled=true")
	}

	if err := validateStorage(cfg.Storage); err != nil {
		return err
	}
	if err := validateLedger(cfg.Ledger); err != nil {
		return err
	}
	if err := validateMail(cfg.Mail); err != nil {
		return err
	}
	if err := validateSource(cfg.Source); err != nil {
		return err
	}

	if _, err := LoadLocation("notify.timezone", cfg.Notify.Timezone); err != nil {
		return err
	}
	if _, err := LoadLocation("scheduler.timezone", cfg.Scheduler.Timezone); err != nil {
		return err
	}
	if cfg.Scheduler.Enabled && strings.TrimSpace(cfg.Scheduler.NotifySchedule) == "" {
		return fmt.Errorf("scheduler.notify_schedule is required when scheduler.enabled=true")
	}

	for _, d := range []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
		{"http.shutdown_timeout", cfg.HTTP.ShutdownTimeout},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if p := strings.TrimSpace(cfg.Metrics.Path); p != "" && !strings.HasPrefix(p, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 {
			return fmt.Errorf("notifier.workers must be >= 0")
		}
		if n.QueueSize < 0 {
			return fmt.Errorf("notifier.queue_size must be >= 0")
		}
		if n.DedupMaxEntries < 0 {
			return fmt.Errorf("notifier.dedup_max_entries must be >= 0")
		}
		if _, err := ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
			return err
		}
		if _, err := ParseDurationField("notifier.send_timeout", n.SendTimeout); err != nil {
			return err
		}
	}
	return nil
}

func validateStorage(s StorageConfig) error {
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "", "sqlite", "sqlite3":
	case "mysql":
		if strings.TrimSpace(s.DSN) == "" {
			return fmt.Errorf("storage.dsn is required when storage.driver=mysql")
		}
	default:
		return fmt.Errorf("unknown storage.driver: %s", s.Driver)
	}
	if s.MaxOpen < 0 {
		return fmt.Errorf("storage.max_open must be >= 0")
	}
	_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	return err
}

func validateLedger(l LedgerConfig) error {
	switch strings.ToLower(strings.TrimSpace(l.Driver)) {
	case "", "file", "json", "sqlite", "sqlite3":
	case "redis":
		if strings.TrimSpace(l.Redis.Addr) == "" {
			return fmt.Errorf("ledger.redis.addr is required when ledger.driver=redis")
		}
	default:
		return fmt.Errorf("unknown ledger.driver: %s", l.Driver)
	}
	for _, d := range []struct{ path, raw string }{
		{"ledger.busy_timeout", l.BusyTimeout},
		{"ledger.lock_timeout", l.LockTimeout},
		{"ledger.lock_ttl", l.LockTTL},
		{"ledger.save_timeout", l.SaveTimeout},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}

func validateMail(m MailConfig) error {
	switch strings.ToLower(strings.TrimSpace(m.Driver)) {
	case "", "smtp":
		if strings.TrimSpace(m.Host) == "" {
			return fmt.Errorf("mail.host is required")
		}
		if strings.TrimSpace(m.From) == "" {
			return fmt.Errorf("mail.from is required")
		}
	case "log":
	default:
		return fmt.Errorf("unknown mail.driver: %s", m.Driver)
	}
	switch strings.ToLower(strings.TrimSpace(m.TLS)) {
	case "", "mandatory", "opportunistic", "ssl", "none":
	default:
		return fmt.Errorf("mail.tls: unknown mode %q", m.TLS)
	}
	if m.Port < 0 || m.Port > 65535 {
		return fmt.Errorf("mail.port out of range")
	}
	if m.RatePerSec < 0 {
		return fmt.Errorf("mail.rate_per_sec must be >= 0")
	}
	if m.RetryMax < 0 {
		return fmt.Errorf("mail.retry_max must be >= 0")
	}
	for _, d := range []struct{ path, raw string }{
		{"mail.send_timeout", m.SendTimeout},
		{"mail.retry_base", m.RetryBase},
		{"mail.retry_max_delay", m.RetryMaxDelay},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}

func validateSource(s SourceConfig) error {
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "", "store":
	case "api":
		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("source.url is required when source.driver=api")
		}
	case "file":
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("source.path is required when source.driver=file")
		}
	default:
		return fmt.Errorf("unknown source.driver: %s", s.Driver)
	}
	_, err := ParseDurationField("source.timeout", s.Timeout)
	return err
}

// LoadLocation resolves a timezone name. Empty means time.Local.
func LoadLocation(path, name string) (*time.Location, error) {
	tz := strings.TrimSpace(name)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid %q: %w", path, tz, err)
	}
	return loc, nil
}

// ResolvedPassword returns Password, or the value of PasswordEnv when Password is empty.
func (m MailConfig) ResolvedPassword() string {
	if m.Password != "" {
		return m.Password
	}
	if env := strings.TrimSpace(m.PasswordEnv); env != "" {
		return os.Getenv(env)
	}
	return ""
}
