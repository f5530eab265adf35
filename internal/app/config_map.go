package app

import (
	"fmt"
	"strings"
	"time"

	"labkeeper/internal/config"
	"labkeeper/internal/httpapi"
	"labkeeper/internal/ledger"
	"labkeeper/internal/mail"
	"labkeeper/internal/notifier"
	"labkeeper/internal/notify"
	"labkeeper/internal/scheduler"
	"labkeeper/internal/storage"
	logx "labkeeper/pkg/logx"
)

const defaultMetricsPath = "/metrics"

func mapLogging(cfg *config.Config, verbose bool) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
	if verbose {
		lc.Level = "debug"
		lc.Console = true
	}
	return lc
}

func mapStorageConfig(cfg *config.Config, loc *time.Location) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	if (driver == "" || strings.HasPrefix(driver, "sqlite")) && path == "" {
		path = "inventory.db"
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxOpen:     sc.MaxOpen,
		Location:    loc,
	}, nil
}

func mapLedgerConfig(cfg *config.Config) (ledger.Config, error) {
	lc := cfg.Ledger
	busy, err := config.ParseDurationOrDefault("ledger.busy_timeout", lc.BusyTimeout, 5*time.Second)
	if err != nil {
		return ledger.Config{}, err
	}
	ttl, err := config.ParseDurationField("ledger.lock_ttl", lc.LockTTL)
	if err != nil {
		return ledger.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(lc.Driver))
	path := strings.TrimSpace(lc.Path)
	if path == "" {
		switch driver {
		case "", "file", "json":
			path = "notification_history.json"
		case "sqlite", "sqlite3":
			path = "notification_history.db"
		}
	}
	return ledger.Config{
		Driver:      driver,
		Path:        path,
		BusyTimeout: busy,
		LockTTL:     ttl,
		Redis: ledger.RedisConfig{
			Addr:     strings.TrimSpace(lc.Redis.Addr),
			Password: lc.Redis.Password,
			DB:       lc.Redis.DB,
			Prefix:   strings.TrimSpace(lc.Redis.Prefix),
		},
	}, nil
}

func mapMailConfig(cfg *config.Config) (mail.Config, error) {
	mc := cfg.Mail
	sendTimeout, err := config.ParseDurationField("mail.send_timeout", mc.SendTimeout)
	if err != nil {
		return mail.Config{}, err
	}
	retryBase, err := config.ParseDurationField("mail.retry_base", mc.RetryBase)
	if err != nil {
		return mail.Config{}, err
	}
	retryMax, err := config.ParseDurationField("mail.retry_max_delay", mc.RetryMaxDelay)
	if err != nil {
		return mail.Config{}, err
	}
	return mail.Config{
		Driver:        mc.Driver,
		Host:          strings.TrimSpace(mc.Host),
		Port:          mc.Port,
		Username:      mc.Username,
		Password:      mc.ResolvedPassword(),
		From:          strings.TrimSpace(mc.From),
		FromName:      mc.FromName,
		ReplyTo:       strings.TrimSpace(mc.ReplyTo),
		TLS:           mc.TLS,
		SendTimeout:   sendTimeout,
		RatePerSec:    mc.RatePerSec,
		RetryMax:      mc.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMax,
	}, nil
}

func mapSourceConfig(cfg *config.Config) (notify.SourceConfig, error) {
	timeout, err := config.ParseDurationField("source.timeout", cfg.Source.Timeout)
	if err != nil {
		return notify.SourceConfig{}, err
	}
	return notify.SourceConfig{
		Driver:  cfg.Source.Driver,
		URL:     cfg.Source.URL,
		Path:    cfg.Source.Path,
		Timeout: timeout,
	}, nil
}

// usesStore reports whether notification runs read from the local item store.
func usesStore(cfg *config.Config) bool {
	d := strings.ToLower(strings.TrimSpace(cfg.Source.Driver))
	return d == "" || d == "store"
}

type runnerParts struct {
	composer notify.ComposerConfig
	disp     notify.DispatcherConfig
	runner   notify.RunnerConfig
}

func mapNotifyConfig(cfg *config.Config, mc mail.Config) (runnerParts, error) {
	loc, err := config.LoadLocation("notify.timezone", cfg.Notify.Timezone)
	if err != nil {
		return runnerParts{}, err
	}
	lockTimeout, err := config.ParseDurationField("ledger.lock_timeout", cfg.Ledger.LockTimeout)
	if err != nil {
		return runnerParts{}, err
	}
	saveTimeout, err := config.ParseDurationField("ledger.save_timeout", cfg.Ledger.SaveTimeout)
	if err != nil {
		return runnerParts{}, err
	}
	return runnerParts{
		composer: notify.ComposerConfig{
			LabName:  strings.TrimSpace(cfg.Notify.LabName),
			AppURL:   strings.TrimSpace(cfg.Notify.AppURL),
			Location: loc,
		},
		disp: notify.DispatcherConfig{
			Location:    loc,
			GateAll:     cfg.Notify.GateAllCategories,
			SendTimeout: mc.SendTimeout,
		},
		runner: notify.RunnerConfig{
			Location:    loc,
			LockTimeout: lockTimeout,
			SaveTimeout: saveTimeout,
		},
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := config.DefaultNotifier()
	if cfg.Notifier != nil {
		nc = *cfg.Notifier
	}
	window, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("notifier.send_timeout", nc.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	if nc.Workers < 0 || nc.QueueSize < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.workers and notifier.queue_size must be >= 0")
	}
	return notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		DedupWindow:     window,
		DedupMaxEntries: nc.DedupMaxEntries,
		SendTimeout:     sendTimeout,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

func mapHTTPConfig(cfg *config.Config, loc *time.Location, version string) (httpapi.Config, error) {
	hc := cfg.HTTP
	var durs [4]time.Duration
	for i, d := range []struct{ path, raw string }{
		{"http.read_timeout", hc.ReadTimeout},
		{"http.write_timeout", hc.WriteTimeout},
		{"http.idle_timeout", hc.IdleTimeout},
		{"http.shutdown_timeout", hc.ShutdownTimeout},
	} {
		v, err := config.ParseDurationField(d.path, d.raw)
		if err != nil {
			return httpapi.Config{}, err
		}
		durs[i] = v
	}
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = strings.TrimSpace(cfg.Metrics.Path)
		if metricsPath == "" {
			metricsPath = defaultMetricsPath
		}
	}
	return httpapi.Config{
		Addr:            strings.TrimSpace(hc.Addr),
		StaticDir:       strings.TrimSpace(hc.StaticDir),
		MetricsPath:     metricsPath,
		ServiceName:     "labkeeper",
		Version:         version,
		Location:        loc,
		ReadTimeout:     durs[0],
		WriteTimeout:    durs[1],
		IdleTimeout:     durs[2],
		ShutdownTimeout: durs[3],
		Pprof: httpapi.PprofConfig{
			Enabled:       hc.Pprof.Enabled,
			Prefix:        hc.Pprof.Prefix,
			Token:         hc.Pprof.Token,
			AllowInsecure: hc.Pprof.AllowInsecure,
		},
	}, nil
}
