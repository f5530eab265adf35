package config

import (
	"reflect"
	"sort"
	"strings"

	logx "labkeeper/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (DSN, passwords, tokens) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ledger, newCfg.Ledger) {
		changed = append(changed, "ledger")
		attrs = append(attrs, logx.String("ledger.driver", strings.TrimSpace(newCfg.Ledger.Driver)))
	}

	om, nm := oldCfg.Mail, newCfg.Mail
	om.Password, nm.Password = "", ""
	if !reflect.DeepEqual(om, nm) || (oldCfg.Mail.Password == "") != (newCfg.Mail.Password == "") {
		changed = append(changed, "mail")
		attrs = append(attrs,
			logx.String("mail.driver", strings.TrimSpace(newCfg.Mail.Driver)),
			logx.String("mail.host", strings.TrimSpace(newCfg.Mail.Host)),
			logx.Bool("mail.password_set", newCfg.Mail.ResolvedPassword() != ""),
		)
	}

	if oldCfg.Notify != newCfg.Notify {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.String("notify.timezone", strings.TrimSpace(newCfg.Notify.Timezone)),
			logx.Bool("notify.gate_all_categories", newCfg.Notify.GateAllCategories),
		)
	}

	if oldCfg.Source != newCfg.Source {
		changed = append(changed, "source")
		attrs = append(attrs, logx.String("source.driver", strings.TrimSpace(newCfg.Source.Driver)))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.notify_schedule", strings.TrimSpace(newCfg.Scheduler.NotifySchedule)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	oh.Pprof.Token, nh.Pprof.Token = "", ""
	if oh != nh || (oldCfg.HTTP.Pprof.Token == "") != (newCfg.HTTP.Pprof.Token == "") {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.pprof.enabled", newCfg.HTTP.Pprof.Enabled),
			logx.Bool("http.pprof.token_set", strings.TrimSpace(newCfg.HTTP.Pprof.Token) != ""),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}

	// Nil means defaults; compare the effective values.
	oldN, newN := effectiveNotifier(oldCfg), effectiveNotifier(newCfg)
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func effectiveNotifier(cfg *Config) NotifierConfig {
	if cfg.Notifier == nil {
		return DefaultNotifier()
	}
	return *cfg.Notifier
}

// RestartRequired lists changed sections that only take effect on restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "ledger", "mail", "notify", "source", "http", "metrics":
			out = append(out, s)
		}
	}
	return out
}
