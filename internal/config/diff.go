package config

import (
	"strings"

	logx "herald/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.GlobalRatePerSec != newCfg.Telegram.GlobalRatePerSec ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.global_rate_per_sec", newCfg.Telegram.GlobalRatePerSec),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage is fixed at startup; flag the change so operators know a
	// restart is required instead of silently ignoring it.
	if !strings.EqualFold(strings.TrimSpace(oldCfg.Storage.Driver), strings.TrimSpace(newCfg.Storage.Driver)) ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
		)
	}

	// HTTP
	if oldCfg.HTTP.Enabled != newCfg.HTTP.Enabled ||
		strings.TrimSpace(oldCfg.HTTP.Addr) != strings.TrimSpace(newCfg.HTTP.Addr) ||
		strings.TrimSpace(oldCfg.HTTP.ReadTimeout) != strings.TrimSpace(newCfg.HTTP.ReadTimeout) ||
		strings.TrimSpace(oldCfg.HTTP.WriteTimeout) != strings.TrimSpace(newCfg.HTTP.WriteTimeout) ||
		strings.TrimSpace(oldCfg.HTTP.IdleTimeout) != strings.TrimSpace(newCfg.HTTP.IdleTimeout) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
		)
	}

	// Dispatch
	if strings.TrimSpace(oldCfg.Dispatch.IdleDelay) != strings.TrimSpace(newCfg.Dispatch.IdleDelay) ||
		strings.TrimSpace(oldCfg.Dispatch.SkipDelay) != strings.TrimSpace(newCfg.Dispatch.SkipDelay) ||
		strings.TrimSpace(oldCfg.Dispatch.ErrorBackoff) != strings.TrimSpace(newCfg.Dispatch.ErrorBackoff) ||
		strings.TrimSpace(oldCfg.Dispatch.LogRetention) != strings.TrimSpace(newCfg.Dispatch.LogRetention) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.idle_delay", strings.TrimSpace(newCfg.Dispatch.IdleDelay)),
			logx.String("dispatch.error_backoff", strings.TrimSpace(newCfg.Dispatch.ErrorBackoff)),
			logx.String("dispatch.log_retention", strings.TrimSpace(newCfg.Dispatch.LogRetention)),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	return changed, attrs
}
