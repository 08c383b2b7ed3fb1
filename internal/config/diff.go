package config

import (
	"maps"
	"reflect"
	"slices"
	"strings"

	"msgate/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (api keys, tokens, passphrases) are
// only reported as "set" flags. restartOnly lists sections whose change has
// no effect until the process restarts.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restartOnly []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	o, n := oldCfg.Server, newCfg.Server
	if o.Addr != n.Addr || o.Pprof != n.Pprof || o.MaxRestarts != n.MaxRestarts {
		restartOnly = append(restartOnly, "server")
	}
	if !reflect.DeepEqual(o, n) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", strings.TrimSpace(n.Addr)),
			logx.Bool("server.api_key_set", n.APIKey != ""),
			logx.Bool("server.api_key_bcrypt_set", n.APIKeyBcrypt != ""),
			logx.Bool("server.pprof", n.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		restartOnly = append(restartOnly, "storage")
		st := StorageConfig{}
		if newCfg.Storage != nil {
			st = *newCfg.Storage
		}
		attrs = append(attrs,
			logx.String("storage.driver", st.Driver),
			logx.String("storage.path", st.Path),
			logx.Bool("storage.sealed", st.Passphrase != ""),
		)
	}

	oldS, ns := oldCfg.Sessions, newCfg.Sessions
	if ProviderKind(oldS.Provider) != ProviderKind(ns.Provider) ||
		oldS.DefaultID != ns.DefaultID ||
		!reflect.DeepEqual(oldS.Simulated, ns.Simulated) ||
		!reflect.DeepEqual(oldS.Telegram, ns.Telegram) {
		restartOnly = append(restartOnly, "sessions")
	}
	if !reflect.DeepEqual(oldS, ns) {
		changed = append(changed, "sessions")
		attrs = append(attrs,
			logx.String("sessions.provider", string(ProviderKind(ns.Provider))),
			logx.String("sessions.init_timeout", ns.InitTimeout),
			logx.String("sessions.ready_grace", ns.ReadyGrace),
			logx.Strings("sessions.telegram.token_ids", slices.Sorted(maps.Keys(ns.Telegram.Tokens))),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		d := newCfg.Dispatch
		changed = append(changed, "dispatch")
		if oldCfg.Dispatch.Workers != d.Workers || oldCfg.Dispatch.QueueSize != d.QueueSize {
			restartOnly = append(restartOnly, "dispatch.workers")
		}
		attrs = append(attrs,
			logx.String("dispatch.send_timeout", d.SendTimeout),
			logx.Int("dispatch.retry_max", d.RetryMax),
			logx.String("dispatch.text_delay", d.TextDelay),
			logx.String("dispatch.media_delay", d.MediaDelay),
			logx.Bool("dispatch.check_address", d.CheckAddress),
		)
	}

	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		m := newCfg.Maintenance
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.restore", m.Restore),
			logx.String("maintenance.prune_sessions", m.PruneSessions),
			logx.String("maintenance.prune_deliveries", m.PruneDeliveries),
		)
	}

	if !maps.Equal(oldCfg.Templates, newCfg.Templates) {
		changed = append(changed, "templates")
		attrs = append(attrs, logx.Int("templates.count", len(newCfg.Templates)))
	}

	return changed, attrs, restartOnly
}
