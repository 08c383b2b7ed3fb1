package app

import (
	"fmt"
	"strings"
	"time"

	"msgate/internal/config"
	"msgate/internal/dispatch"
	"msgate/internal/httpapi"
	"msgate/internal/maintenance"
	"msgate/internal/provider/simulated"
	"msgate/internal/provider/telegram"
	"msgate/internal/session"
	"msgate/internal/storage"
	"msgate/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		JSON:    l.JSON,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}

func mapServerConfig(cfg *config.Config) (httpapi.Config, error) {
	sc := cfg.Server
	read, err := config.ParseDurationField("server.read_timeout", sc.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationField("server.write_timeout", sc.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("server.idle_timeout", sc.IdleTimeout, 2*time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:         strings.TrimSpace(sc.Addr),
		APIKey:       sc.APIKey,
		APIKeyBcrypt: strings.TrimSpace(sc.APIKeyBcrypt),
		Pprof:        sc.Pprof,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
		MaxBodyBytes: sc.MaxBodyBytes,
		MaxRestarts:  sc.MaxRestarts,
	}, nil
}

// mapStorageConfig reports enabled=false when storage is absent or "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Passphrase: sc.Passphrase}, true, nil
}

type sessionTimeouts struct {
	init       time.Duration
	readyGrace time.Duration
}

func mapSessionTimeouts(cfg *config.Config) (sessionTimeouts, error) {
	s := cfg.Sessions
	init, err := config.ParseDurationOrDefault("sessions.init_timeout", s.InitTimeout, session.DefaultInitTimeout)
	if err != nil {
		return sessionTimeouts{}, err
	}
	grace, err := config.ParseOptionalDuration("sessions.ready_grace", s.ReadyGrace, session.DefaultReadyGrace)
	if err != nil {
		return sessionTimeouts{}, err
	}
	return sessionTimeouts{init: init, readyGrace: grace}, nil
}

// mapProviderFactory selects the provider implementation. onSimulated is
// passed to the simulated factory and may be nil.
func mapProviderFactory(cfg *config.Config, log logx.Logger, onSimulated func(*simulated.Provider)) (session.ProviderFactory, error) {
	s := cfg.Sessions
	switch kind := config.ProviderKind(s.Provider); kind {
	case config.ProviderSimulated:
		link, err := config.ParseDurationField("sessions.simulated.link_delay", s.Simulated.LinkDelay)
		if err != nil {
			return nil, err
		}
		latency, err := config.ParseDurationField("sessions.simulated.send_latency", s.Simulated.SendLatency)
		if err != nil {
			return nil, err
		}
		return simulated.Factory(simulated.Config{LinkDelay: link, SendLatency: latency}, log, onSimulated), nil
	case config.ProviderTelegram:
		timeout, err := config.ParseDurationField("sessions.telegram.timeout", s.Telegram.Timeout)
		if err != nil {
			return nil, err
		}
		return telegram.Factory(telegram.Config{Tokens: s.Telegram.Tokens, Timeout: timeout, URL: s.Telegram.URL}, log), nil
	default:
		return nil, fmt.Errorf("sessions.provider: unknown provider %q", kind)
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	def := dispatch.DefaultConfig()
	out := dispatch.Config{
		RetryMax:      dc.RetryMax,
		CheckAddress:  dc.CheckAddress,
		AddressSuffix: strings.TrimSpace(dc.AddressSuffix),
		Workers:       dc.Workers,
		QueueSize:     dc.QueueSize,
		StatusMax:     dc.StatusMax,
	}
	fields := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
		zero bool // an explicit "0s" disables instead of selecting def
	}{
		{"dispatch.ready_wait", dc.ReadyWait, def.ReadyWait, &out.ReadyWait, false},
		{"dispatch.send_timeout", dc.SendTimeout, def.SendTimeout, &out.SendTimeout, false},
		{"dispatch.retry_base", dc.RetryBase, def.RetryBase, &out.RetryBase, false},
		{"dispatch.retry_max_delay", dc.RetryMaxDelay, def.RetryMaxDelay, &out.RetryMaxDelay, false},
		{"dispatch.text_delay", dc.TextDelay, def.TextDelay, &out.TextDelay, true},
		{"dispatch.media_delay", dc.MediaDelay, def.MediaDelay, &out.MediaDelay, true},
		{"dispatch.status_ttl", dc.StatusTTL, def.StatusTTL, &out.StatusTTL, false},
	}
	for _, f := range fields {
		var (
			d   time.Duration
			err error
		)
		if f.zero {
			d, err = config.ParseOptionalDuration(f.path, f.raw, f.def)
		} else {
			d, err = config.ParseDurationOrDefault(f.path, f.raw, f.def)
		}
		if err != nil {
			return dispatch.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	mc := cfg.Maintenance
	failedAge, err := config.ParseDurationField("maintenance.failed_session_age", mc.FailedSessionAge)
	if err != nil {
		return maintenance.Config{}, err
	}
	deliveryAge, err := config.ParseDurationField("maintenance.delivery_max_age", mc.DeliveryMaxAge)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		Timezone:         mc.Timezone,
		RestoreOnStart:   mc.RestoreOnStart,
		Restore:          mc.Restore,
		PruneSessions:    mc.PruneSessions,
		FailedSessionAge: failedAge,
		PruneDeliveries:  mc.PruneDeliveries,
		DeliveryMaxAge:   deliveryAge,
	}, nil
}

// checkMappings runs every mapper so a reload is rejected before commit if
// any component would refuse it.
func checkMappings(cfg *config.Config) error {
	if _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSessionTimeouts(cfg); err != nil {
		return err
	}
	if _, err := mapProviderFactory(cfg, logx.Nop(), nil); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	_, err := mapMaintenanceConfig(cfg)
	return err
}
