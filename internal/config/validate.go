package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/bcrypt"

	"msgate/internal/session"
	"msgate/pkg/logx"
)

// CronParser accepts standard 5-field specs and descriptors ("@every 1h").
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks every field that would otherwise fail later at apply time.
// All problems are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("server.read_timeout", c.Server.ReadTimeout)
	dur("server.write_timeout", c.Server.WriteTimeout)
	dur("server.idle_timeout", c.Server.IdleTimeout)
	if c.Server.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be >= 0"))
	}
	if c.Server.MaxRestarts < -1 {
		errs = append(errs, errors.New("server.max_restarts must be >= -1"))
	}
	if h := strings.TrimSpace(c.Server.APIKeyBcrypt); h != "" {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			errs = append(errs, fmt.Errorf("server.api_key_bcrypt: %w", err))
		}
	}

	if !logx.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}

	if st := c.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, errors.New("storage.path is required"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	s := c.Sessions
	if id := strings.TrimSpace(s.DefaultID); id != "" && !session.ValidID(id) {
		errs = append(errs, fmt.Errorf("sessions.default_id: invalid id %q", id))
	}
	switch ProviderKind(s.Provider) {
	case ProviderSimulated:
	case ProviderTelegram:
		for id := range s.Telegram.Tokens {
			if !session.ValidID(id) {
				errs = append(errs, fmt.Errorf("sessions.telegram.tokens: invalid session id %q", id))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("sessions.provider: unknown provider %q", s.Provider))
	}
	dur("sessions.init_timeout", s.InitTimeout)
	dur("sessions.ready_grace", s.ReadyGrace)
	dur("sessions.simulated.link_delay", s.Simulated.LinkDelay)
	dur("sessions.simulated.send_latency", s.Simulated.SendLatency)
	dur("sessions.telegram.timeout", s.Telegram.Timeout)

	d := c.Dispatch
	dur("dispatch.ready_wait", d.ReadyWait)
	dur("dispatch.send_timeout", d.SendTimeout)
	dur("dispatch.retry_base", d.RetryBase)
	dur("dispatch.retry_max_delay", d.RetryMaxDelay)
	dur("dispatch.text_delay", d.TextDelay)
	dur("dispatch.media_delay", d.MediaDelay)
	dur("dispatch.status_ttl", d.StatusTTL)
	for path, v := range map[string]int{
		"dispatch.retry_max":  d.RetryMax,
		"dispatch.workers":    d.Workers,
		"dispatch.queue_size": d.QueueSize,
		"dispatch.status_max": d.StatusMax,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", path))
		}
	}
	if strings.ContainsAny(d.AddressSuffix, " \t") {
		errs = append(errs, errors.New("dispatch.address_suffix must not contain whitespace"))
	}

	mt := c.Maintenance
	if tz := strings.TrimSpace(mt.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.timezone: %w", err))
		}
	}
	for path, spec := range map[string]string{
		"maintenance.restore":          mt.Restore,
		"maintenance.prune_sessions":   mt.PruneSessions,
		"maintenance.prune_deliveries": mt.PruneDeliveries,
	} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := CronParser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	dur("maintenance.failed_session_age", mt.FailedSessionAge)
	dur("maintenance.delivery_max_age", mt.DeliveryMaxAge)

	for name := range c.Templates {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("templates: empty template name"))
		}
	}
	return errors.Join(errs...)
}

type Provider string

const (
	ProviderSimulated Provider = "simulated"
	ProviderTelegram  Provider = "telegram"
)

// ProviderKind normalizes sessions.provider; empty selects the simulated provider.
func ProviderKind(raw string) Provider {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ProviderSimulated
	}
	return Provider(s)
}
