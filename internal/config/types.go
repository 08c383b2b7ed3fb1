package config

// Config is the on-disk gateway configuration (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Empty fields fall back to the component defaults.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Sessions    SessionsConfig    `json:"sessions"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Maintenance MaintenanceConfig `json:"maintenance"`

	// Templates seeds the template store by name. Reloads re-seed it;
	// templates created over HTTP survive unless the same name is reloaded.
	Templates map[string]string `json:"templates,omitempty"`
}

// ServerConfig controls the HTTP boundary.
//
// Addr is restart-only. Auth keys are hot-reloadable.
type ServerConfig struct {
	Addr string `json:"addr"`

	// APIKey is compared in constant time against the x-api-key header.
	APIKey string `json:"api_key,omitempty"`
	// APIKeyBcrypt is a bcrypt hash of an accepted key.
	APIKeyBcrypt string `json:"api_key_bcrypt,omitempty"`

	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	// MaxBodyBytes caps request bodies; media payloads may carry base64 data.
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`
	// MaxRestarts caps listener rebinds after a serve failure (0 = default, -1 = unlimited).
	MaxRestarts int `json:"max_restarts,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	JSON    bool   `json:"json,omitempty"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

// StorageConfig selects the durable credential store and delivery log.
//
// If the section is omitted, sessions are kept in memory only.
type StorageConfig struct {
	// Driver: "file" | "sqlite" | "none".
	Driver string `json:"driver"`
	// Path is a directory for the file driver and a database file for sqlite.
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// Passphrase seals credential records at rest when set.
	Passphrase string `json:"passphrase,omitempty"`
}

type SessionsConfig struct {
	DefaultID string `json:"default_id,omitempty"`
	// Provider: "simulated" | "telegram". Restart-only.
	Provider    string `json:"provider"`
	InitTimeout string `json:"init_timeout,omitempty"`
	// ReadyGrace synthesizes ready after authentication when the provider
	// stays silent. "0s" disables it.
	ReadyGrace string `json:"ready_grace,omitempty"`

	Simulated SimulatedConfig `json:"simulated"`
	Telegram  TelegramConfig  `json:"telegram"`
}

type SimulatedConfig struct {
	LinkDelay   string `json:"link_delay,omitempty"`
	SendLatency string `json:"send_latency,omitempty"`
}

type TelegramConfig struct {
	// Tokens maps session id to bot token. Sessions without an entry use
	// the token stored in the credential store.
	Tokens  map[string]string `json:"tokens,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
	// URL overrides the Bot API endpoint (self-hosted API servers).
	URL string `json:"url,omitempty"`
}

type DispatchConfig struct {
	ReadyWait     string `json:"ready_wait,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	TextDelay     string `json:"text_delay,omitempty"`
	MediaDelay    string `json:"media_delay,omitempty"`
	CheckAddress  bool   `json:"check_address,omitempty"`
	AddressSuffix string `json:"address_suffix,omitempty"`

	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	StatusMax int    `json:"status_max,omitempty"`
	StatusTTL string `json:"status_ttl,omitempty"`
}

// MaintenanceConfig schedules background housekeeping with cron specs
// (standard 5-field or descriptors like "@every 10m"). Empty specs disable a job.
type MaintenanceConfig struct {
	Timezone string `json:"timezone,omitempty"`

	// RestoreOnStart reconnects every stored session at startup.
	RestoreOnStart bool   `json:"restore_on_start,omitempty"`
	Restore        string `json:"restore,omitempty"`

	PruneSessions string `json:"prune_sessions,omitempty"`
	// FailedSessionAge is how long an errored or disconnected session stays
	// visible before it is dropped from the registry.
	FailedSessionAge string `json:"failed_session_age,omitempty"`

	PruneDeliveries string `json:"prune_deliveries,omitempty"`
	DeliveryMaxAge  string `json:"delivery_max_age,omitempty"`
}
