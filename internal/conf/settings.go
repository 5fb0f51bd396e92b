// Package conf loads and validates offlinecache configuration.
package conf

import (
	"sync"
)

// Settings is the full service configuration.
type Settings struct {
	Worker       WorkerSettings       `mapstructure:"worker" yaml:"worker"`
	Server       ServerSettings       `mapstructure:"server" yaml:"server"`
	Storage      StorageSettings      `mapstructure:"storage" yaml:"storage"`
	Notification NotificationSettings `mapstructure:"notification" yaml:"notification"`
	MQTT         MQTTSettings         `mapstructure:"mqtt" yaml:"mqtt"`
	Log          LogSettings          `mapstructure:"log" yaml:"log"`
	Sentry       SentrySettings       `mapstructure:"sentry" yaml:"sentry"`
}

// WorkerSettings configures the offline cache manager.
type WorkerSettings struct {
	Version          string   `mapstructure:"version" yaml:"version"`                     // cache generation name, e.g. axcelis-parts-v1.0
	Scope            string   `mapstructure:"scope" yaml:"scope"`                         // absolute URL the manifest resolves against
	Manifest         []string `mapstructure:"manifest" yaml:"manifest"`                   // URLs pre-cached at install
	FallbackDocument string   `mapstructure:"fallback_document" yaml:"fallback_document"` // served to offline navigations
	IgnoredSchemes   []string `mapstructure:"ignored_schemes" yaml:"ignored_schemes"`     // never intercepted
}

// ServerSettings configures the HTTP host.
type ServerSettings struct {
	Listen          string        `mapstructure:"listen" yaml:"listen"`
	Upstream        string        `mapstructure:"upstream" yaml:"upstream"` // origin serving the scope, "" fetches the scope directly
	ReadTimeout     Duration      `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration      `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout Duration      `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	PushRateLimit   float64       `mapstructure:"push_rate_limit" yaml:"push_rate_limit"` // push requests per second per client IP
	Admin           AdminSettings `mapstructure:"admin" yaml:"admin"`
}

// AdminSettings protects the /_worker routes with HTTP basic auth. An empty
// password hash leaves them open.
type AdminSettings struct {
	Username     string `mapstructure:"username" yaml:"username"`
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash"` // bcrypt
}

// Storage backend types.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageMySQL  = "mysql"
)

// StorageSettings selects the cache storage backend.
type StorageSettings struct {
	Type string `mapstructure:"type" yaml:"type"`
	Path string `mapstructure:"path" yaml:"path"` // sqlite database file
	DSN  string `mapstructure:"dsn" yaml:"dsn"`   // mysql data source name
}

// NotificationSettings configures push notification display.
type NotificationSettings struct {
	DefaultTitle string       `mapstructure:"default_title" yaml:"default_title"`
	DefaultBody  string       `mapstructure:"default_body" yaml:"default_body"`
	DefaultURL   string       `mapstructure:"default_url" yaml:"default_url"`
	Icon         string       `mapstructure:"icon" yaml:"icon"`
	Badge        string       `mapstructure:"badge" yaml:"badge"`
	Retention    Duration     `mapstructure:"retention" yaml:"retention"`
	Push         []PushTarget `mapstructure:"push" yaml:"push"`
}

// PushTarget forwards displayed notifications to external services.
type PushTarget struct {
	Name    string   `mapstructure:"name" yaml:"name"`
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	URLs    []string `mapstructure:"urls" yaml:"urls"` // shoutrrr service URLs
	Timeout Duration `mapstructure:"timeout" yaml:"timeout"`
}

// MQTTSettings configures the MQTT push source.
type MQTTSettings struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker   string `mapstructure:"broker" yaml:"broker"`
	Topic    string `mapstructure:"topic" yaml:"topic"`
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	QoS      byte   `mapstructure:"qos" yaml:"qos"`
}

// LogSettings configures the logger.
type LogSettings struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // "text" or "json"
}

// SentrySettings configures optional error telemetry.
type SentrySettings struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN         string `mapstructure:"dsn" yaml:"dsn"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

var (
	settingsInstance *Settings
	settingsMu       sync.RWMutex
)

// GetSettings returns the most recently loaded settings, or nil.
func GetSettings() *Settings {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return settingsInstance
}

func setSettings(s *Settings) {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	settingsInstance = s
}
