package conf

import (
	"net/url"
	"slices"
	"strings"

	"github.com/spf13/viper"
	"github.com/tphakala/offlinecache/internal/errors"
	"golang.org/x/crypto/bcrypt"
)

// EnvPrefix prefixes environment overrides, e.g. OFFLINECACHE_WORKER_VERSION.
const EnvPrefix = "OFFLINECACHE"

// Load reads configuration from path (optional), the environment and defaults,
// validates it and makes it available through GetSettings.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.New(err).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("path", path).
				Build()
		}
	}

	var s Settings
	if err := v.Unmarshal(&s, viper.DecodeHook(DurationDecodeHook())); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal").
			Build()
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	setSettings(&s)
	return &s, nil
}

// Validate checks invariants that would otherwise fail late at runtime.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.Worker.Version) == "" {
		return validationError("worker.version must not be empty", "worker.version", s.Worker.Version)
	}

	scope, err := url.Parse(s.Worker.Scope)
	if err != nil || !scope.IsAbs() || scope.Host == "" {
		return validationError("worker.scope must be an absolute URL", "worker.scope", s.Worker.Scope)
	}

	if len(s.Worker.Manifest) == 0 {
		return validationError("worker.manifest must list at least one URL", "worker.manifest", s.Worker.Manifest)
	}
	for _, entry := range s.Worker.Manifest {
		if _, err := url.Parse(entry); err != nil {
			return validationError("worker.manifest contains an invalid URL", "entry", entry)
		}
	}

	if s.Worker.FallbackDocument == "" {
		return validationError("worker.fallback_document must not be empty", "worker.fallback_document", "")
	}

	if s.Server.Upstream != "" {
		upstream, err := url.Parse(s.Server.Upstream)
		if err != nil || !upstream.IsAbs() || upstream.Host == "" {
			return validationError("server.upstream must be an absolute URL", "server.upstream", s.Server.Upstream)
		}
	}

	if hash := s.Server.Admin.PasswordHash; hash != "" {
		if s.Server.Admin.Username == "" {
			return validationError("server.admin.username is required with a password hash", "server.admin.username", "")
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return validationError("server.admin.password_hash is not a bcrypt hash", "server.admin.password_hash", "<redacted>")
		}
	}

	validStorage := []string{StorageMemory, StorageSQLite, StorageMySQL}
	if !slices.Contains(validStorage, s.Storage.Type) {
		return validationError("storage.type must be memory, sqlite or mysql", "storage.type", s.Storage.Type)
	}
	if s.Storage.Type == StorageSQLite && s.Storage.Path == "" {
		return validationError("storage.path is required for sqlite", "storage.path", "")
	}
	if s.Storage.Type == StorageMySQL && s.Storage.DSN == "" {
		return validationError("storage.dsn is required for mysql", "storage.dsn", "")
	}

	if s.MQTT.Enabled {
		if s.MQTT.Broker == "" || s.MQTT.Topic == "" {
			return validationError("mqtt.broker and mqtt.topic are required when mqtt is enabled", "mqtt.broker", s.MQTT.Broker)
		}
		if s.MQTT.QoS > 2 {
			return validationError("mqtt.qos must be 0, 1 or 2", "mqtt.qos", s.MQTT.QoS)
		}
	}

	for i := range s.Notification.Push {
		target := &s.Notification.Push[i]
		if target.Enabled && len(target.URLs) == 0 {
			return validationError("enabled push target has no urls", "name", target.Name)
		}
	}

	if s.Sentry.Enabled && s.Sentry.DSN == "" {
		return validationError("sentry.dsn is required when sentry is enabled", "sentry.dsn", "")
	}

	return nil
}

// ScopeURL returns the parsed worker scope. Call after Validate.
func (s *Settings) ScopeURL() *url.URL {
	u, _ := url.Parse(s.Worker.Scope)
	return u
}

// UpstreamURL returns the parsed upstream origin, or nil when unset.
func (s *Settings) UpstreamURL() *url.URL {
	if s.Server.Upstream == "" {
		return nil
	}
	u, _ := url.Parse(s.Server.Upstream)
	return u
}

func validationError(msg, key string, value any) error {
	return errors.Newf("%s", msg).
		Component("conf").
		Category(errors.CategoryValidation).
		Context(key, value).
		Build()
}
