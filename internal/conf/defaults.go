package conf

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultVersion is the cache generation shipped with this build.
const DefaultVersion = "axcelis-parts-v1.0"

// DefaultManifest lists the resources pre-cached at install.
var DefaultManifest = []string{
	"./",
	"./index.html",
	"./manifest.json",
	"https://unpkg.com/react@18/umd/react.production.min.js",
	"https://unpkg.com/react-dom@18/umd/react-dom.production.min.js",
	"https://unpkg.com/@babel/standalone/babel.min.js",
	"https://unpkg.com/papaparse@5/papaparse.min.js",
}

// DefaultIgnoredSchemes are browser extension pseudo-protocols.
var DefaultIgnoredSchemes = []string{"chrome-extension", "moz-extension"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.version", DefaultVersion)
	v.SetDefault("worker.scope", "http://localhost:8080/")
	v.SetDefault("worker.manifest", DefaultManifest)
	v.SetDefault("worker.fallback_document", "./index.html")
	v.SetDefault("worker.ignored_schemes", DefaultIgnoredSchemes)

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.upstream", "http://localhost:3000/")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.push_rate_limit", 5.0)

	v.SetDefault("storage.type", StorageSQLite)
	v.SetDefault("storage.path", "offlinecache.db")

	v.SetDefault("notification.default_title", "AXCELIS Parts Search")
	v.SetDefault("notification.default_body", "You have a new notification.")
	v.SetDefault("notification.default_url", "./")
	v.SetDefault("notification.icon", "./icon-192.png")
	v.SetDefault("notification.badge", "./icon-192.png")
	v.SetDefault("notification.retention", (24 * time.Hour).String())

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.topic", "offlinecache/push")
	v.SetDefault("mqtt.client_id", "offlinecache")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}
