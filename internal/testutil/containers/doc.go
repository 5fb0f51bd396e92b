// Package containers starts disposable Docker services for integration tests.
//
// Every helper is guarded by the "integration" build tag:
//
//	//go:build integration
//
// Available services:
//
//   - MySQL 8.0, backing the SQL cache storage
//   - Eclipse Mosquitto, delivering push payloads over MQTT
//   - ntfy, receiving forwarded notifications
//
// Containers are usually started once per package from TestMain and
// terminated after m.Run returns.
//
//nolint:misspell // Mosquitto is the official Eclipse project name
package containers
