package notification

import (
	"sync"

	"github.com/tphakala/offlinecache/internal/errors"
)

// The process-wide service used by handlers built without an explicit one.
var (
	global     *Service
	globalOnce sync.Once
	globalMu   sync.RWMutex
)

// Initialize creates the process-wide service. Later calls are no-ops.
func Initialize(config *ServiceConfig) {
	globalOnce.Do(func() {
		globalMu.Lock()
		defer globalMu.Unlock()
		global = NewService(config)
	})
}

// GetService returns the process-wide service, or nil before Initialize.
func GetService() *Service {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// SetServiceForTesting installs service as the process-wide instance. It
// fails once a service exists.
func SetServiceForTesting(service *Service) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		return errors.Newf("notification service already initialized").
			Component("notification").
			Category(errors.CategorySystem).
			Build()
	}
	global = service
	return nil
}

func resetForTesting() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		global.Stop()
	}
	global = nil
	globalOnce = sync.Once{}
}

// MustGetService is GetService for callers that cannot run without one.
func MustGetService() *Service {
	s := GetService()
	if s == nil {
		panic("notification: service not initialized")
	}
	return s
}

// IsInitialized reports whether a process-wide service exists.
func IsInitialized() bool {
	return GetService() != nil
}
