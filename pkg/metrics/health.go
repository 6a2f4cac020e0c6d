package metrics

import (
	"sync"
	"time"
)

// HealthStatus represents the health status of the server
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Degraded   []string          `json:"degraded_resources,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

var healthChecker = &HealthChecker{
	components: make(map[string]ComponentHealth),
	startTime:  time.Now(),
}

// ComponentHealth tracks the health of a single component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker manages health state for server components
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	degraded   map[string]bool
	startTime  time.Time
	version    string
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// RegisterComponent registers a component for health reporting
func RegisterComponent(name string, healthy bool, message string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()

	healthChecker.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// UpdateComponent updates the health status of a component
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// MarkDegraded records a resource made unavailable by degraded mode.
// Degraded resources lower the overall status to "degraded" but never to
// "unhealthy"; features stay enabled for every other resource.
func MarkDegraded(resource string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()

	if healthChecker.degraded == nil {
		healthChecker.degraded = make(map[string]bool)
	}
	healthChecker.degraded[resource] = true
	DegradedResources.Set(float64(len(healthChecker.degraded)))
}

// ClearDegraded marks a previously degraded resource available again.
func ClearDegraded(resource string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()

	delete(healthChecker.degraded, resource)
	DegradedResources.Set(float64(len(healthChecker.degraded)))
}

// GetHealth returns the overall health status
func GetHealth() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string)

	for name, comp := range healthChecker.components {
		if !comp.Healthy {
			status = "unhealthy"
			components[name] = "unhealthy: " + comp.Message
		} else {
			components[name] = "healthy"
		}
	}

	var degraded []string
	for resource := range healthChecker.degraded {
		degraded = append(degraded, resource)
	}
	if status == "healthy" && len(degraded) > 0 {
		status = "degraded"
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Degraded:   degraded,
		Version:    healthChecker.version,
		Uptime:     time.Since(healthChecker.startTime).String(),
	}
}

// Reset clears all health state. Intended for tests.
func Reset() {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.components = make(map[string]ComponentHealth)
	healthChecker.degraded = nil
	DegradedResources.Set(0)
}
