package metrics

import (
	"testing"
	"time"
)

func resetHealth() {
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
}

func TestRegisterComponent(t *testing.T) {
	resetHealth()

	RegisterComponent("queue", true, "running")

	if len(healthChecker.components) != 1 {
		t.Errorf("expected 1 component, got %d", len(healthChecker.components))
	}

	comp := healthChecker.components["queue"]
	if !comp.Healthy {
		t.Error("component should be healthy")
	}

	if comp.Message != "running" {
		t.Errorf("expected message 'running', got '%s'", comp.Message)
	}
}

func TestGetHealth_AllHealthy(t *testing.T) {
	resetHealth()
	healthChecker.version = "1.0.0"

	RegisterComponent("queue", true, "")
	RegisterComponent("api", true, "")

	health := GetHealth()

	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", health.Status)
	}

	if len(health.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(health.Components))
	}

	if health.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", health.Version)
	}
}

func TestGetHealth_OneUnhealthy(t *testing.T) {
	resetHealth()

	RegisterComponent("queue", true, "")
	RegisterComponent("containerd", false, "socket unavailable")

	health := GetHealth()

	if health.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got '%s'", health.Status)
	}

	if health.Components["containerd"] != "unhealthy: socket unavailable" {
		t.Errorf("unexpected component status: %s", health.Components["containerd"])
	}
}

func TestGetHealth_Degraded(t *testing.T) {
	resetHealth()

	RegisterComponent("queue", true, "")
	MarkDegraded("lock:repoA")

	health := GetHealth()

	if health.Status != "degraded" {
		t.Errorf("expected status 'degraded', got '%s'", health.Status)
	}

	if len(health.Degraded) != 1 || health.Degraded[0] != "lock:repoA" {
		t.Errorf("expected degraded resource lock:repoA, got %v", health.Degraded)
	}

	ClearDegraded("lock:repoA")
	health = GetHealth()

	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy' after clearing, got '%s'", health.Status)
	}
}

func TestGetHealth_DegradedNeverUnhealthy(t *testing.T) {
	resetHealth()

	RegisterComponent("queue", true, "")
	MarkDegraded("lock:repoA")
	MarkDegraded("lock:repoB")

	health := GetHealth()

	if health.Status == "unhealthy" {
		t.Error("degraded resources must not mark the server unhealthy")
	}
}
