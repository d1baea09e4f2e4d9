package containermanager

import "testing"

func TestIsStaleContainer_RemovedApp(t *testing.T) {
	configured := map[string]string{"copilot": "slipway_copilot_abc123"}

	if !isStaleContainer(configured, "old-app", []string{"/slipway_old-app_def456"}) {
		t.Fatal("Expected container of removed app to be stale")
	}
}

func TestIsStaleContainer_CurrentVersion(t *testing.T) {
	configured := map[string]string{"copilot": "slipway_copilot_abc123"}

	if isStaleContainer(configured, "copilot", []string{"/slipway_copilot_abc123"}) {
		t.Fatal("Expected container running the current image version to be kept")
	}
}

func TestIsStaleContainer_OutdatedVersion(t *testing.T) {
	// The recipe changed, so the configured container name carries a new
	// image version while the running container still has the old one.
	configured := map[string]string{"copilot": "slipway_copilot_fedcba"}

	if !isStaleContainer(configured, "copilot", []string{"/slipway_copilot_abc123"}) {
		t.Fatal("Expected container running an outdated image version to be stale")
	}
}
