package recipe

import (
	"os"
	"path"
	"strings"
	"testing"
	"time"
)

const minimalRecipe = `
version: 1
source:
  dir: ./copilot
`

func decodeOrFatal(t *testing.T, raw string) Recipe {
	t.Helper()
	decoded, err := Decode(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("Expected recipe to decode, got error: %s", err)
	}
	return decoded
}

func TestDecode_Defaults(t *testing.T) {
	decoded := decodeOrFatal(t, minimalRecipe)

	if decoded.BaseImage != DefaultBaseImage {
		t.Fatalf("Expected base image %q, got %q", DefaultBaseImage, decoded.BaseImage)
	}
	if decoded.Manifest != DefaultManifest {
		t.Fatalf("Expected manifest %q, got %q", DefaultManifest, decoded.Manifest)
	}
	if decoded.Port != 8000 {
		t.Fatalf("Expected port 8000, got %d", decoded.Port)
	}
	if decoded.Probe.Path != "/health" {
		t.Fatalf("Expected probe path /health, got %q", decoded.Probe.Path)
	}
	if decoded.Probe.Interval.Std() != 30*time.Second {
		t.Fatalf("Expected probe interval 30s, got %s", decoded.Probe.Interval)
	}
	if decoded.Probe.Timeout.Std() != 30*time.Second {
		t.Fatalf("Expected probe timeout 30s, got %s", decoded.Probe.Timeout)
	}
	if decoded.Probe.StartPeriod.Std() != 5*time.Second {
		t.Fatalf("Expected probe start period 5s, got %s", decoded.Probe.StartPeriod)
	}
	if decoded.Probe.Retries != 3 {
		t.Fatalf("Expected 3 probe retries, got %d", decoded.Probe.Retries)
	}
}

func TestDecode_ProbeOverrides(t *testing.T) {
	decoded := decodeOrFatal(t, `
version: 1
source:
  dir: ./copilot
probe:
  path: /livez
  interval: 10s
  retries: 5
`)

	if decoded.Probe.Path != "/livez" {
		t.Fatalf("Expected probe path /livez, got %q", decoded.Probe.Path)
	}
	if decoded.Probe.Interval.Std() != 10*time.Second {
		t.Fatalf("Expected probe interval 10s, got %s", decoded.Probe.Interval)
	}
	if decoded.Probe.Retries != 5 {
		t.Fatalf("Expected 5 probe retries, got %d", decoded.Probe.Retries)
	}
	// Untouched fields keep their defaults.
	if decoded.Probe.Timeout.Std() != 30*time.Second {
		t.Fatalf("Expected probe timeout 30s, got %s", decoded.Probe.Timeout)
	}
}

func TestDecode_RejectsMissingSource(t *testing.T) {
	_, err := Decode(strings.NewReader(`version: 1`))
	if err == nil {
		t.Fatal("Expected error for recipe without a source")
	}
}

func TestDecode_RejectsBothSources(t *testing.T) {
	_, err := Decode(strings.NewReader(`
version: 1
source:
  dir: ./copilot
  github:
    owner: someone
    repository: copilot
    revision: main
`))
	if err == nil {
		t.Fatal("Expected error for recipe with two sources")
	}
}

func TestDecode_RejectsReservedEnv(t *testing.T) {
	_, err := Decode(strings.NewReader(`
version: 1
source:
  dir: ./copilot
env:
  PYTHONPATH: /elsewhere
`))
	if err == nil {
		t.Fatal("Expected error for recipe overriding PYTHONPATH")
	}
}

func TestDecode_RejectsScriptAndModule(t *testing.T) {
	_, err := Decode(strings.NewReader(`
version: 1
source:
  dir: ./copilot
entrypoint:
  module: ai_erp_copilot.main
  script: run.py
`))
	if err == nil {
		t.Fatal("Expected error for recipe with both entrypoint forms")
	}
}

func TestDecode_RejectsMalformedModule(t *testing.T) {
	_, err := Decode(strings.NewReader(`
version: 1
source:
  dir: ./copilot
entrypoint:
  module: "ai..main"
`))
	if err == nil {
		t.Fatal("Expected error for malformed module path")
	}
}

func TestEntrypointCommand_Module(t *testing.T) {
	entrypoint := Entrypoint{Module: "ai_erp_copilot.main", App: "app"}

	command := strings.Join(entrypoint.Command(8000), " ")
	expected := "uvicorn ai_erp_copilot.main:app --host 0.0.0.0 --port 8000"
	if command != expected {
		t.Fatalf("Expected command %q, got %q", expected, command)
	}
}

func TestEntrypointCommand_Script(t *testing.T) {
	entrypoint := Entrypoint{Script: "run.py"}

	command := strings.Join(entrypoint.Command(8000), " ")
	if command != "python run.py" {
		t.Fatalf("Expected command 'python run.py', got %q", command)
	}
}

func TestEffectiveEnv(t *testing.T) {
	decoded := decodeOrFatal(t, `
version: 1
source:
  dir: ./copilot
env:
  ODOO_URL: http://odoo:8069
`)

	env := decoded.EffectiveEnv()
	if env["PYTHONPATH"] != "/app" {
		t.Fatalf("Expected PYTHONPATH=/app, got %q", env["PYTHONPATH"])
	}
	if env["PYTHONUNBUFFERED"] != "1" {
		t.Fatalf("Expected PYTHONUNBUFFERED=1, got %q", env["PYTHONUNBUFFERED"])
	}
	if env["ODOO_URL"] != "http://odoo:8069" {
		t.Fatalf("Expected ODOO_URL to be kept, got %q", env["ODOO_URL"])
	}
}

func writeSourceTree(t *testing.T, files ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, file := range files {
		fullPath := path.Join(dir, file)
		err := os.MkdirAll(path.Dir(fullPath), 0755)
		if err != nil {
			t.Fatal(err)
		}
		err = os.WriteFile(fullPath, []byte("# placeholder\n"), 0644)
		if err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestResolveEntrypoint_DerivesModuleFromTree(t *testing.T) {
	dir := writeSourceTree(t, "ai_erp_copilot/main.py", "requirements.txt")

	decoded := decodeOrFatal(t, minimalRecipe)
	err := decoded.ResolveEntrypoint(dir)
	if err != nil {
		t.Fatalf("Expected entrypoint to resolve, got error: %s", err)
	}

	if decoded.Entrypoint.Module != "ai_erp_copilot.main" {
		t.Fatalf("Expected module ai_erp_copilot.main, got %q", decoded.Entrypoint.Module)
	}
	if decoded.Entrypoint.App != "app" {
		t.Fatalf("Expected app object 'app', got %q", decoded.Entrypoint.App)
	}
}

func TestResolveEntrypoint_RejectsModuleNotInTree(t *testing.T) {
	dir := writeSourceTree(t, "ai_erp_copilot/main.py", "requirements.txt")

	decoded := decodeOrFatal(t, `
version: 1
source:
  dir: ./copilot
entrypoint:
  module: ai.erp.copilot.main
`)

	err := decoded.ResolveEntrypoint(dir)
	if err == nil {
		t.Fatal("Expected error for module whose package directory doesn't exist")
	}
}

func TestResolveEntrypoint_BareModuleNeedsFile(t *testing.T) {
	dir := writeSourceTree(t, "main.py", "requirements.txt")

	decoded := decodeOrFatal(t, `
version: 1
source:
  dir: ./copilot
entrypoint:
  module: main
`)

	err := decoded.ResolveEntrypoint(dir)
	if err != nil {
		t.Fatalf("Expected bare module to resolve against main.py, got error: %s", err)
	}
}

func TestResolveEntrypoint_AmbiguousTree(t *testing.T) {
	dir := writeSourceTree(t, "ai_erp_copilot/main.py", "other_pkg/main.py")

	decoded := decodeOrFatal(t, minimalRecipe)
	err := decoded.ResolveEntrypoint(dir)
	if err == nil {
		t.Fatal("Expected error for tree with two candidate packages")
	}
}

func TestResolveEntrypoint_MissingScript(t *testing.T) {
	dir := writeSourceTree(t, "requirements.txt")

	decoded := decodeOrFatal(t, `
version: 1
source:
  dir: ./copilot
entrypoint:
  script: run.py
`)

	err := decoded.ResolveEntrypoint(dir)
	if err == nil {
		t.Fatal("Expected error for missing entrypoint script")
	}
}
