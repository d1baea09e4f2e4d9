package recipe

import (
	"strings"
	"testing"
)

func renderOrFatal(t *testing.T, raw string) string {
	t.Helper()
	decoded := decodeOrFatal(t, raw)
	rendered, err := decoded.Dockerfile()
	if err != nil {
		t.Fatalf("Expected dockerfile to render, got error: %s", err)
	}
	return string(rendered)
}

func TestDockerfile_ManifestBeforeSource(t *testing.T) {
	rendered := renderOrFatal(t, minimalRecipe)

	manifestCopy := strings.Index(rendered, "COPY requirements.txt ./")
	install := strings.Index(rendered, "RUN pip install --no-cache-dir -r requirements.txt")
	sourceCopy := strings.Index(rendered, "COPY . .")

	if manifestCopy == -1 || install == -1 || sourceCopy == -1 {
		t.Fatalf("Missing expected instructions in dockerfile:\n%s", rendered)
	}
	if !(manifestCopy < install && install < sourceCopy) {
		t.Fatalf("Expected manifest copy and install before source copy:\n%s", rendered)
	}
}

func TestDockerfile_Provisioner(t *testing.T) {
	rendered := renderOrFatal(t, `
version: 1
source:
  dir: ./copilot
packages:
  - gcc
  - libpq-dev
`)

	if !strings.Contains(rendered, "FROM python:3.11-slim") {
		t.Fatalf("Expected default base image:\n%s", rendered)
	}
	if !strings.Contains(rendered, "apt-get install -y --no-install-recommends gcc libpq-dev") {
		t.Fatalf("Expected OS packages install:\n%s", rendered)
	}
	if !strings.Contains(rendered, "rm -rf /var/lib/apt/lists/*") {
		t.Fatalf("Expected package cache cleanup:\n%s", rendered)
	}
}

func TestDockerfile_NoPackagesNoAptLayer(t *testing.T) {
	rendered := renderOrFatal(t, minimalRecipe)

	if strings.Contains(rendered, "apt-get") {
		t.Fatalf("Expected no apt layer for empty package list:\n%s", rendered)
	}
}

func TestDockerfile_RuntimeConfiguration(t *testing.T) {
	decoded := decodeOrFatal(t, minimalRecipe)
	decoded.Entrypoint = Entrypoint{Module: "ai_erp_copilot.main", App: "app"}

	rendered, err := decoded.Dockerfile()
	if err != nil {
		t.Fatal(err)
	}
	dockerfile := string(rendered)

	for _, expected := range []string{
		`ENV PYTHONPATH="/app"`,
		`ENV PYTHONUNBUFFERED="1"`,
		"EXPOSE 8000",
		"HEALTHCHECK --interval=30s --timeout=30s --start-period=5s --retries=3",
		`urllib.request.urlopen("http://127.0.0.1:8000/health")`,
		`CMD ["uvicorn","ai_erp_copilot.main:app","--host","0.0.0.0","--port","8000"]`,
	} {
		if !strings.Contains(dockerfile, expected) {
			t.Fatalf("Expected dockerfile to contain %q:\n%s", expected, dockerfile)
		}
	}
}

func TestDockerfile_QuotesEnvValues(t *testing.T) {
	rendered := renderOrFatal(t, `
version: 1
source:
  dir: ./copilot
env:
  GREETING: hello world
  MOTTO: say "hi"
`)

	if !strings.Contains(rendered, `ENV GREETING="hello world"`) {
		t.Fatalf("Expected env value with spaces to be quoted:\n%s", rendered)
	}
	if !strings.Contains(rendered, `ENV MOTTO="say \"hi\""`) {
		t.Fatalf("Expected env value with quotes to be escaped:\n%s", rendered)
	}
}

func TestDockerfile_ScriptEntrypoint(t *testing.T) {
	decoded := decodeOrFatal(t, `
version: 1
source:
  dir: ./copilot
entrypoint:
  script: run.py
`)

	rendered, err := decoded.Dockerfile()
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(string(rendered), `CMD ["python","run.py"]`) {
		t.Fatalf("Expected script CMD:\n%s", rendered)
	}
}

func TestDockerfile_Deterministic(t *testing.T) {
	first := renderOrFatal(t, minimalRecipe)
	second := renderOrFatal(t, minimalRecipe)

	if first != second {
		t.Fatal("Expected dockerfile rendering to be deterministic")
	}
}
