package recipe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
)

// One template for all apps. The phase order is load-bearing: the dependency
// manifest is copied and installed before the rest of the source so that
// source-only changes don't invalidate the dependency layer.
const dockerfileTemplate = `FROM {{ .BaseImage }}

{{ if .Packages -}}
RUN apt-get update \
	&& apt-get install -y --no-install-recommends {{ .Packages }} \
	&& rm -rf /var/lib/apt/lists/*

{{ end -}}
WORKDIR {{ .WorkDir }}

COPY {{ .Manifest }} ./
RUN pip install --no-cache-dir -r {{ .Manifest }}

COPY . .

{{ range $name, $value := .Env -}}
ENV {{ $name }}={{ $value }}
{{ end -}}
EXPOSE {{ .Port }}

HEALTHCHECK --interval={{ .Probe.Interval }} --timeout={{ .Probe.Timeout }} --start-period={{ .Probe.StartPeriod }} --retries={{ .Probe.Retries }} \
	CMD {{ .ProbeCommand }}

CMD {{ .Command }}
`

var parsedDockerfileTemplate = template.Must(
	template.New("dockerfile").Parse(dockerfileTemplate),
)

type dockerfileData struct {
	BaseImage    string
	Packages     string
	WorkDir      string
	Manifest     string
	Env          map[string]string
	Port         int
	Probe        Probe
	ProbeCommand string
	Command      string
}

// Dockerfile renders the recipe into a complete Dockerfile.
func (r Recipe) Dockerfile() ([]byte, error) {
	command, err := json.Marshal(r.Entrypoint.Command(r.Port))
	if err != nil {
		return nil, fmt.Errorf("marshal entrypoint command: %w", err)
	}

	data := dockerfileData{
		BaseImage:    r.BaseImage,
		Packages:     strings.Join(r.Packages, " "),
		WorkDir:      WorkDir,
		Manifest:     r.Manifest,
		Env:          quoteEnv(r.EffectiveEnv()),
		Port:         r.Port,
		Probe:        r.Probe,
		ProbeCommand: r.Probe.Command(r.Port),
		Command:      string(command),
	}

	var buf bytes.Buffer
	err = parsedDockerfileTemplate.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("render dockerfile: %w", err)
	}

	return buf.Bytes(), nil
}

// quoteEnv quotes every value so spaces or quotes in a recipe's env can't
// produce a malformed ENV instruction.
func quoteEnv(env map[string]string) map[string]string {
	quoted := make(map[string]string, len(env))
	for name, value := range env {
		quoted[name] = strconv.Quote(value)
	}
	return quoted
}

// Command is the shell form of the probe. It runs inside the image, so it
// can't assume curl is installed; python is always there.
func (p Probe) Command(port int) string {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, p.Path)
	return fmt.Sprintf(
		`python -c 'import urllib.request; urllib.request.urlopen("%s")' || exit 1`,
		url,
	)
}
