package recipe

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const DefaultBaseImage = "python:3.11-slim"
const DefaultManifest = "requirements.txt"
const DefaultPort = 8000
const DefaultAppObject = "app"
const DefaultProbePath = "/health"

// Env that every image gets. PYTHONPATH makes the app package importable no
// matter what the working directory of the started process is, PYTHONUNBUFFERED
// keeps logs flowing through the container runtime.
const WorkDir = "/app"

var defaultEnv = map[string]string{
	"PYTHONPATH":       WorkDir,
	"PYTHONUNBUFFERED": "1",
}

var moduleSegmentRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Recipe is the single source of truth for building and launching one app.
type Recipe struct {
	Version      int               `yaml:"version" validate:"required,eq=1"`
	BaseImage    string            `yaml:"baseImage"`
	Packages     []string          `yaml:"packages"`
	Manifest     string            `yaml:"manifest"`
	Source       Source            `yaml:"source"`
	RequiredDirs []string          `yaml:"requiredDirs"`
	Env          map[string]string `yaml:"env"`
	Port         int               `yaml:"port" validate:"omitempty,min=1,max=65535"`
	Entrypoint   Entrypoint        `yaml:"entrypoint"`
	Probe        Probe             `yaml:"probe"`
}

type Source struct {
	Dir    string       `yaml:"dir"`
	Github GithubSource `yaml:"github"`
}

type GithubSource struct {
	Owner      string `yaml:"owner"`
	Repository string `yaml:"repository"`
	Revision   string `yaml:"revision"`
}

func (s Source) IsGithub() bool {
	return s.Github.Owner != ""
}

// Entrypoint describes how the container starts the service. Exactly one form
// is active: an ASGI module (`uvicorn module:app`) or a plain script
// (`python script`).
type Entrypoint struct {
	Module string `yaml:"module"`
	App    string `yaml:"app"`
	Script string `yaml:"script"`
}

func (e Entrypoint) IsScript() bool {
	return e.Script != ""
}

func (e Entrypoint) Command(port int) []string {
	if e.IsScript() {
		return []string{"python", e.Script}
	}
	return []string{
		"uvicorn", e.Module + ":" + e.App,
		"--host", "0.0.0.0",
		"--port", strconv.Itoa(port),
	}
}

// Probe describes the periodic liveness check the container runtime runs
// against the service. It is advisory, repeated failures only flip the
// reported health status.
type Probe struct {
	Path        string   `yaml:"path"`
	Interval    Duration `yaml:"interval"`
	Timeout     Duration `yaml:"timeout"`
	StartPeriod Duration `yaml:"startPeriod"`
	Retries     int      `yaml:"retries" validate:"omitempty,min=1"`
}

// Duration accepts Go duration strings ("30s") in yaml.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func Load(path string) (Recipe, error) {
	file, err := os.Open(path)
	if err != nil {
		return Recipe{}, fmt.Errorf("open recipe %q: %w", path, err)
	}
	defer file.Close()

	decoded, err := Decode(file)
	if err != nil {
		return Recipe{}, fmt.Errorf("recipe %q: %w", path, err)
	}
	return decoded, nil
}

func Decode(r io.Reader) (Recipe, error) {
	decoded := Recipe{}
	err := yaml.NewDecoder(r).Decode(&decoded)
	if err != nil {
		return Recipe{}, fmt.Errorf("decode: %w", err)
	}

	decoded.applyDefaults()

	err = decoded.Validate()
	if err != nil {
		return Recipe{}, err
	}

	return decoded, nil
}

func (r *Recipe) applyDefaults() {
	if r.BaseImage == "" {
		r.BaseImage = DefaultBaseImage
	}
	if r.Manifest == "" {
		r.Manifest = DefaultManifest
	}
	if r.Port == 0 {
		r.Port = DefaultPort
	}
	if !r.Entrypoint.IsScript() && r.Entrypoint.App == "" {
		r.Entrypoint.App = DefaultAppObject
	}
	if r.Probe.Path == "" {
		r.Probe.Path = DefaultProbePath
	}
	if r.Probe.Interval == 0 {
		r.Probe.Interval = Duration(30 * time.Second)
	}
	if r.Probe.Timeout == 0 {
		r.Probe.Timeout = Duration(30 * time.Second)
	}
	if r.Probe.StartPeriod == 0 {
		r.Probe.StartPeriod = Duration(5 * time.Second)
	}
	if r.Probe.Retries == 0 {
		r.Probe.Retries = 3
	}
}

func (r Recipe) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	err := validate.Struct(r)
	if err != nil {
		return err
	}

	hasDir := r.Source.Dir != ""
	hasGithub := r.Source.IsGithub()
	if hasDir == hasGithub {
		return errors.New("exactly one of source.dir and source.github must be set")
	}
	if hasGithub && (r.Source.Github.Repository == "" || r.Source.Github.Revision == "") {
		return errors.New("source.github requires owner, repository and revision")
	}

	if r.Entrypoint.IsScript() && r.Entrypoint.Module != "" {
		return errors.New("entrypoint.script and entrypoint.module are mutually exclusive")
	}
	if r.Entrypoint.Module != "" {
		err := validateModulePath(r.Entrypoint.Module)
		if err != nil {
			return err
		}
	}

	for name := range r.Env {
		if _, reserved := defaultEnv[name]; reserved {
			return fmt.Errorf("env %q is set by the build and can't be overridden", name)
		}
	}

	return nil
}

// EffectiveEnv is the full environment variable set of the image, the
// recipe's own variables merged over the fixed defaults.
func (r Recipe) EffectiveEnv() map[string]string {
	env := make(map[string]string, len(defaultEnv)+len(r.Env))
	for name, value := range defaultEnv {
		env[name] = value
	}
	for name, value := range r.Env {
		env[name] = value
	}
	return env
}

func validateModulePath(module string) error {
	for _, segment := range strings.Split(module, ".") {
		if !moduleSegmentRegex.MatchString(segment) {
			return fmt.Errorf("entrypoint module %q is not an importable dotted path", module)
		}
	}
	return nil
}

// ResolveEntrypoint pins the entrypoint against an on-disk source tree. When
// the recipe names no module, the module is derived as `<package>.main` from
// the single top-level package directory. An explicit module whose first
// segment doesn't exist in the tree is rejected here instead of producing an
// image that dies on import.
func (r *Recipe) ResolveEntrypoint(sourceDir string) error {
	if r.Entrypoint.IsScript() {
		_, err := os.Stat(sourceDir + "/" + r.Entrypoint.Script)
		if err != nil {
			return fmt.Errorf("entrypoint script %q not found in source tree: %w", r.Entrypoint.Script, err)
		}
		return nil
	}

	if r.Entrypoint.Module == "" {
		pkg, err := findAppPackage(sourceDir)
		if err != nil {
			return err
		}
		r.Entrypoint.Module = pkg + ".main"
		if r.Entrypoint.App == "" {
			r.Entrypoint.App = DefaultAppObject
		}
		return nil
	}

	first, _, multi := strings.Cut(r.Entrypoint.Module, ".")
	if multi {
		info, err := os.Stat(sourceDir + "/" + first)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("entrypoint module %q: package directory %q not found in source tree", r.Entrypoint.Module, first)
		}
		return nil
	}

	_, err := os.Stat(sourceDir + "/" + first + ".py")
	if err != nil {
		return fmt.Errorf("entrypoint module %q: file %s.py not found in source tree", r.Entrypoint.Module, first)
	}
	return nil
}

func findAppPackage(sourceDir string) (string, error) {
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return "", fmt.Errorf("read source tree %q: %w", sourceDir, err)
	}

	var candidates []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(sourceDir + "/" + entry.Name() + "/main.py"); err == nil {
			candidates = append(candidates, entry.Name())
		}
	}

	if len(candidates) != 1 {
		return "", fmt.Errorf("can't derive entrypoint module: found %d top-level packages with main.py, expected 1", len(candidates))
	}
	return candidates[0], nil
}
