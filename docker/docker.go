package docker

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/slipway-dev/slipway/internal/recipe"
)

const domain = "dev.slipway"

var optsShaLabelName = domain + ".opts_sha"
var managedLabel = domain + ".managed=true"

var ContainerNotFoundError = errors.New("Container not found")

// Conf drives the docker CLI directly. The server uses the SDK client in
// internal/, this package exists for one-shot builds and local debugging
// where shelling out is good enough.
type Conf struct {
	Logger *slog.Logger
}

type RunOpts struct {
	// In standard Docker format <name>=<value>
	Env []string
	// In standard Docker format <host>:<container>
	PortMappings []string
	// In standard Docker format <name>=<value>
	Labels []string
	// Liveness probe registered with the runtime; nil means the image's own
	// HEALTHCHECK applies.
	Probe *recipe.Probe
	// Port the probe targets, required when Probe is set
	ProbePort int
}

type containerInfo struct {
	status  string
	imageId string
	optsSha string
}

// BuildRecipe renders the recipe's Dockerfile and builds dir with it. The
// Dockerfile goes in over stdin so the source tree is never modified.
func (conf Conf) BuildRecipe(name string, dir string, r recipe.Recipe) error {
	resolved := r
	err := resolved.ResolveEntrypoint(dir)
	if err != nil {
		return err
	}

	dockerfile, err := resolved.Dockerfile()
	if err != nil {
		return err
	}

	stdout, stderr, err := runCommandWithStdin(
		bytes.NewReader(dockerfile),
		"docker", "build", dir,
		"--file", "-",
		"--tag", name,
		"--label", managedLabel,
	)
	if err != nil {
		conf.Logger.Error("Build failed", "stdout", stdout.String(), "stderr", stderr.String())
		return err
	}

	conf.Logger.Info("Build finished", "stdout", stdout.String(), "stderr", stderr.String())
	return nil
}

// Ensures that container is running with given configuration
func (conf Conf) UpsertContainer(name string, opts RunOpts) error {
	containerInfo, err := conf.getContainerInfo(name)
	containerExists := !errors.Is(err, ContainerNotFoundError)
	if err != nil && containerExists {
		conf.Logger.Error("Failed to get container info", "err", err)
		return err
	}

	if containerInfo.status == "running" && containerExists {
		newOptsSha := getSha(opts)
		newImageId, err := conf.getImageId(name)
		if err != nil {
			return err
		}

		newContainerSettingsId := getContainerSettingsId(newImageId, newOptsSha)
		currentContainerSettingsId := getContainerSettingsId(containerInfo.imageId, containerInfo.optsSha)

		if newContainerSettingsId == currentContainerSettingsId {
			conf.Logger.Info("Nothing changed in container configuration, keeping it running", "currentState", currentContainerSettingsId, "newContainerState", newContainerSettingsId)
			return nil
		}
		conf.Logger.Info("Something changed in container configuration, re-running it", "currentState", currentContainerSettingsId, "newContainerState", newContainerSettingsId)

		err = StopContainer(name)
		if err != nil {
			conf.Logger.Error("Failed to stop container", "err", err)
			return err
		}

		err = RemoveContainer(name)
		if err != nil {
			conf.Logger.Error("Failed to remove container", "err", err)
			return err
		}
	}

	if containerExists {
		conf.Logger.Info("Removing stopped container")

		err = RemoveContainer(name)
		if err != nil {
			conf.Logger.Error("Failed to remove container", "err", err)
			return err
		}
	}

	return conf.RunContainer(name, opts)
}

// name: name of the image and name of the container
func (conf Conf) RunContainer(name string, opts RunOpts) error {
	optsSha := getSha(opts)

	var args = []string{
		"run",
		"--label", managedLabel,
		"--detach",
	}
	for _, env := range opts.Env {
		args = append(args, "--env", env)
	}
	for _, portMapping := range opts.PortMappings {
		args = append(args, "-p", portMapping)
	}
	for _, label := range opts.Labels {
		args = append(args, "--label", label)
	}
	args = append(args, probeArgs(opts)...)
	args = append(args, "--name", name)
	args = append(args, "--label", optsShaLabelName+"="+optsSha)
	args = append(args, name)

	stdout, stderr, err := runCommand("docker", args...)
	if err != nil {
		conf.Logger.Error("Run failed", "stdout", stdout.String(), "stderr", stderr.String())
		return err
	}

	conf.Logger.Info("Run finished", "stdout", stdout.String(), "stderr", stderr.String())
	return nil
}

func probeArgs(opts RunOpts) []string {
	if opts.Probe == nil {
		return nil
	}

	return []string{
		"--health-cmd", opts.Probe.Command(opts.ProbePort),
		"--health-interval", opts.Probe.Interval.String(),
		"--health-timeout", opts.Probe.Timeout.String(),
		"--health-start-period", opts.Probe.StartPeriod.String(),
		"--health-retries", fmt.Sprint(opts.Probe.Retries),
	}
}

// HealthStatus reports the runtime's view of the container's probe:
// "starting", "healthy" or "unhealthy".
func (conf Conf) HealthStatus(name string) (string, error) {
	stdout, stderr, err := runCommand(
		"docker", "container", "inspect", name,
		"--format", `{{.State.Health.Status}}`,
	)
	if err != nil {
		return "", fmt.Errorf("Failed to inspect container health\nstdout=%s stderr=%s", stdout.String(), stderr.String())
	}

	return strings.Trim(stdout.String(), "\n"), nil
}

func StopContainer(name string) error {
	stdout, sterr, err := runCommand("docker", "container", "stop", name)
	if err != nil {
		return fmt.Errorf("Failed to stop container\nstdout=%s stderr=%s", stdout.String(), sterr.String())
	}
	return nil
}

func RemoveContainer(name string) error {
	stdout, sterr, err := runCommand("docker", "container", "rm", name)
	if err != nil {
		return fmt.Errorf("Failed to remove container\nstdout=%s stderr=%s", stdout.String(), sterr.String())
	}
	return nil
}

// TODO: context
func runCommand(name string, arg ...string) (bytes.Buffer, bytes.Buffer, error) {
	return runCommandWithStdin(nil, name, arg...)
}

func runCommandWithStdin(stdin *bytes.Reader, name string, arg ...string) (bytes.Buffer, bytes.Buffer, error) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	cmd := exec.Command(name, arg...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	if err == nil && cmd.ProcessState.ExitCode() != 0 {
		err = errors.New("Process returned non-zero exit code")
	}

	return stdout, stderr, err
}

func (conf Conf) getContainerInfo(name string) (containerInfo, error) {
	// One field per line; the fields themselves never contain newlines, so
	// this parses cleanly no matter what characters ids or labels carry.
	stdout, stderr, err := runCommand(
		"docker", "container", "inspect", name,
		"--format", `{{.State.Status}}
{{.Image}}
{{index .Config.Labels "`+optsShaLabelName+`"}}`,
	)
	conf.Logger.Debug("container info result", "stdout", stdout.String(), "stderr", stderr.String(), "err", err)

	if err != nil {
		if err.Error() == "exit status 1" {
			return containerInfo{}, ContainerNotFoundError
		}
		return containerInfo{}, err
	}

	return parseContainerInfo(stdout.String())
}

func parseContainerInfo(output string) (containerInfo, error) {
	// Only the final newline is formatting; an empty trailing field (unset
	// label) must survive.
	lines := strings.Split(strings.TrimSuffix(output, "\n"), "\n")
	if len(lines) != 3 {
		return containerInfo{}, errors.New("Container info didn't contain exactly 3 fields")
	}

	return containerInfo{status: lines[0], imageId: lines[1], optsSha: lines[2]}, nil
}

func (conf Conf) getImageId(name string) (string, error) {
	stdout, stderr, err := runCommand(
		"docker", "image", "inspect", name,
		"--format", "{{.Id}}",
	)

	if err != nil {
		conf.Logger.Error("Failed to get image id", "stdout", stdout, "stderr", stderr, "err", err)
	}

	return strings.Trim(stdout.String(), "\n"), nil
}

func getContainerSettingsId(imageId string, optsSha string) string {
	return imageId + "-" + optsSha
}

func getSha(value any) string {
	optsShaRaw := sha256.Sum256([]byte(fmt.Sprintf("%v", value)))
	return fmt.Sprintf("%x", optsShaRaw)
}
