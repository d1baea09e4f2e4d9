package main

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/slipway-dev/slipway/docker"
	"github.com/slipway-dev/slipway/internal/recipe"
)

// One-shot build-and-run of a single recipe against the local docker CLI.
// The long-running reconciler lives in cmd/slipway_server.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	recipePath := "assets/copilot.yaml"
	if len(os.Args) > 1 {
		recipePath = os.Args[1]
	}

	loaded, err := recipe.Load(recipePath)
	if err != nil {
		logger.Error("Failed to load recipe", "path", recipePath, "err", err)
		os.Exit(1)
	}

	dockerConf := docker.Conf{
		Logger: logger,
	}

	err = dockerConf.BuildRecipe("dev.slipway.demo.copilot", loaded.Source.Dir, loaded)
	if err != nil {
		os.Exit(1)
	}

	port := strconv.Itoa(loaded.Port)
	err = dockerConf.UpsertContainer("dev.slipway.demo.copilot", docker.RunOpts{
		Env:          formatEnv(loaded.EffectiveEnv()),
		PortMappings: []string{port + ":" + port},
		Probe:        &loaded.Probe,
		ProbePort:    loaded.Port,
	})
	if err != nil {
		os.Exit(1)
	}

	status, err := dockerConf.HealthStatus("dev.slipway.demo.copilot")
	if err != nil {
		logger.Error("Failed to read health status", "err", err)
		os.Exit(1)
	}
	logger.Info("Container running", "health", status)
}

func formatEnv(env map[string]string) []string {
	formatted := make([]string, 0, len(env))
	for name, value := range env {
		formatted = append(formatted, name+"="+value)
	}
	return formatted
}
