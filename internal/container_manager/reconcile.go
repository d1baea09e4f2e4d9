package containermanager

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/go-connections/nat"

	"github.com/slipway-dev/slipway/internal/apps"
)

func (c *ContainerManager) reconcile(ctx context.Context) {
	c.createContainers(ctx)
	c.startContainers(ctx)
	c.removeStaleContainers(ctx)
}

func (c *ContainerManager) createContainers(ctx context.Context) {
	for _, app := range c.apps {
		configuration := app.Configuration()

		containers, err := c.dockerClient.ContainerList(ctx, container.ListOptions{
			All:   true,
			Limit: 1,
			Filters: filters.NewArgs(
				getContainerFilters(configuration.ContainerName, configuration.Image, nil)...,
			),
		})
		if err != nil {
			c.logger.Error("Failed to list containers", "err", err)
			continue
		}
		if len(containers) != 0 {
			c.logger.Debug("Container already exists, skipping creation", "appName", configuration.AppName)
			continue
		}

		if !app.IsBuilt(ctx) {
			c.logger.Info("App build queued", "appName", configuration.AppName)
			c.buildQueue.Enqueue(configuration.AppName, func() error {
				return app.Build(ctx)
			})
			continue
		}

		c.logger.Info("Creating container", "appName", configuration.AppName, "image", configuration.Image)
		err = c.createContainer(ctx, configuration)
		if err != nil {
			c.logger.Error("Failed to create container", "appName", configuration.AppName, "err", err)
			continue
		}
		c.reportState(configuration.AppName, StateBuilt)
	}
}

func (c *ContainerManager) createContainer(ctx context.Context, configuration apps.AppConfiguration) error {
	port, err := nat.NewPort("tcp", strconv.Itoa(configuration.Port))
	if err != nil {
		return fmt.Errorf("invalid port %d: %w", configuration.Port, err)
	}

	config := &container.Config{
		Image: configuration.Image,
		Env:   formatEnv(configuration.Env),
		Labels: map[string]string{
			apps.ManagedLabel: "true",
			apps.AppNameLabel: configuration.AppName,
		},
		ExposedPorts: nat.PortSet{port: struct{}{}},
		// The image already carries the probe; registering it on the
		// container as well keeps it authoritative even when the recipe
		// changed probe settings without touching the build.
		Healthcheck: &container.HealthConfig{
			Test:        []string{"CMD-SHELL", configuration.Probe.Command(configuration.Port)},
			Interval:    configuration.Probe.Interval.Std(),
			Timeout:     configuration.Probe.Timeout.Std(),
			StartPeriod: configuration.Probe.StartPeriod.Std(),
			Retries:     configuration.Probe.Retries,
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: strconv.Itoa(configuration.Port)},
			},
		},
	}

	_, err = c.dockerClient.ContainerCreate(
		ctx,
		config,
		hostConfig,
		nil,
		nil,
		configuration.ContainerName,
	)
	return err
}

func (c *ContainerManager) startContainers(ctx context.Context) {
	for _, app := range c.apps {
		configuration := app.Configuration()

		runningContainers, err := c.dockerClient.ContainerList(ctx, container.ListOptions{
			Limit: 1,
			Filters: filters.NewArgs(
				getContainerFilters(
					configuration.ContainerName,
					configuration.Image,
					[]filters.KeyValuePair{
						{Key: "status", Value: "running"},
					},
				)...,
			),
		})
		if err != nil {
			c.logger.Error("Failed to list containers", "err", err)
			continue
		}
		if len(runningContainers) > 0 {
			c.logger.Debug("Container already running, skipping start", "appName", configuration.AppName)
			continue
		}

		createdContainers, err := c.dockerClient.ContainerList(ctx, container.ListOptions{
			All:     true,
			Limit:   1,
			Filters: filters.NewArgs(getContainerFilters(configuration.ContainerName, configuration.Image, nil)...),
		})
		if err != nil {
			c.logger.Error("Failed to list containers", "err", err)
			continue
		}
		if len(createdContainers) == 0 {
			c.logger.Debug("Container doesn't exist yet, skipping start", "appName", configuration.AppName)
			continue
		}

		// Only start containers that never ran. An exited container means a
		// fatal start-time error, recovery is the orchestrator's call, not
		// ours.
		if createdContainers[0].State != "created" {
			c.logger.Debug("Container exited, leaving it stopped", "appName", configuration.AppName)
			continue
		}

		err = c.dockerClient.ContainerStart(ctx, configuration.ContainerName, container.StartOptions{})
		if err != nil {
			c.logger.Error("Failed to start container", "err", err, "appName", configuration.AppName)
			continue
		}
		c.reportState(configuration.AppName, StateStarting)
	}
}

// removeStaleContainers stops and removes managed containers that no longer
// match the configuration: their app was removed, or their name carries an
// image version that is no longer the recipe's current one.
func (c *ContainerManager) removeStaleContainers(ctx context.Context) {
	configured := make(map[string]string, len(c.apps))
	for _, app := range c.apps {
		configuration := app.Configuration()
		configured[configuration.AppName] = configuration.ContainerName
	}

	managedContainers, err := c.dockerClient.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.KeyValuePair{Key: "label", Value: apps.ManagedLabel + "=true"},
		),
	})
	if err != nil {
		c.logger.Error("Failed to list managed containers", "err", err)
		return
	}

	for _, managed := range managedContainers {
		appName, ok := managed.Labels[apps.AppNameLabel]
		if !ok {
			continue
		}
		if !isStaleContainer(configured, appName, managed.Names) {
			continue
		}

		c.logger.Info("Removing stale container", "appName", appName, "names", managed.Names)
		err := c.dockerClient.ContainerStop(ctx, managed.ID, container.StopOptions{})
		if err != nil {
			c.logger.Error("Failed to stop container", "appName", appName, "err", err)
			continue
		}
		err = c.dockerClient.ContainerRemove(ctx, managed.ID, container.RemoveOptions{})
		if err != nil {
			c.logger.Error("Failed to remove container", "appName", appName, "err", err)
			continue
		}
		delete(c.states, appName)
	}
}

// isStaleContainer decides replace-vs-keep for a managed container. The list
// endpoint reports names with a leading slash.
func isStaleContainer(configured map[string]string, appName string, names []string) bool {
	currentName, stillConfigured := configured[appName]
	if !stillConfigured {
		return true
	}

	for _, name := range names {
		if strings.TrimPrefix(name, "/") == currentName {
			return false
		}
	}
	return true
}

func formatEnv(env map[string]string) []string {
	formatted := make([]string, 0, len(env))
	for name, value := range env {
		formatted = append(formatted, name+"="+value)
	}
	sort.Strings(formatted)
	return formatted
}

func getContainerFilters(containerName string, image string, additional []filters.KeyValuePair) []filters.KeyValuePair {
	res := []filters.KeyValuePair{
		{Key: "label", Value: apps.ManagedLabel},
		{Key: "name", Value: containerName},
		{Key: "ancestor", Value: image},
	}
	res = append(res, additional...)
	return res
}
