package containermanager

import (
	"context"
	"slices"

	"github.com/docker/docker/api/types"
)

// LifecycleState is the reported state of an app's container. The manager
// only observes and reports it, remediation of unhealthy or stopped apps is
// left to whatever supervises the host.
type LifecycleState string

const (
	// Image exists and the container is created but was never started.
	StateBuilt LifecycleState = "built"
	// Process started, first probe success still pending.
	StateStarting LifecycleState = "starting"
	// Probe reported success.
	StateServing LifecycleState = "serving"
	// Probe failed the configured number of consecutive times.
	StateUnhealthy LifecycleState = "unhealthy"
	// Process exited. Terminal until the container is recreated.
	StateStopped LifecycleState = "stopped"
)

var validTransitions = map[LifecycleState][]LifecycleState{
	StateBuilt:     {StateStarting},
	StateStarting:  {StateServing, StateUnhealthy, StateStopped},
	StateServing:   {StateUnhealthy, StateStopped},
	StateUnhealthy: {StateServing, StateStopped},
	StateStopped:   {},
}

func (s LifecycleState) CanTransitionTo(next LifecycleState) bool {
	return slices.Contains(validTransitions[s], next)
}

// stateFromInspect derives the lifecycle state from a container inspect
// result. The consecutive-failure counting happens in the runtime's probe
// executor; by the time inspect reports "unhealthy" the retry budget is
// already spent.
func stateFromInspect(inspect types.ContainerJSON) LifecycleState {
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return StateBuilt
	}

	state := inspect.State
	if !state.Running {
		if state.Status == "created" {
			return StateBuilt
		}
		return StateStopped
	}

	if state.Health == nil {
		// No probe registered, a running process is the best signal we have.
		return StateServing
	}

	switch state.Health.Status {
	case "healthy":
		return StateServing
	case "unhealthy":
		return StateUnhealthy
	default:
		return StateStarting
	}
}

// observeHealth inspects every configured app's container and logs lifecycle
// transitions. It never acts on what it sees.
func (c *ContainerManager) observeHealth(ctx context.Context) {
	for _, app := range c.apps {
		configuration := app.Configuration()

		inspect, err := c.dockerClient.ContainerInspect(ctx, configuration.ContainerName)
		if err != nil {
			c.logger.Debug("No container to observe yet", "appName", configuration.AppName, "err", err)
			continue
		}

		c.reportState(configuration.AppName, stateFromInspect(inspect))
	}
}

func (c *ContainerManager) reportState(appName string, next LifecycleState) {
	current, known := c.states[appName]
	if known && current == next {
		return
	}
	c.states[appName] = next

	if known && !current.CanTransitionTo(next) {
		c.logger.Warn("Unexpected app state transition", "appName", appName, "from", current, "to", next)
		return
	}

	c.logger.Info("App state changed", "appName", appName, "from", current, "to", next)
}
