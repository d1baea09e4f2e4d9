package apps

import (
	"context"

	"github.com/slipway-dev/slipway/internal/recipe"
)

const ManagedLabel = "dev.slipway.managed"
const AppNameLabel = "dev.slipway.app-name"

type AppConfiguration struct {
	AppName       string
	ContainerName string
	Image         string
	Port          int
	Env           map[string]string
	Probe         recipe.Probe
}

type App interface {
	// If false `Build` will be called
	IsBuilt(context.Context) bool
	// Be prepared that this function can be called multiple times
	Build(context.Context) error
	Configuration() AppConfiguration
}
