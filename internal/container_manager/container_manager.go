package containermanager

import (
	"context"
	"log/slog"
	"time"

	"github.com/docker/docker/client"

	"github.com/slipway-dev/slipway/internal/apps"
	"github.com/slipway-dev/slipway/internal/queues"
)

var tickInterval = 10 * time.Second

type ContainerManager struct {
	logger            *slog.Logger
	dockerClient      *client.Client
	appsChangeChannel chan []apps.App
	ticker            *time.Ticker
	buildQueue        *queues.BuildQueue
	// Nil = haven't received the configuration yet
	apps []apps.App
	// Last observed lifecycle state per app name
	states map[string]LifecycleState
}

func NewContainerManager(logger *slog.Logger, dockerClient *client.Client) *ContainerManager {
	return &ContainerManager{
		logger:            logger,
		dockerClient:      dockerClient,
		appsChangeChannel: make(chan []apps.App),
		ticker:            time.NewTicker(tickInterval),
		buildQueue:        queues.NewBuildQueue(1),
		apps:              nil,
		states:            make(map[string]LifecycleState),
	}
}

func (c *ContainerManager) Start(ctx context.Context) {
	go c.buildQueue.Start()

	for {
		select {
		case <-ctx.Done():
			return
		case newApps := <-c.appsChangeChannel:
			c.apps = newApps
		case <-c.ticker.C:
		case event := <-c.buildQueue.FinishedChannel:
			if event.Err != nil {
				c.logger.Error("App build failed", "appName", event.AppName, "err", event.Err)
				continue
			}
			c.logger.Info("App build succeeded", "appName", event.AppName)
		}

		if c.apps == nil {
			continue
		}

		c.logger.Debug("Container reconcile started")
		c.reconcile(ctx)
		c.observeHealth(ctx)
		c.logger.Debug("Container reconcile finished")
	}
}

func (c *ContainerManager) UpdateApps(apps []apps.App) {
	c.appsChangeChannel <- apps
}
