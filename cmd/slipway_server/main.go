package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/docker/docker/client"

	"github.com/slipway-dev/slipway/internal/apps"
	"github.com/slipway-dev/slipway/internal/configuration"
	containermanager "github.com/slipway-dev/slipway/internal/container_manager"
)

func main() {
	ctx := context.Background()

	logLevel := new(slog.LevelVar)
	logger := slog.New(
		slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}),
	)

	flags := loadFlags(logger)
	logLevel.Set(flags.logLevel)

	dockerClient, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		logger.Error("Failed to initialize docker client", "err", err)
		os.Exit(1)
	}

	containerManagerInstance := containermanager.NewContainerManager(
		logger,
		dockerClient,
	)
	recipeAppCreator := apps.NewRecipeAppCreator(
		logger,
		dockerClient,
		flags.managedStoragePath,
	)
	configurationManager := configuration.NewConfigurationManager(
		logger,
		flags.recipesDir,
		flags.resourcePrefix,
		recipeAppCreator,
		containerManagerInstance,
	)

	go containerManagerInstance.Start(ctx)
	go configurationManager.Start(ctx)

	select {}
}
