package configuration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/slipway-dev/slipway/internal/apps"
	containermanager "github.com/slipway-dev/slipway/internal/container_manager"
	"github.com/slipway-dev/slipway/internal/recipe"
)

// ConfigurationManager watches a directory of recipe files and pushes the
// derived app set to the container manager whenever the content changes.
type ConfigurationManager struct {
	logger           *slog.Logger
	recipesDir       string
	resourcePrefix   string
	recipeAppCreator apps.RecipeAppCreator
	containerManager *containermanager.ContainerManager
	ticker           *time.Ticker
	// nil = don't have apps yet
	apps       []apps.App
	lastDigest digest.Digest
}

func NewConfigurationManager(
	logger *slog.Logger,
	recipesDir string,
	resourcePrefix string,
	recipeAppCreator apps.RecipeAppCreator,
	containerManager *containermanager.ContainerManager,
) *ConfigurationManager {
	const tickInterval = 30 * time.Second

	return &ConfigurationManager{
		logger:           logger,
		recipesDir:       recipesDir,
		resourcePrefix:   resourcePrefix,
		recipeAppCreator: recipeAppCreator,
		containerManager: containerManager,
		ticker:           time.NewTicker(tickInterval),
		apps:             nil,
		lastDigest:       "",
	}
}

func (c *ConfigurationManager) Start(ctx context.Context) {
	c.checkForChanges()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ticker.C:
			c.checkForChanges()
		}
	}
}

func (c *ConfigurationManager) checkForChanges() {
	c.logger.Debug("Configuration check started")

	currentDigest, err := digestRecipesDir(c.recipesDir)
	if err != nil {
		c.logger.Error("Failed to digest recipes directory", "err", err)
		return
	}
	if currentDigest == c.lastDigest {
		c.logger.Debug("Recipes haven't changed")
		return
	}

	newApps, err := c.readAppConfigurations()
	if err != nil {
		c.logger.Error("Failed to read recipes", "err", err)
		return
	}

	c.apps = newApps
	err = c.checkAppsNameCollisions()
	if err != nil {
		c.logger.Error("Invalid recipes", "err", err)
		c.apps = nil
		return
	}

	c.lastDigest = currentDigest
	c.logger.Info("Apps configuration changed", "apps", len(c.apps))
	c.containerManager.UpdateApps(c.apps)

	c.logger.Debug("Configuration check finished")
}

func (c *ConfigurationManager) readAppConfigurations() ([]apps.App, error) {
	entries, err := os.ReadDir(c.recipesDir)
	if err != nil {
		return nil, fmt.Errorf("read recipes directory %q: %w", c.recipesDir, err)
	}

	var appConfigurations = make([]apps.App, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !isRecipeFile(entry.Name()) {
			continue
		}

		filePath := path.Join(c.recipesDir, entry.Name())
		decoded, err := recipe.Load(filePath)
		if err != nil {
			return nil, err
		}

		appName := strings.Split(entry.Name(), ".")[0]
		app := c.recipeAppCreator.Create(apps.RecipeAppCreateOpts{
			AppName:      appName,
			ResourceName: c.resourcePrefix + appName,
			Recipe:       decoded,
		})

		appConfigurations = append(appConfigurations, app)
	}

	return appConfigurations, nil
}

func (c *ConfigurationManager) checkAppsNameCollisions() error {
	seen := make(map[string]struct{}, len(c.apps))
	var duplicates []string

	for _, app := range c.apps {
		name := app.Configuration().AppName
		if _, ok := seen[name]; ok && !slices.Contains(duplicates, name) {
			duplicates = append(duplicates, name)
		}
		seen[name] = struct{}{}
	}

	if len(duplicates) > 0 {
		return fmt.Errorf("There are multiple apps with the same name. Duplicate names %v", duplicates)
	}
	return nil
}

func isRecipeFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// digestRecipesDir hashes the names and contents of all recipe files so a
// reload only happens when something actually changed.
func digestRecipesDir(dir string) (digest.Digest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read recipes directory %q: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() && isRecipeFile(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	digester := digest.Canonical.Digester()
	for _, name := range names {
		content, err := os.ReadFile(path.Join(dir, name))
		if err != nil {
			return "", fmt.Errorf("read recipe %q: %w", name, err)
		}

		_, err = digester.Hash().Write([]byte(name))
		if err != nil {
			return "", err
		}
		_, err = digester.Hash().Write(content)
		if err != nil {
			return "", err
		}
	}

	return digester.Digest(), nil
}
