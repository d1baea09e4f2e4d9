package apps

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/slipway-dev/slipway/github"
	"github.com/slipway-dev/slipway/internal/recipe"
)

const generatedDockerfileName = "Dockerfile"
const imageVersionLength = 12

// Creator
type RecipeAppCreator struct {
	logger             *slog.Logger
	dockerClient       *client.Client
	managedStoragePath string
}

type RecipeAppCreateOpts struct {
	AppName      string
	ResourceName string
	Recipe       recipe.Recipe
}

func NewRecipeAppCreator(
	logger *slog.Logger,
	dockerClient *client.Client,
	managedStoragePath string,
) RecipeAppCreator {
	return RecipeAppCreator{
		logger:             logger,
		dockerClient:       dockerClient,
		managedStoragePath: managedStoragePath,
	}
}

func (c RecipeAppCreator) Create(opts RecipeAppCreateOpts) App {
	return RecipeApp{RecipeAppCreator: c, RecipeAppCreateOpts: opts}
}

// App
type RecipeApp struct {
	RecipeAppCreator
	RecipeAppCreateOpts
}

func (r RecipeApp) IsBuilt(ctx context.Context) bool {
	imageReference, err := r.imageReference()
	if err != nil {
		r.logger.Error("Failed to compute image reference", "appName", r.AppName, "err", err)
		return false
	}

	listFilters := filters.NewArgs(
		filters.KeyValuePair{Key: "reference", Value: imageReference},
		filters.KeyValuePair{Key: "label", Value: ManagedLabel},
	)

	images, err := r.dockerClient.ImageList(ctx, image.ListOptions{Filters: listFilters})
	if err != nil {
		r.logger.Error("Failed to list images", "err", err, "filters", listFilters)
		return false
	}

	return len(images) > 0
}

func (r RecipeApp) Build(ctx context.Context) error {
	runId := uuid.New()
	r.logger.Info("Starting to build image", "appName", r.AppName, "buildRun", runId)

	sourceDir, cleanup, err := r.materializeSource(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	resolved := r.Recipe
	err = r.preflight(&resolved, sourceDir)
	if err != nil {
		return err
	}

	dockerfile, err := resolved.Dockerfile()
	if err != nil {
		return err
	}

	imageReference, err := r.imageReference()
	if err != nil {
		return err
	}

	buildContext, err := buildContextTar(sourceDir, dockerfile)
	if err != nil {
		return fmt.Errorf("assemble build context: %w", err)
	}

	res, err := r.dockerClient.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:       []string{imageReference},
		Dockerfile: generatedDockerfileName,
		Remove:     true,
		Labels: map[string]string{
			ManagedLabel: "true",
			AppNameLabel: r.AppName,
		},
	})
	if err != nil {
		return fmt.Errorf("build image %q: %w", imageReference, err)
	}
	defer res.Body.Close()

	err = drainBuildOutput(res.Body)
	if err != nil {
		return fmt.Errorf("build image %q: %w", imageReference, err)
	}

	r.logger.Info("Build finished", "appName", r.AppName, "image", imageReference, "buildRun", runId)
	return nil
}

func (r RecipeApp) Configuration() AppConfiguration {
	imageReference, err := r.imageReference()
	containerName := r.ResourceName
	if err != nil {
		// Already reported by IsBuilt; the reconciler skips apps it can't
		// list an image for.
		imageReference = r.ResourceName
	} else if _, version, ok := strings.Cut(imageReference, ":"); ok {
		// The image version is part of the container name, so a recipe
		// change makes the old container stale instead of colliding with
		// the new one.
		containerName = r.ResourceName + "_" + version
	}

	return AppConfiguration{
		AppName:       r.AppName,
		ContainerName: containerName,
		Image:         imageReference,
		Port:          r.Recipe.Port,
		Env:           r.Recipe.EffectiveEnv(),
		Probe:         r.Recipe.Probe,
	}
}

// materializeSource returns a directory holding the app's source tree. For
// GitHub sources the tree is downloaded under the managed storage path and
// the returned cleanup removes it again.
func (r RecipeApp) materializeSource(ctx context.Context) (string, func(), error) {
	if !r.Recipe.Source.IsGithub() {
		return r.Recipe.Source.Dir, func() {}, nil
	}

	buildDir := path.Join(r.managedStoragePath, "build", r.AppName)
	cleanup := func() {
		removeErr := os.RemoveAll(buildDir)
		if removeErr != nil {
			r.logger.Error("Failed to remove build dir", "path", buildDir, "err", removeErr)
		}
	}

	source := r.Recipe.Source.Github
	err := github.DownloadRepository(ctx, source.Owner, source.Repository, &source.Revision, nil, buildDir)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("download source %s/%s@%s: %w", source.Owner, source.Repository, source.Revision, err)
	}

	return buildDir, cleanup, nil
}

// preflight validates everything the build assumes about the source tree, so
// a broken assumption fails the build here instead of surfacing as a dead
// container later. Required directories are declared preconditions, never
// silently created.
func (r RecipeApp) preflight(resolved *recipe.Recipe, sourceDir string) error {
	manifestPath := path.Join(sourceDir, resolved.Manifest)
	if _, err := os.Stat(manifestPath); err != nil {
		return fmt.Errorf("dependency manifest %q not found in source tree: %w", resolved.Manifest, err)
	}

	for _, dir := range resolved.RequiredDirs {
		info, err := os.Stat(path.Join(sourceDir, dir))
		if err != nil || !info.IsDir() {
			return fmt.Errorf("required directory %q missing from source tree", dir)
		}
	}

	return resolved.ResolveEntrypoint(sourceDir)
}

func (r RecipeApp) imageReference() (string, error) {
	version, err := r.imageVersion()
	if err != nil {
		return "", err
	}

	named, err := reference.WithName(r.ResourceName)
	if err != nil {
		return "", fmt.Errorf("invalid image name %q: %w", r.ResourceName, err)
	}
	tagged, err := reference.WithTag(named, version)
	if err != nil {
		return "", fmt.Errorf("invalid image version %q: %w", version, err)
	}

	return tagged.String(), nil
}

// imageVersion pins the image tag to the content that produced it: the
// source revision for GitHub sources, the digest of the rendered Dockerfile
// for local trees.
func (r RecipeApp) imageVersion() (string, error) {
	if r.Recipe.Source.IsGithub() {
		return r.Recipe.Source.Github.Revision, nil
	}

	resolved := r.Recipe
	err := resolved.ResolveEntrypoint(resolved.Source.Dir)
	if err != nil {
		return "", err
	}

	dockerfile, err := resolved.Dockerfile()
	if err != nil {
		return "", err
	}

	return digest.FromBytes(dockerfile).Encoded()[:imageVersionLength], nil
}

// buildContextTar packs the source tree plus the generated Dockerfile into an
// in-memory tar. The Dockerfile entry is written last so it overlays any file
// of the same name in the tree.
func buildContextTar(sourceDir string, dockerfile []byte) (io.Reader, error) {
	var buf bytes.Buffer
	buildContext := tar.NewWriter(&buf)

	err := filepath.WalkDir(sourceDir, func(filePath string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relative, err := filepath.Rel(sourceDir, filePath)
		if err != nil {
			return err
		}
		if relative == "." {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relative)

		err = buildContext.WriteHeader(header)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		file, err := os.Open(filePath)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(buildContext, file)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = buildContext.WriteHeader(&tar.Header{
		Name: generatedDockerfileName,
		Size: int64(len(dockerfile)),
		Mode: 0600,
	})
	if err != nil {
		return nil, err
	}
	_, err = buildContext.Write(dockerfile)
	if err != nil {
		return nil, err
	}

	err = buildContext.Close()
	if err != nil {
		return nil, err
	}

	return &buf, nil
}

type buildMessage struct {
	Stream string `json:"stream"`
	Error  string `json:"error"`
}

// The daemon streams json messages and reports failures inside the stream,
// not through the response status. A build is only successful when the whole
// stream is error-free.
func drainBuildOutput(body io.Reader) error {
	decoder := json.NewDecoder(body)
	for {
		var message buildMessage
		err := decoder.Decode(&message)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read build output: %w", err)
		}
		if message.Error != "" {
			return fmt.Errorf("build failed: %s", message.Error)
		}
	}
}
