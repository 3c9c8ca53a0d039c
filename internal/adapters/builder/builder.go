package builder

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/go-git/go-git/v5"
	"github.com/moby/go-archive"
)

// Adapter implements ports.BuilderService: it clones a repository and
// builds its Dockerfile into a tagged image.
type Adapter struct {
	cli    client.APIClient
	logger *log.Logger
}

// NewBuilderAdapter shares the engine client with the container adapter.
func NewBuilderAdapter(cli client.APIClient, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	return &Adapter{cli: cli, logger: logger.WithPrefix("builder")}
}

// BuildImage shallow-clones repoURL and builds its Dockerfile as tag.
func (a *Adapter) BuildImage(ctx context.Context, repoURL, tag string) (string, error) {
	tmpDir, err := os.MkdirTemp("", "lighthouse-build-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	a.logger.Info("cloning repository", "repo", repoURL, "dir", tmpDir)
	_, err = git.PlainCloneContext(ctx, tmpDir, false, &git.CloneOptions{
		URL:   repoURL,
		Depth: 1, // Shallow clone for speed
	})
	if err != nil {
		return "", fmt.Errorf("failed to clone repo: %w", err)
	}

	if err := a.buildFromDir(ctx, tmpDir, tag); err != nil {
		return "", err
	}

	a.logger.Info("image built", "image", tag)
	return tag, nil
}

// buildFromDir sends dir, minus its .git directory, as the build context.
func (a *Adapter) buildFromDir(ctx context.Context, dir, tag string) error {
	tar, err := archive.TarWithOptions(dir, &archive.TarOptions{ExcludePatterns: []string{".git"}})
	if err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}
	defer tar.Close()

	a.logger.Info("building image", "image", tag)
	resp, err := a.cli.ImageBuild(ctx, tar, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true, // Remove intermediate containers
	})
	if err != nil {
		return fmt.Errorf("failed to build image: %w", err)
	}
	defer resp.Body.Close()

	// The build finishes only once the body is drained; step failures are
	// reported inside the message stream.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("failed to build image: %w", err)
	}
	return nil
}
