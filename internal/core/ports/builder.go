package ports

import "context"

// BuilderService produces a local image from a ContainerSpec's repoUrl so
// the lifecycle manager can create from it instead of pulling.
type BuilderService interface {
	// BuildImage builds the repository's Dockerfile and tags the result as
	// tag. The returned reference is what containers should be created from.
	BuildImage(ctx context.Context, repoURL, tag string) (string, error)
}
