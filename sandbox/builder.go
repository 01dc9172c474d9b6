package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ImageBuilder ensures the execution-environment image exists locally,
// building it from a Dockerfile when it is absent or a rebuild is forced.
type ImageBuilder struct {
	logger *zap.Logger
	cmd    CommandRunner
	engine string
}

// NewImageBuilder creates an ImageBuilder driving the given engine CLI.
func NewImageBuilder(logger *zap.Logger, cmd CommandRunner, engine string) *ImageBuilder {
	return &ImageBuilder{logger: logger, cmd: cmd, engine: engine}
}

// Exists reports whether the image is present in the local image store.
func (b *ImageBuilder) Exists(ctx context.Context, image string) (bool, error) {
	stdout, stderr, exitCode, err := b.cmd.RunCommand(ctx, []string{b.engine, "images", "-q", image})
	if err != nil {
		return false, fmt.Errorf("checking image %s: %w", image, err)
	}
	if exitCode != 0 {
		return false, fmt.Errorf("checking image %s: exit code %d: %s", image, exitCode, stderr)
	}
	return strings.TrimSpace(stdout) != "", nil
}

// Build builds the image from the Dockerfile. The build context is the
// Dockerfile's directory. A failed build is surfaced, not retried.
func (b *ImageBuilder) Build(ctx context.Context, image, dockerfile string) error {
	b.logger.Info("building sandbox image",
		zap.String("image", image),
		zap.String("dockerfile", dockerfile))

	args := []string{
		b.engine, "build",
		"-t", image,
		"-f", dockerfile,
		filepath.Dir(dockerfile),
	}

	stdout, stderr, exitCode, err := b.cmd.RunCommand(ctx, args)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrImageBuild, image, err)
	}
	if exitCode != 0 {
		b.logger.Error("image build failed",
			zap.String("image", image),
			zap.Int("exit_code", exitCode),
			zap.String("stderr", stderr))
		return fmt.Errorf("%w: %s: exit code %d: %s", ErrImageBuild, image, exitCode, strings.TrimSpace(stderr))
	}

	b.logger.Info("image built", zap.String("image", image), zap.Int("output_len", len(stdout)))
	return nil
}

// Ensure makes the image available, building only when needed.
func (b *ImageBuilder) Ensure(ctx context.Context, image, dockerfile string, rebuild bool) error {
	exists, err := b.Exists(ctx, image)
	if err != nil {
		return err
	}
	if exists && !rebuild {
		b.logger.Debug("using existing image", zap.String("image", image))
		return nil
	}
	return b.Build(ctx, image, dockerfile)
}
