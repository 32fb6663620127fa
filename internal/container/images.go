package container

import (
	"context"
	"fmt"
	"os"

	"github.com/HyphaGroup/agentrelay/internal/logger"
)

// EnsureImage checks whether imageName exists locally and pulls it if
// not. With AGENTRELAY_DEV=1 a missing image is an error instead of a pull.
func EnsureImage(ctx context.Context, rt Runtime, imageName string) error {
	exists, err := rt.ImageExists(ctx, imageName)
	if err != nil {
		return fmt.Errorf("failed to check image %s: %w", imageName, err)
	}
	if exists {
		return nil
	}

	if os.Getenv("AGENTRELAY_DEV") == "1" {
		return fmt.Errorf("image %s not found locally (dev mode - build it first)", imageName)
	}

	logger.Info("📦 Pulling image %s...", imageName)
	if err := rt.Pull(ctx, imageName); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	return nil
}
