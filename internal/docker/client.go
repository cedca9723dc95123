package docker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/docker/docker/client"
)

// pingTimeout bounds the reachability check at startup.
const pingTimeout = 5 * time.Second

// NewClient connects to the daemon named by the DOCKER_* environment and
// checks that it answers. Sources are discovered through container labels,
// so a daemon that cannot be reached is fatal for the caller.
func NewClient(ctx context.Context) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf(`cannot discover sources, Docker at %s did not answer: %w

Start the daemon or point DOCKER_HOST at a running one`, daemonHost(), err)
	}

	return cli, nil
}

func daemonHost() string {
	if host := os.Getenv(client.EnvOverrideHost); host != "" {
		return host
	}
	return client.DefaultDockerHost
}
