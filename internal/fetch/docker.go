package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/t77yq/rulewatch/internal/model"
)

// TaskEnvVar carries the JSON encoded task into the extraction container
const TaskEnvVar = "RULEWATCH_TASK"

// DockerConfig configures the sandboxed fetcher
type DockerConfig struct {
	Image       string
	Network     string
	MemoryLimit int64
	Timeout     time.Duration
}

// containerAPI is the subset of the Docker client used by DockerFetcher
type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerFetcher runs each visit inside a throwaway extraction container.
// The container receives the task in TaskEnvVar and must print a JSON
// encoded model.FetchResult on stdout.
type DockerFetcher struct {
	logger *zap.Logger
	docker containerAPI
	config DockerConfig
}

// NewDockerFetcher creates a fetcher talking to the Docker daemon from the environment
func NewDockerFetcher(config DockerConfig, logger *zap.Logger) (*DockerFetcher, error) {
	if config.Image == "" {
		return nil, fmt.Errorf("docker fetcher requires an image")
	}

	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return newDockerFetcher(docker, config, logger), nil
}

func newDockerFetcher(docker containerAPI, config DockerConfig, logger *zap.Logger) *DockerFetcher {
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	return &DockerFetcher{
		logger: logger.Named("docker-fetcher"),
		docker: docker,
		config: config,
	}
}

// Execute runs the extraction container for the task and decodes its output
func (f *DockerFetcher) Execute(ctx context.Context, task *model.Task) (*model.FetchResult, error) {
	if task.URL == "" {
		return nil, ErrNoURL
	}

	timeout := f.config.Timeout
	if task.Timeout > 0 {
		timeout = task.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{Memory: f.config.MemoryLimit},
	}
	if f.config.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(f.config.Network)
	}

	created, err := f.docker.ContainerCreate(ctx, &container.Config{
		Image:        f.config.Image,
		Env:          []string{TaskEnvVar + "=" + string(payload)},
		AttachStdout: true,
		AttachStderr: true,
		Labels:       map[string]string{"rulewatch.rule_id": task.RuleID},
	}, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		if err := f.docker.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true}); err != nil {
			f.logger.Warn("Failed to remove container",
				zap.String("container_id", created.ID),
				zap.Error(err))
		}
	}()

	if err := f.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	f.logger.Debug("Started extraction container",
		zap.String("container_id", created.ID),
		zap.String("rule_id", task.RuleID),
		zap.String("url", task.URL))

	statusCh, errCh := f.docker.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("failed waiting for container: %w", err)
		}
	case status := <-statusCh:
		if status.Error != nil {
			return nil, fmt.Errorf("container wait error: %s", status.Error.Message)
		}
		exitCode = status.StatusCode
	}

	logs, err := f.docker.ContainerLogs(ctx, created.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, fmt.Errorf("failed to read container output: %w", err)
	}

	if exitCode != 0 {
		return nil, fmt.Errorf("extraction container exited with code %d: %s", exitCode, strings.TrimSpace(stderr.String()))
	}

	return decodeContainerOutput(stdout.Bytes())
}

// decodeContainerOutput parses the container's stdout. Empty output means no result.
func decodeContainerOutput(stdout []byte) (*model.FetchResult, error) {
	stdout = bytes.TrimSpace(stdout)
	if len(stdout) == 0 {
		return nil, nil
	}

	var result model.FetchResult
	if err := json.Unmarshal(stdout, &result); err != nil {
		return nil, fmt.Errorf("failed to decode container output: %w", err)
	}
	if result.Collections == nil {
		result.Collections = make(map[string][]model.CollectionItem)
	}
	return &result, nil
}
