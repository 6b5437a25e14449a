package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// pullMessage is one decoded line of the image pull progress stream.
type pullMessage struct {
	Status      string `json:"status"`
	ID          string `json:"id"`
	Progress    string `json:"progress"`
	Error       string `json:"error"`
	ErrorDetail *struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

func (m pullMessage) line() string {
	parts := make([]string, 0, 3)
	if m.ID != "" {
		parts = append(parts, m.ID+":")
	}
	if m.Status != "" {
		parts = append(parts, m.Status)
	}
	if m.Progress != "" {
		parts = append(parts, m.Progress)
	}
	return strings.Join(parts, " ")
}

// PullImage pulls an image by reference, forwarding each progress line to
// onProgress. A nil onProgress just waits for the pull to complete. The
// pull succeeds when the event stream ends without an error message;
// image-not-found surfaces as an error.
func (c *Client) PullImage(ctx context.Context, refStr string, onProgress func(line string)) error {
	resp, err := c.api.ImagePull(ctx, refStr, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", refStr, err)
	}

	if onProgress == nil {
		if err := resp.Wait(ctx); err != nil {
			return fmt.Errorf("pull %s: %w", refStr, err)
		}
		return nil
	}

	defer resp.Close()
	dec := json.NewDecoder(resp)
	for {
		var msg pullMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("pull %s: decode progress: %w", refStr, err)
		}
		if msg.Error != "" {
			return fmt.Errorf("pull %s: %s", refStr, msg.Error)
		}
		if msg.ErrorDetail != nil && msg.ErrorDetail.Message != "" {
			return fmt.Errorf("pull %s: %s", refStr, msg.ErrorDetail.Message)
		}
		if line := msg.line(); line != "" {
			onProgress(line)
		}
	}
}

// CreateContainer creates a container on the edge network with restart
// policy unless-stopped and returns its ID.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	if spec.Port > 0 {
		cfg.ExposedPorts = network.PortSet{
			network.MustParsePort(fmt.Sprintf("%d/tcp", spec.Port)): struct{}{},
		}
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
	}

	resp, err := c.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:             spec.Name,
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: netCfg,
	})
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if _, err := c.api.ContainerStart(ctx, id, client.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", id, err)
	}
	return nil
}

// StopContainer stops a running container with the given grace period in
// seconds. Already-stopped and missing containers are treated as success.
func (c *Client) StopContainer(ctx context.Context, id string, graceSeconds int) error {
	_, err := c.api.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &graceSeconds})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

// RemoveContainer force-removes a container and its anonymous volumes.
// Missing containers and removals already in progress are success.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	_, err := c.api.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !cerrdefs.IsNotFound(err) && !cerrdefs.IsConflict(err) {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

// InspectStatus returns the runtime-reported state string ("running",
// "exited", ...) for a container.
func (c *Client) InspectStatus(ctx context.Context, id string) (string, error) {
	result, err := c.api.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w", id, err)
	}
	state := result.Container.State
	if state == nil {
		return "", fmt.Errorf("inspect container %s: state is nil", id)
	}
	return string(state.Status), nil
}

// ListByLabel returns all containers (any state) carrying the label,
// optionally constrained to a value.
func (c *Client) ListByLabel(ctx context.Context, key, value string) ([]container.Summary, error) {
	filter := key
	if value != "" {
		filter = key + "=" + value
	}
	result, err := c.api.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: make(client.Filters).Add("label", filter),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers by label %s: %w", filter, err)
	}
	return result.Items, nil
}

// RemoveImage force-removes an image by reference, pruning untagged
// children. A missing image is success.
func (c *Client) RemoveImage(ctx context.Context, refStr string) error {
	_, err := c.api.ImageRemove(ctx, refStr, client.ImageRemoveOptions{Force: true, PruneChildren: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("remove image %s: %w", refStr, err)
	}
	return nil
}

// Prune removes stopped containers, dangling images, and unused volumes,
// returning a per-kind summary.
func (c *Client) Prune(ctx context.Context) (PruneResult, error) {
	var res PruneResult

	creport, err := c.api.ContainerPrune(ctx, client.ContainerPruneOptions{})
	if err != nil {
		return res, fmt.Errorf("prune containers: %w", err)
	}
	res.ContainersDeleted = len(creport.Report.ContainersDeleted)
	res.SpaceReclaimed += int64(creport.Report.SpaceReclaimed) //nolint:gosec // reclaimed bytes fit in int64

	ireport, err := c.api.ImagePrune(ctx, client.ImagePruneOptions{})
	if err != nil {
		return res, fmt.Errorf("prune images: %w", err)
	}
	res.ImagesDeleted = len(ireport.Report.ImagesDeleted)
	res.SpaceReclaimed += int64(ireport.Report.SpaceReclaimed) //nolint:gosec

	vreport, err := c.api.VolumePrune(ctx, client.VolumePruneOptions{})
	if err != nil {
		return res, fmt.Errorf("prune volumes: %w", err)
	}
	res.VolumesDeleted = len(vreport.Report.VolumesDeleted)
	res.SpaceReclaimed += int64(vreport.Report.SpaceReclaimed) //nolint:gosec

	return res, nil
}

// ContainerLogs returns the last N lines of a container's demultiplexed
// stdout and stderr.
func (c *Client) ContainerLogs(ctx context.Context, id string, lines int) (string, error) {
	opts := client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", lines),
	}
	reader, err := c.api.ContainerLogs(ctx, id, opts)
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		// Some containers use raw TTY mode — fall back to direct read.
		reader2, err2 := c.api.ContainerLogs(ctx, id, opts)
		if err2 != nil {
			return "", fmt.Errorf("container logs fallback: %w", err2)
		}
		defer reader2.Close()
		raw, _ := io.ReadAll(reader2)
		return string(raw), nil
	}

	if stderr.Len() > 0 {
		stdout.WriteString(stderr.String())
	}
	return stdout.String(), nil
}
