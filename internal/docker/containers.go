package docker

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// Info reports the daemon's total RAM and CPU count, used by the scheduler's
// node-sufficiency checks.
func (c *Client) Info(ctx context.Context) (HostInfo, error) {
	info, err := c.api.Info(ctx, client.InfoOptions{})
	if err != nil {
		return HostInfo{}, fmt.Errorf("docker info: %w", err)
	}
	return HostInfo{
		RAMMiB: info.MemTotal / (1024 * 1024),
		CPUs:   info.NCPU,
	}, nil
}

// Pull pulls an image by reference, waiting for the pull to complete.
// If auth is non-nil, credentials are sent to the registry.
func (c *Client) Pull(ctx context.Context, imageURL string, auth *Auth) error {
	opts := client.ImagePullOptions{}
	if auth != nil {
		opts.RegistryAuth = encodeAuth(auth.Username, auth.Password)
	}
	resp, err := c.api.ImagePull(ctx, imageURL, opts)
	if err != nil {
		return fmt.Errorf("pull %s: %w", imageURL, err)
	}
	return resp.Wait(ctx)
}

// Create creates a container per spec and returns its id.
func (c *Client) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image: spec.Image,
		Cmd:   spec.Command,
		User:  spec.User,
		Env:   envSlice(spec.Env),
	}
	hostCfg := &container.HostConfig{
		Runtime:      spec.Runtime,
		Memory:       spec.MemLimitMiB * 1024 * 1024,
		MemorySwap:   spec.MemSwapLimit * 1024 * 1024,
		Devices:      deviceMappings(spec.Devices),
		CapAdd:       spec.CapAdd,
		SecurityOpt:  spec.SecurityOpt,
	}
	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
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

// Start starts a created container in detached mode.
func (c *Client) Start(ctx context.Context, id string) error {
	_, err := c.api.ContainerStart(ctx, id, client.ContainerStartOptions{})
	if err != nil {
		return fmt.Errorf("start container %s: %w", id, err)
	}
	return nil
}

// PutArchive injects a tar archive's contents into the container at path,
// before start. Used to deliver the in-container agent and batch descriptor.
func (c *Client) PutArchive(ctx context.Context, id, path string, tarBytes []byte) error {
	_, err := c.api.ContainerCopyTo(ctx, id, path, client.ContainerCopyToOptions{
		Content: bytes.NewReader(tarBytes),
	})
	if err != nil {
		return fmt.Errorf("put archive into %s at %s: %w", id, path, err)
	}
	return nil
}

// List returns containers filtered by status. Container name is the batch id.
func (c *Client) List(ctx context.Context, status Status) ([]ContainerSummary, error) {
	opts := client.ContainerListOptions{All: status != StatusRunning}
	if status != StatusAny {
		opts.Filters = make(client.Filters).Add("status", string(status))
	}
	result, err := c.api.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]ContainerSummary, 0, len(result.Items))
	for _, item := range result.Items {
		name := item.ID
		if len(item.Names) > 0 {
			name = trimSlash(item.Names[0])
		}
		out = append(out, ContainerSummary{Name: name, ID: item.ID, Status: item.State})
	}
	return out, nil
}

// Logs returns a container's stdout and stderr separately, decoded from the
// multiplexed docker log stream.
func (c *Client) Logs(ctx context.Context, id string) (stdout, stderr []byte, err error) {
	reader, err := c.api.ContainerLogs(ctx, id, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("container logs %s: %w", id, err)
	}
	defer reader.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, reader); err != nil {
		return nil, nil, fmt.Errorf("demux logs %s: %w", id, err)
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

// Remove removes a container, optionally forcing removal of a running one.
func (c *Client) Remove(ctx context.Context, id string, force bool) error {
	_, err := c.api.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

// RunOneShot creates, starts, waits for, and removes a short-lived container.
// Used only for the node liveness probe (curl of the broker's external URL).
func (c *Client) RunOneShot(ctx context.Context, image string, command []string, env map[string]string, network string) error {
	id, err := c.Create(ctx, ContainerSpec{
		Image:   image,
		Name:    fmt.Sprintf("agency-inspect-%d", time.Now().UnixNano()),
		Command: command,
		Env:     env,
		Network: network,
	})
	if err != nil {
		return fmt.Errorf("one-shot create: %w", err)
	}
	defer c.Remove(context.WithoutCancel(ctx), id, true) //nolint:errcheck // best-effort cleanup

	if err := c.Start(ctx, id); err != nil {
		return fmt.Errorf("one-shot start: %w", err)
	}

	waitCh, errCh := c.api.ContainerWait(ctx, id, client.ContainerWaitOptions{Condition: container.WaitConditionNotRunning})
	select {
	case res := <-waitCh:
		if res.StatusCode != 0 {
			_, stderr, _ := c.Logs(ctx, id)
			return fmt.Errorf("one-shot exited %d: %s", res.StatusCode, stderr)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("one-shot wait: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func deviceMappings(devices []string) []container.DeviceMapping {
	if len(devices) == 0 {
		return nil
	}
	out := make([]container.DeviceMapping, 0, len(devices))
	for _, d := range devices {
		out = append(out, container.DeviceMapping{PathOnHost: d, PathInContainer: d, CgroupPermissions: "rwm"})
	}
	return out
}

func trimSlash(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}
