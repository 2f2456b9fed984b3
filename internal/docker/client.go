package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// Client is a wrapper around the official Docker client implementing Runtime.
type Client struct {
	cli *client.Client
}

var _ Runtime = (*Client)(nil)

// NewClient creates a new Docker client.
func NewClient() (*Client, error) {
	cli, err := client.New(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("could not create docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Ping checks that the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx, client.PingOptions{}); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// List returns the containers known to the runtime. With all set, stopped
// containers are included.
func (c *Client) List(ctx context.Context, all bool) ([]Summary, error) {
	listed, err := c.cli.ContainerList(ctx, client.ContainerListOptions{All: all})
	if err != nil {
		return nil, fmt.Errorf("could not list containers: %w", err)
	}
	summaries := make([]Summary, 0, len(listed.Items))
	for _, item := range listed.Items {
		summaries = append(summaries, summaryOf(item))
	}
	return summaries, nil
}

func summaryOf(item container.Summary) Summary {
	name := ""
	if len(item.Names) > 0 {
		name = strings.TrimPrefix(item.Names[0], "/")
	}
	return Summary{
		ID:    item.ID,
		Name:  name,
		Image: item.Image,
		State: string(item.State),
	}
}

// Inspect returns the state of a single container. An absent container
// yields an error satisfying errdefs.IsNotFound.
func (c *Client) Inspect(ctx context.Context, name string) (Details, error) {
	resp, err := c.cli.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err != nil {
		return Details{}, err
	}
	return detailsOf(resp.Container.ID, resp.Container.Name, resp.Container.State), nil
}

func detailsOf(id, name string, state *container.State) Details {
	details := Details{
		ID:   id,
		Name: strings.TrimPrefix(name, "/"),
	}
	if state != nil {
		details.Running = state.Running
		details.Status = string(state.Status)
		if state.Health != nil {
			details.Health = string(state.Health.Status)
		}
	}
	return details
}

// Create creates a container per spec: fixed name, shared network
// attachment, resource caps, unless-stopped restart policy, and an HTTP
// healthcheck against /health on the app's internal port.
func (c *Client) Create(ctx context.Context, spec CreateSpec) (string, error) {
	containerConfig := &container.Config{
		Image: spec.Image,
		Env:   spec.Env,
	}
	if spec.InternalPort > 0 {
		containerConfig.Healthcheck = &container.HealthConfig{
			Test: []string{"CMD-SHELL", fmt.Sprintf(
				"wget -q -O /dev/null http://localhost:%d/health || exit 1", spec.InternalPort)},
			Interval: 30 * time.Second,
			Timeout:  5 * time.Second,
			Retries:  3,
		}
	}
	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
	}
	createOptions := client.ContainerCreateOptions{
		Config:     containerConfig,
		HostConfig: hostConfig,
		Name:       spec.Name,
	}
	if spec.Network != "" {
		createOptions.NetworkingConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
	}
	resp, err := c.cli.ContainerCreate(ctx, createOptions)
	if err != nil {
		return "", fmt.Errorf("could not create container '%s': %w", spec.Name, err)
	}
	return resp.ID, nil
}

// Start starts an existing container.
func (c *Client) Start(ctx context.Context, name string) error {
	if _, err := c.cli.ContainerStart(ctx, name, client.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("could not start container '%s': %w", name, err)
	}
	return nil
}

// Stop stops a container, giving it the grace period before a hard kill.
func (c *Client) Stop(ctx context.Context, name string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	opts := client.ContainerStopOptions{Timeout: &seconds}
	if _, err := c.cli.ContainerStop(ctx, name, opts); err != nil {
		return fmt.Errorf("could not stop container '%s': %w", name, err)
	}
	return nil
}

// Remove removes a container. Callers treat NotFound as a neutral outcome.
func (c *Client) Remove(ctx context.Context, name string, force bool) error {
	opts := client.ContainerRemoveOptions{Force: force, RemoveVolumes: false}
	if _, err := c.cli.ContainerRemove(ctx, name, opts); err != nil {
		return err
	}
	return nil
}

// Pull pulls an image, forwarding each raw progress line from the daemon to
// onProgress when set.
func (c *Client) Pull(ctx context.Context, image string, onProgress func(line string)) error {
	reader, err := c.cli.ImagePull(ctx, image, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("could not pull image '%s': %w", image, err)
	}
	defer reader.Close()
	return forwardPullProgress(reader, onProgress)
}

func forwardPullProgress(r io.Reader, onProgress func(line string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 512*1024)
	for scanner.Scan() {
		if onProgress != nil {
			onProgress(scanner.Text())
		}
	}
	return scanner.Err()
}

// Logs returns the container's log stream. The returned reader carries the
// multiplexed frame format; pass the bytes through Demux to get plain text.
func (c *Client) Logs(ctx context.Context, name string, tail int, follow bool) (io.ReadCloser, error) {
	opts := client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
	}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	reader, err := c.cli.ContainerLogs(ctx, name, opts)
	if err != nil {
		return nil, fmt.Errorf("could not get logs for container '%s': %w", name, err)
	}
	return reader, nil
}

// Exec runs a command inside a running container and returns its combined
// demultiplexed output.
func (c *Client) Exec(ctx context.Context, name string, cmd []string) (string, error) {
	created, err := c.cli.ExecCreate(ctx, name, client.ExecCreateOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("could not create exec in container '%s': %w", name, err)
	}
	attached, err := c.cli.ExecAttach(ctx, created.ID, client.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("could not attach exec in container '%s': %w", name, err)
	}
	defer attached.Close()

	raw, err := io.ReadAll(attached.Reader)
	if err != nil {
		return "", fmt.Errorf("could not read exec output from container '%s': %w", name, err)
	}
	return Demux(raw), nil
}
