package runtime

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/stackhaven/harbormaster/common/helpers"
)

/**
InspectResult is a point-in-time description of a container's runtime state
and metadata labels, as reported by the host that runs it
*/
type InspectResult struct {
	ContainerId string
	Host        string
	Status      string //created|running|paused|restarting|removing|exited|dead
	Running     bool
	ExitCode    int
	StartedAt   string
	FinishedAt  string
	Labels      map[string]string
}

/**
ContainerDriver is the command interface the orchestration layer requires
from the container runtime. Implementations must return an error satisfying
IsNotFound for operations against containers that no longer exist, since
that is the discriminator between transient and fatal failures.
*/
type ContainerDriver interface {
	Inspect(ctx context.Context, host string, containerId string) (*InspectResult, error)
	Start(ctx context.Context, host string, containerId string) error
	Stop(ctx context.Context, host string, containerId string) error
	Restart(ctx context.Context, host string, containerId string) error
	Remove(ctx context.Context, host string, containerId string) error
}

/**
DockerDriver talks to a fleet of Docker hosts, one SDK client per
configured host
*/
type DockerDriver struct {
	clients     map[string]*client.Client
	stopTimeout int //seconds
}

func NewDockerDriver(hosts []helpers.DockerHost) (*DockerDriver, error) {
	clients := make(map[string]*client.Client, len(hosts))
	for _, host := range hosts {
		cli, err := client.NewClientWithOpts(
			client.WithHost(host.Address),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			return nil, fmt.Errorf("could not create docker client for host %s: %w", host.Name, err)
		}
		clients[host.Name] = cli
	}
	return &DockerDriver{clients: clients, stopTimeout: 10}, nil
}

func (d *DockerDriver) clientFor(host string) (*client.Client, error) {
	cli, gotClient := d.clients[host]
	if !gotClient {
		return nil, fmt.Errorf("no docker host configured with name '%s'", host)
	}
	return cli, nil
}

func (d *DockerDriver) Inspect(ctx context.Context, host string, containerId string) (*InspectResult, error) {
	cli, cliErr := d.clientFor(host)
	if cliErr != nil {
		return nil, cliErr
	}

	details, inspectErr := cli.ContainerInspect(ctx, containerId)
	if inspectErr != nil {
		if !client.IsErrNotFound(inspectErr) {
			log.Printf("Could not inspect container %s on %s: %s", containerId, host, inspectErr)
		}
		return nil, inspectErr
	}

	result := InspectResult{
		ContainerId: details.ID,
		Host:        host,
	}
	if details.State != nil {
		result.Status = details.State.Status
		result.Running = details.State.Running
		result.ExitCode = details.State.ExitCode
		result.StartedAt = details.State.StartedAt
		result.FinishedAt = details.State.FinishedAt
	}
	if details.Config != nil {
		result.Labels = details.Config.Labels
	}
	return &result, nil
}

func (d *DockerDriver) Start(ctx context.Context, host string, containerId string) error {
	cli, cliErr := d.clientFor(host)
	if cliErr != nil {
		return cliErr
	}
	return cli.ContainerStart(ctx, containerId, types.ContainerStartOptions{})
}

func (d *DockerDriver) Stop(ctx context.Context, host string, containerId string) error {
	cli, cliErr := d.clientFor(host)
	if cliErr != nil {
		return cliErr
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(d.stopTimeout+5)*time.Second)
	defer cancel()
	return cli.ContainerStop(ctx, containerId, container.StopOptions{Timeout: &d.stopTimeout})
}

func (d *DockerDriver) Restart(ctx context.Context, host string, containerId string) error {
	cli, cliErr := d.clientFor(host)
	if cliErr != nil {
		return cliErr
	}
	return cli.ContainerRestart(ctx, containerId, container.StopOptions{Timeout: &d.stopTimeout})
}

func (d *DockerDriver) Remove(ctx context.Context, host string, containerId string) error {
	cli, cliErr := d.clientFor(host)
	if cliErr != nil {
		return cliErr
	}
	//anonymous volumes go with the container; an instance's data has no life
	//after its delete cascade
	return cli.ContainerRemove(ctx, containerId, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
}

/**
IsNotFound reports whether the given runtime error means the container does
not exist on the host. Retrying will not make a removed container reappear,
so callers treat these as fatal.
*/
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return client.IsErrNotFound(err)
}
