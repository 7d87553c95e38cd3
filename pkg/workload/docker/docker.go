// Package docker adapts the Workload contract onto the Docker Engine
// API: each job is backed by one container that runs until the job is
// terminated. It exists to give
// the fabric a concrete, runnable collaborator for tests and the demo
// binary — the domain workload itself stays out of the core's scope.
package docker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"meshlb/pkg/workload"
)

// Factory builds docker-backed Workloads sharing one Engine client.
type Factory struct {
	cli   *client.Client
	image string
}

// NewFactory dials the local Docker engine. image is the container image
// run for each job (default "alpine:latest" if empty); each container
// runs an indefinite sleep so it stays alive until Terminate stops it.
func NewFactory(image string) (*Factory, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: new client: %w", err)
	}
	if image == "" {
		image = "alpine:latest"
	}
	return &Factory{cli: cli, image: image}, nil
}

// Build satisfies workload.Factory.
func (f *Factory) Build(ctx context.Context, handle workload.Handle, _ interface{}) (workload.Workload, error) {
	resp, err := f.cli.ContainerCreate(ctx, &container.Config{
		Image: f.image,
		Cmd:   []string{"sh", "-c", "tail -f /dev/null"},
		Labels: map[string]string{
			"meshlb.job": handle.Name(),
		},
	}, nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("docker: create container for job %s: %w", handle.Name(), err)
	}

	if err := f.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("docker: start container for job %s: %w", handle.Name(), err)
	}

	w := &Workload{
		cli:         f.cli,
		containerID: resp.ID,
		done:        make(chan struct{}),
	}
	go w.watchExit()
	return w, nil
}

// Workload is a single running container backing one job.
type Workload struct {
	cli         *client.Client
	containerID string

	done     chan struct{}
	closeOne sync.Once
}

func (w *Workload) watchExit() {
	statusCh, errCh := w.cli.ContainerWait(context.Background(), w.containerID, container.WaitConditionNotRunning)
	select {
	case <-errCh:
	case <-statusCh:
	}
	w.markDone()
}

func (w *Workload) markDone() {
	w.closeOne.Do(func() { close(w.done) })
}

// Terminate stops and removes the container, and closes Done once both
// have succeeded. Done also closes when the container exits on its own.
func (w *Workload) Terminate(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	timeout := 5
	if err := w.cli.ContainerStop(stopCtx, w.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("docker: stop container %s: %w", w.containerID[:12], err)
	}
	if err := w.cli.ContainerRemove(ctx, w.containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("docker: remove container %s: %w", w.containerID[:12], err)
	}
	w.markDone()
	return nil
}

// Done is closed once the container has exited.
func (w *Workload) Done() <-chan struct{} { return w.done }
