package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ExecOptions describes one command run inside a container.
type ExecOptions struct {
	Cmd    []string
	Tty    bool
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Runtime abstracts the container engine operations the backend uses.
type Runtime interface {
	Ping(ctx context.Context) error
	// Create pulls image if needed, then creates and starts a container.
	Create(ctx context.Context, name, image string, labels map[string]string) (string, error)
	// Inspect returns the raw JSON inspect document.
	Inspect(ctx context.Context, id string) ([]byte, error)
	// Exec runs a command and returns its exit code.
	Exec(ctx context.Context, id string, opts ExecOptions) (int, error)
	// CopyFile writes data to dir/name inside the container.
	CopyFile(ctx context.Context, id, dir, name string, data []byte, mode int64) error
	Remove(ctx context.Context, id string) error
}

type dockerRuntime struct {
	client *dockerclient.Client
}

func newDockerRuntime() (*dockerRuntime, error) {
	c, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &dockerRuntime{client: c}, nil
}

func (d *dockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

func (d *dockerRuntime) ensureImage(ctx context.Context, img string) error {
	if _, _, err := d.client.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	}
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *dockerRuntime) Create(ctx context.Context, name, img string, labels map[string]string) (string, error) {
	if err := d.ensureImage(ctx, img); err != nil {
		return "", err
	}
	cfg := &container.Config{
		Image:  img,
		Cmd:    []string{"sleep", "infinity"},
		Labels: labels,
	}
	resp, err := d.client.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

func (d *dockerRuntime) Inspect(ctx context.Context, id string) ([]byte, error) {
	info, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, err
	}
	return json.Marshal(info)
}

func (d *dockerRuntime) Exec(ctx context.Context, id string, opts ExecOptions) (int, error) {
	execCfg := container.ExecOptions{
		Cmd:          opts.Cmd,
		AttachStdin:  opts.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          opts.Tty,
	}
	execID, err := d.client.ContainerExecCreate(ctx, id, execCfg)
	if err != nil {
		return -1, fmt.Errorf("exec create: %w", err)
	}
	resp, err := d.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{Tty: opts.Tty})
	if err != nil {
		return -1, fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()
	stop := context.AfterFunc(ctx, resp.Close)
	defer stop()

	if opts.Stdin != nil {
		go func() {
			io.Copy(resp.Conn, opts.Stdin)
			resp.CloseWrite()
		}()
	}

	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	if opts.Tty {
		_, err = io.Copy(stdout, resp.Reader)
	} else {
		_, err = stdcopy.StdCopy(stdout, stderr, resp.Reader)
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err != nil {
		return -1, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := d.client.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return -1, fmt.Errorf("exec inspect: %w", err)
	}
	return inspect.ExitCode, nil
}

func (d *dockerRuntime) CopyFile(ctx context.Context, id, dir, name string, data []byte, mode int64) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    name,
		Mode:    mode,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return d.client.CopyToContainer(ctx, id, dir, &buf, container.CopyToContainerOptions{})
}

func (d *dockerRuntime) Remove(ctx context.Context, id string) error {
	err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return err
	}
	return nil
}
