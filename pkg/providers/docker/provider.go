// Package docker provides a backend that runs agents in a local container.
//
// Containers are reached through the engine API instead of SSH, so the
// backend declares CapabilityLocal and env injection copies files straight
// into the container.
package docker

import (
	"context"
	"fmt"
	"os"
	"path"
	"sync"

	"golang.org/x/term"

	"github.com/anirudhbiyani/spawn/pkg/spawn"
)

const defaultImage = "ubuntu:24.04"

// Provider implements spawn.Backend for a local Docker engine.
type Provider struct {
	spawn.BaseBackend

	mu         sync.Mutex
	runtime    Runtime
	containers map[string]string // session ID -> container ID
}

// ProviderOption configures the Provider.
type ProviderOption func(*Provider)

// WithRuntime sets the container runtime.
func WithRuntime(r Runtime) ProviderOption {
	return func(p *Provider) {
		p.runtime = r
	}
}

// New creates a new Docker provider. The engine client is created on first
// use.
func New(opts ...ProviderOption) *Provider {
	p := &Provider{
		BaseBackend: spawn.BaseBackend{
			Provider: spawn.ProviderDocker,
			Caps: []spawn.Capability{
				spawn.CapabilityCreate,
				spawn.CapabilityDestroy,
				spawn.CapabilityInteractive,
				spawn.CapabilityLocal,
			},
		},
		containers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) rt() (Runtime, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runtime == nil {
		r, err := newDockerRuntime()
		if err != nil {
			return nil, spawn.ErrExecution("cannot connect to docker").WithCause(err)
		}
		p.runtime = r
	}
	return p.runtime, nil
}

// container maps an address to a container ID. Local injection passes no
// address; the session's container is used then.
func (p *Provider) container(sess *spawn.Session, addr string) (string, error) {
	if addr != "" {
		return addr, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.containers[sess.ID]; ok {
		return id, nil
	}
	return "", spawn.ErrValidation(fmt.Sprintf("no container for run %s", sess.ID))
}

// ValidateCredentials implements spawn.Backend by pinging the engine.
func (p *Provider) ValidateCredentials(ctx context.Context, _ *spawn.Session) error {
	r, err := p.rt()
	if err != nil {
		return err
	}
	return r.Ping(ctx)
}

// CreateServer implements spawn.Backend.
func (p *Provider) CreateServer(ctx context.Context, sess *spawn.Session, name string) (*spawn.Instance, error) {
	r, err := p.rt()
	if err != nil {
		return nil, err
	}
	img := sess.Param("image", defaultImage)
	labels := map[string]string{"managed-by": "spawn", "spawn.run": sess.ID}
	id, err := r.Create(ctx, name, img, labels)
	if err != nil {
		sess.Logger().Diagnostic(spawn.Diagnostic{
			Header: fmt.Sprintf("Failed to start container %s", name),
			Causes: []string{
				"The Docker daemon is not running",
				"A container with the same name already exists",
				"The image cannot be pulled",
			},
			Fixes: []string{
				"Run `docker info` to check the daemon",
				fmt.Sprintf("Remove the old container with `docker rm -f %s`", name),
			},
		})
		return nil, spawn.ErrExecution("failed to create container").WithCause(err).WithOperation("create")
	}

	p.mu.Lock()
	p.containers[sess.ID] = id
	p.mu.Unlock()

	return &spawn.Instance{
		ID:   id,
		Name: name,
		Meta: map[string]string{"image": img},
	}, nil
}

// PollSpec implements spawn.Backend. The container ID doubles as the
// instance address.
func (p *Provider) PollSpec(inst *spawn.Instance) spawn.PollSpec {
	return spawn.PollSpec{
		Endpoint:     inst.ID,
		TargetStatus: "running",
		StatusPath:   "State.Status",
		AddressPath:  "Id",
		MaxAttempts:  30,
	}
}

// FetchStatus implements spawn.Backend.
func (p *Provider) FetchStatus(ctx context.Context, _ *spawn.Session, endpoint string) ([]byte, error) {
	r, err := p.rt()
	if err != nil {
		return nil, err
	}
	return r.Inspect(ctx, endpoint)
}

func (p *Provider) exec(ctx context.Context, sess *spawn.Session, addr string, opts ExecOptions) error {
	r, err := p.rt()
	if err != nil {
		return err
	}
	id, err := p.container(sess, addr)
	if err != nil {
		return err
	}
	code, err := r.Exec(ctx, id, opts)
	if err != nil {
		return spawn.ErrExecution("exec failed").WithCause(err)
	}
	if code != 0 {
		return spawn.ErrExecution(fmt.Sprintf("command exited with status %d", code)).WithDetail("exit_code", code)
	}
	return nil
}

// VerifyConnectivity implements spawn.Backend.
func (p *Provider) VerifyConnectivity(ctx context.Context, sess *spawn.Session, addr string) error {
	if err := p.exec(ctx, sess, addr, ExecOptions{Cmd: []string{"true"}}); err != nil {
		return spawn.ErrConnectivity("container not accepting commands").WithCause(err)
	}
	return nil
}

// RunServer implements spawn.Backend.
func (p *Provider) RunServer(ctx context.Context, sess *spawn.Session, addr, cmd string) error {
	return p.exec(ctx, sess, addr, ExecOptions{
		Cmd:    []string{"bash", "-c", cmd},
		Stdout: sess.Stdout,
		Stderr: sess.Stderr,
	})
}

// UploadFile implements spawn.Backend.
func (p *Provider) UploadFile(ctx context.Context, sess *spawn.Session, addr, local, remote string) error {
	r, err := p.rt()
	if err != nil {
		return err
	}
	id, err := p.container(sess, addr)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return fmt.Errorf("read %s: %w", local, err)
	}
	if err := r.CopyFile(ctx, id, path.Dir(remote), path.Base(remote), data, 0600); err != nil {
		return spawn.ErrExecution(fmt.Sprintf("failed to copy %s into container", remote)).WithCause(err)
	}
	return nil
}

// InteractiveSession implements spawn.Backend.
func (p *Provider) InteractiveSession(ctx context.Context, sess *spawn.Session, addr, cmd string) error {
	tty := false
	if f, ok := sess.Stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		state, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer term.Restore(int(f.Fd()), state)
		tty = true
	}
	return p.exec(ctx, sess, addr, ExecOptions{
		Cmd:    []string{"bash", "-lc", cmd},
		Tty:    tty,
		Stdin:  sess.Stdin,
		Stdout: sess.Stdout,
		Stderr: sess.Stderr,
	})
}

// DestroyServer implements spawn.Destroyer.
func (p *Provider) DestroyServer(ctx context.Context, sess *spawn.Session, inst *spawn.Instance) error {
	r, err := p.rt()
	if err != nil {
		return err
	}
	if err := r.Remove(ctx, inst.ID); err != nil {
		return spawn.ErrExecution(fmt.Sprintf("failed to remove container %s", inst.Name)).WithCause(err).WithOperation("destroy")
	}
	p.mu.Lock()
	delete(p.containers, sess.ID)
	p.mu.Unlock()
	return nil
}

func init() {
	spawn.MustRegister(New())
}
