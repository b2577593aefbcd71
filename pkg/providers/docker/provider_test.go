package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anirudhbiyani/spawn/pkg/spawn"
)

type copied struct {
	dir, name string
	data      string
	mode      int64
}

type fakeRuntime struct {
	mu       sync.Mutex
	created  []string
	execs    [][]string
	copies   []copied
	removed  []string
	exitCode map[string]int // command substring -> exit code
	inspects int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{exitCode: map[string]int{}}
}

func (f *fakeRuntime) Ping(context.Context) error { return nil }

func (f *fakeRuntime) Create(_ context.Context, name, image string, labels map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if labels["managed-by"] != "spawn" {
		return "", errors.New("missing label")
	}
	f.created = append(f.created, name+"@"+image)
	return "c0ffee" + fmt.Sprint(len(f.created)), nil
}

func (f *fakeRuntime) Inspect(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspects++
	status := "created"
	if f.inspects > 1 {
		status = "running"
	}
	return []byte(fmt.Sprintf(`{"Id":%q,"State":{"Status":%q,"Running":true}}`, id, status)), nil
}

func (f *fakeRuntime) Exec(_ context.Context, id string, opts ExecOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, append([]string{id}, opts.Cmd...))
	joined := strings.Join(opts.Cmd, " ")
	for sub, code := range f.exitCode {
		if strings.Contains(joined, sub) {
			return code, nil
		}
	}
	if opts.Stdout != nil {
		io.WriteString(opts.Stdout, "ok\n")
	}
	return 0, nil
}

func (f *fakeRuntime) CopyFile(_ context.Context, _, dir, name string, data []byte, mode int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies = append(f.copies, copied{dir: dir, name: name, data: string(data), mode: mode})
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.execs {
		out = append(out, e[len(e)-1])
	}
	return out
}

var testAgent = spawn.Agent{
	Name:    "tester",
	Install: "install-tester",
	Launch:  "tester",
	Env: []spawn.EnvPair{
		{Key: "TESTER_KEY", Value: "$TESTER_API_KEY"},
		{Key: "MODEL", Value: "it's-fine"},
	},
	Credentials: []spawn.CredentialSpec{spawn.SingleCredential("TESTER_API_KEY", "tester key")},
}

func newEngine(t *testing.T, p *Provider) (*spawn.Engine, spawn.StateStore) {
	t.Helper()
	reg := spawn.NewRegistry()
	require.NoError(t, reg.Register(p))
	store := spawn.NewMemoryStateStore()
	home := t.TempDir()
	env := map[string]string{"TESTER_API_KEY": "sk-local"}
	e := spawn.NewEngine(
		spawn.WithRegistry(reg),
		spawn.WithStateStore(store),
		spawn.WithCleanup(spawn.NewCleanupRegistry()),
		spawn.WithLogger(spawn.DiscardLogger()),
		spawn.WithHome(home),
		spawn.WithKeyPath(filepath.Join(home, "id_ed25519")),
		spawn.WithPolling(5, 0),
		spawn.WithReachability(2, 0),
		spawn.WithEnvLookup(func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		}),
	)
	return e, store
}

// Test a full local run: create, poll, inject, install, command, destroy
func TestProvision_Local(t *testing.T) {
	rt := newFakeRuntime()
	p := New(WithRuntime(rt))
	e, store := newEngine(t, p)

	var out strings.Builder
	run, err := e.Provision(context.Background(), spawn.Request{
		Cloud:        spawn.ProviderDocker,
		Agent:        testAgent,
		Command:      "echo hi",
		DestroyAfter: true,
		Stdin:        strings.NewReader(""),
		Stdout:       &out,
		Stderr:       io.Discard,
	})
	require.NoError(t, err)
	assert.Equal(t, spawn.StateExecuting, run.State)
	assert.Equal(t, "c0ffee1", run.Instance.Address)

	require.Len(t, rt.copies, 1)
	env := rt.copies[0]
	assert.Equal(t, "/tmp", env.dir)
	assert.Equal(t, "env_config", env.name)
	assert.Equal(t, int64(0600), env.mode)
	assert.Contains(t, env.data, "export TESTER_KEY='sk-local'")
	assert.Contains(t, env.data, `export MODEL='it'\''s-fine'`)

	cmds := rt.commands()
	assert.Equal(t, "true", cmds[0])
	assert.Contains(t, cmds, "cat /tmp/env_config >> ~/.zshrc && rm /tmp/env_config")
	assert.Contains(t, cmds, "install-tester")
	assert.Contains(t, cmds[len(cmds)-1], "echo hi")

	assert.Equal(t, []string{"c0ffee1"}, rt.removed)
	records, err := store.List(context.Background(), spawn.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

// Test that a failed install is a download error
func TestProvision_InstallFails(t *testing.T) {
	rt := newFakeRuntime()
	rt.exitCode["install-tester"] = 7
	e, _ := newEngine(t, New(WithRuntime(rt)))

	run, err := e.Provision(context.Background(), spawn.Request{
		Cloud:    spawn.ProviderDocker,
		Agent:    testAgent,
		Headless: true,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	})
	require.Error(t, err)
	assert.Equal(t, spawn.CodeDownloadError, spawn.CodeFor(err))
	assert.Equal(t, spawn.StateFailed, run.State)
}

// Test that a non-zero exit is reported with its status
func TestRunServer_ExitCode(t *testing.T) {
	rt := newFakeRuntime()
	rt.exitCode["false"] = 1
	p := New(WithRuntime(rt))
	sess := spawn.NewSession("s1", spawn.ProviderDocker, nil)

	err := p.RunServer(context.Background(), sess, "c0ffee1", "false")
	assert.True(t, spawn.IsCategory(err, spawn.ErrCategoryExecution))
	assert.ErrorContains(t, err, "status 1")
}

// Test that an empty address needs a container for the session
func TestUploadFile_NoContainer(t *testing.T) {
	p := New(WithRuntime(newFakeRuntime()))
	sess := spawn.NewSession("unknown", spawn.ProviderDocker, nil)
	err := p.UploadFile(context.Background(), sess, "", "/etc/hostname", "/tmp/x")
	assert.True(t, spawn.IsCategory(err, spawn.ErrCategoryValidation))
}

// Test the provider identity
func TestProvider_Identity(t *testing.T) {
	p := New()
	assert.True(t, p.HasCapability(spawn.CapabilityLocal))
	assert.False(t, p.HasCapability(spawn.CapabilitySSHKeys))
	assert.Empty(t, p.Credentials())
}
