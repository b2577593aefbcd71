package spawn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Engine composes a Backend, the credential store, the SSH key manager, the
// poller and the env injector into one provisioning state machine.
type Engine struct {
	registry  *Registry
	store     StateStore
	cleanup   *CleanupRegistry
	injector  *EnvInjector
	logger    *Logger
	home      string
	keyPath   string
	poll      PollSpec
	reach     ReachSpec
	prompt    PromptFunc
	lookupEnv func(string) (string, bool)
	now       func() time.Time
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithRegistry sets the backend registry.
func WithRegistry(r *Registry) EngineOption {
	return func(e *Engine) {
		e.registry = r
	}
}

// WithStateStore sets the run record store.
func WithStateStore(s StateStore) EngineOption {
	return func(e *Engine) {
		e.store = s
	}
}

// WithCleanup sets the temp file registry.
func WithCleanup(c *CleanupRegistry) EngineOption {
	return func(e *Engine) {
		e.cleanup = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithHome sets the directory holding credential records.
func WithHome(dir string) EngineOption {
	return func(e *Engine) {
		e.home = dir
	}
}

// WithKeyPath sets the SSH private key path.
func WithKeyPath(path string) EngineOption {
	return func(e *Engine) {
		e.keyPath = path
	}
}

// WithPolling sets the status poll budget. An interval of 0 polls without
// delay.
func WithPolling(maxAttempts int, interval time.Duration) EngineOption {
	return func(e *Engine) {
		e.poll.MaxAttempts = maxAttempts
		e.poll.Interval = explicitInterval(interval)
	}
}

// WithReachability sets the SSH reachability budget. An interval of 0
// probes without delay.
func WithReachability(maxAttempts int, interval time.Duration) EngineOption {
	return func(e *Engine) {
		e.reach.MaxAttempts = maxAttempts
		e.reach.Interval = explicitInterval(interval)
	}
}

func explicitInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return NoWait
	}
	return d
}

// WithProfile sets the remote shell profile env pairs are appended to.
func WithProfile(path string) EngineOption {
	return func(e *Engine) {
		e.injector.Profile = path
	}
}

// WithCredentialPrompt sets the fallback for unresolved single credentials.
func WithCredentialPrompt(fn PromptFunc) EngineOption {
	return func(e *Engine) {
		e.prompt = fn
	}
}

// WithEnvLookup replaces os.LookupEnv for credential resolution.
func WithEnvLookup(fn func(string) (string, bool)) EngineOption {
	return func(e *Engine) {
		e.lookupEnv = fn
	}
}

// NewEngine creates an Engine with the given options.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		registry:  DefaultRegistry,
		store:     NewMemoryStateStore(),
		cleanup:   DefaultCleanup,
		injector:  &EnvInjector{},
		logger:    NewLogger(os.Stderr, nil),
		home:      DefaultHome(),
		keyPath:   DefaultKeyPath(),
		poll:      PollSpec{MaxAttempts: DefaultMaxAttempts, Interval: DefaultPollInterval},
		reach:     ReachSpec{MaxAttempts: DefaultSSHAttempts, Interval: DefaultSSHInterval},
		lookupEnv: os.LookupEnv,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.injector.Cleanup = e.cleanup
	return e
}

// Registry returns the engine's backend registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Request describes one provisioning run.
type Request struct {
	Cloud CloudProvider
	Agent Agent

	// Name overrides the backend's generated server name.
	Name string

	// Command, when set, is run on the instance instead of attaching.
	Command string

	// Headless skips the interactive attach and keeps stdout clean for
	// the JSON result.
	Headless bool

	// DestroyAfter deletes the instance once the run finishes.
	DestroyAfter bool

	// Secrets seeds the run's secret set ahead of the environment.
	Secrets map[string]string

	// Params are backend options.
	Params map[string]string

	SSHUser string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Run is the live state of one provisioning run.
type Run struct {
	ID          string
	State       State
	Transitions []Transition
	Instance    *Instance
	Session     *Session

	entered time.Time
}

func (e *Engine) advance(run *Run, to State) {
	now := e.now()
	run.Transitions = append(run.Transitions, Transition{
		From: run.State,
		To:   to,
		At:   now,
		Took: now.Sub(run.entered),
	})
	run.Session.Logger().Debug("state transition", "from", run.State.String(), "to", to.String())
	run.State = to
	run.entered = now
}

func (e *Engine) credentialStore(configPath string) *CredentialStore {
	return NewCredentialStore(
		filepath.Join(e.home, configPath),
		WithCredentialLogger(e.logger),
		WithLookupEnv(e.lookupEnv),
		WithPrompt(e.prompt),
	)
}

// Authenticate resolves and validates the backend's credentials into sess.
func (e *Engine) Authenticate(ctx context.Context, b Backend, sess *Session) error {
	store := e.credentialStore(b.ConfigPath())
	test := func(ctx context.Context, _ *Secrets) error {
		return b.ValidateCredentials(ctx, sess)
	}

	var err error
	specs := b.Credentials()
	switch len(specs) {
	case 0:
	case 1:
		_, err = store.EnsureCredential(ctx, specs[0], sess.Secrets, test)
	default:
		err = store.EnsureCredentials(ctx, specs, sess.Secrets, test)
	}
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			se.WithOperation("authenticate")
		}
		return withProvider(err, b.Name())
	}
	return nil
}

func (e *Engine) authenticateAgent(ctx context.Context, sess *Session) error {
	store := e.credentialStore(AgentConfigPath)
	for _, spec := range sess.Agent.Credentials {
		if _, err := store.EnsureCredential(ctx, spec, sess.Secrets, nil); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) newSession(req Request) *Session {
	id := uuid.NewString()
	sess := NewSession(id, req.Cloud, e.logger.With("run_id", id, "cloud", string(req.Cloud), "agent", req.Agent.Name))
	sess.Agent = req.Agent
	sess.Secrets = NewSecrets(req.Secrets)
	sess.KeyPath = e.keyPath
	sess.SSHUser = req.SSHUser
	for k, v := range req.Params {
		sess.Params[k] = v
	}
	if req.Stdin != nil {
		sess.Stdin = req.Stdin
	}
	if req.Stdout != nil {
		sess.Stdout = req.Stdout
	}
	if req.Stderr != nil {
		sess.Stderr = req.Stderr
	}
	if req.Headless {
		sess.Stdout = sess.Stderr
	}
	return sess
}

// Provision drives a run from credentials to execution or attach. The
// returned Run is non-nil whenever a backend was found, including on
// failure, so callers can report how far it got.
//
// With DestroyAfter, an instance that was created is deleted when the run
// ends, whether it succeeded or failed. A failed delete is only logged.
func (e *Engine) Provision(ctx context.Context, req Request) (*Run, error) {
	b, err := e.registry.Get(req.Cloud)
	if err != nil {
		return nil, err
	}
	if !b.HasCapability(CapabilityCreate) {
		return nil, ErrNotImplemented(fmt.Sprintf("provider %s cannot create instances", req.Cloud)).WithProvider(req.Cloud)
	}

	sess := e.newSession(req)
	run := &Run{ID: sess.ID, State: StateUnauthenticated, Session: sess, entered: e.now()}

	err = e.provision(ctx, b, req, run)
	if err != nil {
		e.advance(run, StateFailed)
		e.saveRecord(ctx, run, req)
	}
	if req.DestroyAfter && run.Instance != nil {
		e.destroyAfter(ctx, b, run)
	}
	return run, err
}

// destroyAfter deletes the run's instance and forgets its record. It runs
// on a context detached from cancellation so an interrupted run still
// releases its instance.
func (e *Engine) destroyAfter(ctx context.Context, b Backend, run *Run) {
	ctx = context.WithoutCancel(ctx)
	if err := e.destroy(ctx, b, run.Session, run.Instance); err != nil {
		run.Session.Logger().Warn("Failed to destroy %s: %v", run.Instance.Name, err)
		return
	}
	if err := e.store.Delete(ctx, run.ID); err != nil {
		run.Session.Logger().Warn("Failed to remove run record %s: %v", run.ID, err)
	}
}

func (e *Engine) provision(ctx context.Context, b Backend, req Request, run *Run) error {
	sess := run.Session
	log := sess.Logger()

	log.Step("Authenticating with %s", b.Name())
	if err := e.Authenticate(ctx, b, sess); err != nil {
		return err
	}
	if err := e.authenticateAgent(ctx, sess); err != nil {
		return err
	}
	e.advance(run, StateAuthenticated)

	log.Step("Ensuring SSH key")
	created, err := EnsureKeypair(sess.KeyPath)
	if err != nil {
		return ErrRegistration("failed to prepare SSH key").WithCause(err).WithProvider(b.Name())
	}
	if created {
		log.Info("Generated SSH key %s", sess.KeyPath)
	}
	if kr, ok := b.(KeyRegistrar); ok && b.HasCapability(CapabilitySSHKeys) {
		if err := EnsureRegistered(ctx, kr, sess, string(b.Name()), sess.KeyPath); err != nil {
			return err
		}
	}
	e.advance(run, StateKeyEnsured)

	name := req.Name
	if name == "" {
		name = b.ServerName(sess)
	}
	log.Step("Creating %s instance %s", b.Name(), name)
	inst, err := b.CreateServer(ctx, sess, name)
	if err != nil {
		return err
	}
	inst.Provider = b.Name()
	if inst.Name == "" {
		inst.Name = name
	}
	run.Instance = inst
	e.advance(run, StateCreated)
	e.saveRecord(ctx, run, req)

	e.advance(run, StatePolling)
	spec := b.PollSpec(inst)
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = e.poll.MaxAttempts
	}
	if spec.Interval == 0 {
		spec.Interval = e.poll.Interval
	}
	if spec.Label == "" {
		spec.Label = fmt.Sprintf("%s instance %s", b.Name(), inst.Name)
	}
	fetch := func(ctx context.Context, endpoint string) ([]byte, error) {
		return b.FetchStatus(ctx, sess, endpoint)
	}
	if _, err := WaitForInstance(ctx, log, fetch, inst, spec); err != nil {
		return withProvider(err, b.Name())
	}
	e.advance(run, StateReady)
	e.saveRecord(ctx, run, req)

	addr := inst.Address
	probe := func(ctx context.Context) error {
		return b.VerifyConnectivity(ctx, sess, addr)
	}
	reach := e.reach
	reach.Label = inst.Name
	if err := WaitForReachable(ctx, log, probe, reach); err != nil {
		return withProvider(err, b.Name())
	}
	e.advance(run, StateConnectivityVerified)

	log.Step("Injecting environment")
	pairs, err := ResolveEnv(sess.Agent.Env, sess.Secrets)
	if err != nil {
		return err
	}
	if b.HasCapability(CapabilityLocal) {
		err = e.injector.InjectLocal(ctx, b, sess, pairs)
	} else {
		err = e.injector.InjectRemote(ctx, b, sess, addr, pairs)
	}
	if err != nil {
		return withProvider(err, b.Name())
	}
	e.advance(run, StateEnvInjected)

	if sess.Agent.Install != "" {
		log.Step("Installing %s", sess.Agent.Name)
		if err := b.RunServer(ctx, sess, addr, sess.Agent.Install); err != nil {
			return ErrDownload(fmt.Sprintf("failed to install %s", sess.Agent.Name)).WithCause(err).WithProvider(b.Name())
		}
	}

	switch {
	case req.Command != "":
		e.advance(run, StateExecuting)
		e.saveRecord(ctx, run, req)
		log.Step("Running command on %s", inst.Name)
		if err := b.RunServer(ctx, sess, addr, e.withProfile(req.Command)); err != nil {
			return withProvider(err, b.Name())
		}
	case req.Headless:
		log.Info("%s is ready at %s", inst.Name, addr)
	default:
		e.advance(run, StateInteractiveAttached)
		e.saveRecord(ctx, run, req)
		log.Step("Starting %s on %s", sess.Agent.Name, inst.Name)
		if err := b.InteractiveSession(ctx, sess, addr, e.withProfile(sess.Agent.Launch)); err != nil {
			return withProvider(err, b.Name())
		}
	}

	e.saveRecord(ctx, run, req)
	return nil
}

func (e *Engine) withProfile(cmd string) string {
	profile := e.injector.profile()
	if len(profile) < 2 || profile[:2] != "~/" {
		profile = ShellQuote(profile)
	}
	return fmt.Sprintf("source %s 2>/dev/null; %s", profile, cmd)
}

func withProvider(err error, p CloudProvider) error {
	var se *Error
	if errors.As(err, &se) && se.Provider == "" {
		se.WithProvider(p)
	}
	return err
}

func (e *Engine) saveRecord(ctx context.Context, run *Run, req Request) {
	if run.Instance == nil || run.Instance.ID == "" {
		return
	}
	now := e.now()
	rec := RunRecord{
		ID:         run.ID,
		Provider:   req.Cloud,
		Agent:      req.Agent.Name,
		InstanceID: run.Instance.ID,
		Name:       run.Instance.Name,
		Address:    run.Instance.Address,
		State:      run.State.String(),
		Meta:       run.Instance.Meta,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if prev, err := e.store.Get(ctx, run.ID); err == nil {
		rec.CreatedAt = prev.CreatedAt
	}
	if err := e.store.Save(ctx, rec); err != nil {
		run.Session.Logger().Warn("Failed to save run record: %v", err)
	}
}

func (e *Engine) destroy(ctx context.Context, b Backend, sess *Session, inst *Instance) error {
	d, ok := b.(Destroyer)
	if !ok || !b.HasCapability(CapabilityDestroy) {
		return ErrNotImplemented(fmt.Sprintf("provider %s does not support destroy", b.Name())).WithProvider(b.Name())
	}
	sess.Logger().Step("Destroying %s", inst.Name)
	if err := d.DestroyServer(ctx, sess, inst); err != nil {
		return withProvider(err, b.Name())
	}
	return nil
}

// Destroy deletes the instance of a recorded run and forgets the record.
func (e *Engine) Destroy(ctx context.Context, runID string) error {
	rec, err := e.store.Get(ctx, runID)
	if err != nil {
		return err
	}
	b, err := e.registry.Get(rec.Provider)
	if err != nil {
		return err
	}
	sess := e.newSession(Request{Cloud: rec.Provider})
	sess.ID = rec.ID
	if err := e.Authenticate(ctx, b, sess); err != nil {
		return err
	}
	if err := e.destroy(ctx, b, sess, rec.Instance()); err != nil {
		return err
	}
	return e.store.Delete(ctx, rec.ID)
}

// List returns recorded runs.
func (e *Engine) List(ctx context.Context, filter ListFilter) ([]RunRecord, error) {
	return e.store.List(ctx, filter)
}
