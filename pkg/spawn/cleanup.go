package spawn

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTrapGrace bounds how long a trapped signal waits for the
// interrupted run to unwind before the registry exits on its own.
const DefaultTrapGrace = 10 * time.Second

// CleanupRegistry tracks temporary files that must not outlive the process.
// Every path is removed on normal exit, interrupt or terminate, whichever
// comes first.
type CleanupRegistry struct {
	mu    sync.Mutex
	paths []string
	once  sync.Once

	// Grace is how long a trapped signal waits for Exit to be called by
	// the interrupted run.
	Grace time.Duration

	sigMu    sync.Mutex
	sig      os.Signal
	exiting  chan struct{}
	exitOnce sync.Once

	// exit is replaced in tests.
	exit func(int)
}

// DefaultCleanup is the process-wide registry.
var DefaultCleanup = NewCleanupRegistry()

// NewCleanupRegistry creates an empty registry.
func NewCleanupRegistry() *CleanupRegistry {
	return &CleanupRegistry{
		Grace:   DefaultTrapGrace,
		exiting: make(chan struct{}),
		exit:    os.Exit,
	}
}

// Track appends path to the registry. Order is preserved and duplicates
// are allowed.
func (r *CleanupRegistry) Track(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

// Tracked returns a copy of the tracked paths.
func (r *CleanupRegistry) Tracked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.paths))
	copy(out, r.paths)
	return out
}

// Cleanup removes every tracked path and returns status unchanged.
// Removal is best effort: missing files are ignored and other failures do
// not stop the sweep. Calling Cleanup again is a no-op.
func (r *CleanupRegistry) Cleanup(status int) int {
	r.mu.Lock()
	paths := r.paths
	r.paths = nil
	r.mu.Unlock()

	for _, p := range paths {
		_ = os.Remove(p)
	}
	return status
}

// Exit runs Cleanup and terminates the process with status. After a trapped
// signal the signal's conventional status is used instead.
func (r *CleanupRegistry) Exit(status int) {
	r.exitOnce.Do(func() { close(r.exiting) })
	if sig := r.Signal(); sig != nil {
		status = SignalStatus(sig)
	}
	r.exit(r.Cleanup(status))
}

// Signal returns the trapped signal, or nil.
func (r *CleanupRegistry) Signal() os.Signal {
	r.sigMu.Lock()
	defer r.sigMu.Unlock()
	return r.sig
}

// InstallTrap installs a handler for SIGINT, SIGTERM and SIGHUP that
// runs Cleanup and exits with the conventional 128+signal status. It
// installs at most once per registry; later calls return a no-op stop.
//
// onSignal, if non-nil, runs first so callers can cancel the in-flight
// run. The handler then waits up to Grace for the caller to unwind (restore
// the terminal, write its result) and call Exit itself.
func (r *CleanupRegistry) InstallTrap(onSignal func(os.Signal)) (stop func()) {
	stop = func() {}
	r.once.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		done := make(chan struct{})
		go func() {
			select {
			case sig := <-ch:
				r.handleSignal(sig, onSignal)
			case <-done:
			}
		}()
		stop = func() {
			signal.Stop(ch)
			close(done)
		}
	})
	return stop
}

func (r *CleanupRegistry) handleSignal(sig os.Signal, onSignal func(os.Signal)) {
	r.sigMu.Lock()
	r.sig = sig
	r.sigMu.Unlock()

	if onSignal != nil {
		onSignal(sig)
		t := time.NewTimer(r.Grace)
		defer t.Stop()
		select {
		case <-r.exiting:
			return
		case <-t.C:
		}
	}
	r.Exit(SignalStatus(sig))
}

// SignalStatus returns the shell-conventional exit status for sig.
func SignalStatus(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}
