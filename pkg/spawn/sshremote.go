package spawn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

// SSHTransport implements the connectivity, execution, upload and attach
// half of Backend over SSH. Remote backends embed it.
type SSHTransport struct {
	// User is the default login user; Session.SSHUser overrides it.
	User string

	// Port defaults to 22.
	Port int

	// DialTimeout bounds one connection attempt. Defaults to 10s.
	DialTimeout time.Duration
}

func (t *SSHTransport) port() int {
	if t.Port > 0 {
		return t.Port
	}
	return 22
}

func (t *SSHTransport) user(sess *Session) string {
	def := t.User
	if def == "" {
		def = "root"
	}
	return sess.User(def)
}

func (t *SSHTransport) dialTimeout() time.Duration {
	if t.DialTimeout > 0 {
		return t.DialTimeout
	}
	return 10 * time.Second
}

// Dial opens an SSH client connection to addr using the session's key.
// Host keys are not verified: instances are freshly created and their keys
// are unknown until first contact.
func (t *SSHTransport) Dial(ctx context.Context, sess *Session, addr string) (*ssh.Client, error) {
	signer, err := LoadSigner(sess.KeyPath)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            t.user(sess),
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.dialTimeout(),
	}

	hostport := net.JoinHostPort(addr, strconv.Itoa(t.port()))
	dialer := net.Dialer{Timeout: t.dialTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", hostport, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, hostport, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", hostport, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// VerifyConnectivity implements Backend with a handshake plus "true".
func (t *SSHTransport) VerifyConnectivity(ctx context.Context, sess *Session, addr string) error {
	client, err := t.Dial(ctx, sess, addr)
	if err != nil {
		return err
	}
	defer client.Close()
	s, err := client.NewSession()
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Run("true")
}

// RunServer implements Backend, streaming output to the session's writers.
func (t *SSHTransport) RunServer(ctx context.Context, sess *Session, addr, cmd string) error {
	return t.run(ctx, sess, addr, cmd, nil, sess.Stdout, sess.Stderr)
}

func (t *SSHTransport) run(ctx context.Context, sess *Session, addr, cmd string, stdin io.Reader, stdout, stderr io.Writer) error {
	client, err := t.Dial(ctx, sess, addr)
	if err != nil {
		return ErrConnectivity(fmt.Sprintf("cannot reach %s", addr)).WithCause(err)
	}
	defer client.Close()

	s, err := client.NewSession()
	if err != nil {
		return ErrConnectivity("failed to open ssh session").WithCause(err)
	}
	defer s.Close()
	s.Stdin = stdin
	s.Stdout = stdout
	s.Stderr = stderr

	stop := context.AfterFunc(ctx, func() {
		s.Signal(ssh.SIGTERM)
		client.Close()
	})
	defer stop()

	if err := s.Run(cmd); err != nil {
		return execError(cmd, err)
	}
	return nil
}

func execError(cmd string, err error) error {
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return ErrExecution(fmt.Sprintf("remote command exited with status %d", exitErr.ExitStatus())).
			WithCause(err).
			WithDetail("exit_status", exitErr.ExitStatus()).
			WithDetail("command", cmd)
	}
	return ErrExecution("remote command failed").WithCause(err).WithDetail("command", cmd)
}

// UploadFile implements Backend by streaming the file into "cat" on the
// remote side. The remote file is created with a 077 umask.
func (t *SSHTransport) UploadFile(ctx context.Context, sess *Session, addr, local, remote string) error {
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", local, err)
	}
	defer f.Close()
	cmd := fmt.Sprintf("umask 077 && cat > %s", ShellQuote(remote))
	return t.run(ctx, sess, addr, cmd, f, io.Discard, sess.Stderr)
}

// InteractiveSession implements Backend. When stdin is a terminal it is put
// in raw mode and a PTY of the same size is requested.
func (t *SSHTransport) InteractiveSession(ctx context.Context, sess *Session, addr, cmd string) error {
	client, err := t.Dial(ctx, sess, addr)
	if err != nil {
		return ErrConnectivity(fmt.Sprintf("cannot reach %s", addr)).WithCause(err)
	}
	defer client.Close()

	s, err := client.NewSession()
	if err != nil {
		return ErrConnectivity("failed to open ssh session").WithCause(err)
	}
	defer s.Close()
	s.Stdin = sess.Stdin
	s.Stdout = sess.Stdout
	s.Stderr = sess.Stderr

	if f, ok := sess.Stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		w, h, err := term.GetSize(fd)
		if err != nil {
			w, h = 80, 24
		}
		termType := os.Getenv("TERM")
		if termType == "" {
			termType = "xterm-256color"
		}
		modes := ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := s.RequestPty(termType, h, w, modes); err != nil {
			return ErrConnectivity("failed to allocate pty").WithCause(err)
		}
		old, err := term.MakeRaw(fd)
		if err != nil {
			return ErrInternal("failed to set terminal raw mode").WithCause(err)
		}
		defer term.Restore(fd, old)
	}

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	if cmd == "" {
		if err := s.Shell(); err != nil {
			return ErrExecution("failed to start shell").WithCause(err)
		}
		if err := s.Wait(); err != nil {
			return execError("", err)
		}
		return nil
	}
	if err := s.Run(cmd); err != nil {
		return execError(cmd, err)
	}
	return nil
}
