// Package launcher spawns a debuggee process with its inspector wire
// protocol enabled and dials the resulting listener, producing the
// io.ReadWriter and inspector.ProcessHandle that inspector.NewSession and
// inspector.WithProcess need. The core package intentionally never touches
// exec.Cmd or net.Dial itself (spec.md §1 Non-goals).
package launcher

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xhd2015/v8dbg/inspector"
)

// Config describes how to launch and connect to a debuggee.
type Config struct {
	// Command is the interpreter binary (e.g. "node"); Args follow it,
	// before the target script/arguments.
	Command string
	Args    []string

	// ScriptArgs are appended after the --debug-brk flag and port, i.e.
	// the debuggee's own argv.
	ScriptArgs []string

	Dir string
	// Env is appended to the spawned process's environment as additional
	// NAME=VALUE pairs; nil means inherit os.Environ() unmodified.
	Env []string

	// DebugPort is the inspector port to request via --debug-brk=<port>.
	// 0 picks an ephemeral port by probing before spawn.
	DebugPort int

	// DialTimeout bounds how long to retry connecting to DebugPort after
	// spawn; the debuggee's listener isn't guaranteed up the instant the
	// process starts.
	DialTimeout time.Duration

	Logger inspector.Logger
}

// Process wraps the launched exec.Cmd as an inspector.ProcessHandle.
type Process struct {
	cmd *exec.Cmd

	mu       sync.Mutex
	exited   bool
	exitCode int

	done chan struct{}
}

var _ inspector.ProcessHandle = (*Process)(nil)

func (p *Process) Kill() error {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited {
		return nil
	}
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *Process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

// Wait blocks until the process exits. Safe to call concurrently with
// Kill and ExitCode.
func (p *Process) Wait() {
	<-p.done
}

// Launch spawns the debuggee per cfg, waits for its inspector listener to
// accept a connection, and returns the open stream alongside the process
// handle. The caller passes both into inspector.NewSession /
// inspector.WithProcess.
func Launch(ctx context.Context, cfg Config) (net.Conn, *Process, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = inspector.NewStderrLogger()
	}

	port := cfg.DebugPort
	if port == 0 {
		var err error
		port, err = pickEphemeralPort()
		if err != nil {
			return nil, nil, fmt.Errorf("pick ephemeral debug port: %w", err)
		}
	}

	args := append([]string{}, cfg.Args...)
	args = append(args, "--debug-brk="+strconv.Itoa(port))
	args = append(args, cfg.ScriptArgs...)

	cmd := exec.CommandContext(ctx, cfg.Command, args...)
	cmd.Dir = cfg.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if cfg.Env != nil {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start debuggee: %w", err)
	}

	proc := &Process{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		proc.mu.Lock()
		proc.exited = true
		proc.exitCode = code
		proc.mu.Unlock()
		close(proc.done)
	}()

	conn, err := dialWithRetry(ctx, "127.0.0.1:"+strconv.Itoa(port), cfg.DialTimeout, logger)
	if err != nil {
		_ = proc.Kill()
		return nil, nil, err
	}
	return conn, proc, nil
}

func dialWithRetry(ctx context.Context, addr string, timeout time.Duration, logger inspector.Logger) (net.Conn, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logger.Debugf("dial %s: %v, retrying", addr, err)
		time.Sleep(50 * time.Millisecond)
	}
	return nil, fmt.Errorf("%w: could not connect to debuggee inspector at %s: %v", inspector.ErrTransportFault, addr, lastErr)
}

func pickEphemeralPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// BuildEnvVector implements spec.md §6's NUL-separated environment
// encoding some engine launchers expect on their control fd instead of a
// plain argv environment. Most debuggees just inherit os.Environ and never
// need this; it exists for the launch modes that pass environment through
// a side channel rather than exec's own envp.
func BuildEnvVector(env []string) []byte {
	return []byte(strings.Join(env, "\x00") + "\x00")
}
