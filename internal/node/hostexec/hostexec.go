// Package hostexec runs shell commands either directly on the host or,
// when the agent itself is running inside a privileged container,
// re-entering the host's namespaces via nsenter first. Every other node
// package built on top of it (firewall, ipset, haproxy, traffic) goes
// through here for every mutation, per spec §4.1.
//
// Grounded on the teacher pack's CommandService
// (richdz12-traffic-guard/internal/service/command.go): exec.Command,
// CombinedOutput/stderr capture, and zerolog call-site logging are kept;
// this package adds the timeout/process-group-kill and
// containerization-aware nsenter prefix that CommandService does not need.
package hostexec

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// extraPath is prepended search path so snap-installed binaries (ufw,
// certbot, ipset under /snap/bin) are found regardless of the agent's own
// environment (spec §4.1).
const extraPath = "/snap/bin:/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

const (
	minTimeout = 1 * time.Second
	maxTimeout = 600 * time.Second
)

// markerFile, together with a "docker"/"kubepods" entry in /proc/1/cgroup,
// is how a running agent tells it is itself inside a container and must
// nsenter back out to the host namespaces.
const markerFile = "/.dockerenv"

// Result is the outcome of a single execute() call.
type Result struct {
	Success         bool   `json:"success"`
	ExitCode        int    `json:"exit_code"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	Error           string `json:"error,omitempty"`
}

// Event is one SSE-framed line produced by execute_stream.
type Event struct {
	Kind string // "stdout" | "stderr" | "done" | "error"
	Line string
	Result
}

// Executor runs commands, optionally re-entering the host namespaces via
// nsenter when the agent detects it is itself containerized.
type Executor struct {
	logger        zerolog.Logger
	containerized bool
	hostPID       int // PID 1 on the host mount, used as the nsenter target
	shell         string
}

// New probes for containerization and builds an Executor whose default
// shell is "sh". The shell passed to Execute/ExecuteStream is used as
// given; it is not validated.
func New(logger zerolog.Logger) *Executor {
	e := &Executor{logger: logger, shell: "sh", hostPID: 1}
	e.containerized = detectContainerized()
	return e
}

func detectContainerized() bool {
	if _, err := os.Stat(markerFile); err == nil {
		return true
	}
	b, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("docker")) || bytes.Contains(b, []byte("kubepods"))
}

func (e *Executor) buildCommand(ctx context.Context, command, shell string) *exec.Cmd {
	if shell == "" {
		shell = e.shell
	}
	var cmd *exec.Cmd
	if e.containerized {
		args := []string{
			"--target", fmt.Sprintf("%d", e.hostPID),
			"--mount", "--uts", "--ipc", "--net", "--pid",
			"--", shell, "-c", command,
		}
		cmd = exec.CommandContext(ctx, "nsenter", args...)
	} else {
		cmd = exec.CommandContext(ctx, shell, "-c", command)
	}
	cmd.Env = append(os.Environ(), "PATH="+extraPath+":"+os.Getenv("PATH"))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// On deadline, kill the whole group rather than only the shell, so a
	// child still holding the output pipes cannot keep Run/Wait blocked.
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
	return cmd
}

// clampTimeout enforces the [1, 600]s range from spec §4.1.
func clampTimeout(d time.Duration) time.Duration {
	if d < minTimeout {
		return minTimeout
	}
	if d > maxTimeout {
		return maxTimeout
	}
	return d
}

// killGroup sends SIGKILL to the whole process group so shell children
// spawned by `sh -c` don't survive the parent's death.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// Execute runs command with the given timeout and shell, returning once
// the process exits, is killed on timeout, or fails to start.
func (e *Executor) Execute(ctx context.Context, command string, timeout time.Duration, shell string) Result {
	timeout = clampTimeout(timeout)
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := e.buildCommand(runCtx, command, shell)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug().Str("command", command).Dur("timeout", timeout).Msg("executing host command")

	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		killGroup(cmd)
		e.logger.Warn().Str("command", command).Dur("timeout", timeout).Msg("host command timed out")
		return Result{
			Success:         false,
			ExitCode:        -1,
			Stdout:          stdout.String(),
			Stderr:          stderr.String(),
			ExecutionTimeMs: elapsed.Milliseconds(),
			Error:           fmt.Sprintf("Command timed out after %d seconds", int(timeout.Seconds())),
		}
	}

	if err != nil {
		var exitCode = -1
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			exitCode = exitErr.ExitCode()
		} else {
			e.logger.Error().Err(err).Str("command", command).Msg("host command failed to start")
			return Result{
				Success:         false,
				ExitCode:        -1,
				Stderr:          stderr.String(),
				ExecutionTimeMs: elapsed.Milliseconds(),
				Error:           err.Error(),
			}
		}
		return Result{
			Success:         false,
			ExitCode:        exitCode,
			Stdout:          stdout.String(),
			Stderr:          stderr.String(),
			ExecutionTimeMs: elapsed.Milliseconds(),
		}
	}

	return Result{
		Success:         true,
		ExitCode:        0,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// ExecuteStream runs command and pushes one Event per output line as soon
// as it is read, honoring backpressure against the channel consumer (no
// internal buffering beyond the OS pipe, per spec §4.1). The channel is
// closed after "done" is sent.
func (e *Executor) ExecuteStream(ctx context.Context, command string, timeout time.Duration, shell string) <-chan Event {
	timeout = clampTimeout(timeout)
	out := make(chan Event)

	go func() {
		defer close(out)
		start := time.Now()
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := e.buildCommand(runCtx, command, shell)
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			out <- Event{Kind: "error", Line: err.Error()}
			out <- Event{Kind: "done", Result: Result{Success: false, ExitCode: -1, Error: err.Error()}}
			return
		}
		stderrPipe, err := cmd.StderrPipe()
		if err != nil {
			out <- Event{Kind: "error", Line: err.Error()}
			out <- Event{Kind: "done", Result: Result{Success: false, ExitCode: -1, Error: err.Error()}}
			return
		}

		if err := cmd.Start(); err != nil {
			out <- Event{Kind: "error", Line: err.Error()}
			out <- Event{Kind: "done", Result: Result{Success: false, ExitCode: -1, Error: err.Error()}}
			return
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go streamLines(&wg, stdoutPipe, "stdout", out)
		go streamLines(&wg, stderrPipe, "stderr", out)
		wg.Wait()

		err = cmd.Wait()
		elapsed := time.Since(start)

		if runCtx.Err() == context.DeadlineExceeded {
			killGroup(cmd)
			out <- Event{Kind: "error", Line: fmt.Sprintf("Command timed out after %d seconds", int(timeout.Seconds()))}
			out <- Event{Kind: "done", Result: Result{
				Success: false, ExitCode: -1, ExecutionTimeMs: elapsed.Milliseconds(),
				Error: fmt.Sprintf("Command timed out after %d seconds", int(timeout.Seconds())),
			}}
			return
		}

		exitCode := 0
		var exitErr *exec.ExitError
		if err != nil {
			exitCode = -1
			if asExitError(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			}
		}
		out <- Event{Kind: "done", Result: Result{
			Success: err == nil, ExitCode: exitCode, ExecutionTimeMs: elapsed.Milliseconds(),
		}}
	}()

	return out
}

func streamLines(wg *sync.WaitGroup, r interface{ Read([]byte) (int, error) }, kind string, out chan<- Event) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		out <- Event{Kind: kind, Line: scanner.Text()}
	}
}

// CommandExists reports whether name is resolvable on PATH, matching
// CommandService.CommandExists in the grounding source.
func (e *Executor) CommandExists(name string) bool {
	path := extraPath + ":" + os.Getenv("PATH")
	for _, dir := range strings.Split(path, ":") {
		if dir == "" {
			continue
		}
		if fi, err := os.Stat(dir + "/" + name); err == nil && !fi.IsDir() {
			return true
		}
	}
	return false
}
