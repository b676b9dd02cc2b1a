// Package sandbox executes skill code in an isolated child process
// with resource ceilings. Faults inside the child never propagate as
// host crashes; every exit path reports a classified result and the
// per-invocation scratch directory is removed unconditionally.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/skillgate/skillgate/internal/capability"
	"github.com/skillgate/skillgate/internal/fault"
	"go.uber.org/zap"
)

const maxCapturedBytes = 1 << 20

// Budget bounds one sandboxed execution.
type Budget struct {
	Timeout     time.Duration `json:"timeout"`
	MemoryBytes int64         `json:"memory_bytes"`
	CPUSeconds  int           `json:"cpu_seconds"`
}

// DefaultBudget is applied where a field is zero.
var DefaultBudget = Budget{
	Timeout:     25 * time.Second,
	MemoryBytes: 800 << 20,
	CPUSeconds:  30,
}

func (b Budget) withDefaults() Budget {
	if b.Timeout == 0 {
		b.Timeout = DefaultBudget.Timeout
	}
	if b.MemoryBytes == 0 {
		b.MemoryBytes = DefaultBudget.MemoryBytes
	}
	if b.CPUSeconds == 0 {
		b.CPUSeconds = DefaultBudget.CPUSeconds
	}
	return b
}

// Spec describes what to run. Command is the argv of the skill
// executable; input arrives on its stdin and the result is read from
// its stdout.
type Spec struct {
	Command      []string
	Capabilities []capability.Capability
	Env          []string
}

// Result is the classified outcome of one sandboxed execution. Kind is
// empty on success.
type Result struct {
	OK         bool          `json:"ok"`
	Output     string        `json:"output,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	Kind       fault.Kind    `json:"error_kind,omitempty"`
	ExitCode   int           `json:"exit_code"`
	Duration   time.Duration `json:"duration"`
	ScratchDir string        `json:"-"`
}

// Err converts a failed result into a classified error, nil on success.
func (r *Result) Err() error {
	if r.OK {
		return nil
	}
	f := fault.New(r.Kind, "sandboxed execution failed")
	if r.Stderr != "" {
		f = f.WithDetail("stderr", r.Stderr)
	}
	if r.Output != "" {
		f = f.WithDetail("output", r.Output)
	}
	return f
}

// Config holds Runner construction parameters.
type Config struct {
	// ShimPath is the skillgate-sandbox binary that applies rlimits and
	// network isolation in the child. Empty runs the skill directly
	// with only the wall-clock budget enforced (tests, development).
	ShimPath string

	// ScratchRoot is where per-invocation scratch directories are
	// created. Defaults to the system temp dir.
	ScratchRoot string

	// ConnectorURL is injected into the child environment when the
	// network capability is declared; it is the only outbound surface a
	// skill gets.
	ConnectorURL string

	Defaults Budget
}

// Runner executes sandboxed invocations. One Runner serves many
// concurrent executions; each execution owns its child process and
// scratch directory exclusively.
type Runner struct {
	cfg    Config
	logger *zap.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg Config, logger *zap.Logger) *Runner {
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = os.TempDir()
	}
	return &Runner{cfg: cfg, logger: logger}
}

// Execute runs the spec under the budget. It never panics and never
// returns a host-fatal error: all child misbehavior lands in Result.
func (r *Runner) Execute(ctx context.Context, spec Spec, input []byte, budget Budget) *Result {
	if budget.Timeout == 0 {
		budget.Timeout = r.cfg.Defaults.Timeout
	}
	if budget.MemoryBytes == 0 {
		budget.MemoryBytes = r.cfg.Defaults.MemoryBytes
	}
	if budget.CPUSeconds == 0 {
		budget.CPUSeconds = r.cfg.Defaults.CPUSeconds
	}
	budget = budget.withDefaults()

	res := &Result{ExitCode: -1}

	scratch, err := os.MkdirTemp(r.cfg.ScratchRoot, "skillgate-")
	if err != nil {
		res.Kind = fault.ExecutionFailed
		res.Stderr = fmt.Sprintf("create scratch dir: %v", err)
		return res
	}
	res.ScratchDir = scratch
	defer os.RemoveAll(scratch)

	runCtx, cancel := context.WithTimeout(ctx, budget.Timeout)
	defer cancel()

	cmd := r.buildCommand(spec, scratch, budget)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr cappedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		res.Kind = fault.ExecutionFailed
		res.Stderr = fmt.Sprintf("start sandbox process: %v", err)
		return res
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-runCtx.Done():
		// Kill the whole process group, then reap.
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		res.Duration = time.Since(start)
		res.Stderr = stderr.String()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			res.Kind = fault.Timeout
		} else {
			res.Kind = fault.ExecutionFailed
			res.Stderr = "execution cancelled"
		}
		r.logger.Warn("sandbox terminated",
			zap.String("kind", string(res.Kind)),
			zap.Duration("after", res.Duration))
		return res
	case err = <-done:
	}

	res.Duration = time.Since(start)
	res.Stderr = stderr.String()
	res.Output = stdout.String()

	if err == nil {
		res.OK = true
		res.ExitCode = 0
		return res
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			switch ws.Signal() {
			case syscall.SIGXCPU, syscall.SIGKILL:
				// rlimit enforcement kills with these.
				res.Kind = fault.ResourceExceeded
				return res
			}
		}
		res.Kind = fault.ExecutionFailed
		return res
	}

	res.Kind = fault.ExecutionFailed
	res.Stderr = err.Error()
	return res
}

// buildCommand assembles the child argv. With a shim the resource
// ceilings and network isolation are applied inside the child before
// exec; without one the skill runs directly in the scratch dir.
func (r *Runner) buildCommand(spec Spec, scratch string, budget Budget) *exec.Cmd {
	env := append([]string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + scratch,
		"TMPDIR=" + scratch,
	}, spec.Env...)

	allowNet := capability.Has(spec.Capabilities, capability.Network)
	if allowNet && r.cfg.ConnectorURL != "" {
		env = append(env, "SKILLGATE_CONNECTOR_URL="+r.cfg.ConnectorURL)
	}

	var cmd *exec.Cmd
	if r.cfg.ShimPath != "" {
		args := []string{
			"-dir", scratch,
			"-cpu", strconv.Itoa(budget.CPUSeconds),
			"-mem", strconv.FormatInt(budget.MemoryBytes, 10),
			"-net=" + strconv.FormatBool(allowNet),
			"--",
		}
		args = append(args, spec.Command...)
		cmd = exec.Command(r.cfg.ShimPath, args...)
	} else {
		cmd = exec.Command(spec.Command[0], spec.Command[1:]...)
	}
	cmd.Dir = scratch
	cmd.Env = env
	return cmd
}

// cappedBuffer retains at most maxCapturedBytes and drops the rest.
type cappedBuffer struct {
	buf bytes.Buffer
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.buf.Len() >= maxCapturedBytes {
		return len(p), nil
	}
	if room := maxCapturedBytes - c.buf.Len(); len(p) > room {
		c.buf.Write(p[:room])
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string { return c.buf.String() }
