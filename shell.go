package agora

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Shell execution bounds. Callers may lower them per call; the clamps are
// hard ceilings.
const (
	DefaultShellTimeoutMs = 120_000
	MaxShellTimeoutMs     = 600_000
	DefaultMaxOutputKB    = 1024
	MaxOutputKB           = 8192
)

// blockedShellFragments is a coarse safety net for obviously destructive
// commands. It is not a sandbox.
var blockedShellFragments = []string{"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if="}

// ShellRunner executes commands for the bash tool, confined to Root.
type ShellRunner struct {
	Root   string // workspace root; every cwd must resolve inside it
	Shell  string // "auto", "bash", "powershell" or "cmd"
	Logger *slog.Logger
}

type ShellRequest struct {
	Command     string
	Cwd         string // relative to Root, or absolute inside it
	TimeoutMs   int
	MaxOutputKB int
}

type ShellResult struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exit_code"`
	TimedOut  bool   `json:"timed_out,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Run executes one command. A cwd outside Root or a blocked command returns
// an *ErrAccessDenied; a non-zero exit is not an error, it is data on the
// result.
func (r *ShellRunner) Run(ctx context.Context, req ShellRequest) (ShellResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return ShellResult{}, errors.New("bash: command is required")
	}
	lower := strings.ToLower(req.Command)
	for _, frag := range blockedShellFragments {
		if strings.Contains(lower, frag) {
			return ShellResult{}, &ErrAccessDenied{Op: "bash", Reason: "command blocked for safety: " + frag}
		}
	}

	dir, err := r.resolveCwd(req.Cwd)
	if err != nil {
		return ShellResult{}, err
	}

	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = DefaultShellTimeoutMs
	}
	if timeoutMs > MaxShellTimeoutMs {
		timeoutMs = MaxShellTimeoutMs
	}
	maxKB := req.MaxOutputKB
	if maxKB <= 0 {
		maxKB = DefaultMaxOutputKB
	}
	if maxKB > MaxOutputKB {
		maxKB = MaxOutputKB
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	cmd := r.command(cmdCtx, req.Command)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	res := ShellResult{Stdout: stdout.String(), Stderr: stderr.String()}
	res.Stdout, res.Stderr, res.Truncated = capOutput(res.Stdout, res.Stderr, maxKB*1024)

	if runErr != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			res.TimedOut = true
			res.ExitCode = -1
			return res, nil
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		// The command never started (bad shell binary, fork failure).
		return res, runErr
	}
	return res, nil
}

// command picks the shell per the configured toggle; "auto" means bash
// everywhere except Windows, where it means powershell.
func (r *ShellRunner) command(ctx context.Context, command string) *exec.Cmd {
	shell := r.Shell
	if shell == "" || shell == "auto" {
		if runtime.GOOS == "windows" {
			shell = "powershell"
		} else {
			shell = "bash"
		}
	}
	switch shell {
	case "powershell":
		return exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", command)
	case "cmd":
		return exec.CommandContext(ctx, "cmd", "/C", command)
	default:
		return exec.CommandContext(ctx, "bash", "-c", command)
	}
}

func (r *ShellRunner) resolveCwd(cwd string) (string, error) {
	root, err := filepath.Abs(r.Root)
	if err != nil {
		return "", err
	}
	dir := root
	if cwd != "" {
		if filepath.IsAbs(cwd) {
			dir = filepath.Clean(cwd)
		} else {
			dir = filepath.Join(root, cwd)
		}
	}
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &ErrAccessDenied{Op: "bash", Reason: "cwd is outside the workspace root"}
	}
	return dir, nil
}

// capOutput bounds stdout+stderr to maxBytes combined, stdout first.
func capOutput(stdout, stderr string, maxBytes int) (string, string, bool) {
	const marker = "\n... (truncated)"
	total := len(stdout) + len(stderr)
	if total <= maxBytes {
		return stdout, stderr, false
	}
	if len(stdout) >= maxBytes {
		return stdout[:maxBytes] + marker, "", true
	}
	rest := maxBytes - len(stdout)
	return stdout, stderr[:rest] + marker, true
}
