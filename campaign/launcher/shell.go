package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"campaignd/campaign"
)

// Shell runs scripts as local child processes. Meant for development and
// tests; job state does not survive a daemon restart because the status
// file lives next to the script and the pid belongs to this process tree.
type Shell struct {
	// Interpreter defaults to /bin/sh.
	Interpreter string
}

func (s *Shell) interpreter() string {
	if s.Interpreter != "" {
		return s.Interpreter
	}
	return "/bin/sh"
}

// statusFile is where the wrapper records the script's exit code.
func statusFile(script string) string { return script + ".status" }

// Submit starts the script in the background. The wrapper writes the exit
// code to <script>.status when the script finishes; the returned id is the
// wrapper's pid.
func (s *Shell) Submit(ctx context.Context, script string, env map[string]string) (string, error) {
	if _, err := os.Stat(script); err != nil {
		return "", campaign.Errorf(campaign.ErrLauncherSubmit, "script %s: %w", script, err)
	}
	wrapper := fmt.Sprintf("%s %s > %s.log 2>&1; echo $? > %s",
		s.interpreter(), shellQuote(script), shellQuote(script), shellQuote(statusFile(script)))
	cmd := exec.Command(s.interpreter(), "-c", wrapper)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// New process group so Cancel can kill the script with its children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return "", campaign.Errorf(campaign.ErrLauncherSubmit, "start %s: %w", script, err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	return fmt.Sprintf("%d:%s", pid, script), nil
}

// Check reads the status file, falling back to a liveness probe of the
// wrapper process when the script has not finished yet.
func (s *Shell) Check(ctx context.Context, id string) (Report, error) {
	pid, script, err := parseShellID(id)
	if err != nil {
		return Report{}, err
	}
	raw, err := os.ReadFile(statusFile(script))
	if err == nil {
		code, convErr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if convErr != nil {
			return Report{}, campaign.Errorf(campaign.ErrLauncherCheck,
				"unreadable status file for %s: %w", script, convErr)
		}
		r := Report{Done: true, Success: code == 0}
		if code != 0 {
			r.Reason = fmt.Sprintf("exit code %d", code)
		}
		return r, nil
	}
	if !os.IsNotExist(err) {
		return Report{}, campaign.Errorf(campaign.ErrLauncherCheck, "status file: %w", err)
	}
	// Signal 0 probes without delivering anything.
	if killErr := syscall.Kill(pid, 0); killErr == nil {
		return Report{}, nil
	}
	return Report{Done: true, Success: false, Reason: "process exited without recording a status"}, nil
}

// Cancel kills the wrapper's process group.
func (s *Shell) Cancel(ctx context.Context, id string) error {
	pid, _, err := parseShellID(id)
	if err != nil {
		return err
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return campaign.Errorf(campaign.ErrLauncherCheck, "cancel pid %d: %w", pid, err)
	}
	return nil
}

func parseShellID(id string) (int, string, error) {
	pidStr, script, ok := strings.Cut(id, ":")
	if !ok {
		return 0, "", campaign.Errorf(campaign.ErrLauncherCheck, "malformed shell job id %q", id)
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, "", campaign.Errorf(campaign.ErrLauncherCheck, "malformed shell job id %q", id)
	}
	return pid, script, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
