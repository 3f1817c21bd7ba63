package launcher

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"campaignd/campaign"
)

// runCommand executes a CLI tool and returns its trimmed stdout. Swapped
// out in tests.
type runCommand func(ctx context.Context, env map[string]string, name string, args ...string) (string, error)

func execCommand(ctx context.Context, env map[string]string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = cmd.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return "", fmt.Errorf("%s: %s", name, strings.TrimSpace(string(ee.Stderr)))
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// HTCondor submits through condor_submit and polls condor_q /
// condor_history. The submitted script must be a submit description file.
type HTCondor struct {
	run runCommand
}

func NewHTCondor() *HTCondor { return &HTCondor{run: execCommand} }

func (h *HTCondor) Submit(ctx context.Context, script string, env map[string]string) (string, error) {
	// -terse prints "<cluster>.<first proc> - <cluster>.<last proc>".
	out, err := h.run(ctx, env, "condor_submit", "-terse", script)
	if err != nil {
		return "", campaign.Errorf(campaign.ErrLauncherSubmit, "condor_submit %s: %w", script, err)
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", campaign.Errorf(campaign.ErrLauncherSubmit, "condor_submit returned no cluster id")
	}
	return fields[0], nil
}

// Condor JobStatus codes, per the classad manual.
const (
	condorRunning   = "2"
	condorRemoved   = "3"
	condorCompleted = "4"
	condorHeld      = "5"
)

func (h *HTCondor) Check(ctx context.Context, id string) (Report, error) {
	status, err := h.run(ctx, nil, "condor_q", id, "-af", "JobStatus")
	if err != nil {
		return Report{}, campaign.Errorf(campaign.ErrLauncherCheck, "condor_q %s: %w", id, err)
	}
	if status != "" {
		if status == condorHeld {
			return Report{Done: true, Success: false, Reason: "job held"}, nil
		}
		// Still queued, running or transferring.
		return Report{}, nil
	}
	// Left the queue; the history knows how.
	out, err := h.run(ctx, nil, "condor_history", id, "-limit", "1", "-af", "JobStatus", "ExitCode")
	if err != nil {
		return Report{}, campaign.Errorf(campaign.ErrLauncherCheck, "condor_history %s: %w", id, err)
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return Report{Done: true, Success: false, Reason: "job unknown to condor"}, nil
	}
	if fields[0] == condorRemoved {
		return Report{Done: true, Success: false, Reason: "job removed"}, nil
	}
	if fields[0] == condorCompleted && len(fields) > 1 && fields[1] == "0" {
		return Report{Done: true, Success: true}, nil
	}
	reason := "non-zero exit"
	if len(fields) > 1 {
		reason = "exit code " + fields[1]
	}
	return Report{Done: true, Success: false, Reason: reason}, nil
}

func (h *HTCondor) Cancel(ctx context.Context, id string) error {
	if _, err := h.run(ctx, nil, "condor_rm", id); err != nil {
		return campaign.Errorf(campaign.ErrLauncherCheck, "condor_rm %s: %w", id, err)
	}
	return nil
}
