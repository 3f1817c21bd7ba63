package launcher

import (
	"context"
	"strings"

	"campaignd/campaign"
)

// Slurm submits through sbatch and polls sacct.
type Slurm struct {
	run runCommand
}

func NewSlurm() *Slurm { return &Slurm{run: execCommand} }

func (s *Slurm) Submit(ctx context.Context, script string, env map[string]string) (string, error) {
	out, err := s.run(ctx, env, "sbatch", "--parsable", script)
	if err != nil {
		return "", campaign.Errorf(campaign.ErrLauncherSubmit, "sbatch %s: %w", script, err)
	}
	// --parsable prints "jobid[;cluster]".
	id, _, _ := strings.Cut(out, ";")
	if id == "" {
		return "", campaign.Errorf(campaign.ErrLauncherSubmit, "sbatch returned no job id")
	}
	return id, nil
}

func (s *Slurm) Check(ctx context.Context, id string) (Report, error) {
	out, err := s.run(ctx, nil, "sacct", "-n", "-P", "-X", "-j", id, "--format=State,ExitCode")
	if err != nil {
		return Report{}, campaign.Errorf(campaign.ErrLauncherCheck, "sacct %s: %w", id, err)
	}
	line, _, _ := strings.Cut(out, "\n")
	if line == "" {
		// sacct lags sbatch by a scheduling interval; treat as still queued.
		return Report{}, nil
	}
	state, exit, _ := strings.Cut(line, "|")
	// Cancelled states look like "CANCELLED by 1234".
	state, _, _ = strings.Cut(strings.TrimSpace(state), " ")
	switch state {
	case "PENDING", "RUNNING", "REQUEUED", "SUSPENDED", "COMPLETING":
		return Report{}, nil
	case "COMPLETED":
		return Report{Done: true, Success: true}, nil
	default:
		return Report{Done: true, Success: false,
			Reason: strings.TrimSpace(state + " " + exit)}, nil
	}
}

func (s *Slurm) Cancel(ctx context.Context, id string) error {
	if _, err := s.run(ctx, nil, "scancel", id); err != nil {
		return campaign.Errorf(campaign.ErrLauncherCheck, "scancel %s: %w", id, err)
	}
	return nil
}
