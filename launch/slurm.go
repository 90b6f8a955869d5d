// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package launch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/trainlaunch"
	"github.com/grailbio/trainlaunch/rendezvous"
)

// EnvPlan is the environment variable through which a Slurm launch
// hands its plan to the workers on each node.
const EnvPlan = "TRAINLAUNCH_PLAN"

// Slurm is a System that uses srun to run one task on each node of
// the job's allocation. Each task runs the launcher's worker command,
// which binds its rank when it starts, from the node ordinal reported
// by the scheduler, and then runs its assignment.
type Slurm struct {
	// Srun is the srun binary; "srun" if empty.
	Srun string
	// Worker is the command line, without the plan, that runs the
	// worker on each node. It defaults to "<this binary> worker".
	Worker []string
	// Flags are additional flags passed to srun.
	Flags []string
}

// Name implements System.
func (*Slurm) Name() string { return "slurm" }

// Master implements System. The batch step of a job runs on its first
// node, which is the node that hosts rank 0.
func (*Slurm) Master(context.Context, int) (rendezvous.Master, error) {
	return rendezvous.LocalMaster{}, nil
}

// Command returns the srun command that runs plan.
func (s *Slurm) Command(ctx context.Context, plan []Assignment) (*exec.Cmd, error) {
	worker := s.Worker
	if len(worker) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, err
		}
		worker = []string{self, "worker"}
	}
	encoded, err := json.Marshal(plan)
	if err != nil {
		return nil, err
	}
	srun := s.Srun
	if srun == "" {
		srun = "srun"
	}
	n := strconv.Itoa(len(plan))
	args := []string{
		"--nodes=" + n,
		"--ntasks=" + n,
		"--ntasks-per-node=1",
		"--kill-on-bad-exit=1",
	}
	args = append(args, s.Flags...)
	args = append(args, worker...)
	cmd := exec.CommandContext(ctx, srun, args...)
	cmd.Env = append(os.Environ(), EnvPlan+"="+string(encoded))
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	return cmd, nil
}

// Run implements System.
func (s *Slurm) Run(ctx context.Context, plan []Assignment) error {
	cmd, err := s.Command(ctx, plan)
	if err != nil {
		return err
	}
	log.Printf("slurm: %s", Task{Program: cmd.Path, Args: cmd.Args[1:]})
	if err := cmd.Run(); err != nil {
		return errors.E(errors.Remote, errors.Fatal, "srun failed", err)
	}
	return nil
}

// Worker runs the assignment of the node on which it is invoked. The
// plan is read from EnvPlan and the node ordinal from the scheduler's
// environment, both through getenv.
func Worker(ctx context.Context, getenv func(string) string) error {
	encoded := getenv(EnvPlan)
	if encoded == "" {
		return errors.E(errors.Invalid, fmt.Sprintf("worker: %s is not set", EnvPlan))
	}
	var plan []Assignment
	if err := json.Unmarshal([]byte(encoded), &plan); err != nil {
		return errors.E(errors.Invalid, "worker: decode plan", err)
	}
	job, err := trainlaunch.FromEnv(getenv)
	if err != nil {
		return err
	}
	a, err := Assign(plan, job.NodeID)
	if err != nil {
		return err
	}
	log.Printf("worker: node %d runs rank %d of %d", job.NodeID, a.Rank, len(plan))
	if err := a.Staging.Ensure(ctx); err != nil {
		return err
	}
	return a.Task.Run(ctx)
}

// Assign returns the assignment of the given node.
func Assign(plan []Assignment, node int) (Assignment, error) {
	for _, a := range plan {
		if a.Node == node {
			return a, nil
		}
	}
	return Assignment{}, errors.E(errors.NotExist, fmt.Sprintf("no assignment for node %d among %d", node, len(plan)))
}
