// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package launch

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/trainlaunch"
	"github.com/grailbio/trainlaunch/rendezvous"
	"github.com/grailbio/trainlaunch/stage"
	shellwords "github.com/mattn/go-shellwords"
)

// Command is the training program of a phase, without the arguments
// that the launcher adds.
type Command struct {
	Program string
	Args    []string
}

// ParseCommand parses a shell-style command line such as
// "python main_simsiam.py -a resnet50".
func ParseCommand(line string) (Command, error) {
	args, err := shellwords.Parse(line)
	if err != nil {
		return Command{}, errors.E(errors.Invalid, fmt.Sprintf("parse command %q", line), err)
	}
	if len(args) == 0 {
		return Command{}, errors.E(errors.Invalid, "empty training command")
	}
	return Command{Program: args[0], Args: args[1:]}, nil
}

// Request describes one phase of a launch.
type Request struct {
	// Job is the invocation's context; it supplies the world size,
	// the node ordinal, and the resources of each node.
	Job trainlaunch.Job
	// Phase is the phase to launch.
	Phase trainlaunch.Phase
	// Dataset is the staged dataset.
	Dataset stage.Location
	// Endpoint is the job's rendezvous.
	Endpoint rendezvous.Endpoint
	// CheckpointDir is where the phase writes its checkpoints.
	CheckpointDir string
	// Resume is the checkpoint from which the phase resumes, if any.
	Resume string
	// Args are forwarded verbatim to the training program.
	Args []string
	// RemoteRoot and RelabelURL configure staging on nodes that do
	// not share the launching host's data root.
	RemoteRoot, RelabelURL string
}

func (r Request) validate() error {
	if r.Endpoint.IsZero() {
		return errors.E(errors.Precondition, "launch: rendezvous endpoint is not established")
	}
	if r.Dataset.Root == "" {
		return errors.E(errors.Precondition, "launch: dataset is not staged")
	}
	if r.Job.Nodes < 1 {
		return errors.E(errors.Precondition, "launch: job has no nodes")
	}
	return nil
}

// Stagger is the policy by which ranks of a multi-node launch delay
// their start so that the master rank is listening before the others
// connect.
type Stagger int

const (
	// StaggerDelay starts rank r after r×StartupDelay. It is a
	// heuristic: a slow master can still lose the race.
	StaggerDelay Stagger = iota
	// StaggerProbe starts rank 0 immediately, and the other ranks once
	// the rendezvous endpoint accepts connections.
	StaggerProbe
)

// StartupDelay is the per-rank startup delay of StaggerDelay.
const StartupDelay = 5 * time.Second

func (s Stagger) String() string {
	switch s {
	case StaggerDelay:
		return "delay"
	case StaggerProbe:
		return "probe"
	default:
		return fmt.Sprintf("stagger(%d)", int(s))
	}
}

// Set implements flag.Value.
func (s *Stagger) Set(v string) error {
	switch v {
	case "delay":
		*s = StaggerDelay
	case "probe":
		*s = StaggerProbe
	default:
		return fmt.Errorf("unknown stagger policy %q: want delay or probe", v)
	}
	return nil
}

// Get implements flag.Getter.
func (s *Stagger) Get() interface{} {
	return *s
}

// Plan returns the assignments of a multi-node launch: one per node,
// with ranks forming [0, world size). Plan fails with an
// errors.Precondition error if the request's endpoint or dataset is
// not yet resolved.
func Plan(cmd Command, req Request, stagger Stagger) ([]Assignment, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	n := req.Job.WorldSize()
	plan := make([]Assignment, n)
	staging := Staging{
		Identifier: req.Dataset.Source.Identifier(),
		Root:       req.Dataset.Root,
		DataRoot:   req.Job.DataRoot,
		RemoteRoot: req.RemoteRoot,
		RelabelURL: req.RelabelURL,
	}
	for rank := range plan {
		task := Task{
			Program: cmd.Program,
			Args:    append(append([]string{}, cmd.Args...), Args(req, rank, n)...),
			Env:     Env(req, rank, n),
			LogPath: LogPath(req.Job, rank),
		}
		switch stagger {
		case StaggerDelay:
			task.Delay = time.Duration(rank) * StartupDelay
		case StaggerProbe:
			if rank > 0 {
				ep := req.Endpoint
				task.WaitFor = &ep
			}
		}
		plan[rank] = Assignment{Rank: rank, Node: rank, Task: task, Staging: staging}
	}
	return plan, nil
}

// Single returns the task of a single-node launch: one invocation,
// rank 0 of 1, that fans out across the node's accelerators by
// itself.
func Single(cmd Command, req Request) (Task, error) {
	if err := req.validate(); err != nil {
		return Task{}, err
	}
	return Task{
		Program: cmd.Program,
		Args:    append(append([]string{}, cmd.Args...), Args(req, 0, 1)...),
		Env:     Env(req, 0, 1),
	}, nil
}

// Args returns the arguments the launcher passes to the training
// program for the given rank, followed by the request's pass-through
// arguments and, last, the dataset directory.
func Args(req Request, rank, worldSize int) []string {
	args := []string{
		"--dist-url", req.Endpoint.URL(),
		"--dist-backend", req.Endpoint.Backend,
		"--world-size", strconv.Itoa(worldSize),
		"--rank", strconv.Itoa(rank),
		"--multiprocessing-distributed",
		"--batch-size", strconv.Itoa(req.Job.BatchSize()),
		"--workers", strconv.Itoa(req.Job.Workers()),
		"--checkpoint-dir", req.CheckpointDir,
	}
	if req.Resume != "" {
		args = append(args, "--resume", req.Resume)
	}
	if req.Phase == trainlaunch.Lincls {
		args = append(args, "--pretrained", trainlaunch.CheckpointOf(req.CheckpointDir, trainlaunch.Pretrain).Path())
	}
	args = append(args, req.Args...)
	return append(args, req.Dataset.Root)
}

// Env returns the environment exported to the training program.
func Env(req Request, rank, worldSize int) []string {
	return []string{
		"MASTER_ADDR=" + req.Endpoint.Host,
		"MASTER_PORT=" + strconv.Itoa(req.Endpoint.Port),
		"BATCH_SIZE=" + strconv.Itoa(req.Job.BatchSize()),
		"WORKERS=" + strconv.Itoa(req.Job.Workers()),
		"CHECKPOINT_DIR=" + req.CheckpointDir,
		"DURABLE_DIR=" + req.Job.DurableDir,
		"RANK=" + strconv.Itoa(rank),
		"WORLD_SIZE=" + strconv.Itoa(worldSize),
	}
}

// LogPath returns the log file of a rank: <log dir>/<job name>-<job id>-<rank>.log.
func LogPath(job trainlaunch.Job, rank int) string {
	return filepath.Join(job.LogDir, fmt.Sprintf("%s-%s-%d.log", job.Name, job.ID, rank))
}
