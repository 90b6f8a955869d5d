// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package trainlaunch

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// Job is the immutable context of a single job invocation. It replaces
// the environment variables that the scheduler sets for each job step:
// a Job is derived from them once, and then passed explicitly to every
// component. A Job is re-derived on every invocation, including the
// re-invocations that follow a preemption.
type Job struct {
	// Name and ID identify the job to the scheduler.
	Name, ID string
	// Cluster is the name of the cluster on which the job runs.
	Cluster string
	// SubmitHost is the host from which the job was submitted.
	SubmitHost string

	// RestartCount is the number of times the scheduler has restarted
	// this job, for example after a preemption.
	RestartCount int
	// Nodes is the number of nodes allocated to the job; each node
	// runs exactly one task.
	Nodes int
	// NodeID is the ordinal of the node on which this process runs.
	NodeID int
	// CPUsPerTask is the CPU allotment of each task.
	CPUsPerTask int
	// MemPerNode is the memory allotment of each node, in megabytes.
	MemPerNode int
	// AcceleratorsPerNode is the number of accelerators on each node.
	AcceleratorsPerNode int

	// CheckpointDir is the directory in which the training program
	// writes its checkpoints. It must be the same path across restarts
	// of the same job; the default is derived from the job's name and
	// ID, which the scheduler preserves across restarts.
	CheckpointDir string
	// DurableDir is the directory to which CheckpointDir is archived
	// once both phases have completed. It may be empty, in which case
	// the job is not archived.
	DurableDir string
	// DataRoot is the fast, node-local directory into which datasets
	// are staged.
	DataRoot string
	// LogDir is the directory in which per-rank log files are written.
	LogDir string
}

// Environment variables read by FromEnv.
const (
	EnvJobName        = "SLURM_JOB_NAME"
	EnvJobID          = "SLURM_JOB_ID"
	EnvCluster        = "SLURM_CLUSTER_NAME"
	EnvSubmitHost     = "SLURM_SUBMIT_HOST"
	EnvRestartCount   = "SLURM_RESTART_COUNT"
	EnvNodes          = "SLURM_JOB_NUM_NODES"
	EnvNodeID         = "SLURM_NODEID"
	EnvCPUsPerTask    = "SLURM_CPUS_PER_TASK"
	EnvMemPerNode     = "SLURM_MEM_PER_NODE"
	EnvGPUsOnNode     = "SLURM_GPUS_ON_NODE"
	EnvCheckpointDir  = "CHECKPOINT_DIR"
	EnvDurableDir     = "DURABLE_DIR"
	EnvDataRoot       = "DATA_ROOT"
	EnvLogDir         = "LOG_DIR"
	defaultJobName    = "trainlaunch"
	defaultJobID      = "local"
	defaultDataSubdir = "data"

	defaultCheckpointSubdir = "checkpoint"
)

// FromEnv derives a Job from the environment as reported by getenv
// (typically os.Getenv). Variables that the scheduler did not set take
// defaults that describe a fresh, single-node job, so that a job can be
// run outside of the scheduler. A malformed numeric variable is an
// errors.Invalid error that names the variable.
func FromEnv(getenv func(string) string) (Job, error) {
	job := Job{
		Name:       getenv(EnvJobName),
		ID:         getenv(EnvJobID),
		Cluster:    getenv(EnvCluster),
		SubmitHost: getenv(EnvSubmitHost),

		CheckpointDir: getenv(EnvCheckpointDir),
		DurableDir:    getenv(EnvDurableDir),
		DataRoot:      getenv(EnvDataRoot),
		LogDir:        getenv(EnvLogDir),
	}
	if job.Name == "" {
		job.Name = defaultJobName
	}
	if job.ID == "" {
		job.ID = defaultJobID
	}
	ints := []struct {
		name string
		ptr  *int
		def  int
	}{
		{EnvRestartCount, &job.RestartCount, 0},
		{EnvNodes, &job.Nodes, 1},
		{EnvNodeID, &job.NodeID, 0},
		{EnvCPUsPerTask, &job.CPUsPerTask, 1},
		{EnvMemPerNode, &job.MemPerNode, 0},
		{EnvGPUsOnNode, &job.AcceleratorsPerNode, 1},
	}
	for _, v := range ints {
		s := getenv(v.name)
		if s == "" {
			*v.ptr = v.def
			continue
		}
		// Some schedulers report a typed count, e.g. "gpu:4".
		if i := strings.LastIndexByte(s, ':'); i >= 0 {
			s = s[i+1:]
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return Job{}, errors.E(errors.Invalid, fmt.Sprintf("%s=%q: not a non-negative integer", v.name, getenv(v.name)))
		}
		*v.ptr = n
	}
	if job.Nodes == 0 {
		return Job{}, errors.E(errors.Invalid, fmt.Sprintf("%s=0: a job needs at least one node", EnvNodes))
	}
	if job.NodeID >= job.Nodes {
		return Job{}, errors.E(errors.Invalid, fmt.Sprintf("%s=%d: out of range for %d nodes", EnvNodeID, job.NodeID, job.Nodes))
	}
	if job.AcceleratorsPerNode == 0 {
		job.AcceleratorsPerNode = 1
	}
	if job.CPUsPerTask == 0 {
		job.CPUsPerTask = 1
	}
	if job.CheckpointDir == "" {
		job.CheckpointDir = filepath.Join(os.TempDir(), defaultCheckpointSubdir, job.Name+"-"+job.ID)
	}
	if job.DataRoot == "" {
		job.DataRoot = filepath.Join(os.TempDir(), defaultDataSubdir)
	}
	if job.LogDir == "" {
		job.LogDir = "."
	}
	return job, nil
}

// WorldSize returns the number of ranks in a multi-node launch: one
// per node.
func (j Job) WorldSize() int {
	return j.Nodes
}

// MultiNode tells whether the job spans more than one node.
func (j Job) MultiNode() bool {
	return j.Nodes > 1
}

// BatchSize returns the global batch size handed to the training
// program, which subdivides it across its accelerators.
func (j Job) BatchSize() int {
	return BatchSize(j.Nodes, j.AcceleratorsPerNode)
}

// Workers returns the number of data-loading worker threads handed to
// the training program.
func (j Job) Workers() int {
	return j.CPUsPerTask
}

// String returns a one-line summary of the job, suitable for logging.
func (j Job) String() string {
	return fmt.Sprintf("job %s[%s] cluster=%q submit=%q restarts=%d nodes=%d node=%d cpus=%d mem=%dM accel=%d",
		j.Name, j.ID, j.Cluster, j.SubmitHost, j.RestartCount, j.Nodes, j.NodeID,
		j.CPUsPerTask, j.MemPerNode, j.AcceleratorsPerNode)
}

// PerAcceleratorBatch is the per-accelerator batch size.
const PerAcceleratorBatch = 48

// BatchSize computes the global batch size for the given number of
// nodes and accelerators per node.
func BatchSize(nodes, acceleratorsPerNode int) int {
	return PerAcceleratorBatch * nodes * acceleratorsPerNode
}
