// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package launch starts the training program for one phase of a job.
// A single-node job is launched as one invocation that fans out across
// the node's accelerators by itself. A multi-node job is planned as
// one Assignment per node, each with its own rank, and the assignments
// are run concurrently by a System: the cluster's node-parallel
// execution primitive.
package launch

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/trainlaunch"
	"github.com/grailbio/trainlaunch/rendezvous"
	"golang.org/x/sync/errgroup"
)

// A System runs the assignments of a multi-node launch, one per node.
type System interface {
	// Name returns the system's name.
	Name() string
	// Master returns the resolver of the master node of a job that
	// spans the given number of nodes.
	Master(ctx context.Context, nodes int) (rendezvous.Master, error)
	// Run runs every assignment concurrently on its node and blocks
	// until all have completed. A failed assignment fails the run.
	Run(ctx context.Context, plan []Assignment) error
}

// A Launcher launches the phases of a job.
type Launcher struct {
	// Commands holds the training command of each phase.
	Commands map[trainlaunch.Phase]Command
	// System runs multi-node launches.
	System System
	// Stagger is the startup policy of multi-node launches.
	Stagger Stagger
	// Status, if non-nil, receives launch progress.
	Status *status.Group
}

// Launch launches one phase as described by req and waits for it to
// complete. Multi-node requests are dispatched to the launcher's
// System. A process that exits unsuccessfully fails the launch with
// an error for which TrainingFailed is true; the launch is not
// retried.
func (l *Launcher) Launch(ctx context.Context, req Request) error {
	cmd, ok := l.Commands[req.Phase]
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("launch: no command for phase %s", req.Phase))
	}
	var task *status.Task
	if l.Status != nil {
		task = l.Status.Startf("%s", req.Phase)
		defer task.Done()
	}
	if !req.Job.MultiNode() {
		t, err := Single(cmd, req)
		if err != nil {
			return err
		}
		log.Printf("launch %s: single node, batch size %d, %d workers", req.Phase, req.Job.BatchSize(), req.Job.Workers())
		task.Print("running on this node")
		if err := t.Run(ctx); err != nil {
			task.Printf("failed: %v", err)
			return errors.E(fmt.Sprintf("launch %s", req.Phase), err)
		}
		task.Print("done")
		return nil
	}
	if l.System == nil {
		return errors.E(errors.Invalid, fmt.Sprintf("launch %s: no system for %d nodes", req.Phase, req.Job.Nodes))
	}
	plan, err := Plan(cmd, req, l.Stagger)
	if err != nil {
		return err
	}
	log.Printf("launch %s: %d nodes on %s, batch size %d, %d workers, stagger %s",
		req.Phase, len(plan), l.System.Name(), req.Job.BatchSize(), req.Job.Workers(), l.Stagger)
	task.Printf("running %d ranks on %s", len(plan), l.System.Name())
	if err := l.System.Run(ctx, plan); err != nil {
		task.Printf("failed: %v", err)
		return errors.E(fmt.Sprintf("launch %s", req.Phase), err)
	}
	task.Print("done")
	return nil
}

// Local is a System that runs every assignment as a process on the
// local host. It is useful for testing multi-node launches on a
// single machine.
type Local struct{}

// Name implements System.
func (Local) Name() string { return "local" }

// Master implements System.
func (Local) Master(context.Context, int) (rendezvous.Master, error) {
	return rendezvous.LocalMaster{}, nil
}

// Run implements System. The first assignment to fail cancels the
// others.
func (Local) Run(ctx context.Context, plan []Assignment) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range plan {
		a := plan[i]
		g.Go(func() error {
			if err := a.Task.Run(ctx); err != nil {
				return errors.E(fmt.Sprintf("rank %d", a.Rank), err)
			}
			return nil
		})
	}
	return g.Wait()
}
