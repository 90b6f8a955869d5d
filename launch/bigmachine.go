// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package launch

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/trainlaunch/rendezvous"
	"golang.org/x/sync/errgroup"
)

// Bigmachine is a System that runs each rank of a launch on its own
// bigmachine machine. Machines are started on first use, one per
// node, and are reused by every phase of the job; rank 0 runs on the
// first machine, which therefore hosts the rendezvous.
//
// Each machine stages the dataset into the job's data root before
// running its rank, unless the dataset is already there. The training
// program must be installed on the machines' image: only the
// trainlaunch binary is shipped by bigmachine.
type Bigmachine struct {
	// System is the bigmachine system on which machines are started.
	System bigmachine.System
	// Params are passed to bigmachine when starting machines.
	Params []bigmachine.Param
	// Status, if non-nil, receives machine status.
	Status *status.Group

	once     sync.Once
	b        *bigmachine.B
	machines []*bigmachine.Machine
	err      error
}

// Name implements System.
func (s *Bigmachine) Name() string { return s.System.Name() }

// start starts n machines and waits for all of them to be running.
// It is called once per job: a phase that needs more machines than
// the first one started is an error.
func (s *Bigmachine) start(ctx context.Context, n int) ([]*bigmachine.Machine, error) {
	s.once.Do(func() {
		s.b = bigmachine.Start(s.System)
		params := append([]bigmachine.Param{bigmachine.Services{"Trainer": &trainer{}}}, s.Params...)
		machines, err := s.b.Start(ctx, n, params...)
		if err != nil {
			s.err = errors.E(errors.Unavailable, "bigmachine: start machines", err)
			return
		}
		g, ctx := errgroup.WithContext(ctx)
		for i := range machines {
			m := machines[i]
			task := s.Status.Start()
			task.Print("waiting for machine to boot")
			g.Go(func() error {
				defer task.Done()
				select {
				case <-m.Wait(bigmachine.Running):
				case <-ctx.Done():
					return ctx.Err()
				}
				if err := m.Err(); err != nil {
					task.Printf("failed to start: %v", err)
					return errors.E(errors.Unavailable, fmt.Sprintf("machine %s failed to start", m.Addr), err)
				}
				task.Title(m.Addr)
				log.Printf("machine %v is ready", m.Addr)
				return nil
			})
		}
		if s.err = g.Wait(); s.err == nil {
			s.machines = machines
		}
	})
	if s.err != nil {
		return nil, s.err
	}
	if len(s.machines) < n {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("bigmachine: %d nodes requested, %d machines running", n, len(s.machines)))
	}
	return s.machines[:n], nil
}

// Master implements System. The master is the first machine; its
// port is chosen by the machine itself.
func (s *Bigmachine) Master(ctx context.Context, nodes int) (rendezvous.Master, error) {
	machines, err := s.start(ctx, nodes)
	if err != nil {
		return nil, err
	}
	return machineMaster{machines[0]}, nil
}

// Run implements System. Each assignment is run on the machine whose
// ordinal is the assignment's node. The first assignment to fail
// cancels the others.
func (s *Bigmachine) Run(ctx context.Context, plan []Assignment) error {
	machines, err := s.start(ctx, len(plan))
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := range plan {
		a := plan[i]
		if a.Node < 0 || a.Node >= len(machines) {
			return errors.E(errors.Invalid, fmt.Sprintf("rank %d: no machine for node %d", a.Rank, a.Node))
		}
		m := machines[a.Node]
		g.Go(func() error {
			if err := m.Call(ctx, "Trainer.Stage", a.Staging, nil); err != nil {
				return errors.E(fmt.Sprintf("rank %d on %s", a.Rank, m.Addr), err)
			}
			// Call, not RetryCall: a failed training process is not retried.
			if err := m.Call(ctx, "Trainer.Run", a, nil); err != nil {
				return errors.E(errors.Remote, errors.Fatal, fmt.Sprintf("rank %d on %s", a.Rank, m.Addr), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown shuts down the machines started by the system.
func (s *Bigmachine) Shutdown() {
	if s.b != nil {
		s.b.Shutdown()
	}
}

// machineMaster resolves the rendezvous on a bigmachine machine.
type machineMaster struct {
	*bigmachine.Machine
}

func (m machineMaster) Resolve(ctx context.Context) (string, int, error) {
	u, err := url.Parse(m.Addr)
	if err != nil {
		return "", 0, errors.E(errors.Invalid, fmt.Sprintf("machine address %q", m.Addr), err)
	}
	var port int
	if err := m.RetryCall(ctx, "Trainer.FreePort", struct{}{}, &port); err != nil {
		return "", 0, err
	}
	return u.Hostname(), port, nil
}

// trainer is the bigmachine service that runs training processes.
type trainer struct{}

// FreePort returns a free port on the machine.
func (*trainer) FreePort(ctx context.Context, _ struct{}, port *int) (err error) {
	*port, err = rendezvous.FreePort()
	return
}

// Stage stages the dataset on the machine unless it is already
// present.
func (*trainer) Stage(ctx context.Context, s Staging, _ *struct{}) error {
	return s.Ensure(ctx)
}

// Run runs the assignment's task on the machine.
func (*trainer) Run(ctx context.Context, a Assignment, _ *struct{}) error {
	log.Printf("trainer: running rank %d: %s", a.Rank, a.Task)
	return a.Task.Run(ctx)
}
