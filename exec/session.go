// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec runs trainlaunch jobs. A Session binds a job to the
// system on which its ranks run, and runs the launch steps in order:
// stage, rendezvous, resume, pretrain, lincls and archive.
package exec

import (
	"context"
	"net/http"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/trainlaunch"
	"github.com/grailbio/trainlaunch/launch"
	"github.com/grailbio/trainlaunch/mirror"
	"github.com/grailbio/trainlaunch/rendezvous"
	"github.com/grailbio/trainlaunch/resume"
	"github.com/grailbio/trainlaunch/stage"
)

// Session represents a trainlaunch session: one invocation of a job.
// A session is valid for the run of the binary, and is re-created on
// every invocation of the job, including those that follow a
// preemption.
//
// A session is started by Start, which configures it with options,
// and is then run against a job spec:
//
//	job, err := trainlaunch.FromEnv(os.Getenv)
//	...
//	sess := exec.Start(job, exec.Slurm, exec.Commands(pretrain, lincls))
//	defer sess.Shutdown()
//	if _, err := sess.Run(ctx, trainlaunch.Spec{Dataset: "imagenet"}); err != nil {
//		log.Fatal(err)
//	}
type Session struct {
	job       trainlaunch.Job
	system    launch.System
	stagger   launch.Stagger
	commands  map[trainlaunch.Phase]launch.Command
	stager    stage.Stager
	retry     retry.Policy
	status    *status.Status
	eventer   eventlog.Eventer
	tracePath string

	tracer *tracer
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session to run the ranks of multi-node jobs as
// processes on the local host.
var Local Option = func(s *Session) {
	s.system = launch.Local{}
}

// Slurm configures a session to run the ranks of multi-node jobs with
// srun, one per node of the job's allocation.
var Slurm Option = func(s *Session) {
	s.system = new(launch.Slurm)
}

// SlurmSystem configures a session with the provided Slurm system.
func SlurmSystem(system *launch.Slurm) Option {
	return func(s *Session) {
		s.system = system
	}
}

// Bigmachine configures a session to run each rank of a multi-node
// job on a machine of the provided bigmachine system. If any params
// are provided, they are applied to each machine.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.system = &launch.Bigmachine{System: system, Params: params}
	}
}

// System configures a session with a custom launch system.
func System(system launch.System) Option {
	return func(s *Session) {
		s.system = system
	}
}

// Stagger configures the startup policy of multi-node launches.
func Stagger(stagger launch.Stagger) Option {
	return func(s *Session) {
		s.stagger = stagger
	}
}

// Commands configures the training commands of the pretrain and
// lincls phases.
func Commands(pretrain, lincls launch.Command) Option {
	return func(s *Session) {
		s.commands = map[trainlaunch.Phase]launch.Command{
			trainlaunch.Pretrain: pretrain,
			trainlaunch.Lincls:   lincls,
		}
	}
}

// RemoteRoot configures the directory or URL from which named
// corpora are staged.
func RemoteRoot(root string) Option {
	return func(s *Session) {
		s.stager.RemoteRoot = root
	}
}

// RelabelURL configures the location from which the imagenet
// validation relabeling script is fetched when the remote root does
// not carry it.
func RelabelURL(url string) Option {
	return func(s *Session) {
		s.stager.RelabelURL = url
	}
}

// Retry configures the retry policy of dataset transfers and of
// archival.
func Retry(policy retry.Policy) Option {
	return func(s *Session) {
		s.retry = policy
	}
}

// Status configures the session with a status object to which
// launch statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Eventer configures the session with an Eventer that will be used to
// log session events.
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// TracePath configures the path to which a trace event file for the
// session will be written on shutdown.
func TracePath(path string) Option {
	return func(s *Session) {
		s.tracePath = path
	}
}

// Start creates and starts a new session for job, configuring it
// according to the provided options. If no system is configured, the
// session runs multi-node launches locally.
func Start(job trainlaunch.Job, options ...Option) *Session {
	s := &Session{
		job:     job,
		eventer: eventlog.Nop{},
		stager:  stage.Stager{RelabelURL: stage.DefaultRelabelURL},
	}
	for _, opt := range options {
		opt(s)
	}
	if s.system == nil {
		s.system = launch.Local{}
	}
	s.stager.DataRoot = job.DataRoot
	s.stager.Retry = s.retry
	if s.status != nil {
		s.stager.Status = s.status.Group("stage")
	}
	s.tracer = newTracer()
	log.Printf("%s", job)
	s.eventer.Event("trainlaunch:sessionStart",
		"jobName", job.Name,
		"jobID", job.ID,
		"restartCount", job.RestartCount,
		"nodes", job.Nodes,
		"system", s.system.Name(),
		"stagger", s.stagger.String())
	return s
}

// Job returns the session's job.
func (s *Session) Job() trainlaunch.Job {
	return s.job
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

// A Result is the outcome of a session run.
type Result struct {
	// Spec is the job request that was run.
	Spec trainlaunch.Spec
	// Dataset is the staged dataset.
	Dataset stage.Location
	// Transferred is the number of bytes transferred by staging.
	Transferred int64
	// Endpoint is the job's rendezvous.
	Endpoint rendezvous.Endpoint
	// Resume holds the resume decision of each phase that was
	// launched. Only the pretrain decision warns about a lost
	// checkpoint.
	Resume map[trainlaunch.Phase]resume.Decision
	// Completed lists the phases that completed successfully.
	Completed []trainlaunch.Phase
	// Archive is the manifest of the archived checkpoint directory.
	// It is nil unless both phases completed.
	Archive *mirror.Manifest
}

// Run runs the job described by spec to completion. The dataset is
// staged and the rendezvous established before any rank is planned;
// lincls is launched only once pretrain has succeeded; the checkpoint
// directory is archived only once both phases have succeeded. Run
// returns the first error encountered, and the partial result up to
// that point.
func (s *Session) Run(ctx context.Context, spec trainlaunch.Spec) (*Result, error) {
	if len(s.commands) == 0 {
		return nil, errors.E(errors.Invalid, "exec: no training commands configured")
	}
	res := &Result{Spec: spec, Resume: make(map[trainlaunch.Phase]resume.Decision)}
	err := s.run(ctx, res)
	if err != nil {
		s.eventer.Event("trainlaunch:runFailed", "error", err.Error())
	} else {
		s.eventer.Event("trainlaunch:runComplete", "transferred", res.Transferred)
	}
	return res, err
}

func (s *Session) run(ctx context.Context, res *Result) error {
	job := s.job
	err := s.step("stage", func() (err error) {
		res.Dataset, err = s.stager.Stage(ctx, res.Spec.Dataset)
		res.Transferred = s.stager.Transferred()
		return
	})
	if err != nil {
		return err
	}
	log.Printf("staged %s at %s (%s transferred)", res.Dataset.Source, res.Dataset.Root, humanize.IBytes(uint64(res.Transferred)))

	err = s.step("rendezvous", func() error {
		var master rendezvous.Master
		if job.MultiNode() {
			var err error
			if master, err = s.system.Master(ctx, job.Nodes); err != nil {
				return errors.E(errors.Unavailable, "rendezvous unavailable", err)
			}
		}
		var err error
		res.Endpoint, err = rendezvous.Establish(ctx, job.WorldSize(), master)
		return err
	})
	if err != nil {
		return err
	}

	launcher := &launch.Launcher{
		Commands: s.commands,
		System:   s.system,
		Stagger:  s.stagger,
	}
	if s.status != nil {
		launcher.Status = s.status.Group("launch")
	}
	var decision resume.Decision
	err = s.step("resume", func() (err error) {
		ckpt := trainlaunch.CheckpointOf(job.CheckpointDir, trainlaunch.Pretrain)
		decision, err = resume.Evaluate(ctx, job.RestartCount, ckpt.Path())
		return
	})
	if err != nil {
		return err
	}
	s.eventer.Event("trainlaunch:resume",
		"state", decision.State.String(),
		"restartCount", decision.RestartCount,
		"checkpointPresent", decision.CheckpointPresent())
	for _, phase := range trainlaunch.Phases {
		if phase != trainlaunch.Pretrain {
			// Later phases resume only from their own checkpoint,
			// which is routinely absent after a restart.
			ckpt := trainlaunch.CheckpointOf(job.CheckpointDir, phase)
			if decision, err = resume.Check(ctx, job.RestartCount, ckpt.Path()); err != nil {
				return err
			}
		}
		res.Resume[phase] = decision
		req := launch.Request{
			Job:           job,
			Phase:         phase,
			Dataset:       res.Dataset,
			Endpoint:      res.Endpoint,
			CheckpointDir: job.CheckpointDir,
			Resume:        decision.ResumePath(),
			Args:          res.Spec.Args,
			RemoteRoot:    s.stager.RemoteRoot,
			RelabelURL:    s.stager.RelabelURL,
		}
		err = s.step(phase.String(), func() error {
			return launcher.Launch(ctx, req)
		})
		if err != nil {
			return err
		}
		res.Completed = append(res.Completed, phase)
		s.eventer.Event("trainlaunch:phaseComplete", "phase", phase.String(), "resumed", decision.CheckpointPresent())
	}

	return s.step("archive", func() error {
		m, err := mirror.Archive(ctx, job.CheckpointDir, job.DurableDir, mirror.Options{Retry: s.retry})
		if err != nil {
			return err
		}
		res.Archive = &m
		return nil
	})
}

// step runs one launch step, tracing its span and reporting it in
// the session's status.
func (s *Session) step(name string, fn func() error) error {
	var task *status.Task
	if s.status != nil {
		task = s.status.Group("session").Startf("%s", name)
		defer task.Done()
	}
	s.tracer.Begin(name)
	err := fn()
	s.tracer.End(name, err)
	if err != nil {
		task.Printf("failed: %v", err)
		log.Error.Printf("%s: %v", name, err)
		return err
	}
	task.Print("done")
	return nil
}

// Shutdown tears down resources associated with this session. It
// should be called when the session is discarded.
func (s *Session) Shutdown() {
	if b, ok := s.system.(*launch.Bigmachine); ok {
		b.Shutdown()
	}
	if s.tracePath != "" {
		writeTraceFile(s.tracer, s.tracePath)
	}
}

// HandleDebug registers the session's debug handlers on handler.
func (s *Session) HandleDebug(handler *http.ServeMux) {
	handler.HandleFunc("/debug/trace", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("content-type", "application/json; charset=utf-8")
		if err := s.tracer.Marshal(w); err != nil {
			log.Error.Printf("exec.Session: /debug/trace: marshal: %v", err)
		}
	})
}

func writeTraceFile(tracer *tracer, path string) {
	w, err := os.Create(path)
	if err != nil {
		log.Error.Printf("error creating trace file at %q: %v", path, err)
		return
	}
	defer func() {
		if closeErr := w.Close(); closeErr != nil {
			log.Error.Printf("error closing trace file at %q: %v", path, closeErr)
		}
	}()
	if err := tracer.Marshal(w); err != nil {
		log.Error.Printf("error marshaling to trace file at %q: %v", path, err)
	}
}
