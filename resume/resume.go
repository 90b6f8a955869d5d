// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package resume decides whether a job invocation is a cold start or
// a resumption after the scheduler restarted the job. The decision is
// made afresh on every invocation from the scheduler's restart count
// and the presence of the latest checkpoint; nothing is remembered
// across invocations, and no training state is recovered here.
package resume

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// State is the resumption state of a job invocation.
type State int

const (
	// Fresh is the state of a job that has never been restarted.
	Fresh State = iota
	// ResumingWithCheckpoint is the state of a restarted job whose
	// latest checkpoint exists.
	ResumingWithCheckpoint
	// ResumingWithoutCheckpoint is the state of a restarted job whose
	// latest checkpoint is missing. Such a job is launched as if Fresh.
	ResumingWithoutCheckpoint
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case ResumingWithCheckpoint:
		return "resuming"
	case ResumingWithoutCheckpoint:
		return "resuming-without-checkpoint"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Decision is the outcome of evaluating an invocation.
type Decision struct {
	State State
	// RestartCount is the scheduler's restart count.
	RestartCount int
	// Checkpoint is the path of the latest checkpoint.
	Checkpoint string
}

// CheckpointPresent tells whether the latest checkpoint exists.
func (d Decision) CheckpointPresent() bool {
	return d.State == ResumingWithCheckpoint
}

// ResumePath returns the checkpoint from which the training program
// should resume, or "" if it should start from scratch.
func (d Decision) ResumePath() string {
	if d.State == ResumingWithCheckpoint {
		return d.Checkpoint
	}
	return ""
}

// Warn is called with a warning block when a restarted job has lost
// its checkpoint. It defaults to logging each line at error level.
var Warn = func(lines []string) {
	for _, line := range lines {
		log.Error.Printf("%s", line)
	}
}

// Evaluate decides the state of an invocation that was restarted
// restartCount times and whose latest checkpoint is at checkpoint. A
// missing checkpoint after a restart is not an error: Evaluate warns
// once and the job proceeds as if fresh. Errors other than the
// checkpoint's absence are returned. Evaluate should be called once
// per invocation.
func Evaluate(ctx context.Context, restartCount int, checkpoint string) (Decision, error) {
	d, err := Check(ctx, restartCount, checkpoint)
	if err != nil {
		return d, err
	}
	switch d.State {
	case Fresh:
		log.Printf("resume: fresh start")
	case ResumingWithCheckpoint:
		log.Printf("resume: restart %d: resuming from %s", restartCount, checkpoint)
	case ResumingWithoutCheckpoint:
		Warn(warning(restartCount, checkpoint))
	}
	return d, nil
}

// Check is like Evaluate, but neither logs nor warns. It decides
// whether a secondary checkpoint of an already evaluated invocation
// can be resumed.
func Check(ctx context.Context, restartCount int, checkpoint string) (Decision, error) {
	d := Decision{RestartCount: restartCount, Checkpoint: checkpoint}
	if restartCount <= 0 {
		d.State = Fresh
		return d, nil
	}
	_, err := file.Stat(ctx, checkpoint)
	switch {
	case err == nil:
		d.State = ResumingWithCheckpoint
	case errors.Is(errors.NotExist, err) || os.IsNotExist(err):
		d.State = ResumingWithoutCheckpoint
	default:
		return d, errors.E(fmt.Sprintf("resume: stat %s", checkpoint), err)
	}
	return d, nil
}

func warning(restartCount int, checkpoint string) []string {
	rule := strings.Repeat("!", 72)
	return []string{
		rule,
		fmt.Sprintf("WARNING: job restarted %d time(s) but checkpoint %s does not exist.", restartCount, checkpoint),
		"WARNING: training will start from scratch.",
		rule,
	}
}
