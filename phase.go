// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package trainlaunch

import (
	"fmt"

	"github.com/grailbio/base/file"
)

// Phase is one of the two training phases of a job.
type Phase int

const (
	// Pretrain is the unsupervised pre-training phase.
	Pretrain Phase = iota
	// Lincls is the linear-classification phase, which reads the
	// Pretrain checkpoint as a frozen pre-trained model.
	Lincls
)

// Phases lists the phases of a job in the order in which they run.
var Phases = []Phase{Pretrain, Lincls}

// String returns the phase's tag.
func (p Phase) String() string {
	switch p {
	case Pretrain:
		return "pretrain"
	case Lincls:
		return "lincls"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Checkpoint describes the latest checkpoint written by a phase. The
// checkpoint itself is owned by the training program; trainlaunch only
// tests for its existence and passes its path along.
type Checkpoint struct {
	// Dir is the job's checkpoint directory.
	Dir string
	// Latest is the file name of the latest-checkpoint pointer.
	Latest string
	// Phase is the phase that writes the checkpoint.
	Phase Phase
}

// CheckpointOf returns the checkpoint written by phase p in dir.
func CheckpointOf(dir string, p Phase) Checkpoint {
	latest := "checkpoint_latest"
	if p == Lincls {
		latest = "lincls_checkpoint_latest"
	}
	return Checkpoint{Dir: dir, Latest: latest, Phase: p}
}

// Path returns the full path of the latest checkpoint.
func (c Checkpoint) Path() string {
	return file.Join(c.Dir, c.Latest)
}

// Spec is what the user asks to run: a dataset and the arguments that
// are forwarded verbatim to the training program in both phases.
type Spec struct {
	// Dataset is a dataset name or a path to a directory or archive.
	Dataset string
	// Args are passed through to the training program unmodified.
	Args []string
}
