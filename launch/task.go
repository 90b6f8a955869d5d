// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package launch

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/trainlaunch/rendezvous"
)

// Task is a structured description of one training process: what to
// run, with which environment, where its output goes, and how it
// waits for the master rank before starting.
type Task struct {
	// Program and Args form the process's command line.
	Program string
	Args    []string
	// Env holds KEY=value pairs added to the launcher's environment.
	Env []string
	// LogPath is the file to which the process's standard output and
	// error are appended. If empty, they are inherited.
	LogPath string
	// Delay is how long to wait before starting the process.
	Delay time.Duration
	// WaitFor, if set, is an endpoint that must accept connections
	// before the process is started.
	WaitFor *rendezvous.Endpoint
}

// String returns the task's command line, quoted for sh.
func (t Task) String() string {
	args := make([]string, 0, len(t.Args)+1)
	args = append(args, shellQuote(t.Program))
	for _, arg := range t.Args {
		args = append(args, shellQuote(arg))
	}
	return strings.Join(args, " ")
}

// Assignment is the task assigned to one rank of a multi-node launch.
type Assignment struct {
	// Rank is the rank's ordinal in [0, world size).
	Rank int
	// Node is the ordinal of the node that runs the rank.
	Node int
	// Task is the process that the rank runs.
	Task Task
	// Staging stages the dataset on the rank's node before Task runs.
	Staging Staging
}

// TrainingFailed tells whether err reports a failed training process.
func TrainingFailed(err error) bool {
	return err != nil && errors.Is(errors.Remote, err)
}

// Run runs the task to completion. A process that cannot be started
// or that exits with a non-zero status is reported as a fatal
// errors.Remote error (see TrainingFailed). Run does not retry.
func (t Task) Run(ctx context.Context) error {
	if t.Delay > 0 {
		log.Printf("waiting %s before starting %s", t.Delay, t.Program)
		select {
		case <-time.After(t.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if t.WaitFor != nil {
		if err := rendezvous.WaitReady(ctx, *t.WaitFor, nil); err != nil {
			return err
		}
	}
	cmd := exec.CommandContext(ctx, t.Program, t.Args...)
	cmd.Env = append(os.Environ(), t.Env...)
	var out io.WriteCloser
	if t.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(t.LogPath), 0777); err != nil {
			return err
		}
		f, err := os.OpenFile(t.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return errors.E(fmt.Sprintf("open log %s", t.LogPath), err)
		}
		out = f
		cmd.Stdout, cmd.Stderr = f, f
	} else {
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	}
	log.Printf("exec: %s", t)
	err := cmd.Run()
	if out != nil {
		out.Close()
	}
	if err != nil {
		return errors.E(errors.Remote, errors.Fatal,
			fmt.Sprintf("training process failed: %s", t.Program), err)
	}
	return nil
}

// shellQuote quotes a string to be used as an argument in an sh command line.
func shellQuote(s string) string {
	// We wrap with single quotes, as they will work with any string except
	// those with single quotes. We handle single quotes by tranforming them
	// into "'\''" and letting the shell concatenate the strings back together.
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}
