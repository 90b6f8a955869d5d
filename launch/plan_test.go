// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package launch

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/trainlaunch"
	"github.com/grailbio/trainlaunch/rendezvous"
	"github.com/grailbio/trainlaunch/stage"
)

var testEndpoint = rendezvous.Endpoint{Host: "node0", Port: 29500, Backend: rendezvous.Backend}

func testRequest(nodes, accel int) Request {
	return Request{
		Job: trainlaunch.Job{
			Name:                "simsiam",
			ID:                  "1234",
			Nodes:               nodes,
			AcceleratorsPerNode: accel,
			CPUsPerTask:         10,
			LogDir:              "/logs",
			DurableDir:          "/durable",
		},
		Phase:         trainlaunch.Pretrain,
		Dataset:       stage.Location{Root: "/data/imagenet"},
		Endpoint:      testEndpoint,
		CheckpointDir: "/ckpt",
		Args:          []string{"--epochs", "200"},
	}
}

// flagValue returns the value following flag in args.
func flagValue(args []string, flag string) (string, bool) {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1], true
		}
	}
	return "", false
}

func hasArg(args []string, arg string) bool {
	for _, a := range args {
		if a == arg {
			return true
		}
	}
	return false
}

func TestPlan(t *testing.T) {
	cmd := Command{Program: "python", Args: []string{"main_simsiam.py"}}
	plan, err := Plan(cmd, testRequest(2, 4), StaggerDelay)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(plan), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i, a := range plan {
		if got, want := a.Rank, i; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := a.Node, i; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := a.Task.Delay, time.Duration(i)*5*time.Second; got != want {
			t.Errorf("rank %d: got %v, want %v", i, got, want)
		}
		if a.Task.WaitFor != nil {
			t.Errorf("rank %d: unexpected probe", i)
		}
		args := a.Task.Args
		if got, want := args[0], "main_simsiam.py"; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		for flag, want := range map[string]string{
			"--dist-url":       "tcp://node0:29500",
			"--dist-backend":   "nccl",
			"--world-size":     "2",
			"--rank":           []string{"0", "1"}[i],
			"--batch-size":     "384",
			"--workers":        "10",
			"--checkpoint-dir": "/ckpt",
			"--epochs":         "200",
		} {
			if got, _ := flagValue(args, flag); got != want {
				t.Errorf("rank %d: %s: got %v, want %v", i, flag, got, want)
			}
		}
		if !hasArg(args, "--multiprocessing-distributed") {
			t.Errorf("rank %d: missing --multiprocessing-distributed", i)
		}
		if hasArg(args, "--resume") || hasArg(args, "--pretrained") {
			t.Errorf("rank %d: unexpected checkpoint arguments: %v", i, args)
		}
		if got, want := args[len(args)-1], "/data/imagenet"; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := a.Task.LogPath, []string{"/logs/simsiam-1234-0.log", "/logs/simsiam-1234-1.log"}[i]; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if !reflect.DeepEqual(plan[0].Task.Env[:2], plan[1].Task.Env[:2]) {
		t.Errorf("ranks disagree on master: %v, %v", plan[0].Task.Env, plan[1].Task.Env)
	}
}

func TestPlanProbe(t *testing.T) {
	plan, err := Plan(Command{Program: "train"}, testRequest(3, 1), StaggerProbe)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range plan {
		if a.Task.Delay != 0 {
			t.Errorf("rank %d: unexpected delay %s", a.Rank, a.Task.Delay)
		}
		if got, want := a.Task.WaitFor != nil, a.Rank > 0; got != want {
			t.Errorf("rank %d: got %v, want %v", a.Rank, got, want)
		}
		if a.Task.WaitFor != nil && *a.Task.WaitFor != testEndpoint {
			t.Errorf("rank %d: got %v, want %v", a.Rank, *a.Task.WaitFor, testEndpoint)
		}
	}
}

func TestSingle(t *testing.T) {
	task, err := Single(Command{Program: "train"}, testRequest(1, 4))
	if err != nil {
		t.Fatal(err)
	}
	for flag, want := range map[string]string{
		"--world-size": "1",
		"--rank":       "0",
		"--batch-size": "192",
	} {
		if got, _ := flagValue(task.Args, flag); got != want {
			t.Errorf("%s: got %v, want %v", flag, got, want)
		}
	}
	if task.Delay != 0 || task.WaitFor != nil || task.LogPath != "" {
		t.Errorf("unexpected single-node task %+v", task)
	}
	if !hasArg(task.Env, "BATCH_SIZE=192") {
		t.Errorf("missing BATCH_SIZE in %v", task.Env)
	}
}

func TestPlanPrecondition(t *testing.T) {
	for _, mod := range []func(*Request){
		func(r *Request) { r.Endpoint = rendezvous.Endpoint{} },
		func(r *Request) { r.Dataset = stage.Location{} },
	} {
		req := testRequest(2, 1)
		mod(&req)
		_, err := Plan(Command{Program: "train"}, req, StaggerDelay)
		if !errors.Is(errors.Precondition, err) {
			t.Errorf("got %v, want precondition error", err)
		}
		_, err = Single(Command{Program: "train"}, req)
		if !errors.Is(errors.Precondition, err) {
			t.Errorf("got %v, want precondition error", err)
		}
	}
}

func TestArgsCheckpoints(t *testing.T) {
	req := testRequest(1, 1)
	req.Phase = trainlaunch.Lincls
	req.Resume = "/ckpt/lincls_checkpoint_latest"
	args := Args(req, 0, 1)
	if got, want := mustFlag(t, args, "--resume"), "/ckpt/lincls_checkpoint_latest"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := mustFlag(t, args, "--pretrained"), "/ckpt/checkpoint_latest"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := args[len(args)-1], "/data/imagenet"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func mustFlag(t *testing.T, args []string, flag string) string {
	t.Helper()
	v, ok := flagValue(args, flag)
	if !ok {
		t.Fatalf("missing %s in %v", flag, args)
	}
	return v
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand(`python main_simsiam.py -a resnet50 --note "two words"`)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := cmd.Program, "python"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := cmd.Args, []string{"main_simsiam.py", "-a", "resnet50", "--note", "two words"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := ParseCommand("  "); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestStaggerFlag(t *testing.T) {
	var s Stagger
	if err := s.Set("probe"); err != nil {
		t.Fatal(err)
	}
	if got, want := s.String(), "probe"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := s.Set("sometimes"); err == nil || !strings.Contains(err.Error(), "sometimes") {
		t.Errorf("got %v, want error", err)
	}
}

func TestPlanStaging(t *testing.T) {
	req := testRequest(2, 1)
	req.Job.DataRoot = "/data"
	req.Dataset = stage.Location{Root: "/data/imagenet", Source: stage.Source{Kind: stage.NamedCorpus, Corpus: stage.ImageNet}}
	req.RemoteRoot = "s3://datasets"
	plan, err := Plan(echo, req, StaggerDelay)
	if err != nil {
		t.Fatal(err)
	}
	want := Staging{
		Identifier: "imagenet",
		Root:       "/data/imagenet",
		DataRoot:   "/data",
		RemoteRoot: "s3://datasets",
	}
	for _, a := range plan {
		if got := a.Staging; got != want {
			t.Errorf("rank %d: got %+v, want %+v", a.Rank, got, want)
		}
	}
}
